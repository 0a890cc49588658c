package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetup_Level(t *testing.T) {
	defer zerolog.SetGlobalLevel(zerolog.TraceLevel)

	Setup("warn", false)
	assert.Equal(t, zerolog.WarnLevel, zerolog.GlobalLevel())

	Setup("nonsense", false)
	assert.Equal(t, zerolog.InfoLevel, zerolog.GlobalLevel())
}

func TestComponent_TagsGlobalLogger(t *testing.T) {
	defer zerolog.SetGlobalLevel(zerolog.TraceLevel)
	Setup("info", false)

	var buf bytes.Buffer
	saved := log.Logger
	defer func() { log.Logger = saved }()
	log.Logger = zerolog.New(&buf)

	l := Component("notifier")
	l.Info().Msg("hello")

	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "notifier", line["component"])
	assert.Equal(t, "hello", line["message"])
}
