package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aquamans/pondwatch/internal/protocol"
)

type mockWriter struct {
	msgs []kafka.Message
	err  error
}

func (w *mockWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *mockWriter) Close() error { return nil }

func TestProducer_PublishAlert(t *testing.T) {
	w := &mockWriter{}
	p := &Producer{writer: w}
	at := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)

	err := p.PublishAlert(context.Background(), &protocol.DeadFishAlert{
		Type:        protocol.AlertTypeDeadFish,
		ReadingID:   88,
		DeadCatfish: 2,
		CapturedAt:  at,
	})
	require.NoError(t, err)
	require.Len(t, w.msgs, 1)
	assert.Equal(t, "88", string(w.msgs[0].Key))

	decoded, err := protocol.DecodeDeadFishAlert(w.msgs[0].Value)
	require.NoError(t, err)
	assert.Equal(t, 2, decoded.DeadCatfish)
	assert.True(t, decoded.CapturedAt.Equal(at))
}

func TestProducer_PublishWrapsError(t *testing.T) {
	cause := errors.New("leader not available")
	p := &Producer{writer: &mockWriter{err: cause}}

	err := p.Publish(context.Background(), "k", []byte("v"))
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "failed to write message")
}
