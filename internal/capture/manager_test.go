package capture

import (
	"context"
	"errors"
	"image"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockDevice struct {
	reads   int
	failOn  map[int]bool
	closed  int
	closeFn func() error
}

func (d *mockDevice) Read() (*image.RGBA, error) {
	d.reads++
	if d.failOn[d.reads] {
		return nil, errors.New("read timeout")
	}
	return image.NewRGBA(image.Rect(0, 0, 4, 4)), nil
}

func (d *mockDevice) Info() Info {
	return Info{Source: "0", Backend: "mock", Width: 4, Height: 4, FPS: 30}
}

func (d *mockDevice) Close() error {
	d.closed++
	if d.closeFn != nil {
		return d.closeFn()
	}
	return nil
}

func TestManager_AcquireReadRelease(t *testing.T) {
	dev := &mockDevice{}
	opens := 0
	m := NewManager(OpenerFunc(func() (Device, error) {
		opens++
		return dev, nil
	}), zerolog.Nop())

	require.NoError(t, m.Acquire(context.Background()))
	require.NoError(t, m.Acquire(context.Background()))
	assert.Equal(t, 1, opens, "second acquire should reuse the held device")
	assert.True(t, m.Acquired())

	f1, err := m.ReadFrame()
	require.NoError(t, err)
	f2, err := m.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), f1.Seq)
	assert.Equal(t, uint64(2), f2.Seq)

	m.Release()
	m.Release()
	assert.Equal(t, 1, dev.closed, "release must close exactly once")
	assert.False(t, m.Acquired())

	stats := m.Stats()
	assert.Equal(t, 1, stats.Acquisitions)
	assert.Equal(t, 1, stats.Releases)
	assert.Equal(t, uint64(2), stats.FramesRead)
}

func TestManager_OpenFailure(t *testing.T) {
	m := NewManager(OpenerFunc(func() (Device, error) {
		return nil, errors.New("no such device")
	}), zerolog.Nop())

	err := m.Acquire(context.Background())
	var derr *DeviceError
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, "open", derr.Op)
	assert.False(t, m.Acquired())
	assert.Equal(t, err, m.LastError())
}

func TestManager_ReadWithoutDevice(t *testing.T) {
	m := NewManager(OpenerFunc(func() (Device, error) { return &mockDevice{}, nil }), zerolog.Nop())

	_, err := m.ReadFrame()
	assert.ErrorIs(t, err, ErrNotAcquired)
}

func TestManager_ReadFailureIsDeviceError(t *testing.T) {
	dev := &mockDevice{failOn: map[int]bool{1: true}}
	m := NewManager(OpenerFunc(func() (Device, error) { return dev, nil }), zerolog.Nop())
	require.NoError(t, m.Acquire(context.Background()))

	_, err := m.ReadFrame()
	var derr *DeviceError
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, "read", derr.Op)

	f, err := m.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), f.Seq, "failed reads do not consume sequence numbers")
	assert.Equal(t, 1, m.Stats().ReadFailures)
}

func TestManager_AcquireHonoursCancelledContext(t *testing.T) {
	opens := 0
	m := NewManager(OpenerFunc(func() (Device, error) {
		opens++
		return &mockDevice{}, nil
	}), zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, m.Acquire(ctx), context.Canceled)
	assert.Equal(t, 0, opens)
}
