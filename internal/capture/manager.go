package capture

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Manager owns at most one open device. Acquire, ReadFrame and Release are
// called from the capture loop; Acquired, LastError and Stats are safe
// from any goroutine.
type Manager struct {
	opener Opener
	log    zerolog.Logger
	now    func() time.Time

	device  Device
	seq     uint64
	lastErr error
	stats   ManagerStats
	mu      sync.RWMutex
}

// ManagerStats contains device lifecycle counters
type ManagerStats struct {
	Acquisitions int
	Releases     int
	ReadFailures int
	FramesRead   uint64
}

// NewManager creates a manager for devices produced by opener
func NewManager(opener Opener, log zerolog.Logger) *Manager {
	return &Manager{
		opener: opener,
		log:    log.With().Str("component", "capture").Logger(),
		now:    time.Now,
	}
}

// Acquire opens the device if it is not already held.
func (m *Manager) Acquire(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if m.Acquired() {
		return nil
	}

	dev, err := m.opener.Open()
	if err != nil {
		derr := asDeviceError("open", err)
		m.setLastErr(derr)
		m.log.Error().Err(err).Msg("failed to acquire capture device")
		return derr
	}

	info := dev.Info()
	m.mu.Lock()
	m.device = dev
	m.lastErr = nil
	m.stats.Acquisitions++
	m.mu.Unlock()

	m.log.Info().
		Str("source", info.Source).
		Str("backend", info.Backend).
		Int("width", info.Width).
		Int("height", info.Height).
		Float64("fps", info.FPS).
		Msg("capture device acquired")
	return nil
}

// ReadFrame reads the next frame from the held device.
func (m *Manager) ReadFrame() (*Frame, error) {
	m.mu.RLock()
	dev := m.device
	m.mu.RUnlock()
	if dev == nil {
		return nil, ErrNotAcquired
	}

	img, err := dev.Read()
	if err == nil && (img == nil || img.Bounds().Empty()) {
		err = ErrEmptyFrame
	}
	if err != nil {
		derr := asDeviceError("read", err)
		m.mu.Lock()
		m.lastErr = derr
		m.stats.ReadFailures++
		m.mu.Unlock()
		return nil, derr
	}

	m.mu.Lock()
	m.seq++
	m.stats.FramesRead++
	frame := &Frame{Seq: m.seq, Timestamp: m.now(), Image: img}
	m.mu.Unlock()
	return frame, nil
}

// Release closes the held device. Calling it without a held device is a no-op.
func (m *Manager) Release() {
	m.mu.Lock()
	dev := m.device
	m.device = nil
	if dev != nil {
		m.stats.Releases++
	}
	m.mu.Unlock()

	if dev == nil {
		return
	}
	if err := dev.Close(); err != nil {
		m.log.Warn().Err(err).Msg("error closing capture device")
		return
	}
	m.log.Info().Msg("capture device released")
}

// Acquired reports whether a device is currently held
func (m *Manager) Acquired() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.device != nil
}

// LastError returns the most recent open or read failure, cleared on a
// successful acquisition.
func (m *Manager) LastError() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastErr
}

// Stats returns device lifecycle counters
func (m *Manager) Stats() ManagerStats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stats
}

func (m *Manager) setLastErr(err error) {
	m.mu.Lock()
	m.lastErr = err
	m.mu.Unlock()
}

func asDeviceError(op string, err error) *DeviceError {
	var derr *DeviceError
	if errors.As(err, &derr) {
		return derr
	}
	return &DeviceError{Op: op, Err: err}
}
