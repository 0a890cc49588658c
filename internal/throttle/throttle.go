package throttle

import (
	"sync"
	"time"
)

// DefaultMinInterval is the minimum spacing between persisted evidence frames.
const DefaultMinInterval = 20 * time.Second

// Throttle decides whether a frame with dead fish should be persisted as
// evidence. The first positive frame after startup always passes.
type Throttle struct {
	min  time.Duration
	last time.Time
	mu   sync.Mutex
}

// New creates a throttle with the given minimum interval
func New(minInterval time.Duration) *Throttle {
	return &Throttle{min: minInterval}
}

// ShouldCapture reports whether evidence should be captured at now. A true
// result records now as the last capture time before returning.
func (t *Throttle) ShouldCapture(now time.Time, deadCount int) bool {
	if deadCount <= 0 {
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.last.IsZero() && now.Sub(t.last) < t.min {
		return false
	}
	t.last = now
	return true
}

// LastCapture returns the last capture time, if any.
func (t *Throttle) LastCapture() (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.last, !t.last.IsZero()
}

// MinInterval returns the configured spacing
func (t *Throttle) MinInterval() time.Duration {
	return t.min
}
