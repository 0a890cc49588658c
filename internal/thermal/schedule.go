package thermal

import (
	"sync"
	"time"
)

// State is the duty-cycle state of the capture device
type State string

const (
	StateActive  State = "ACTIVE"
	StateResting State = "RESTING"
)

const (
	DefaultActiveWindow = 55 * time.Minute
	DefaultRestDuration = 5 * time.Minute
)

// Status is a point-in-time copy of the schedule for status reporting
type Status struct {
	State       State
	WindowStart time.Time
	RestEndsAt  time.Time
	NextRest    time.Time
}

// Resting reports whether the status describes a rest period
func (s Status) Resting() bool {
	return s.State == StateResting
}

// Schedule forces the capture device to rest for RestDuration after every
// ActiveWindow of operation. Only the capture loop advances it via Tick;
// readers may call the accessors concurrently.
type Schedule struct {
	activeWindow time.Duration
	restDuration time.Duration

	state       State
	windowStart time.Time
	restEndsAt  time.Time
	mu          sync.RWMutex
}

// NewSchedule starts an active window at now
func NewSchedule(activeWindow, restDuration time.Duration, now time.Time) *Schedule {
	if activeWindow <= 0 {
		activeWindow = DefaultActiveWindow
	}
	if restDuration <= 0 {
		restDuration = DefaultRestDuration
	}
	return &Schedule{
		activeWindow: activeWindow,
		restDuration: restDuration,
		state:        StateActive,
		windowStart:  now,
	}
}

// Tick advances the schedule to now and returns the resulting state.
func (s *Schedule) Tick(now time.Time) State {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateActive:
		if now.Sub(s.windowStart) >= s.activeWindow {
			s.state = StateResting
			s.restEndsAt = now.Add(s.restDuration)
		}
	case StateResting:
		if !now.Before(s.restEndsAt) {
			s.state = StateActive
			s.windowStart = now
			s.restEndsAt = time.Time{}
		}
	}
	return s.state
}

// IsActive reports whether the device may be used
func (s *Schedule) IsActive() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state == StateActive
}

// State returns the current state without advancing it
func (s *Schedule) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// NextRest returns when the current active window ends. While resting it
// returns when the rest ends.
func (s *Schedule) NextRest() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nextRestLocked()
}

// RestEndsAt returns when the current rest ends, or the zero time when active.
func (s *Schedule) RestEndsAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.restEndsAt
}

// RestDuration returns the configured rest length
func (s *Schedule) RestDuration() time.Duration {
	return s.restDuration
}

// Status returns a consistent copy of the schedule
func (s *Schedule) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Status{
		State:       s.state,
		WindowStart: s.windowStart,
		RestEndsAt:  s.restEndsAt,
		NextRest:    s.nextRestLocked(),
	}
}

func (s *Schedule) nextRestLocked() time.Time {
	if s.state == StateResting {
		return s.restEndsAt
	}
	return s.windowStart.Add(s.activeWindow)
}
