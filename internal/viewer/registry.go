package viewer

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Info holds information about a connected stream viewer
type Info struct {
	ID          string
	RemoteAddr  string
	UserAgent   string
	ConnectedAt time.Time

	lastFrameAt time.Time
	framesSent  uint64
	mu          sync.RWMutex
}

// RecordFrame counts one delivered frame
func (v *Info) RecordFrame(at time.Time) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.framesSent++
	v.lastFrameAt = at
}

// FramesSent returns the number of frames delivered to the viewer
func (v *Info) FramesSent() uint64 {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.framesSent
}

// LastFrameAt returns when the viewer last received a frame
func (v *Info) LastFrameAt() time.Time {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.lastFrameAt
}

// Registry tracks live stream viewers
type Registry struct {
	viewers     map[string]*Info // key: viewer id
	mu          sync.RWMutex
	maxViewers  int
	totalServed uint64
	now         func() time.Time
}

// NewRegistry creates a new viewer registry. maxViewers <= 0 means no limit.
func NewRegistry(maxViewers int) *Registry {
	return &Registry{
		viewers:    make(map[string]*Info),
		maxViewers: maxViewers,
		now:        time.Now,
	}
}

// Register adds a viewer and returns its record
func (r *Registry) Register(remoteAddr, userAgent string) (*Info, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.maxViewers > 0 && len(r.viewers) >= r.maxViewers {
		return nil, ErrMaxViewersReached
	}

	v := &Info{
		ID:          uuid.NewString(),
		RemoteAddr:  remoteAddr,
		UserAgent:   userAgent,
		ConnectedAt: r.now(),
	}
	r.viewers[v.ID] = v
	r.totalServed++
	return v, nil
}

// Unregister removes a viewer
func (r *Registry) Unregister(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.viewers[id]; !exists {
		return fmt.Errorf("viewer %s not found", id)
	}
	delete(r.viewers, id)
	return nil
}

// Get retrieves a viewer by id
func (r *Registry) Get(id string) (*Info, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	v, exists := r.viewers[id]
	return v, exists
}

// Count returns the number of connected viewers
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.viewers)
}

// GetStalled returns viewers that have not received a frame for timeout.
// Viewers that never received one are measured from when they connected.
func (r *Registry) GetStalled(timeout time.Duration) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := r.now()
	var stalled []string
	for id, v := range r.viewers {
		last := v.LastFrameAt()
		if last.IsZero() {
			last = v.ConnectedAt
		}
		if now.Sub(last) > timeout {
			stalled = append(stalled, id)
		}
	}
	return stalled
}

// Stats returns statistics about the registry
func (r *Registry) Stats() RegistryStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return RegistryStats{
		ActiveViewers: len(r.viewers),
		MaxViewers:    r.maxViewers,
		TotalServed:   r.totalServed,
	}
}

// RegistryStats contains statistics about the viewer registry
type RegistryStats struct {
	ActiveViewers int    `json:"active_viewers"`
	MaxViewers    int    `json:"max_viewers"`
	TotalServed   uint64 `json:"total_served"`
}

var (
	ErrMaxViewersReached = &ViewerError{"maximum viewers reached"}
)

// ViewerError represents a viewer registration error
type ViewerError struct {
	msg string
}

func (e *ViewerError) Error() string {
	return e.msg
}
