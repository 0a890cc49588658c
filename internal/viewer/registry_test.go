package viewer

import (
	"testing"
	"time"
)

func TestRegistry_Register(t *testing.T) {
	r := NewRegistry(10)

	v, err := r.Register("10.0.0.5:51000", "VLC/3.0")
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	if r.Count() != 1 {
		t.Errorf("Expected 1 viewer, got %d", r.Count())
	}

	got, exists := r.Get(v.ID)
	if !exists {
		t.Fatal("Viewer not found")
	}
	if got.UserAgent != "VLC/3.0" {
		t.Errorf("Expected user agent VLC/3.0, got %s", got.UserAgent)
	}
}

func TestRegistry_UniqueIDs(t *testing.T) {
	r := NewRegistry(0)

	a, _ := r.Register("a", "")
	b, _ := r.Register("b", "")
	if a.ID == b.ID {
		t.Errorf("Expected distinct ids, got %s twice", a.ID)
	}
}

func TestRegistry_RegisterMaxViewers(t *testing.T) {
	r := NewRegistry(2)

	r.Register("a", "")
	r.Register("b", "")

	// Third viewer should be refused
	_, err := r.Register("c", "")
	if err != ErrMaxViewersReached {
		t.Errorf("Expected ErrMaxViewersReached, got %v", err)
	}
}

func TestRegistry_Unregister(t *testing.T) {
	r := NewRegistry(10)

	a, _ := r.Register("a", "")
	r.Register("b", "")

	if err := r.Unregister(a.ID); err != nil {
		t.Fatalf("Unregister failed: %v", err)
	}
	if r.Count() != 1 {
		t.Errorf("Expected 1 viewer, got %d", r.Count())
	}
	if err := r.Unregister(a.ID); err == nil {
		t.Error("Expected error unregistering twice")
	}
}

func TestRegistry_RecordFrame(t *testing.T) {
	r := NewRegistry(10)
	v, _ := r.Register("a", "")

	at := time.Now()
	v.RecordFrame(at)
	v.RecordFrame(at.Add(time.Second))

	if v.FramesSent() != 2 {
		t.Errorf("Expected 2 frames, got %d", v.FramesSent())
	}
	if !v.LastFrameAt().Equal(at.Add(time.Second)) {
		t.Error("LastFrameAt was not updated")
	}
}

func TestRegistry_GetStalled(t *testing.T) {
	r := NewRegistry(10)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return base }

	fresh, _ := r.Register("fresh", "")
	stuck, _ := r.Register("stuck", "")

	r.now = func() time.Time { return base.Add(time.Minute) }
	fresh.RecordFrame(base.Add(55 * time.Second))

	stalled := r.GetStalled(30 * time.Second)
	if len(stalled) != 1 {
		t.Fatalf("Expected 1 stalled viewer, got %d", len(stalled))
	}
	if stalled[0] != stuck.ID {
		t.Errorf("Expected %s to be stalled, got %s", stuck.ID, stalled[0])
	}
}

func TestRegistry_Stats(t *testing.T) {
	r := NewRegistry(100)

	a, _ := r.Register("a", "")
	r.Register("b", "")
	r.Register("c", "")
	r.Unregister(a.ID)

	stats := r.Stats()
	if stats.ActiveViewers != 2 {
		t.Errorf("Expected 2 viewers, got %d", stats.ActiveViewers)
	}
	if stats.TotalServed != 3 {
		t.Errorf("Expected 3 served, got %d", stats.TotalServed)
	}
	if stats.MaxViewers != 100 {
		t.Errorf("Expected max 100, got %d", stats.MaxViewers)
	}
}
