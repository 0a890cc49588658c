// Package ingest persists detection results, either straight into the
// reading store or through the HTTP API of another process.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aquamans/pondwatch/internal/database"
	"github.com/aquamans/pondwatch/internal/protocol"
)

// Evidence is a frame with dead fish chosen by the capture throttle
type Evidence struct {
	Live       int
	Dead       int
	JPEG       []byte
	CapturedAt time.Time
}

// Port is where the capture loop sends its results.
type Port interface {
	// UpdateCounts overwrites the counts on the latest reading.
	UpdateCounts(ctx context.Context, live, dead int) error
	// WriteEvidence stores a new reading combining the latest water-quality
	// snapshot with the evidence and returns its id.
	WriteEvidence(ctx context.Context, ev Evidence) (int64, error)
}

// SnapshotProvider returns the latest water-quality snapshot
type SnapshotProvider interface {
	LatestSnapshot(ctx context.Context) (*database.WaterQuality, error)
}

// ReadingStore is the write side of the reading table
type ReadingStore interface {
	InsertReading(ctx context.Context, r *database.Reading) error
	UpdateLatestCounts(ctx context.Context, catfish, deadCatfish int) (int64, error)
}

// AlertSink receives an alert for every stored evidence row
type AlertSink interface {
	PublishAlert(ctx context.Context, alert *protocol.DeadFishAlert) error
}

// ErrNoSnapshot means there is no reading to copy water quality from.
// Writes failing with it are not retried.
var ErrNoSnapshot = errors.New("no water-quality snapshot available")

// PersistenceError is returned once a write has been given up on. The
// result it carried is dropped.
type PersistenceError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s failed after %d attempt(s): %v", e.Op, e.Attempts, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}
