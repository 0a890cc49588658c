package ingest

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/aquamans/pondwatch/internal/database"
	"github.com/aquamans/pondwatch/internal/protocol"
	"github.com/aquamans/pondwatch/internal/retry"
)

// StorePort writes directly to the reading store
type StorePort struct {
	store     ReadingStore
	snapshots SnapshotProvider
	alerts    AlertSink
	log       zerolog.Logger
}

// NewStorePort creates a store-backed port. alerts may be nil.
func NewStorePort(store ReadingStore, snapshots SnapshotProvider, alerts AlertSink, log zerolog.Logger) *StorePort {
	return &StorePort{
		store:     store,
		snapshots: snapshots,
		alerts:    alerts,
		log:       log.With().Str("component", "ingest").Str("mode", "store").Logger(),
	}
}

// UpdateCounts implements Port
func (p *StorePort) UpdateCounts(ctx context.Context, live, dead int) error {
	id, err := p.store.UpdateLatestCounts(ctx, live, dead)
	if errors.Is(err, database.ErrNoReading) {
		return retry.Permanent(ErrNoSnapshot)
	}
	if err != nil {
		return fmt.Errorf("failed to update counts: %w", err)
	}

	p.log.Debug().Int64("reading_id", id).Int("live", live).Int("dead", dead).Msg("counts updated")
	return nil
}

// WriteEvidence implements Port
func (p *StorePort) WriteEvidence(ctx context.Context, ev Evidence) (int64, error) {
	snap, err := p.snapshots.LatestSnapshot(ctx)
	if errors.Is(err, database.ErrNoReading) || (err == nil && snap == nil) {
		return 0, retry.Permanent(ErrNoSnapshot)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read snapshot: %w", err)
	}

	r := &database.Reading{
		WaterQuality:     *snap,
		Catfish:          ev.Live,
		DeadCatfish:      ev.Dead,
		TimeData:         ev.CapturedAt,
		DeadCatfishImage: ev.JPEG,
	}
	if err := p.store.InsertReading(ctx, r); err != nil {
		return 0, fmt.Errorf("failed to insert evidence: %w", err)
	}

	p.log.Info().
		Int64("reading_id", r.ID).
		Int("live", ev.Live).
		Int("dead", ev.Dead).
		Int("jpeg_bytes", len(ev.JPEG)).
		Msg("evidence stored")

	p.publishAlert(ctx, r)
	return r.ID, nil
}

func (p *StorePort) publishAlert(ctx context.Context, r *database.Reading) {
	if p.alerts == nil {
		return
	}
	alert := &protocol.DeadFishAlert{
		Type:        protocol.AlertTypeDeadFish,
		ReadingID:   r.ID,
		Catfish:     r.Catfish,
		DeadCatfish: r.DeadCatfish,
		CapturedAt:  r.TimeData,
		Water:       protocol.WaterQuality(r.WaterQuality),
	}
	if err := p.alerts.PublishAlert(ctx, alert); err != nil {
		p.log.Warn().Err(err).Int64("reading_id", r.ID).Msg("failed to publish dead-fish alert")
	}
}
