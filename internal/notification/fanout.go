package notification

import (
	"context"
	"errors"

	"github.com/aquamans/pondwatch/internal/protocol"
)

// Sink is anything that accepts dead-fish alerts
type Sink interface {
	PublishAlert(ctx context.Context, alert *protocol.DeadFishAlert) error
}

// Fanout delivers each alert to every sink and joins their errors
type Fanout []Sink

// PublishAlert implements ingest.AlertSink
func (f Fanout) PublishAlert(ctx context.Context, alert *protocol.DeadFishAlert) error {
	var errs []error
	for _, s := range f {
		if err := s.PublishAlert(ctx, alert); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
