package notification

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"github.com/aquamans/pondwatch/internal/protocol"
	"github.com/aquamans/pondwatch/internal/retry"
)

// AlertSource is the consumer side of the alert topic
type AlertSource interface {
	Consume(ctx context.Context) (kafka.Message, error)
	Commit(ctx context.Context, msg kafka.Message) error
}

// RelayStats contains relay counters
type RelayStats struct {
	Delivered   uint64
	Dropped     uint64
	Undecodable uint64
}

// Relay moves alerts from the topic to a sink. A send is retried per policy
// before its offset is committed; an alert that fails every attempt is
// logged and committed, so the group moves past it.
type Relay struct {
	source AlertSource
	sink   Sink
	policy retry.Policy
	log    zerolog.Logger

	// pause after a failed fetch
	fetchBackoff time.Duration

	delivered   uint64
	dropped     uint64
	undecodable uint64
}

// NewRelay creates a relay from source to sink
func NewRelay(source AlertSource, sink Sink, policy retry.Policy, log zerolog.Logger) *Relay {
	return &Relay{
		source:       source,
		sink:         sink,
		policy:       policy,
		log:          log,
		fetchBackoff: time.Second,
	}
}

// Run relays until ctx is cancelled
func (r *Relay) Run(ctx context.Context) {
	for {
		msg, err := r.source.Consume(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			r.log.Error().Err(err).Msg("failed to consume message")
			select {
			case <-ctx.Done():
				return
			case <-time.After(r.fetchBackoff):
			}
			continue
		}
		if !r.handle(ctx, msg) {
			return
		}
	}
}

// handle returns false when ctx ended before the alert was dealt with. The
// offset is then left uncommitted for the next start.
func (r *Relay) handle(ctx context.Context, msg kafka.Message) bool {
	alert, err := protocol.DecodeDeadFishAlert(msg.Value)
	if err != nil {
		atomic.AddUint64(&r.undecodable, 1)
		r.log.Error().Err(err).Int64("offset", msg.Offset).Msg("skipping undecodable alert")
		r.commit(ctx, msg)
		return true
	}

	attempts, err := retry.Do(ctx, r.policy, func(ctx context.Context) error {
		return r.sink.PublishAlert(ctx, alert)
	})
	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		atomic.AddUint64(&r.dropped, 1)
		r.log.Error().
			Err(err).
			Int64("reading_id", alert.ReadingID).
			Int("attempts", attempts).
			Msg("failed to send alert, dropping")
	} else {
		atomic.AddUint64(&r.delivered, 1)
	}

	r.commit(ctx, msg)
	return true
}

func (r *Relay) commit(ctx context.Context, msg kafka.Message) {
	if err := r.source.Commit(ctx, msg); err != nil {
		r.log.Warn().Err(err).Int64("offset", msg.Offset).Msg("failed to commit offset")
	}
}

// Stats returns relay counters
func (r *Relay) Stats() RelayStats {
	return RelayStats{
		Delivered:   atomic.LoadUint64(&r.delivered),
		Dropped:     atomic.LoadUint64(&r.dropped),
		Undecodable: atomic.LoadUint64(&r.undecodable),
	}
}
