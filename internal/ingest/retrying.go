package ingest

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"github.com/aquamans/pondwatch/internal/retry"
)

// RetryingPort retries a Port with exponential backoff. Once the attempts
// are used up the write is logged and dropped; nothing is re-queued.
type RetryingPort struct {
	next   Port
	policy retry.Policy
	log    zerolog.Logger
}

// WithRetry wraps next with policy
func WithRetry(next Port, policy retry.Policy, log zerolog.Logger) *RetryingPort {
	return &RetryingPort{
		next:   next,
		policy: policy,
		log:    log.With().Str("component", "ingest").Logger(),
	}
}

// UpdateCounts implements Port
func (p *RetryingPort) UpdateCounts(ctx context.Context, live, dead int) error {
	attempts, err := retry.Do(ctx, p.policy, func(ctx context.Context) error {
		return p.next.UpdateCounts(ctx, live, dead)
	})
	if err != nil {
		return p.fail("update_counts", attempts, err, p.log.Warn().Int("live", live).Int("dead", dead))
	}
	return nil
}

// WriteEvidence implements Port
func (p *RetryingPort) WriteEvidence(ctx context.Context, ev Evidence) (int64, error) {
	var id int64
	attempts, err := retry.Do(ctx, p.policy, func(ctx context.Context) error {
		var err error
		id, err = p.next.WriteEvidence(ctx, ev)
		return err
	})
	if err != nil {
		return 0, p.fail("write_evidence", attempts, err, p.log.Error().Int("live", ev.Live).Int("dead", ev.Dead).Time("captured_at", ev.CapturedAt))
	}
	return id, nil
}

func (p *RetryingPort) fail(op string, attempts int, err error, ev *zerolog.Event) error {
	var exhausted *retry.ExhaustedError
	if errors.As(err, &exhausted) {
		err = exhausted.Err
	}
	perr := &PersistenceError{Op: op, Attempts: attempts, Err: err}
	ev.Err(err).Str("op", op).Int("attempts", attempts).Msg("dropping result")
	return perr
}
