// Package retry runs an operation with exponential backoff on top of
// cenkalti/backoff, adding attempt counting and a permanent/exhausted split.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy configures exponential backoff retries.
//
// Delay before retry n (1-based) is BaseDelay * 2^(n-1), capped at MaxDelay
// when MaxDelay is set. Jitter in [0,1] randomizes each delay by up to that
// fraction in either direction.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      float64

	// Retryable reports whether err is worth another attempt. Nil means
	// every non-permanent error is retried.
	Retryable func(err error) bool

	// Wait blocks for d or until ctx ends. Nil uses a timer.
	Wait func(ctx context.Context, d time.Duration) error
}

// DefaultPolicy is three attempts starting at one second.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
	}
}

func (p Policy) exponential() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseDelay
	b.RandomizationFactor = p.Jitter
	b.Multiplier = 2
	b.MaxInterval = time.Duration(math.MaxInt64)
	if p.MaxDelay > 0 {
		b.MaxInterval = p.MaxDelay
	}
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Backoff returns the delay that precedes retry number attempt (1-based).
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	b := p.exponential()
	var d time.Duration
	for i := 0; i < attempt; i++ {
		d = b.NextBackOff()
	}
	return d
}

// ExhaustedError is returned when every attempt failed.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("gave up after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Err
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err so Do returns it without retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Do calls fn until it succeeds, returns a permanent or non-retryable
// error, the attempts run out, or ctx ends. It returns the attempt count.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) (int, error) {
	maxAttempts := p.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var (
		attempts int
		final    bool
	)
	op := func() error {
		if err := ctx.Err(); err != nil {
			final = true
			return backoff.Permanent(err)
		}
		attempts++
		err := fn(ctx)
		if err == nil {
			return nil
		}
		var perm *permanentError
		if errors.As(err, &perm) {
			final = true
			return backoff.Permanent(perm.err)
		}
		if p.Retryable != nil && !p.Retryable(err) {
			final = true
			return backoff.Permanent(err)
		}
		return err
	}

	b := backoff.WithContext(backoff.WithMaxRetries(p.exponential(), uint64(maxAttempts-1)), ctx)

	var timer backoff.Timer
	if p.Wait != nil {
		timer = &waitTimer{ctx: ctx, wait: p.Wait, c: make(chan time.Time, 1)}
	}

	err := backoff.RetryNotifyWithTimer(op, b, nil, timer)
	switch {
	case err == nil:
		return attempts, nil
	case final:
		return attempts, err
	case ctx.Err() != nil:
		return attempts, ctx.Err()
	}
	return attempts, &ExhaustedError{Attempts: attempts, Err: err}
}

// waitTimer drives backoff through Policy.Wait
type waitTimer struct {
	ctx  context.Context
	wait func(ctx context.Context, d time.Duration) error
	c    chan time.Time
}

func (t *waitTimer) Start(d time.Duration) {
	t.wait(t.ctx, d)
	select {
	case t.c <- time.Now():
	default:
	}
}

func (t *waitTimer) Stop() {}

func (t *waitTimer) C() <-chan time.Time { return t.c }
