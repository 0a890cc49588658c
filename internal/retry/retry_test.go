package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	delays []time.Duration
}

func (r *recorder) wait(ctx context.Context, d time.Duration) error {
	r.delays = append(r.delays, d)
	return ctx.Err()
}

func TestDo_SucceedsAfterFailures(t *testing.T) {
	for k := 0; k < 3; k++ {
		rec := &recorder{}
		p := Policy{MaxAttempts: 3, BaseDelay: time.Second, Wait: rec.wait}

		calls := 0
		attempts, err := Do(context.Background(), p, func(context.Context) error {
			calls++
			if calls <= k {
				return errors.New("transient")
			}
			return nil
		})

		require.NoError(t, err, "k=%d", k)
		assert.Equal(t, k+1, calls, "k=%d", k)
		assert.Equal(t, k+1, attempts, "k=%d", k)
		assert.Len(t, rec.delays, k)
	}
}

func TestDo_ExhaustsAttempts(t *testing.T) {
	rec := &recorder{}
	p := Policy{MaxAttempts: 3, BaseDelay: time.Second, Wait: rec.wait}
	boom := errors.New("boom")

	calls := 0
	attempts, err := Do(context.Background(), p, func(context.Context) error {
		calls++
		return boom
	})

	assert.Equal(t, 3, calls)
	assert.Equal(t, 3, attempts)
	var exhausted *ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, rec.delays)
}

func TestDo_PermanentStopsImmediately(t *testing.T) {
	rec := &recorder{}
	p := Policy{MaxAttempts: 5, BaseDelay: time.Second, Wait: rec.wait}
	cause := errors.New("no snapshot")

	calls := 0
	_, err := Do(context.Background(), p, func(context.Context) error {
		calls++
		return Permanent(cause)
	})

	assert.Equal(t, 1, calls)
	assert.Same(t, cause, err)
	assert.Empty(t, rec.delays)
}

func TestDo_NonRetryable(t *testing.T) {
	p := Policy{
		MaxAttempts: 5,
		BaseDelay:   time.Millisecond,
		Retryable:   func(err error) bool { return false },
	}

	calls := 0
	_, err := Do(context.Background(), p, func(context.Context) error {
		calls++
		return errors.New("bad request")
	})

	assert.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestDo_ContextCancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := Policy{MaxAttempts: 3, BaseDelay: time.Hour}

	calls := 0
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := Do(ctx, p, func(context.Context) error {
		calls++
		return errors.New("transient")
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestBackoff(t *testing.T) {
	p := Policy{BaseDelay: time.Second, MaxDelay: 3 * time.Second}

	assert.Equal(t, time.Second, p.Backoff(1))
	assert.Equal(t, 2*time.Second, p.Backoff(2))
	assert.Equal(t, 3*time.Second, p.Backoff(3))
	assert.Equal(t, 3*time.Second, p.Backoff(10))
}

func TestBackoff_JitterBounds(t *testing.T) {
	p := Policy{BaseDelay: time.Second, Jitter: 0.5}

	for i := 0; i < 100; i++ {
		d := p.Backoff(1)
		if d < 500*time.Millisecond || d > 1500*time.Millisecond {
			t.Fatalf("jittered delay %s out of bounds", d)
		}
	}
}

func TestDo_CancelledBeforeFirstAttempt(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	attempts, err := Do(ctx, DefaultPolicy(), func(context.Context) error {
		calls++
		return nil
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, calls)
	assert.Equal(t, 0, attempts)
}
