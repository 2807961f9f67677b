package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recordSleeps(b *Backoff) *[]time.Duration {
	var waits []time.Duration
	b.WithSleeper(func(_ context.Context, d time.Duration) error {
		waits = append(waits, d)
		return nil
	})
	return &waits
}

func TestRetry_SucceedsAfterFailures(t *testing.T) {
	b := NewBackoff(BackoffConfig{InitialDelay: 10 * time.Millisecond, MaxDelay: time.Second, Multiplier: 2, MaxAttempts: 5})
	waits := recordSleeps(b)

	calls := 0
	err := b.Retry(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("database is locked")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{10 * time.Millisecond, 20 * time.Millisecond}, *waits)
}

func TestRetry_ReturnsLastError(t *testing.T) {
	b := NewBackoff(BackoffConfig{InitialDelay: time.Millisecond, MaxDelay: time.Second, Multiplier: 2, MaxAttempts: 3})
	waits := recordSleeps(b)

	calls := 0
	err := b.Retry(context.Background(), func(context.Context) error {
		calls++
		return errors.New("attempt failed")
	})

	assert.EqualError(t, err, "attempt failed")
	assert.Equal(t, 3, calls)
	assert.Len(t, *waits, 2)
}

func TestRetryWithPredicate_StopsOnPermanentError(t *testing.T) {
	permanent := errors.New("no such table")
	b := NewBackoff(DefaultBackoffConfig())
	recordSleeps(b)

	calls := 0
	err := b.RetryWithPredicate(context.Background(), func(context.Context) error {
		calls++
		return permanent
	}, func(err error) bool { return !errors.Is(err, permanent) })

	assert.ErrorIs(t, err, permanent)
	assert.Equal(t, 1, calls)
}

func TestRetry_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := NewBackoff(DefaultBackoffConfig()).Retry(ctx, func(context.Context) error {
		calls++
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, calls)
}

func TestRetry_CancelledDuringWait(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	b := NewBackoff(BackoffConfig{InitialDelay: time.Hour, MaxDelay: time.Hour, Multiplier: 2, MaxAttempts: 3})

	err := b.Retry(ctx, func(context.Context) error {
		cancel()
		return errors.New("busy")
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDelay(t *testing.T) {
	b := NewBackoff(BackoffConfig{InitialDelay: 100 * time.Millisecond, MaxDelay: time.Second, Multiplier: 3, MaxAttempts: 10})

	assert.Equal(t, 100*time.Millisecond, b.Delay(1))
	assert.Equal(t, 300*time.Millisecond, b.Delay(2))
	assert.Equal(t, 900*time.Millisecond, b.Delay(3))
	assert.Equal(t, time.Second, b.Delay(4))
	assert.Equal(t, time.Second, b.Delay(50))

	jittered := NewBackoff(BackoffConfig{InitialDelay: 100 * time.Millisecond, MaxDelay: time.Second, Multiplier: 2, MaxAttempts: 3, Jitter: true})
	for i := 0; i < 100; i++ {
		d := jittered.Delay(2)
		assert.GreaterOrEqual(t, d, 150*time.Millisecond)
		assert.LessOrEqual(t, d, 250*time.Millisecond)
	}
}
