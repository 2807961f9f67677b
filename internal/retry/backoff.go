package retry

import (
	"context"
	"math/rand"
	"time"
)

// BackoffConfig contains configuration for exponential backoff
type BackoffConfig struct {
	InitialDelay time.Duration `json:"initial_delay"`
	MaxDelay     time.Duration `json:"max_delay"`
	Multiplier   float64       `json:"multiplier"`
	MaxAttempts  int           `json:"max_attempts"`
	Jitter       bool          `json:"jitter"`
}

// DefaultBackoffConfig returns a sensible default configuration
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		MaxAttempts:  5,
		Jitter:       true,
	}
}

// Backoff implements exponential backoff with optional jitter
type Backoff struct {
	config BackoffConfig
	sleep  func(ctx context.Context, d time.Duration) error
}

// NewBackoff creates a new exponential backoff instance
func NewBackoff(config BackoffConfig) *Backoff {
	if config.MaxAttempts < 1 {
		config.MaxAttempts = 1
	}
	if config.Multiplier < 1 {
		config.Multiplier = 1
	}
	return &Backoff{config: config, sleep: sleepContext}
}

// WithSleeper replaces the wait between attempts.
func (b *Backoff) WithSleeper(fn func(ctx context.Context, d time.Duration) error) *Backoff {
	b.sleep = fn
	return b
}

// Retry runs operation until it succeeds or attempts run out.
func (b *Backoff) Retry(ctx context.Context, operation func(ctx context.Context) error) error {
	return b.RetryWithPredicate(ctx, operation, func(error) bool { return true })
}

// RetryWithPredicate stops early on errors isRetryable rejects.
func (b *Backoff) RetryWithPredicate(ctx context.Context, operation func(ctx context.Context) error, isRetryable func(error) bool) error {
	var lastErr error
	for attempt := 1; attempt <= b.config.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = operation(ctx)
		if lastErr == nil {
			return nil
		}
		if !isRetryable(lastErr) || attempt == b.config.MaxAttempts {
			break
		}
		if err := b.sleep(ctx, b.Delay(attempt)); err != nil {
			return err
		}
	}
	return lastErr
}

// Delay returns the wait after the given attempt, capped at MaxDelay.
// Jitter spreads it by up to 25% either way.
func (b *Backoff) Delay(attempt int) time.Duration {
	delay := float64(b.config.InitialDelay)
	for i := 1; i < attempt; i++ {
		delay *= b.config.Multiplier
		if delay > float64(b.config.MaxDelay) {
			break
		}
	}
	if b.config.MaxDelay > 0 && delay > float64(b.config.MaxDelay) {
		delay = float64(b.config.MaxDelay)
	}

	if b.config.Jitter {
		delay += (rand.Float64() - 0.5) * 0.5 * delay
		if b.config.MaxDelay > 0 && delay > float64(b.config.MaxDelay) {
			delay = float64(b.config.MaxDelay)
		}
	}
	return time.Duration(delay)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
