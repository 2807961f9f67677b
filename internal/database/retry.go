package database

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"omnidesk/internal/constants"
	"omnidesk/internal/retry"
)

func defaultBackoff() retry.BackoffConfig {
	return retry.BackoffConfig{
		InitialDelay: time.Duration(constants.DefaultRetryBackoffMs) * time.Millisecond,
		MaxDelay:     time.Duration(constants.DefaultMaxBackoffMs) * time.Millisecond,
		Multiplier:   2,
		MaxAttempts:  constants.DefaultDatabaseRetryAttempts,
		Jitter:       true,
	}
}

// retryableDBOperation runs operation with backoff while it fails with a
// transient SQLite error.
func retryableDBOperation(ctx context.Context, b *retry.Backoff, operationName string, operation func(ctx context.Context) error) error {
	attempts := 0
	var nonRetryable bool
	err := b.RetryWithPredicate(ctx, func(ctx context.Context) error {
		attempts++
		return operation(ctx)
	}, func(err error) bool {
		if !isRetryableDBError(err) {
			nonRetryable = true
			return false
		}
		return true
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		return err
	case nonRetryable:
		return fmt.Errorf("%s failed (non-retryable): %w", operationName, err)
	}
	return fmt.Errorf("%s failed after %d attempts: %w", operationName, attempts, err)
}

// isRetryableDBError determines if a database error is worth retrying
func isRetryableDBError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	errStr := err.Error()
	for _, transient := range []string{"database is locked", "database table is locked", "disk I/O error", "SQLITE_BUSY"} {
		if strings.Contains(errStr, transient) {
			return true
		}
	}
	return false
}
