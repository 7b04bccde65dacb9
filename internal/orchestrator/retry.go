package orchestrator

import (
	"context"
	"log/slog"
	"time"
)

// withRetry runs fn up to attempts times with a fixed delay between
// attempts. retryable filters which errors are worth another attempt; a nil
// filter retries everything. The last error is returned when attempts are
// exhausted.
func withRetry(ctx context.Context, attempts int, delay time.Duration, op string, retryable func(error) bool, fn func() error) error {
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if retryable != nil && !retryable(err) {
			return err
		}
		if attempt == attempts {
			break
		}

		slog.Warn("operation failed, retrying", "op", op, "attempt", attempt, "error", err)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}
