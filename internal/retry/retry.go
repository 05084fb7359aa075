// Package retry provides a bounded, context-aware retry scheduler for
// transient failures around persistence and broker calls.
package retry

import (
	"context"
	"fmt"
	"time"
)

// Config bounds a retry loop. Attempts counts total calls, not re-tries;
// Attempts = 1 means no retry at all.
type Config struct {
	Attempts int
	Interval time.Duration
}

// DefaultFlush is the policy for assistant-message flushes: one immediate
// retry after a short pause, then give up and surface the failure.
var DefaultFlush = Config{Attempts: 2, Interval: 250 * time.Millisecond}

// Do runs fn until it succeeds, the attempt budget is spent, or ctx is
// done. The last error is returned wrapped with the attempt count; context
// cancellation wins over further attempts.
func Do(ctx context.Context, cfg Config, fn func(ctx context.Context) error) error {
	if cfg.Attempts <= 0 {
		cfg.Attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= cfg.Attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if attempt == cfg.Attempts {
			break
		}

		timer := time.NewTimer(cfg.Interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return fmt.Errorf("after %d attempts: %w", cfg.Attempts, lastErr)
}
