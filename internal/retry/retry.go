// Package retry implements the exponential-backoff schedule used for
// provider API calls: base delay doubled per attempt, capped, bounded by a
// maximum attempt count, gated by a retryability predicate.
package retry

import (
	"context"
	"time"
)

// Config parameterizes one retry schedule.
type Config struct {
	Base        time.Duration
	Cap         time.Duration
	MaxAttempts int
	// RetryIf decides whether an error is worth another attempt. A nil
	// predicate retries everything.
	RetryIf func(error) bool
}

// Do runs fn until it succeeds, fails with a non-retriable error, exhausts
// MaxAttempts, or the context is cancelled. The delay before attempt n
// (n >= 2) is Base << (n-2), capped at Cap. Each attempt inherits ctx.
func Do(ctx context.Context, cfg Config, fn func(ctx context.Context) error) error {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}

	var err error
	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			if werr := wait(ctx, Delay(cfg, attempt)); werr != nil {
				return werr
			}
		}
		if err = fn(ctx); err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if cfg.RetryIf != nil && !cfg.RetryIf(err) {
			return err
		}
	}
	return err
}

// Delay returns the backoff before the given retry attempt (attempt 1 is
// the first retry).
func Delay(cfg Config, attempt int) time.Duration {
	if attempt < 1 {
		return 0
	}
	d := cfg.Base << (attempt - 1)
	if cfg.Cap > 0 && (d > cfg.Cap || d <= 0) {
		d = cfg.Cap
	}
	return d
}

func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
