// Package retry provides a small exponential-backoff helper, extracted
// from the teacher's cursor client doRequest loop (fixed base delay,
// doubling per attempt, context-aware sleep) and generalized so any
// operation can opt into the same retry shape instead of each platform
// client reimplementing it.
package retry

import (
	"context"
	"time"
)

// Options configures Do. Zero values fall back to the teacher's defaults.
type Options struct {
	MaxAttempts int           // total attempts including the first; default 3
	BaseDelay   time.Duration // delay before the second attempt; default 1s
}

const (
	defaultMaxAttempts = 3
	defaultBaseDelay   = 1 * time.Second
)

// Retryable, when returned alongside a non-nil error, tells Do the
// failure is transient and worth retrying (e.g. HTTP 429/5xx). A nil
// error or a non-retryable error stops the loop immediately.
type Retryable interface {
	Retryable() bool
}

// Do calls fn up to opts.MaxAttempts times, sleeping with doubling delay
// between attempts. It stops early if fn succeeds, if ctx is cancelled,
// or if fn's error does not implement Retryable (or implements it and
// reports false).
func Do(ctx context.Context, opts Options, fn func(ctx context.Context, attempt int) error) error {
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = defaultBaseDelay
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			delay := baseDelay * time.Duration(uint(1)<<uint(attempt-1))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		err := fn(ctx, attempt)
		if err == nil {
			return nil
		}
		lastErr = err

		if r, ok := err.(Retryable); !ok || !r.Retryable() {
			return err
		}
	}
	return lastErr
}
