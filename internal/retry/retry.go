package retry

import (
	"context"
	"time"
)

// Do runs fn up to attempts times with a fixed delay between attempts.
// It returns nil on the first success, the last error otherwise. The
// context cancels the wait between attempts, never a running fn.
func Do(ctx context.Context, attempts int, delay time.Duration, fn func() error) error {
	return do(ctx, attempts, func(int) time.Duration { return delay }, nil, fn)
}

// DoIf is Do with a predicate: an error for which retryable returns
// false is returned immediately without consuming further attempts.
func DoIf(ctx context.Context, attempts int, delay time.Duration, retryable func(error) bool, fn func() error) error {
	return do(ctx, attempts, func(int) time.Duration { return delay }, retryable, fn)
}

// DoLinear is DoIf with a linearly growing delay: the wait after attempt
// n is n*base.
func DoLinear(ctx context.Context, attempts int, base time.Duration, retryable func(error) bool, fn func() error) error {
	return do(ctx, attempts, func(attempt int) time.Duration { return time.Duration(attempt) * base }, retryable, fn)
}

func do(ctx context.Context, attempts int, delay func(attempt int) time.Duration, retryable func(error) bool, fn func() error) error {
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if retryable != nil && !retryable(lastErr) {
			return lastErr
		}
		if attempt == attempts {
			break
		}
		select {
		case <-time.After(delay(attempt)):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return lastErr
}
