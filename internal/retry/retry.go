// Package retry runs an operation a bounded number of times with a linear backoff.
package retry

import (
	"context"
	"fmt"
	"time"
)

const (
	DefaultRetries   = 2
	DefaultBaseDelay = time.Second
)

// Policy bounds a retry loop. Retries counts additional attempts after the first; the
// delay before retry n (1-based) is BaseDelay*n.
type Policy struct {
	Retries   int
	BaseDelay time.Duration

	// Sleep waits for d or until ctx is done. Nil means a real timer.
	Sleep func(ctx context.Context, d time.Duration) error
	// OnRetry is called before each backoff sleep
	OnRetry func(attempt int, delay time.Duration, err error)
}

// Default returns the policy used by the completion client
func Default() Policy {
	return Policy{Retries: DefaultRetries, BaseDelay: DefaultBaseDelay}
}

// Delay returns the wait before retry n
func (p Policy) Delay(n int) time.Duration {
	if n < 1 {
		return 0
	}
	return p.BaseDelay * time.Duration(n)
}

// Do calls fn until it succeeds, returns an error retryable rejects, or the policy is
// exhausted. fn receives the 1-based attempt number. Exhaustion wraps the last error.
func Do(ctx context.Context, p Policy, retryable func(error) bool, fn func(ctx context.Context, attempt int) error) error {
	sleep := p.Sleep
	if sleep == nil {
		sleep = Sleep
	}
	retries := p.Retries
	if retries < 0 {
		retries = 0
	}

	var lastErr error
	for attempt := 1; attempt <= retries+1; attempt++ {
		if attempt > 1 {
			delay := p.Delay(attempt - 1)
			if p.OnRetry != nil {
				p.OnRetry(attempt-1, delay, lastErr)
			}
			if err := sleep(ctx, delay); err != nil {
				return fmt.Errorf("retry aborted after %d attempts: %w", attempt-1, lastErr)
			}
		}

		err := fn(ctx, attempt)
		if err == nil {
			return nil
		}
		lastErr = err
		if ctx.Err() != nil || !retryable(err) {
			return err
		}
	}
	return fmt.Errorf("max retries exceeded after %d attempts: %w", retries+1, lastErr)
}

// Sleep waits for d or until ctx is done
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
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
