package research

import (
	"context"
	"time"
)

// RetryTransient runs fn, retrying transient failures with the policy's
// backoff schedule. Non-transient errors return immediately; context
// cancellation wins over a pending delay.
func RetryTransient(ctx context.Context, policy RetryPolicy, fn func() error) error {
	var err error
	for attempt := 1; ; attempt++ {
		err = fn()
		if err == nil || !IsTransient(err) {
			return err
		}
		if attempt >= policy.MaxAttempts {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(policy.Backoff(attempt)):
		}
	}
}
