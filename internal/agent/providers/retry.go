package providers

import (
	"context"
	"time"
)

// retryPolicy reruns an operation with linear backoff while the failure
// stays retryable per IsRetryable.
type retryPolicy struct {
	maxAttempts int
	delay       time.Duration
}

func defaultRetryPolicy() retryPolicy {
	return retryPolicy{maxAttempts: 3, delay: time.Second}
}

// do runs op up to maxAttempts times, sleeping delay*attempt between tries.
// Non-retryable errors and context cancellation end the loop immediately.
func (r retryPolicy) do(ctx context.Context, op func() error) error {
	var lastErr error
	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if !IsRetryable(lastErr) || attempt >= r.maxAttempts {
			return lastErr
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(r.delay * time.Duration(attempt)):
		}
	}
	return lastErr
}
