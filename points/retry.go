package points

import (
	"context"
	"time"
)

// retry runs fn until it succeeds, fails with a non-retryable error, or
// maxRetries extra attempts have been spent. The wait doubles after each
// attempt. fn must be safe to repeat: callers only pass units that have not
// committed when they fail.
func retry(ctx context.Context, maxRetries int, backoff time.Duration, fn func() error) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = fn()
		if err == nil || !IsRetryable(err) || attempt >= maxRetries {
			return err
		}

		timer := time.NewTimer(backoff << attempt)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
