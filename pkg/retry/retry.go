package retry

import (
	"context"
	"time"
)

// Operation is a function that performs an action and returns an error if it fails.
type Operation func(ctx context.Context) error

// Retryable decides whether a failed attempt should be tried again.
type Retryable func(err error) bool

const (
	DefaultMaxRetries = 3
	DefaultBaseDelay  = 50 * time.Millisecond
)

// Always treats every error as retryable.
func Always(error) bool { return true }

// Do runs op with DefaultMaxRetries and DefaultBaseDelay, retrying every error.
func Do(ctx context.Context, op Operation) error {
	return WithRetries(ctx, op, DefaultMaxRetries, DefaultBaseDelay, Always)
}

// WithRetries runs op once plus up to maxRetries more times while retryable(err) holds.
// The delay grows linearly with the attempt number. Context cancellation stops the loop
// and returns the last operation error, or the context error if op never ran.
func WithRetries(ctx context.Context, op Operation, maxRetries int, baseDelay time.Duration, retryable Retryable) error {
	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			if err == nil {
				return ctxErr
			}
			return err
		}

		err = op(ctx)
		if err == nil {
			return nil
		}
		if attempt == maxRetries || !retryable(err) {
			return err
		}

		timer := time.NewTimer(time.Duration(attempt+1) * baseDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
	}
	return err
}
