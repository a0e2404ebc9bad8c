// Package retry implements the generic exponential-backoff retry wrapper
// used by the direct-URL fetcher and the origin uploader, and the delay
// calculation the job store uses to re-arm a retryable job (package queue).
package retry

import (
	"context"
	"time"
)

// Policy is base * multiplier^(attempt-1), capped at Max.
type Policy struct {
	MaxAttempts int
	Base        time.Duration
	Multiplier  float64
	Max         time.Duration
}

// Delay returns the backoff delay before attempt number `attempt`
// (1-indexed: the delay before retrying after the first failure is
// Delay(1)).
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(p.Base)
	for i := 1; i < attempt; i++ {
		d *= p.Multiplier
	}
	delay := time.Duration(d)
	if p.Max > 0 && delay > p.Max {
		delay = p.Max
	}
	return delay
}

// Classifier decides whether an error returned by Do's fn should be retried.
// Returning false stops the loop immediately regardless of remaining budget.
type Classifier func(error) bool

// Do runs fn up to p.MaxAttempts times, sleeping Delay(attempt) between
// tries, stopping early if ctx is cancelled or classify(err) is false. It
// returns the last error seen.
func Do(ctx context.Context, p Policy, classify Classifier, fn func(ctx context.Context, attempt int) error) error {
	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		lastErr = fn(ctx, attempt)
		if lastErr == nil {
			return nil
		}
		if classify != nil && !classify(lastErr) {
			return lastErr
		}
		if attempt == p.MaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.Delay(attempt)):
		}
	}
	return lastErr
}
