package stream

import (
	"context"
	"math/rand"
	"time"
)

// RetryPolicy bounds the retries a Machine performs for transient
// transport failures. Quota errors are not retried under this policy;
// they are handled by the one-time fallback model switch.
type RetryPolicy struct {
	// MaxAttempts is the total attempt ceiling, including the first try.
	MaxAttempts int
	// BaseDelay is the initial backoff delay for connection errors.
	BaseDelay time.Duration
	// MaxDelay caps exponential backoff growth.
	MaxDelay time.Duration
	// RateLimitDelay applies when the provider sends no Retry-After hint.
	RateLimitDelay time.Duration
}

// DefaultRetryPolicy returns the retry defaults shared across callers.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    4,
		BaseDelay:      1 * time.Second,
		MaxDelay:       30 * time.Second,
		RateLimitDelay: 5 * time.Second,
	}
}

// Backoff calculates exponential backoff with jitter. The jitter prevents
// a thundering herd when many agents retry simultaneously.
func Backoff(baseDelay time.Duration, attempt int, maxDelay time.Duration) time.Duration {
	delay := baseDelay * time.Duration(1<<uint(attempt))
	if delay > maxDelay || delay <= 0 {
		delay = maxDelay
	}

	// Random value between 0 and 25% of delay.
	if delay < 4 {
		return delay
	}
	jitter := time.Duration(rand.Int63n(int64(delay / 4)))
	return delay + jitter
}

// sleepCtx waits for d or until ctx is cancelled, whichever comes first.
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
