// Package reliability holds the retry and backoff policies used by the
// consumption loop and the release path.
package reliability

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// RetryPolicy decides whether a failed operation should be attempted again
// and how long to wait before doing so.
type RetryPolicy interface {
	// ShouldRetry determines if a retry should be attempted
	ShouldRetry(attempt int, err error) (bool, time.Duration)
	// NextDelay calculates the next retry delay
	NextDelay(attempt int) time.Duration
}

// ExponentialBackoff implements exponential backoff with optional jitter.
type ExponentialBackoff struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	MaxAttempts     int
	Jitter          bool
}

// NewExponentialBackoff creates a new exponential backoff policy
func NewExponentialBackoff(initial, max time.Duration, multiplier float64, maxAttempts int) *ExponentialBackoff {
	return &ExponentialBackoff{
		InitialInterval: initial,
		MaxInterval:     max,
		Multiplier:      multiplier,
		MaxAttempts:     maxAttempts,
		Jitter:          true,
	}
}

// ShouldRetry implements RetryPolicy
func (e *ExponentialBackoff) ShouldRetry(attempt int, err error) (bool, time.Duration) {
	if attempt >= e.MaxAttempts {
		return false, 0
	}
	if !isRetryableError(err) {
		return false, 0
	}
	return true, e.NextDelay(attempt)
}

// NextDelay implements RetryPolicy
func (e *ExponentialBackoff) NextDelay(attempt int) time.Duration {
	delay := float64(e.InitialInterval) * math.Pow(e.Multiplier, float64(attempt))

	if delay > float64(e.MaxInterval) {
		delay = float64(e.MaxInterval)
	}

	// ±15% jitter
	if e.Jitter {
		jitter := rand.Float64() * 0.3 * delay
		delay = delay + jitter - (0.15 * delay)
	}

	return time.Duration(delay)
}

// Retry executes a function with retry logic
func Retry(ctx context.Context, policy RetryPolicy, fn func() error) error {
	var lastErr error

	for attempt := 0; ; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		err := fn()
		if err == nil {
			return nil
		}

		lastErr = err

		shouldRetry, delay := policy.ShouldRetry(attempt, err)
		if !shouldRetry {
			return lastErr
		}

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// isRetryableError determines if an error is retryable
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}

	type retryable interface {
		IsRetryable() bool
	}

	if r, ok := err.(retryable); ok {
		return r.IsRetryable()
	}

	// Default to retryable for unknown errors
	return true
}

// RetryableError wraps an error to mark it retryable or not.
type RetryableError struct {
	Err       error
	Retryable bool
}

// Error implements error interface
func (r RetryableError) Error() string {
	return r.Err.Error()
}

// IsRetryable indicates if the error is retryable
func (r RetryableError) IsRetryable() bool {
	return r.Retryable
}

// Unwrap returns the wrapped error
func (r RetryableError) Unwrap() error {
	return r.Err
}
