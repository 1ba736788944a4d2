package reliability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExponentialBackoff(t *testing.T) {
	t.Run("delays grow and cap", func(t *testing.T) {
		policy := &ExponentialBackoff{
			InitialInterval: 100 * time.Millisecond,
			MaxInterval:     time.Second,
			Multiplier:      2.0,
			MaxAttempts:     10,
			Jitter:          false,
		}

		assert.Equal(t, 100*time.Millisecond, policy.NextDelay(0))
		assert.Equal(t, 200*time.Millisecond, policy.NextDelay(1))
		assert.Equal(t, 400*time.Millisecond, policy.NextDelay(2))
		assert.Equal(t, time.Second, policy.NextDelay(8))
	})

	t.Run("stops after max attempts", func(t *testing.T) {
		policy := NewExponentialBackoff(time.Millisecond, time.Second, 2.0, 3)

		ok, _ := policy.ShouldRetry(2, errors.New("transient"))
		assert.True(t, ok)
		ok, _ = policy.ShouldRetry(3, errors.New("transient"))
		assert.False(t, ok)
	})

	t.Run("respects non-retryable errors", func(t *testing.T) {
		policy := NewExponentialBackoff(time.Millisecond, time.Second, 2.0, 5)

		ok, _ := policy.ShouldRetry(0, RetryableError{Err: errors.New("fatal"), Retryable: false})
		assert.False(t, ok)
		ok, _ = policy.ShouldRetry(0, RetryableError{Err: errors.New("transient"), Retryable: true})
		assert.True(t, ok)
	})
}

func TestRetry(t *testing.T) {
	policy := &ExponentialBackoff{
		InitialInterval: time.Millisecond,
		MaxInterval:     time.Millisecond,
		Multiplier:      1.0,
		MaxAttempts:     5,
	}

	t.Run("succeeds after failures", func(t *testing.T) {
		calls := 0
		err := Retry(context.Background(), policy, func() error {
			calls++
			if calls < 3 {
				return errors.New("transient")
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("returns last error when exhausted", func(t *testing.T) {
		calls := 0
		err := Retry(context.Background(), policy, func() error {
			calls++
			return errors.New("still broken")
		})
		require.Error(t, err)
		assert.Equal(t, "still broken", err.Error())
		assert.Equal(t, 6, calls)
	})

	t.Run("honors cancelled context", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		err := Retry(ctx, policy, func() error { return errors.New("transient") })
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestReleaseBackoff(t *testing.T) {
	b := &ReleaseBackoff{Multiplier: 5, MaxDelay: time.Hour}

	t.Run("quadratic growth", func(t *testing.T) {
		assert.Equal(t, time.Duration(0), b.Delay(0))
		assert.Equal(t, 5*time.Second, b.Delay(1))
		assert.Equal(t, 20*time.Second, b.Delay(2))
		assert.Equal(t, 45*time.Second, b.Delay(3))
	})

	t.Run("caps at max delay", func(t *testing.T) {
		assert.Equal(t, time.Hour, b.Delay(100))
	})
}
