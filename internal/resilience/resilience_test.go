package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/require"
)

func TestCalculateBackoffCapsAtMax(t *testing.T) {
	d := CalculateBackoff(10, time.Second, 10*time.Second, 0)
	require.Equal(t, 10*time.Second, d)
}

func TestCalculateBackoffGrowsExponentially(t *testing.T) {
	d1 := CalculateBackoff(1, time.Second, time.Minute, 0)
	d2 := CalculateBackoff(2, time.Second, time.Minute, 0)
	d3 := CalculateBackoff(3, time.Second, time.Minute, 0)
	require.Equal(t, time.Second, d1)
	require.Equal(t, 2*time.Second, d2)
	require.Equal(t, 4*time.Second, d3)
}

func TestCalculateBackoffJitterStaysInBounds(t *testing.T) {
	for i := 0; i < 100; i++ {
		d := CalculateBackoff(2, time.Second, time.Minute, 0.25)
		require.GreaterOrEqual(t, d, time.Duration(1500*time.Millisecond))
		require.LessOrEqual(t, d, time.Duration(2500*time.Millisecond))
	}
}

func TestIsRetryableMatchesKnownCodes(t *testing.T) {
	require.True(t, IsRetryable(errors.New("dial tcp: connect: ECONNREFUSED")))
	require.True(t, IsRetryable(errors.New("context deadline exceeded: timeout")))
	require.False(t, IsRetryable(errors.New("invalid credentials")))
	require.False(t, IsRetryable(nil))
}

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	b := NewBreaker("test", nil)
	attempts := 0
	err := Retry(context.Background(), b, RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, JitterFraction: 0}, func(ctx context.Context) error {
		attempts++
		if attempts < 2 {
			return errors.New("ETIMEDOUT")
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 2, attempts)
}

func TestRetryAbortsOnNonRetryable(t *testing.T) {
	b := NewBreaker("test-nonretry", nil)
	attempts := 0
	err := Retry(context.Background(), b, DefaultRetryConfig(), func(ctx context.Context) error {
		attempts++
		return errors.New("permission denied")
	})
	require.Error(t, err)
	require.Equal(t, 1, attempts)
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	b := NewBreaker("test-breaker", nil)
	cfg := RetryConfig{MaxAttempts: 1, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, JitterFraction: 0}

	for i := 0; i < 3; i++ {
		_ = Retry(context.Background(), b, cfg, func(ctx context.Context) error {
			return errors.New("ETIMEDOUT")
		})
	}

	err := Retry(context.Background(), b, cfg, func(ctx context.Context) error {
		return nil
	})
	require.ErrorIs(t, err, gobreaker.ErrOpenState)
}
