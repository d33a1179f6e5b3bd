// Package resilience is a reusable retry/backoff/circuit-breaker
// policy module: a small set of primitives the device session manager
// and the sync worker both build on, rather than each hand-rolling its
// own.
package resilience

import (
	"context"
	"errors"
	"math/rand"
	"net"
	"os"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
)

// CalculateBackoff returns the delay before the given attempt (1-based)
// using full exponential backoff with +/-jitterFraction jitter, capped
// at max. It is a pure function so it is easy to property-test.
func CalculateBackoff(attempt int, base, max time.Duration, jitterFraction float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay > max {
			delay = max
			break
		}
	}
	if delay > max {
		delay = max
	}
	if jitterFraction <= 0 {
		return delay
	}
	jitter := float64(delay) * jitterFraction
	offset := (rand.Float64()*2 - 1) * jitter // uniform in [-jitter, +jitter]
	result := time.Duration(float64(delay) + offset)
	if result < 0 {
		result = 0
	}
	return result
}

// RetryConfig configures a retry policy.
type RetryConfig struct {
	MaxAttempts    int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	JitterFraction float64
}

// DefaultRetryConfig matches the device connect policy: up to 3
// attempts, exponential backoff 2s->10s, +/-25% jitter.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:    3,
		BaseDelay:      2 * time.Second,
		MaxDelay:       10 * time.Second,
		JitterFraction: 0.25,
	}
}

// IsRetryable reports whether err looks transient: known transport
// codes, or any message containing "timeout". Non-retryable errors
// should abort immediately rather than retry.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var netErr *net.OpError
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return true
		}
	}
	if errors.Is(err, os.ErrDeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, code := range []string{"etimedout", "econnrefused", "ehostunreach", "enetunreach"} {
		if strings.Contains(msg, code) {
			return true
		}
	}
	return strings.Contains(msg, "timeout")
}

// Breaker wraps sony/gobreaker with sane defaults: threshold 3
// consecutive failures, 30s open-state reset.
type Breaker struct {
	cb *gobreaker.CircuitBreaker
}

// NewBreaker creates a circuit breaker named for the component it
// guards (used only in gobreaker's state-change callback for logging).
func NewBreaker(name string, onStateChange func(name string, from, to gobreaker.State)) *Breaker {
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    0,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	}
	if onStateChange != nil {
		settings.OnStateChange = onStateChange
	}
	return &Breaker{cb: gobreaker.NewCircuitBreaker(settings)}
}

// State reports the breaker's current gobreaker state, for the public
// stats surface.
func (b *Breaker) State() gobreaker.State { return b.cb.State() }

// Counts reports the breaker's rolling request/failure counters, for
// the public stats surface.
func (b *Breaker) Counts() gobreaker.Counts { return b.cb.Counts() }

// ErrBreakerOpen is returned (wrapped) when the breaker refuses a call.
var ErrBreakerOpen = gobreaker.ErrOpenState

// Retry runs fn up to cfg.MaxAttempts times through the circuit
// breaker, retrying only errors IsRetryable accepts and backing off
// between attempts with CalculateBackoff. It returns the last error
// (retryable or not) if every attempt failed, or ctx.Err() if the
// context is cancelled while waiting.
func Retry(ctx context.Context, breaker *Breaker, cfg RetryConfig, fn func(context.Context) error) error {
	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		_, err := breaker.cb.Execute(func() (interface{}, error) {
			return nil, fn(ctx)
		})
		if err == nil {
			return nil
		}
		lastErr = err

		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return err
		}
		if !IsRetryable(err) {
			return err
		}
		if attempt == cfg.MaxAttempts {
			break
		}

		delay := CalculateBackoff(attempt, cfg.BaseDelay, cfg.MaxDelay, cfg.JitterFraction)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return lastErr
}

// NewExponentialBackOff builds a cenkalti/backoff policy matching cfg,
// for call sites (the sync worker's liveness probe) that prefer
// backoff.Retry's own looping over resilience.Retry.
func NewExponentialBackOff(cfg RetryConfig) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.BaseDelay
	b.MaxInterval = cfg.MaxDelay
	b.RandomizationFactor = cfg.JitterFraction
	b.Multiplier = 2
	b.MaxElapsedTime = 0 // caller bounds attempts, not elapsed time
	return b
}

// WithMaxAttempts wraps b so backoff.Retry gives up after n attempts.
func WithMaxAttempts(b backoff.BackOff, n int) backoff.BackOff {
	return backoff.WithMaxRetries(b, uint64(n-1))
}
