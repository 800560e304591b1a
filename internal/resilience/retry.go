// Package resilience implements retry, backoff, and circuit breaker
// primitives shared by the session supervisor and agent clients.
package resilience

import (
	"context"
	"math/rand"
	"time"

	apperrors "github.com/adalabs/ada/internal/errors"
)

// RetryConfig controls Retry behavior.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
	Jitter      float64
	// IsRetryable decides whether an error is worth another attempt.
	// nil defaults to apperrors.IsTransient.
	IsRetryable func(error) bool
}

// DefaultRetryConfig is tuned for short-lived agent calls.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   200 * time.Millisecond,
		MaxDelay:    5 * time.Second,
		Multiplier:  2.0,
		Jitter:      0.2,
	}
}

// Retry runs fn until it succeeds, the attempts run out, or ctx ends.
// The last error is returned when all attempts fail.
func Retry(ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) error) error {
	retryable := cfg.IsRetryable
	if retryable == nil {
		retryable = apperrors.IsTransient
	}

	var lastErr error
	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !retryable(lastErr) {
			return lastErr
		}
		if attempt == cfg.MaxAttempts-1 {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoffDelay(cfg, attempt)):
		}
	}
	return lastErr
}

// backoffDelay computes the exponential delay for an attempt, with
// proportional jitter to avoid thundering herds.
func backoffDelay(cfg RetryConfig, attempt int) time.Duration {
	delay := float64(cfg.BaseDelay)
	for i := 0; i < attempt; i++ {
		delay *= cfg.Multiplier
	}
	if max := float64(cfg.MaxDelay); delay > max {
		delay = max
	}
	if cfg.Jitter > 0 {
		delay += delay * cfg.Jitter * (rand.Float64()*2 - 1)
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}
