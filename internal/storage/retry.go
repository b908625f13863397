package storage

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/sovereign-memory/trustengine/internal/apperr"
)

// RetryConfig bounds the exponential backoff applied to Unavailable errors
// (writer queue saturation). Other error kinds are never retried.
type RetryConfig struct {
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	MaxRetries int
}

// DefaultRetryConfig matches the backpressure policy: 100ms base, doubling,
// capped at 1s, bounded attempts.
var DefaultRetryConfig = RetryConfig{
	BaseDelay:  100 * time.Millisecond,
	MaxDelay:   1 * time.Second,
	MaxRetries: 5,
}

// WithRetry runs fn, retrying only on apperr.KindUnavailable with jittered
// exponential backoff. Any other error (including nil) returns immediately.
func WithRetry(ctx context.Context, cfg RetryConfig, fn func() error) error {
	delay := cfg.BaseDelay

	var lastErr error
	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !apperr.Is(lastErr, apperr.KindUnavailable) {
			return lastErr
		}
		if attempt == cfg.MaxRetries {
			break
		}

		jittered := time.Duration(float64(delay) * (0.5 + rand.Float64()))
		select {
		case <-ctx.Done():
			return apperr.Cancelled("retry wait interrupted: %v", ctx.Err())
		case <-time.After(jittered):
		}

		delay *= 2
		if delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
	}
	return lastErr
}
