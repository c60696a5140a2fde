package resilience

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrPermanent wraps an error that must not be retried (auth failure, quota
// exhausted, bad request). [Retry] stops immediately when fn returns an error
// matching it.
var ErrPermanent = errors.New("permanent failure")

// Permanent marks err as non-retryable.
func Permanent(err error) error {
	return fmt.Errorf("%w: %w", ErrPermanent, err)
}

// RetryConfig tunes [Retry].
type RetryConfig struct {
	// MaxAttempts caps the number of calls to fn. Default: 5.
	MaxAttempts int

	// BaseDelay is the first backoff interval. Default: 100ms.
	BaseDelay time.Duration

	// MaxDelay bounds the exponential growth. Default: 5s.
	MaxDelay time.Duration
}

func (c *RetryConfig) applyDefaults() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 100 * time.Millisecond
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 5 * time.Second
	}
}

// Retry runs fn with exponential backoff until it succeeds, returns a
// permanent error, the attempt budget is exhausted, or ctx is cancelled.
// The last error is returned on failure.
func Retry(ctx context.Context, cfg RetryConfig, fn func() error) error {
	cfg.applyDefaults()

	delay := cfg.BaseDelay
	var lastErr error
	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if errors.Is(lastErr, ErrPermanent) {
			return lastErr
		}

		if attempt == cfg.MaxAttempts-1 {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		delay = min(delay*2, cfg.MaxDelay)
	}
	return lastErr
}

// RetryWithResult is the value-returning variant of [Retry].
func RetryWithResult[R any](ctx context.Context, cfg RetryConfig, fn func() (R, error)) (R, error) {
	var result R
	err := Retry(ctx, cfg, func() error {
		var innerErr error
		result, innerErr = fn()
		return innerErr
	})
	return result, err
}
