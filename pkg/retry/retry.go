// Package retry runs operations with bounded attempts and backoff.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"time"
)

// ErrExhausted is wrapped around the last error once MaxAttempts is reached.
var ErrExhausted = errors.New("retry attempts exhausted")

// Config holds retry configuration.
type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// Multiplier scales the delay per attempt. 1 (or 0) gives a fixed backoff.
	Multiplier float64
	Jitter     bool
}

// Fixed returns a configuration with a constant delay between attempts.
func Fixed(attempts int, delay time.Duration) *Config {
	return &Config{
		MaxAttempts: attempts,
		BaseDelay:   delay,
		MaxDelay:    delay,
		Multiplier:  1,
	}
}

// DefaultConfig returns the network retry policy: 5 attempts, 1s apart.
func DefaultConfig() *Config {
	return Fixed(5, time.Second)
}

// Retryable decides whether an error is worth another attempt.
type Retryable func(error) bool

// Do executes fn until it succeeds, returns a non-retryable error, the
// context is cancelled, or MaxAttempts is reached. onRetry, if non-nil, is
// called before each sleep.
func Do(ctx context.Context, cfg *Config, retryable Retryable, onRetry func(attempt int, err error), fn func() error) error {
	_, err := DoWithResult(ctx, cfg, retryable, onRetry, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// DoWithResult is Do for functions that return a value.
func DoWithResult[T any](ctx context.Context, cfg *Config, retryable Retryable, onRetry func(attempt int, err error), fn func() (T, error)) (T, error) {
	var zero T
	if cfg == nil {
		cfg = DefaultConfig()
	}
	attempts := cfg.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := range attempts {
		res, err := fn()
		if err == nil {
			return res, nil
		}
		lastErr = err

		if retryable != nil && !retryable(err) {
			return zero, err
		}
		if attempt == attempts-1 {
			break
		}
		if onRetry != nil {
			onRetry(attempt+1, err)
		}

		timer := time.NewTimer(cfg.Delay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, ctx.Err()
		case <-timer.C:
		}
	}

	return zero, fmt.Errorf("%w after %d attempts: %w", ErrExhausted, attempts, lastErr)
}

// Delay returns the backoff before the attempt following attempt (0-based).
func (c *Config) Delay(attempt int) time.Duration {
	mult := c.Multiplier
	if mult <= 0 {
		mult = 1
	}
	delay := float64(c.BaseDelay) * math.Pow(mult, float64(attempt))
	if c.MaxDelay > 0 {
		delay = min(delay, float64(c.MaxDelay))
	}
	if c.Jitter {
		delay += delay * 0.1 * rand.Float64()
	}
	return time.Duration(delay)
}
