// Package retry implements exponential/linear backoff for operations that
// can transiently fail, used for the initial TCP dial to the server in
// server.Session.Connect.
package retry

import (
	"context"
	"math"
	"time"

	"github.com/pkg/errors"
)

type Operation func(ctx context.Context) error

type Config struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	OnRetry      func(attempt int, err error, nextDelay time.Duration)
	RetryIf      func(err error) bool
}

type Option func(*Config)

func DefaultConfig() *Config {
	return &Config{
		MaxAttempts:  5,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		Multiplier:   2.0,
	}
}

func WithInitialDelay(delay time.Duration) Option {
	return func(c *Config) { c.InitialDelay = delay }
}

func WithMaxAttempts(maxAttempts int) Option {
	return func(c *Config) { c.MaxAttempts = maxAttempts }
}

func WithMaxDelay(delay time.Duration) Option {
	return func(c *Config) { c.MaxDelay = delay }
}

func WithMultiplier(multiplier float64) Option {
	return func(c *Config) { c.Multiplier = multiplier }
}

func WithOnRetry(callback func(attempt int, err error, nextDelay time.Duration)) Option {
	return func(c *Config) { c.OnRetry = callback }
}

func WithRetryIf(predicate func(err error) bool) Option {
	return func(c *Config) { c.RetryIf = predicate }
}

// Do runs op, retrying on failure per the backoff schedule built from opts.
// It returns nil on the first success, the wrapped last error once attempts
// are exhausted, or an error wrapping ctx.Err() if ctx is cancelled.
func Do(ctx context.Context, op Operation, opts ...Option) error {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}

	var lastErr error

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return errors.Wrapf(err, "context canceled before attempt %d", attempt)
		}

		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}

		if cfg.RetryIf != nil && !cfg.RetryIf(lastErr) {
			return errors.Wrap(lastErr, "unretryable error")
		}

		if attempt == cfg.MaxAttempts {
			break
		}

		delay := calculateDelay(attempt, cfg)

		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt, lastErr, delay)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return errors.Wrapf(ctx.Err(), "context canceled during retry wait (attempt %d, last error: %v)", attempt, lastErr)
		case <-timer.C:
		}
	}

	return errors.Wrapf(lastErr, "exhausted %d attempts", cfg.MaxAttempts)
}

func calculateDelay(attempt int, cfg *Config) time.Duration {
	delay := min(
		float64(cfg.MaxDelay),
		float64(cfg.InitialDelay)*math.Pow(cfg.Multiplier, float64(attempt-1)),
	)
	return time.Duration(delay)
}

func WithExponentialBackoff(maxAttempts int, initialDelay, maxDelay time.Duration) []Option {
	return []Option{
		WithMaxAttempts(maxAttempts),
		WithInitialDelay(initialDelay),
		WithMaxDelay(maxDelay),
		WithMultiplier(2.0),
	}
}

func WithLinearBackoff(maxAttempts int, delay time.Duration) []Option {
	return []Option{
		WithMaxAttempts(maxAttempts),
		WithInitialDelay(delay),
		WithMaxDelay(delay),
		WithMultiplier(1.0),
	}
}
