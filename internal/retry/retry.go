// Package retry re-runs an operation with exponential backoff while it fails
// with an error the caller classifies as retryable.
package retry

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"lms/internal/logging"
)

const (
	defaultMaxAttempts  = 3
	defaultBaseDelay    = 10 * time.Millisecond
	defaultJitterFactor = 0.3
)

var (
	ErrInvalidMaxAttempts  = errors.New("max attempts must be positive")
	ErrNegativeBaseDelay   = errors.New("base delay must not be negative")
	ErrInvalidJitterFactor = errors.New("jitter factor must be between 0.0 and 1.0")
)

// Func is the operation being retried.
type Func func(ctx context.Context) error

type config struct {
	maxAttempts  int
	baseDelay    time.Duration
	jitterFactor float64
	logger       logging.Logger
	operation    string
}

// Option configures retry behavior.
type Option func(*config) error

// Do runs fn until it succeeds, fails with an error retryable rejects, the
// attempts run out, or ctx is done. Delays grow as baseDelay * 2^(attempt-1)
// plus jitter.
func Do(ctx context.Context, retryable func(error) bool, fn Func, options ...Option) error {
	cfg := &config{
		maxAttempts:  defaultMaxAttempts,
		baseDelay:    defaultBaseDelay,
		jitterFactor: defaultJitterFactor,
	}
	for _, option := range options {
		if err := option(cfg); err != nil {
			return err
		}
	}

	var lastErr error
	for attempt := 0; attempt < cfg.maxAttempts; attempt++ {
		if attempt > 0 {
			delay := cfg.baseDelay * time.Duration(1<<(attempt-1))
			jitter := rand.Float64() * float64(delay) * cfg.jitterFactor //nolint:gosec // jitter only
			backoff := delay + time.Duration(jitter)

			if cfg.logger != nil {
				cfg.logger.Debug(ctx, "retrying", "operation", cfg.operation, "attempt", attempt+1, "backoff", backoff, "error", lastErr)
			}

			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !retryable(lastErr) {
			return lastErr
		}
	}

	if cfg.logger != nil {
		cfg.logger.Warn(ctx, "retries exhausted", "operation", cfg.operation, "attempts", cfg.maxAttempts, "error", lastErr)
	}
	return lastErr
}

func WithMaxAttempts(attempts int) Option {
	return func(c *config) error {
		if attempts <= 0 {
			return ErrInvalidMaxAttempts
		}
		c.maxAttempts = attempts
		return nil
	}
}

func WithBaseDelay(delay time.Duration) Option {
	return func(c *config) error {
		if delay < 0 {
			return ErrNegativeBaseDelay
		}
		c.baseDelay = delay
		return nil
	}
}

// WithJitterFactor sets jitter as a fraction of the backoff delay, 0.0 to 1.0.
func WithJitterFactor(factor float64) Option {
	return func(c *config) error {
		if factor < 0.0 || factor > 1.0 {
			return ErrInvalidJitterFactor
		}
		c.jitterFactor = factor
		return nil
	}
}

// WithLogger logs each retry and exhaustion under the given operation name.
func WithLogger(l logging.Logger, operation string) Option {
	return func(c *config) error {
		c.logger = l
		c.operation = operation
		return nil
	}
}
