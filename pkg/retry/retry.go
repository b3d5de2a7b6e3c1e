// Package retry provides exponential-backoff retry for the transient
// failure class (§7): initial delay 1s, cap 60s, ±25% jitter by default.
package retry

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/mosaicfs/mosaicfs/pkg/engineerr"
)

// Config defines retry behavior.
type Config struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	JitterFrac   float64
	OnRetry      func(attempt int, err error, delay time.Duration)
}

// DefaultConfig matches the error handling design's transient-failure policy.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  3,
		InitialDelay: 1 * time.Second,
		MaxDelay:     60 * time.Second,
		Multiplier:   2.0,
		JitterFrac:   0.25,
	}
}

// Retryer executes a function with exponential backoff.
type Retryer struct {
	config Config
}

// New creates a Retryer, filling in defaults for zero-valued fields.
func New(config Config) *Retryer {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 3
	}
	if config.InitialDelay <= 0 {
		config.InitialDelay = 1 * time.Second
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = 60 * time.Second
	}
	if config.Multiplier <= 0 {
		config.Multiplier = 2.0
	}
	if config.JitterFrac <= 0 {
		config.JitterFrac = 0.25
	}
	return &Retryer{config: config}
}

// Do runs fn without a context, retrying on retryable errors.
func (r *Retryer) Do(fn func() error) error {
	return r.DoWithContext(context.Background(), func(ctx context.Context) error {
		return fn()
	})
}

// DoWithContext runs fn, retrying on retryable errors until MaxAttempts is
// exhausted or ctx is canceled.
func (r *Retryer) DoWithContext(ctx context.Context, fn func(context.Context) error) error {
	var lastErr error

	for attempt := 1; attempt <= r.config.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return fmt.Errorf("operation canceled: %w", ctx.Err())
		default:
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if !r.shouldRetry(err, attempt) {
			return err
		}

		if attempt < r.config.MaxAttempts {
			delay := r.calculateDelay(attempt)
			if r.config.OnRetry != nil {
				r.config.OnRetry(attempt, err, delay)
			}
			select {
			case <-ctx.Done():
				return fmt.Errorf("operation canceled after %d attempts: %w", attempt, ctx.Err())
			case <-time.After(delay):
			}
		}
	}

	return fmt.Errorf("retry attempts (%d) exhausted: %w", r.config.MaxAttempts, lastErr)
}

func (r *Retryer) shouldRetry(err error, attempt int) bool {
	if attempt >= r.config.MaxAttempts {
		return false
	}
	return engineerr.IsRetryable(err)
}

func (r *Retryer) calculateDelay(attempt int) time.Duration {
	delay := float64(r.config.InitialDelay) * math.Pow(r.config.Multiplier, float64(attempt-1))
	if delay > float64(r.config.MaxDelay) {
		delay = float64(r.config.MaxDelay)
	}
	if r.config.JitterFrac > 0 {
		jitter := delay * r.config.JitterFrac * (rand.Float64()*2 - 1)
		delay += jitter
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}

// WithMaxAttempts returns a Retryer with a different attempt cap, useful for
// call sites needing a context-specific attempt cap (§7 "Transient").
func (r *Retryer) WithMaxAttempts(attempts int) *Retryer {
	cfg := r.config
	cfg.MaxAttempts = attempts
	return New(cfg)
}

// WithOnRetry returns a Retryer with a retry-observed callback attached.
func (r *Retryer) WithOnRetry(callback func(attempt int, err error, delay time.Duration)) *Retryer {
	cfg := r.config
	cfg.OnRetry = callback
	return New(cfg)
}
