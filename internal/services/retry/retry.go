// Package retry provides capped exponential backoff for infrastructure
// calls that fail transiently, such as a worker connecting to the
// database or Redis before those services finish starting.
package retry

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// Config shapes the backoff schedule.
type Config struct {
	MaxAttempts  int           // attempts including the first; <= 0 means DefaultConfig's count
	InitialDelay time.Duration // delay after the first failure
	MaxDelay     time.Duration // backoff ceiling
	Multiplier   float64       // growth factor between attempts
	Jitter       bool          // spread delays up to 30% to avoid thundering herds
}

// DefaultConfig retries five times over roughly fifteen seconds.
func DefaultConfig() *Config {
	return &Config{
		MaxAttempts:  5,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}
}

// Func is one attempt. The context carries the caller's deadline.
type Func func(ctx context.Context) error

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks an error as not worth retrying, such as a malformed
// connection URL. Do returns the wrapped error immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Do runs fn until it succeeds, returns a permanent error, exhausts the
// configured attempts, or the context ends between attempts.
func Do(ctx context.Context, cfg *Config, fn Func) error {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	attempts := cfg.MaxAttempts
	if attempts <= 0 {
		attempts = DefaultConfig().MaxAttempts
	}

	var lastErr error
	delay := cfg.InitialDelay

	for attempt := 0; attempt < attempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}

		var permanent *permanentError
		if errors.As(err, &permanent) {
			return permanent.err
		}
		lastErr = err

		if attempt == attempts-1 {
			break
		}

		if attempt > 0 {
			delay = time.Duration(float64(delay) * cfg.Multiplier)
			if delay > cfg.MaxDelay {
				delay = cfg.MaxDelay
			}
		}
		wait := delay
		if cfg.Jitter {
			wait += time.Duration(rand.Float64() * float64(delay) * 0.3)
		}

		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return lastErr
}
