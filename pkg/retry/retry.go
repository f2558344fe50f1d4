// Package retry provides a shared retry engine with multiplier-based backoff.
// It is context-aware and used by the RPC client, the payload generator, and
// the dispatcher fallback path.
//
// Usage:
//
//	err := retry.Do(ctx, retry.DefaultConfig(), func() error {
//	    return client.Connect(ctx)
//	})
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"time"
)

// Config controls retry behaviour.
type Config struct {
	MaxAttempts int           // Total attempts (including the first). 0 means no-op.
	InitDelay   time.Duration // Base delay before first retry.
	MaxDelay    time.Duration // Upper bound on any single delay.
	Multiplier  float64       // Growth factor per attempt: InitDelay * Multiplier^attempt. <=0 means 1.
	Jitter      bool          // Add ±25% random jitter to each delay.
}

// DefaultConfig returns the standard policy: 3 attempts, delays growing
// 2s, 3s (multiplier 1.5), capped at 30s, with jitter enabled.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 3,
		InitDelay:   2 * time.Second,
		MaxDelay:    30 * time.Second,
		Multiplier:  1.5,
		Jitter:      true,
	}
}

// StopError wraps an error to signal that retrying should stop immediately.
// Use this when the caller knows the error is permanent (e.g. a blocked
// command or an authentication failure).
type StopError struct {
	Err error
}

func (e *StopError) Error() string { return e.Err.Error() }
func (e *StopError) Unwrap() error { return e.Err }

// Stop wraps err so that Do returns it without further retries.
func Stop(err error) error {
	return &StopError{Err: err}
}

// sleeper is an interface for waiting, allowing tests to override time.After.
type sleeper interface {
	sleep(ctx context.Context, d time.Duration) error
}

// realSleeper uses time.After for production code.
type realSleeper struct{}

func (realSleeper) sleep(ctx context.Context, d time.Duration) error {
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Do executes fn up to cfg.MaxAttempts times, sleeping between failures
// according to the configured backoff. It returns nil on the first
// successful call, or the last error if all attempts fail. If the context
// is cancelled, ctx.Err() is returned immediately.
//
// If fn returns a StopError, Do returns the wrapped error without retrying.
func Do(ctx context.Context, cfg Config, fn func() error) error {
	return doWithSleeper(ctx, cfg, fn, realSleeper{})
}

func doWithSleeper(ctx context.Context, cfg Config, fn func() error, s sleeper) error {
	if cfg.MaxAttempts <= 0 {
		return nil
	}

	var lastErr error
	for attempt := range cfg.MaxAttempts {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}

		// Check for StopError — caller says don't retry.
		var stop *StopError
		if errors.As(lastErr, &stop) {
			return stop.Err
		}

		// Sleep before next attempt (skip after final attempt).
		if attempt < cfg.MaxAttempts-1 {
			delay := CalcDelay(cfg, attempt)
			if err := s.sleep(ctx, delay); err != nil {
				return err
			}
		}
	}
	return lastErr
}

// CalcDelay computes the sleep duration for a given attempt (0-indexed).
func CalcDelay(cfg Config, attempt int) time.Duration {
	mult := cfg.Multiplier
	if mult <= 0 {
		mult = 1
	}
	delay := time.Duration(float64(cfg.InitDelay) * math.Pow(mult, float64(attempt)))
	if cfg.MaxDelay > 0 && delay > cfg.MaxDelay {
		delay = cfg.MaxDelay
	}
	if cfg.Jitter && delay > 0 {
		quarter := int64(delay) / 4
		if quarter > 0 {
			j := time.Duration(rand.Int64N(quarter))
			if rand.IntN(2) == 0 {
				delay += j
			} else {
				delay -= j
			}
		}
	}
	return delay
}
