// Package retry provides bounded retry with exponential backoff, plus
// open-ended backoff schedules for reconnect and polling loops.
package retry

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/nanoflow/nanoflow/pkg/errors"
)

// Config holds retry configuration.
type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
	Jitter      bool
}

// DefaultConfig returns a sensible default retry configuration.
func DefaultConfig() *Config {
	return &Config{
		MaxAttempts: 3,
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    5 * time.Second,
		Multiplier:  2.0,
		Jitter:      true,
	}
}

// RPCConfig returns retry configuration for node request/response calls.
func RPCConfig() *Config {
	return &Config{
		MaxAttempts: 5,
		BaseDelay:   50 * time.Millisecond,
		MaxDelay:    2 * time.Second,
		Multiplier:  1.5,
		Jitter:      true,
	}
}

// Func is a function that can be retried.
type Func func() error

// Do executes fn with retry on retryable errors, bounded by MaxAttempts.
func Do(ctx context.Context, config *Config, fn Func) error {
	if config == nil {
		config = DefaultConfig()
	}

	var lastErr error

	for attempt := 0; attempt < config.MaxAttempts; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}

		lastErr = err

		if !errors.IsRetryable(err) {
			return err
		}

		if attempt == config.MaxAttempts-1 {
			break
		}

		delay := config.delayFor(attempt)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}

	return errors.Wrap(lastErr, errors.KindExhausted, "retry",
		"operation failed after maximum retry attempts").
		WithContext("max_attempts", config.MaxAttempts)
}

// DoWithResult executes fn with retry logic and returns its result.
func DoWithResult[T any](ctx context.Context, config *Config, fn func() (T, error)) (T, error) {
	var zero T
	var lastErr error

	if config == nil {
		config = DefaultConfig()
	}

	for attempt := 0; attempt < config.MaxAttempts; attempt++ {
		res, err := fn()
		if err == nil {
			return res, nil
		}

		lastErr = err

		if !errors.IsRetryable(err) {
			return zero, err
		}

		if attempt == config.MaxAttempts-1 {
			break
		}

		delay := config.delayFor(attempt)

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(delay):
		}
	}

	return zero, errors.Wrap(lastErr, errors.KindExhausted, "retry",
		"operation failed after maximum retry attempts").
		WithContext("max_attempts", config.MaxAttempts)
}

// delayFor calculates the backoff delay for the given attempt.
func (c *Config) delayFor(attempt int) time.Duration {
	delay := float64(c.BaseDelay) * math.Pow(c.Multiplier, float64(attempt))

	delay = min(delay, float64(c.MaxDelay))

	if c.Jitter {
		// Up to 10% random jitter to avoid correlated retries.
		delay += delay * 0.1 * rand.Float64()
	}

	return time.Duration(delay)
}

// Backoff is a stateful delay schedule for open-ended loops (subscription
// reconnects, confirmation polling). Unlike Do it has no attempt bound; the
// caller's context bounds the loop.
type Backoff struct {
	base    time.Duration
	max     time.Duration
	factor  float64
	current time.Duration
}

// NewBackoff creates a backoff schedule starting at base and capped at max.
func NewBackoff(base, max time.Duration, factor float64) *Backoff {
	if factor < 1.0 {
		factor = 2.0
	}
	return &Backoff{base: base, max: max, factor: factor}
}

// Next returns the next delay in the schedule and advances it.
func (b *Backoff) Next() time.Duration {
	if b.current == 0 {
		b.current = b.base
		return b.current
	}

	next := time.Duration(float64(b.current) * b.factor)
	if next > b.max {
		next = b.max
	}
	b.current = next
	return b.current
}

// Reset restarts the schedule from the base delay.
func (b *Backoff) Reset() {
	b.current = 0
}

// Wait sleeps for the next delay in the schedule or returns early with the
// context's error if it is cancelled first.
func (b *Backoff) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(b.Next()):
		return nil
	}
}
