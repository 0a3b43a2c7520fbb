// Package retry implements a bounded retry policy with exponential backoff.
//
// A Policy runs an operation up to MaxAttempts times. The wait before attempt
// n+1 is BaseDelay * Multiplier^(n-1). Once attempts are exhausted the last
// error is surfaced, wrapped with ErrExhausted. Errors marked with Permanent
// stop the loop immediately.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"
)

// ErrExhausted is wrapped around the final error once every attempt failed.
var ErrExhausted = errors.New("retry attempts exhausted")

// Policy describes how many times to try an operation and how long to wait between tries.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64

	// sleep is replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// None is a policy that runs an operation exactly once.
var None = Policy{MaxAttempts: 1}

// NewPolicy creates a policy. Attempts below one are raised to one and
// multipliers below one are raised to one.
func NewPolicy(maxAttempts int, baseDelay time.Duration, multiplier float64) Policy {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	if multiplier < 1 {
		multiplier = 1
	}
	return Policy{MaxAttempts: maxAttempts, BaseDelay: baseDelay, Multiplier: multiplier}
}

// Delay returns the wait that follows the given failed attempt (1-based).
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 || p.BaseDelay <= 0 {
		return 0
	}
	m := p.Multiplier
	if m < 1 {
		m = 1
	}
	return time.Duration(float64(p.BaseDelay) * math.Pow(m, float64(attempt-1)))
}

// Do runs fn until it succeeds, returns a permanent error, the context is
// done, or MaxAttempts is reached. With a single allowed attempt the
// operation's error is returned unchanged.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	sleep := p.sleep
	if sleep == nil {
		sleep = sleepContext
	}

	var lastErr error
	for i := 1; i <= attempts; i++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}

		var perm *permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
		lastErr = err

		if i == attempts {
			break
		}
		if err := sleep(ctx, p.Delay(i)); err != nil {
			return fmt.Errorf("retry interrupted after %d attempts: %w", i, lastErr)
		}
	}

	if attempts == 1 {
		return lastErr
	}
	return fmt.Errorf("%w after %d attempts: %w", ErrExhausted, attempts, lastErr)
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }

func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying. Do returns the inner error.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
