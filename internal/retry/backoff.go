// Package retry runs an operation with exponential backoff until it
// succeeds, fails permanently, or its budget runs out.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"
)

// PermanentError marks a failure that retrying cannot fix.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so Do returns it without further attempts.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// Backoff describes a retry schedule.
type Backoff struct {
	InitialDelay time.Duration // default 50ms
	MaxDelay     time.Duration // default 2s
	Multiplier   float64       // default 2
	MaxAttempts  int           // 0 means until ctx is done
	Jitter       bool          // ±20% on each wait
}

// Probe is the schedule used while waiting for a freshly launched kernel to
// open its ports.
func Probe() *Backoff {
	return &Backoff{
		InitialDelay: 50 * time.Millisecond,
		MaxDelay:     time.Second,
		Multiplier:   1.5,
		Jitter:       true,
	}
}

// Do calls fn until it returns nil. attempt is 1-based. A Permanent error
// stops immediately and is returned unwrapped.
func (b *Backoff) Do(ctx context.Context, fn func(attempt int) error) error {
	delay := b.InitialDelay
	if delay <= 0 {
		delay = 50 * time.Millisecond
	}
	maxDelay := b.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	mult := b.Multiplier
	if mult <= 1 {
		mult = 2
	}

	for attempt := 1; ; attempt++ {
		err := fn(attempt)
		if err == nil {
			return nil
		}
		var pe *PermanentError
		if errors.As(err, &pe) {
			return pe.Err
		}
		if b.MaxAttempts > 0 && attempt >= b.MaxAttempts {
			return fmt.Errorf("gave up after %d attempts: %w", attempt, err)
		}

		wait := delay
		if b.Jitter {
			wait = jitter(delay)
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return fmt.Errorf("%w (last error: %v)", ctx.Err(), err)
		case <-t.C:
		}

		delay = time.Duration(float64(delay) * mult)
		if delay > maxDelay {
			delay = maxDelay
		}
	}
}

func jitter(d time.Duration) time.Duration {
	span := float64(d) * 0.2
	j := time.Duration(float64(d) + (rand.Float64()*2-1)*span)
	if j < time.Millisecond {
		return time.Millisecond
	}
	return j
}
