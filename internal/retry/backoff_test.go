package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func fast() *Backoff {
	return &Backoff{InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, MaxAttempts: 5}
}

func TestDoSucceedsAfterRetries(t *testing.T) {
	calls := 0
	err := fast().Do(context.Background(), func(attempt int) error {
		calls++
		if attempt < 3 {
			return errors.New("connection refused")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
}

func TestDoExhaustsAttempts(t *testing.T) {
	cause := errors.New("connection refused")
	calls := 0
	err := fast().Do(context.Background(), func(int) error {
		calls++
		return cause
	})
	if !errors.Is(err, cause) {
		t.Fatalf("err = %v, want wrapping %v", err, cause)
	}
	if calls != 5 {
		t.Fatalf("calls = %d, want 5", calls)
	}
}

func TestDoPermanent(t *testing.T) {
	cause := errors.New("no such file")
	calls := 0
	err := fast().Do(context.Background(), func(int) error {
		calls++
		return Permanent(cause)
	})
	if err != cause {
		t.Fatalf("err = %v, want %v", err, cause)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
	if Permanent(nil) != nil {
		t.Fatal("Permanent(nil) should be nil")
	}
}

func TestDoContextCancelled(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	b := &Backoff{InitialDelay: 5 * time.Millisecond, Jitter: true}
	err := b.Do(ctx, func(int) error { return errors.New("not yet") })
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want DeadlineExceeded", err)
	}
}
