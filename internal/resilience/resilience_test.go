package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestCircuitBreaker(t *testing.T) {
	t.Parallel()

	failing := errors.New("boom")

	t.Run("opens after consecutive failures", func(t *testing.T) {
		t.Parallel()
		cb := NewCircuitBreaker(CircuitBreakerConfig{Name: "tts", MaxFailures: 3})

		for i := 0; i < 3; i++ {
			if err := cb.Execute(func() error { return failing }); !errors.Is(err, failing) {
				t.Fatalf("attempt %d: err = %v, want boom", i, err)
			}
		}
		if cb.State() != StateOpen {
			t.Fatalf("state = %v, want open", cb.State())
		}
		if err := cb.Execute(func() error { return nil }); !errors.Is(err, ErrCircuitOpen) {
			t.Fatalf("err = %v, want ErrCircuitOpen", err)
		}
	})

	t.Run("success resets failure count", func(t *testing.T) {
		t.Parallel()
		cb := NewCircuitBreaker(CircuitBreakerConfig{MaxFailures: 2})

		cb.Execute(func() error { return failing })
		cb.Execute(func() error { return nil })
		cb.Execute(func() error { return failing })
		if cb.State() != StateClosed {
			t.Fatalf("state = %v, want closed", cb.State())
		}
	})

	t.Run("half-open probes close the breaker", func(t *testing.T) {
		t.Parallel()
		cb := NewCircuitBreaker(CircuitBreakerConfig{
			MaxFailures:  1,
			ResetTimeout: 10 * time.Millisecond,
			HalfOpenMax:  2,
		})

		cb.Execute(func() error { return failing })
		if cb.State() != StateOpen {
			t.Fatalf("state = %v, want open", cb.State())
		}

		time.Sleep(15 * time.Millisecond)
		for i := 0; i < 2; i++ {
			if err := cb.Execute(func() error { return nil }); err != nil {
				t.Fatalf("probe %d: %v", i, err)
			}
		}
		if cb.State() != StateClosed {
			t.Fatalf("state = %v, want closed", cb.State())
		}
	})
}

func TestRetry(t *testing.T) {
	t.Parallel()

	t.Run("succeeds after transient failures", func(t *testing.T) {
		t.Parallel()
		calls := 0
		err := Retry(context.Background(), RetryConfig{MaxAttempts: 5, BaseDelay: time.Millisecond}, func() error {
			calls++
			if calls < 3 {
				return errors.New("transient")
			}
			return nil
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if calls != 3 {
			t.Fatalf("calls = %d, want 3", calls)
		}
	})

	t.Run("permanent error stops immediately", func(t *testing.T) {
		t.Parallel()
		calls := 0
		err := Retry(context.Background(), RetryConfig{MaxAttempts: 5, BaseDelay: time.Millisecond}, func() error {
			calls++
			return Permanent(errors.New("bad auth"))
		})
		if !errors.Is(err, ErrPermanent) {
			t.Fatalf("err = %v, want ErrPermanent", err)
		}
		if calls != 1 {
			t.Fatalf("calls = %d, want 1", calls)
		}
	})

	t.Run("budget exhaustion returns last error", func(t *testing.T) {
		t.Parallel()
		boom := errors.New("still down")
		err := Retry(context.Background(), RetryConfig{MaxAttempts: 2, BaseDelay: time.Millisecond}, func() error {
			return boom
		})
		if !errors.Is(err, boom) {
			t.Fatalf("err = %v, want still down", err)
		}
	})

	t.Run("context cancellation aborts the wait", func(t *testing.T) {
		t.Parallel()
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		err := Retry(ctx, RetryConfig{MaxAttempts: 3, BaseDelay: time.Second}, func() error {
			return errors.New("transient")
		})
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("err = %v, want context.Canceled", err)
		}
	})

	t.Run("with result", func(t *testing.T) {
		t.Parallel()
		v, err := RetryWithResult(context.Background(), RetryConfig{MaxAttempts: 2, BaseDelay: time.Millisecond}, func() (int, error) {
			return 42, nil
		})
		if err != nil || v != 42 {
			t.Fatalf("got (%d, %v), want (42, nil)", v, err)
		}
	})
}
