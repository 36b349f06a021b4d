package retry

import (
	"context"
	stderrors "errors"
	"fmt"
	"syscall"
	"testing"
	"time"

	"github.com/tflow/attachstore/pkg/errors"
)

func fastConfig() Config {
	config := DefaultConfig()
	config.InitialDelay = 5 * time.Millisecond
	config.MaxDelay = 20 * time.Millisecond
	config.Jitter = false
	return config
}

// run drives r without a deadline.
func run(r *Retryer, fn func() error) error {
	return r.DoWithContext(context.Background(), func(context.Context) error {
		return fn()
	})
}

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()
	if config.MaxAttempts != 3 {
		t.Errorf("MaxAttempts = %d, want 3", config.MaxAttempts)
	}
	if config.InitialDelay != time.Second || config.MaxDelay != 10*time.Second {
		t.Errorf("unexpected delays %v/%v", config.InitialDelay, config.MaxDelay)
	}
	if config.Multiplier != 2.0 || !config.Jitter {
		t.Errorf("unexpected multiplier/jitter %v/%v", config.Multiplier, config.Jitter)
	}
}

func TestRetryer_Success(t *testing.T) {
	retryer := New(fastConfig())

	attempts := 0
	err := run(retryer, func() error {
		attempts++
		return nil
	})

	if err != nil {
		t.Errorf("Expected nil error, got %v", err)
	}
	if attempts != 1 {
		t.Errorf("Expected 1 attempt, got %d", attempts)
	}
}

func TestRetryer_TransientError(t *testing.T) {
	retryer := New(fastConfig())

	attempts := 0
	err := run(retryer, func() error {
		attempts++
		if attempts < 3 {
			return fmt.Errorf("stor: %w", syscall.ECONNRESET)
		}
		return nil
	})

	if err != nil {
		t.Errorf("Expected nil error, got %v", err)
	}
	if attempts != 3 {
		t.Errorf("Expected 3 attempts, got %d", attempts)
	}
}

func TestRetryer_FatalErrorNotRetried(t *testing.T) {
	retryer := New(fastConfig())

	attempts := 0
	fatal := errors.NewError(errors.ErrCodeAuthenticationFailed, "login incorrect")
	err := run(retryer, func() error {
		attempts++
		return fatal
	})

	if err != fatal {
		t.Errorf("Expected fatal error returned unchanged, got %v", err)
	}
	if attempts != 1 {
		t.Errorf("Expected 1 attempt (no retry), got %d", attempts)
	}
}

func TestRetryer_NotFoundAndCancelledNotRetried(t *testing.T) {
	retryer := New(fastConfig())

	for _, failure := range []error{
		errors.NewError(errors.ErrCodeObjectNotFound, "missing"),
		context.Canceled,
	} {
		attempts := 0
		_ = run(retryer, func() error {
			attempts++
			return failure
		})
		if attempts != 1 {
			t.Errorf("%v: expected 1 attempt, got %d", failure, attempts)
		}
	}
}

func TestRetryer_MaxAttemptsExceeded(t *testing.T) {
	retryer := New(fastConfig())

	attempts := 0
	last := errors.NewError(errors.ErrCodeNetworkError, "network error")

	err := run(retryer, func() error {
		attempts++
		return last
	})

	if attempts != 3 {
		t.Errorf("Expected 3 attempts, got %d", attempts)
	}

	var storeErr *errors.StoreError
	if !stderrors.As(err, &storeErr) || storeErr.Code != errors.ErrCodeRetryExhausted {
		t.Fatalf("Expected RETRY_EXHAUSTED, got %v", err)
	}
	if storeErr.Class != errors.ClassTransient {
		t.Errorf("Exhaustion class = %v, want transient", storeErr.Class)
	}
	if !stderrors.Is(err, last) {
		t.Error("Exhaustion error should wrap the last cause")
	}
}

func TestRetryer_ContextCancellation(t *testing.T) {
	config := fastConfig()
	config.MaxAttempts = 10
	config.InitialDelay = 100 * time.Millisecond
	config.MaxDelay = time.Second
	retryer := New(config)

	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0

	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	err := retryer.DoWithContext(ctx, func(ctx context.Context) error {
		attempts++
		return errors.NewError(errors.ErrCodeConnectionFailed, "connection failed")
	})

	if !errors.IsCancelled(err) {
		t.Errorf("Expected cancelled error, got %v", err)
	}
	if attempts >= 10 {
		t.Errorf("Expected fewer than 10 attempts due to cancellation, got %d", attempts)
	}
}

func TestRetryer_ExponentialBackoff(t *testing.T) {
	config := fastConfig()
	config.MaxAttempts = 4
	config.InitialDelay = 10 * time.Millisecond
	config.MaxDelay = time.Second

	delays := []time.Duration{}
	config.OnRetry = func(attempt int, err error, delay time.Duration) {
		delays = append(delays, delay)
	}

	_ = run(New(config), func() error {
		return errors.NewError(errors.ErrCodeNetworkError, "network error")
	})

	expected := []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 40 * time.Millisecond}
	if len(delays) != len(expected) {
		t.Fatalf("Expected %d delays, got %d", len(expected), len(delays))
	}
	for i := range expected {
		if delays[i] != expected[i] {
			t.Errorf("Delay %d: expected %v, got %v", i, expected[i], delays[i])
		}
	}
}

func TestRetryer_MaxDelayCap(t *testing.T) {
	config := fastConfig()
	config.MaxAttempts = 6
	config.InitialDelay = 4 * time.Millisecond
	config.MaxDelay = 10 * time.Millisecond

	var maxDelay time.Duration
	config.OnRetry = func(attempt int, err error, delay time.Duration) {
		if delay > maxDelay {
			maxDelay = delay
		}
	}

	_ = run(New(config), func() error {
		return errors.NewError(errors.ErrCodeNetworkError, "network error")
	})

	if maxDelay != config.MaxDelay {
		t.Errorf("Max delay %v, want cap %v", maxDelay, config.MaxDelay)
	}
}

func TestRetryer_JitterBounds(t *testing.T) {
	config := DefaultConfig()
	retryer := New(config)

	for i := 0; i < 100; i++ {
		d := retryer.calculateDelay(1)
		if d < 800*time.Millisecond || d > 1200*time.Millisecond {
			t.Fatalf("jittered delay %v outside ±20%% of 1s", d)
		}
	}
}

func TestRetryer_WithOnRetry(t *testing.T) {
	original := New(fastConfig())

	called := 0
	cb := original.WithOnRetry(func(attempt int, err error, delay time.Duration) {
		called++
	})
	_ = run(cb, func() error {
		return errors.NewError(errors.ErrCodeNetworkError, "network error")
	})
	if called != 2 {
		t.Errorf("OnRetry called %d times, want 2", called)
	}
	if original.Config().OnRetry != nil {
		t.Error("Original config was modified")
	}
}

func TestNew_AppliesDefaults(t *testing.T) {
	r := New(Config{})
	if r.Config().MaxAttempts != 3 || r.Config().InitialDelay != time.Second {
		t.Errorf("defaults not applied: %+v", r.Config())
	}
}
