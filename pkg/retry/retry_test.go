package retry

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/bundlecache/bundlecache/pkg/errors"
)

func fastConfig(attempts int) Config {
	config := DefaultConfig()
	config.MaxAttempts = attempts
	config.InitialDelay = time.Millisecond
	config.Jitter = false
	return config
}

func TestRetryer_Success(t *testing.T) {
	retryer := New(fastConfig(3))

	attempts := 0
	err := retryer.Do(func() error {
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

func TestRetryer_RetryableError(t *testing.T) {
	retryer := New(fastConfig(3))

	attempts := 0
	err := retryer.Do(func() error {
		attempts++
		if attempts < 3 {
			return errors.NewError(errors.ErrCodeStorageWrite, "rename failed")
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

func TestRetryer_NonRetryableError(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"coded non-retryable", errors.NewError(errors.ErrCodeStorageCorrupt, "bad envelope")},
		{"plain error", fmt.Errorf("plain failure")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			retryer := New(fastConfig(3))
			attempts := 0
			err := retryer.Do(func() error {
				attempts++
				return tt.err
			})
			if err != tt.err {
				t.Errorf("Expected original error, got %v", err)
			}
			if attempts != 1 {
				t.Errorf("Expected 1 attempt, got %d", attempts)
			}
		})
	}
}

func TestRetryer_MaxAttemptsExceeded(t *testing.T) {
	retryer := New(fastConfig(3))
	cause := errors.NewError(errors.ErrCodeConnectionFailed, "redis unreachable")

	attempts := 0
	err := retryer.Do(func() error {
		attempts++
		return cause
	})

	if attempts != 3 {
		t.Errorf("Expected 3 attempts, got %d", attempts)
	}
	if !errors.HasCode(err, errors.ErrCodeRetryExhausted) {
		t.Errorf("Expected RETRY_EXHAUSTED, got %v", err)
	}
	if !errors.HasCode(err, errors.ErrCodeConnectionFailed) {
		t.Errorf("Exhausted error should wrap the last failure, got %v", err)
	}
}

func TestRetryer_SingleAttemptExhausts(t *testing.T) {
	var retries int
	retryer := New(fastConfig(1)).WithOnRetry(func(int, error, time.Duration) { retries++ })

	attempts := 0
	err := retryer.Do(func() error {
		attempts++
		return errors.NewError(errors.ErrCodeStorageWrite, "disk full")
	})

	if attempts != 1 {
		t.Errorf("Expected 1 attempt, got %d", attempts)
	}
	if retries != 0 {
		t.Errorf("Expected no OnRetry calls, got %d", retries)
	}
	if !errors.HasCode(err, errors.ErrCodeRetryExhausted) || !errors.HasCode(err, errors.ErrCodeStorageWrite) {
		t.Errorf("Expected RETRY_EXHAUSTED wrapping STORAGE_WRITE, got %v", err)
	}
}

func TestRetryer_ContextCancellation(t *testing.T) {
	config := fastConfig(5)
	config.InitialDelay = time.Second
	retryer := New(config)

	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0
	err := retryer.DoWithContext(ctx, func(ctx context.Context) error {
		attempts++
		cancel()
		return errors.NewError(errors.ErrCodeConnectionTimeout, "timeout")
	})

	if !errors.HasCode(err, errors.ErrCodeOperationCanceled) {
		t.Errorf("Expected OPERATION_CANCELED, got %v", err)
	}
	if attempts != 1 {
		t.Errorf("Expected 1 attempt, got %d", attempts)
	}
}

func TestRetryer_ExponentialBackoff(t *testing.T) {
	config := fastConfig(4)
	config.InitialDelay = 10 * time.Millisecond
	config.MaxDelay = 25 * time.Millisecond

	var delays []time.Duration
	config.OnRetry = func(attempt int, err error, delay time.Duration) {
		delays = append(delays, delay)
	}

	_ = New(config).Do(func() error {
		return errors.NewError(errors.ErrCodeOperationTimeout, "slow")
	})

	expected := []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 25 * time.Millisecond}
	if len(delays) != len(expected) {
		t.Fatalf("Expected %d delays, got %d", len(expected), len(delays))
	}
	for i := range expected {
		if delays[i] != expected[i] {
			t.Errorf("Delay %d: expected %v, got %v", i, expected[i], delays[i])
		}
	}
}

func TestRetryer_RetryableErrorsList(t *testing.T) {
	config := fastConfig(2)
	config.RetryableErrors = []errors.ErrorCode{errors.ErrCodeStorageRead}

	attempts := 0
	_ = New(config).Do(func() error {
		attempts++
		return errors.NewError(errors.ErrCodeStorageRead, "short read")
	})
	if attempts != 2 {
		t.Errorf("Expected listed code to be retried, got %d attempts", attempts)
	}
}

func TestRetryer_JitterBounds(t *testing.T) {
	config := fastConfig(2)
	config.InitialDelay = 100 * time.Millisecond
	config.Jitter = true
	retryer := New(config)

	for i := 0; i < 50; i++ {
		d := retryer.calculateDelay(1)
		if d < 80*time.Millisecond || d > 120*time.Millisecond {
			t.Fatalf("Jittered delay %v outside ±20%%", d)
		}
	}
}

func TestRetryer_WithMethods(t *testing.T) {
	var calls int
	retryer := New(fastConfig(1)).
		WithMaxAttempts(3).
		WithInitialDelay(time.Millisecond).
		WithOnRetry(func(int, error, time.Duration) { calls++ })

	_ = retryer.Do(func() error {
		return errors.NewError(errors.ErrCodeStorageWrite, "write")
	})
	if calls != 2 {
		t.Errorf("Expected 2 OnRetry calls, got %d", calls)
	}
}
