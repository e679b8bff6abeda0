// SPDX-License-Identifier: Apache-2.0
package resilience

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	kerrors "github.com/jllopis/tradecrew/pkg/errors"
)

func fastRetry() RetryConfig {
	return DefaultRetryConfig().WithInitialDelay(time.Millisecond).WithMaxDelay(5 * time.Millisecond)
}

func TestRetrySuccess(t *testing.T) {
	attempts := 0
	err := fastRetry().Do(context.Background(), func(context.Context) error {
		attempts++
		if attempts < 3 {
			return errors.New("transient error")
		}
		return nil
	})

	if err != nil {
		t.Errorf("expected success, got error: %v", err)
	}
	if attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts)
	}
}

func TestRetryMaxAttemptsExceeded(t *testing.T) {
	attempts := 0
	var retried []int
	config := fastRetry().WithMaxAttempts(2).WithOnRetry(func(attempt int, _ error, _ time.Duration) {
		retried = append(retried, attempt)
	})
	err := config.Do(context.Background(), func(context.Context) error {
		attempts++
		return errors.New("always fails")
	})

	if err == nil || err.Error() != "always fails" {
		t.Errorf("expected last error after max attempts, got %v", err)
	}
	if attempts != 2 {
		t.Errorf("expected 2 attempts, got %d", attempts)
	}
	if len(retried) != 1 || retried[0] != 2 {
		t.Errorf("expected OnRetry for attempt 2, got %v", retried)
	}
}

func TestRetryNonRecoverable(t *testing.T) {
	attempts := 0
	err := fastRetry().Do(context.Background(), func(context.Context) error {
		attempts++
		return kerrors.New(kerrors.CodeConfiguration, "missing api key", nil)
	})

	if !kerrors.Is(err, kerrors.CodeConfiguration) {
		t.Errorf("expected configuration error, got %v", err)
	}
	if attempts != 1 {
		t.Errorf("expected 1 attempt, got %d", attempts)
	}
}

func TestRetryRecoverableCrewError(t *testing.T) {
	attempts := 0
	err := fastRetry().Do(context.Background(), func(context.Context) error {
		attempts++
		if attempts < 2 {
			return kerrors.New(kerrors.CodeInference, "503", nil).WithRecoverable(true)
		}
		return nil
	})
	if err != nil {
		t.Errorf("expected retry to succeed, got %v", err)
	}
	if attempts != 2 {
		t.Errorf("expected 2 attempts, got %d", attempts)
	}
}

func TestRetryContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	config := DefaultRetryConfig().WithInitialDelay(time.Second)

	attempts := 0
	err := config.Do(ctx, func(context.Context) error {
		attempts++
		cancel()
		return errors.New("transient error")
	})

	if err == nil {
		t.Fatalf("expected error")
	}
	if attempts != 1 {
		t.Errorf("expected a single attempt, got %d", attempts)
	}
}

func TestRetryContextCanceledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	config := DefaultRetryConfig().WithInitialDelay(time.Second).WithMaxDelay(time.Second)

	err := config.Do(ctx, func(context.Context) error {
		return errors.New("transient")
	})
	if !kerrors.Is(err, kerrors.CodeTimeout) {
		t.Fatalf("expected timeout error, got %v", err)
	}
}

func TestDoValue(t *testing.T) {
	attempts := 0
	result, err := DoValue(context.Background(), fastRetry(), func(context.Context) (string, error) {
		attempts++
		if attempts < 2 {
			return "", errors.New("transient")
		}
		return "success", nil
	})

	if err != nil {
		t.Errorf("expected success, got error: %v", err)
	}
	if result != "success" {
		t.Errorf("expected 'success', got %v", result)
	}
}

func TestNoRetry(t *testing.T) {
	attempts := 0
	_ = NoRetry().Do(context.Background(), func(context.Context) error {
		attempts++
		return errors.New("x")
	})
	if attempts != 1 {
		t.Fatalf("expected 1 attempt, got %d", attempts)
	}
}

func TestBackoffCapped(t *testing.T) {
	rc := RetryConfig{InitialDelay: time.Second, MaxDelay: 3 * time.Second, Multiplier: 2}
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{5, 3 * time.Second},
	}
	for _, tt := range tests {
		if d := rc.Backoff(tt.attempt); d != tt.want {
			t.Errorf("Backoff(%d) = %v, want %v", tt.attempt, d, tt.want)
		}
	}
}

func TestRetryHonorsRetryAfterHint(t *testing.T) {
	var waits []time.Duration
	rc := fastRetry().WithMaxAttempts(3).WithMaxDelay(30 * time.Millisecond).
		WithOnRetry(func(_ int, _ error, wait time.Duration) { waits = append(waits, wait) })

	attempts := 0
	err := rc.Do(context.Background(), func(context.Context) error {
		attempts++
		switch attempts {
		case 1:
			return kerrors.New(kerrors.CodeInference, "429", nil).WithRecoverable(true).WithContext(RetryAfterKey, 20*time.Millisecond)
		case 2:
			return kerrors.New(kerrors.CodeInference, "429", nil).WithRecoverable(true).WithContext(RetryAfterKey, time.Hour)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if len(waits) != 2 || waits[0] != 20*time.Millisecond || waits[1] != 30*time.Millisecond {
		t.Errorf("waits = %v, want [20ms 30ms]", waits)
	}
}

func TestCircuitBreakerClosed(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 3, Name: "search"})

	if cb.State() != StateClosed {
		t.Errorf("expected initial state Closed")
	}
	for i := 0; i < 5; i++ {
		if err := cb.Call(context.Background(), kerrors.CodeToolInvocation, func(context.Context) error { return nil }); err != nil {
			t.Errorf("call %d failed: %v", i, err)
		}
	}
	if cb.State() != StateClosed {
		t.Errorf("expected state to remain Closed after success")
	}
}

func TestCircuitBreakerOpen(t *testing.T) {
	var transitions []CircuitBreakerState
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		FailureThreshold: 2,
		Name:             "scrape",
		OnStateChange: func(_ string, _, to CircuitBreakerState) {
			transitions = append(transitions, to)
		},
	})

	for i := 0; i < 2; i++ {
		_ = cb.Call(context.Background(), kerrors.CodeToolInvocation, func(context.Context) error {
			return errors.New("failure")
		})
	}
	if cb.State() != StateOpen {
		t.Fatalf("expected state Open after 2 failures")
	}

	err := cb.Call(context.Background(), kerrors.CodeToolInvocation, func(context.Context) error {
		t.Fatalf("should not execute in open state")
		return nil
	})
	if !kerrors.Is(err, kerrors.CodeToolInvocation) {
		t.Errorf("expected tool invocation error, got %v", err)
	}
	if kerrors.IsRecoverable(err) {
		t.Errorf("open breaker rejection must not be retried")
	}
	if len(transitions) != 1 || transitions[0] != StateOpen {
		t.Errorf("unexpected transitions %v", transitions)
	}
}

func TestCircuitBreakerHalfOpen(t *testing.T) {
	now := time.Unix(0, 0)
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		FailureThreshold: 1,
		SuccessThreshold: 2,
		Timeout:          time.Minute,
		Name:             "inference",
	})
	cb.now = func() time.Time { return now }

	_ = cb.Call(context.Background(), kerrors.CodeInference, func(context.Context) error { return errors.New("fail") })
	if cb.State() != StateOpen {
		t.Fatalf("expected circuit to be open")
	}

	now = now.Add(2 * time.Minute)
	_ = cb.Call(context.Background(), kerrors.CodeInference, func(context.Context) error { return nil })
	if cb.State() != StateHalfOpen {
		t.Errorf("expected state HalfOpen after timeout, got %s", cb.State())
	}

	_ = cb.Call(context.Background(), kerrors.CodeInference, func(context.Context) error { return nil })
	if cb.State() != StateClosed {
		t.Errorf("expected state Closed after successes in half-open")
	}
}

func TestCircuitBreakerHalfOpenFailureReopens(t *testing.T) {
	now := time.Unix(0, 0)
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 3, Timeout: time.Minute})
	cb.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		_ = cb.Call(context.Background(), kerrors.CodeInference, func(context.Context) error { return errors.New("fail") })
	}
	now = now.Add(2 * time.Minute)
	_ = cb.Call(context.Background(), kerrors.CodeInference, func(context.Context) error { return errors.New("still failing") })
	if cb.State() != StateOpen {
		t.Fatalf("expected a failed probe to reopen, got %s", cb.State())
	}
}

func TestCircuitBreakerIgnoresCallerCancellation(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 1, Name: "search"})
	for i := 0; i < 3; i++ {
		_ = cb.Call(context.Background(), kerrors.CodeToolInvocation, func(context.Context) error {
			return fmt.Errorf("search aborted: %w", context.Canceled)
		})
	}
	if cb.State() != StateClosed {
		t.Fatalf("cancellation opened the breaker")
	}
	if cb.Name() != "search" {
		t.Errorf("name = %q", cb.Name())
	}
}

func TestCircuitBreakerReset(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 1})
	_ = cb.Call(context.Background(), kerrors.CodeInference, func(context.Context) error { return errors.New("fail") })
	if cb.State() != StateOpen {
		t.Fatalf("expected circuit to be open")
	}
	cb.Reset()
	if cb.State() != StateClosed {
		t.Errorf("expected state Closed after reset")
	}
	if err := cb.Call(context.Background(), kerrors.CodeInference, func(context.Context) error { return nil }); err != nil {
		t.Errorf("call failed after reset: %v", err)
	}
}
