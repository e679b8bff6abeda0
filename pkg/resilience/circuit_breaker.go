// SPDX-License-Identifier: Apache-2.0
package resilience

import (
	"context"
	stderrors "errors"
	"sync"
	"time"

	"github.com/jllopis/tradecrew/pkg/errors"
)

// CircuitBreakerState is one of closed, open or half-open.
type CircuitBreakerState string

const (
	StateClosed   CircuitBreakerState = "closed"
	StateOpen     CircuitBreakerState = "open"
	StateHalfOpen CircuitBreakerState = "half-open"
)

// CircuitBreakerConfig configures a circuit breaker. Zero fields take
// defaults: 5 failures, 1 success, 30s open.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that opens the
	// breaker.
	FailureThreshold int
	// SuccessThreshold is the number of half-open successes that closes it.
	SuccessThreshold int
	// Timeout is how long the breaker stays open before a probe is let through.
	Timeout time.Duration

	// Name identifies the protected backend in errors and logs.
	Name string

	// IsFailure decides which errors count against the backend. By default
	// every error does except a context canceled by the caller.
	IsFailure func(error) bool

	// OnStateChange runs after every transition, outside the lock.
	OnStateChange func(name string, from, to CircuitBreakerState)
}

// CircuitBreaker stops calling a backend that keeps failing. One breaker is
// shared by every caller of a backend.
type CircuitBreaker struct {
	cfg CircuitBreakerConfig
	now func() time.Time

	mu        sync.Mutex
	state     CircuitBreakerState
	failures  int
	successes int
	openedAt  time.Time
}

func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.FailureThreshold < 1 {
		cfg.FailureThreshold = 5
	}
	if cfg.SuccessThreshold < 1 {
		cfg.SuccessThreshold = 1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Name == "" {
		cfg.Name = "circuit_breaker"
	}
	if cfg.IsFailure == nil {
		cfg.IsFailure = countsAsFailure
	}
	return &CircuitBreaker{cfg: cfg, state: StateClosed, now: time.Now}
}

func countsAsFailure(err error) bool {
	return err != nil && !stderrors.Is(err, context.Canceled)
}

// Call runs fn unless the breaker is open, and records the outcome. A
// rejected call fails at once with a non-recoverable error carrying code, the
// code the backend itself would have failed with.
func (cb *CircuitBreaker) Call(ctx context.Context, code errors.ErrorCode, fn func(ctx context.Context) error) error {
	if !cb.admit() {
		return errors.New(code, "circuit breaker open", nil).
			WithContext("breaker", cb.cfg.Name).
			WithRecoverable(false)
	}
	err := fn(ctx)
	cb.observe(err)
	return err
}

// admit reports whether a call may proceed, moving an expired open breaker
// to half-open.
func (cb *CircuitBreaker) admit() bool {
	cb.mu.Lock()
	from := cb.state
	if from == StateOpen && cb.now().Sub(cb.openedAt) > cb.cfg.Timeout {
		cb.moveTo(StateHalfOpen)
	}
	to := cb.state
	cb.mu.Unlock()

	cb.notify(from, to)
	return to != StateOpen
}

func (cb *CircuitBreaker) observe(err error) {
	failed := cb.cfg.IsFailure(err)
	if err != nil && !failed {
		return
	}

	cb.mu.Lock()
	from := cb.state
	switch {
	case failed && (from == StateHalfOpen || cb.failures+1 >= cb.cfg.FailureThreshold):
		cb.moveTo(StateOpen)
		cb.openedAt = cb.now()
	case failed:
		cb.failures++
	case from == StateHalfOpen:
		cb.successes++
		if cb.successes >= cb.cfg.SuccessThreshold {
			cb.moveTo(StateClosed)
		}
	default:
		cb.failures = 0
	}
	to := cb.state
	cb.mu.Unlock()

	cb.notify(from, to)
}

// moveTo switches state and clears the counters. Callers hold mu.
func (cb *CircuitBreaker) moveTo(s CircuitBreakerState) {
	cb.state = s
	cb.failures = 0
	cb.successes = 0
}

func (cb *CircuitBreaker) notify(from, to CircuitBreakerState) {
	if from != to && cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(cb.cfg.Name, from, to)
	}
}

// Name returns the configured backend name.
func (cb *CircuitBreaker) Name() string { return cb.cfg.Name }

// State returns the current state without advancing an expired open breaker.
func (cb *CircuitBreaker) State() CircuitBreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Reset closes the breaker.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	from := cb.state
	cb.moveTo(StateClosed)
	cb.mu.Unlock()
	cb.notify(from, StateClosed)
}
