// SPDX-License-Identifier: Apache-2.0
// Package resilience provides retry, circuit breaker, timeout and rate limiting
// helpers shared by the inference and tool invocation layers.
package resilience

import (
	"context"
	stderrors "errors"
	"math"
	"math/rand"
	"time"

	"github.com/jllopis/tradecrew/pkg/errors"
)

// RetryAfterKey is the CrewError context key a backend sets when the remote
// side asked for a minimum wait (for example an HTTP Retry-After header). The
// value must be a time.Duration.
const RetryAfterKey = "retry_after"

// RetryConfig is an exponential backoff policy. The zero value runs once.
type RetryConfig struct {
	// MaxAttempts counts the first call. Values below one mean one.
	MaxAttempts int

	InitialDelay time.Duration
	// MaxDelay caps both the computed backoff and any server hint.
	MaxDelay time.Duration
	// Multiplier defaults to 2.
	Multiplier float64
	// Jitter spreads each delay by ±Jitter of its value.
	Jitter float64

	// IsRecoverable decides whether an error is worth another attempt.
	// Defaults to errors.IsRecoverable.
	IsRecoverable func(error) bool

	// OnRetry runs before every retry with the attempt about to start
	// (starting at 2), the error that caused it and the wait.
	OnRetry func(attempt int, err error, wait time.Duration)
}

// DefaultRetryConfig is three attempts starting at 250ms.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:   3,
		InitialDelay:  250 * time.Millisecond,
		MaxDelay:      10 * time.Second,
		Multiplier:    2,
		Jitter:        0.1,
		IsRecoverable: errors.IsRecoverable,
	}
}

// NoRetry runs fn exactly once.
func NoRetry() RetryConfig {
	return RetryConfig{MaxAttempts: 1}
}

func (rc RetryConfig) WithMaxAttempts(n int) RetryConfig {
	rc.MaxAttempts = n
	return rc
}

func (rc RetryConfig) WithInitialDelay(d time.Duration) RetryConfig {
	rc.InitialDelay = d
	return rc
}

func (rc RetryConfig) WithMaxDelay(d time.Duration) RetryConfig {
	rc.MaxDelay = d
	return rc
}

func (rc RetryConfig) WithIsRecoverable(fn func(error) bool) RetryConfig {
	rc.IsRecoverable = fn
	return rc
}

func (rc RetryConfig) WithOnRetry(fn func(attempt int, err error, wait time.Duration)) RetryConfig {
	rc.OnRetry = fn
	return rc
}

// Do calls fn until it succeeds, fails with an unrecoverable error or runs
// out of attempts, and returns the last error unchanged. Cancelling ctx
// while waiting yields a TIMEOUT error wrapping ctx.Err().
func (rc RetryConfig) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	attempts := max(rc.MaxAttempts, 1)
	recoverable := rc.IsRecoverable
	if recoverable == nil {
		recoverable = errors.IsRecoverable
	}

	var err error
	for attempt := 1; ; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if attempt == attempts || !recoverable(err) || ctx.Err() != nil {
			return err
		}

		wait := rc.Backoff(attempt)
		if hint, ok := retryAfter(err); ok && hint > wait {
			wait = hint
			if rc.MaxDelay > 0 && wait > rc.MaxDelay {
				wait = rc.MaxDelay
			}
		}
		if rc.OnRetry != nil {
			rc.OnRetry(attempt+1, err, wait)
		}
		if werr := sleep(ctx, wait); werr != nil {
			return errors.New(errors.CodeTimeout, "context canceled during retry", werr).
				WithContext("attempt", attempt).
				WithContext("max_attempts", attempts).
				WithContext("last_error", err.Error())
		}
	}
}

// DoValue is Do for functions that return a value.
func DoValue[T any](ctx context.Context, rc RetryConfig, fn func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := rc.Do(ctx, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		result = v
		return nil
	})
	return result, err
}

// Backoff returns the wait after the given failed attempt (1-based), with
// jitter applied and capped at MaxDelay.
func (rc RetryConfig) Backoff(attempt int) time.Duration {
	mult := rc.Multiplier
	if mult == 0 {
		mult = 2
	}
	delay := time.Duration(float64(rc.InitialDelay) * math.Pow(mult, float64(attempt-1)))
	if rc.MaxDelay > 0 && delay > rc.MaxDelay {
		delay = rc.MaxDelay
	}
	if rc.Jitter > 0 {
		spread := float64(delay) * rc.Jitter
		delay = max(time.Duration(float64(delay)+2*spread*(rand.Float64()-0.5)), 0)
	}
	return delay
}

func retryAfter(err error) (time.Duration, bool) {
	var ce *errors.CrewError
	if !stderrors.As(err, &ce) {
		return 0, false
	}
	d, ok := ce.Context[RetryAfterKey].(time.Duration)
	return d, ok && d > 0
}

func sleep(ctx context.Context, d time.Duration) error {
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
