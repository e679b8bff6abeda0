// SPDX-License-Identifier: Apache-2.0
package resilience

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"github.com/jllopis/tradecrew/pkg/errors"
)

// Limiter is a token bucket shared by every caller of one external backend.
// A nil *Limiter never blocks.
type Limiter struct {
	name    string
	limiter *rate.Limiter
}

// NewLimiter creates a limiter allowing requestsPerMinute calls with a burst of
// one tenth of that (at least 1). requestsPerMinute <= 0 disables limiting.
func NewLimiter(name string, requestsPerMinute int) *Limiter {
	if requestsPerMinute <= 0 {
		return nil
	}
	burst := requestsPerMinute / 10
	if burst < 1 {
		burst = 1
	}
	return &Limiter{
		name:    name,
		limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(requestsPerMinute)), burst),
	}
}

// Wait blocks until a token is available. If ctx ends first the call fails with
// RATE_LIMITED without consuming a token.
func (l *Limiter) Wait(ctx context.Context) error {
	if l == nil {
		return nil
	}
	if err := l.limiter.Wait(ctx); err != nil {
		return errors.New(errors.CodeRateLimit, "rate limit wait aborted", err).
			WithContext("limiter", l.name).
			WithRecoverable(false)
	}
	return nil
}

// Allow reports whether a call may happen now, consuming a token if so.
func (l *Limiter) Allow() bool {
	if l == nil {
		return true
	}
	return l.limiter.Allow()
}

// Name returns the limiter name.
func (l *Limiter) Name() string {
	if l == nil {
		return ""
	}
	return l.name
}
