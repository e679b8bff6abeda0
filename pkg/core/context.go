package core

import (
	"context"
	"crypto/rand"
	"encoding/hex"
)

type ctxKey int

const (
	runIDKey ctxKey = iota
	emitterKey
	scopeKey
)

// Scope names the task and agent a piece of work belongs to. Delegated work
// keeps the task and switches the agent to the coworker.
type Scope struct {
	TaskID string
	Agent  string
}

// WithRunID attaches a run id to the context.
func WithRunID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, runIDKey, id)
}

// RunID returns the run id if present.
func RunID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(runIDKey).(string)
	return id, ok
}

// EnsureRunID returns ctx unchanged when it already carries a run id, and a
// child context with a fresh "run-" id otherwise.
func EnsureRunID(ctx context.Context) (context.Context, string) {
	if id, ok := RunID(ctx); ok && id != "" {
		return ctx, id
	}
	id := newRunID()
	return WithRunID(ctx, id), id
}

// WithScope attaches the current task and agent. Empty fields inherit the
// value already in ctx.
func WithScope(ctx context.Context, s Scope) context.Context {
	prev := ScopeFrom(ctx)
	if s.TaskID == "" {
		s.TaskID = prev.TaskID
	}
	if s.Agent == "" {
		s.Agent = prev.Agent
	}
	return context.WithValue(ctx, scopeKey, s)
}

// ScopeFrom returns the scope attached to ctx, or the zero Scope.
func ScopeFrom(ctx context.Context) Scope {
	if ctx == nil {
		return Scope{}
	}
	s, _ := ctx.Value(scopeKey).(Scope)
	return s
}

// WithEventEmitter attaches an event emitter to the context.
func WithEventEmitter(ctx context.Context, emitter EventEmitter) context.Context {
	return context.WithValue(ctx, emitterKey, emitter)
}

// EventEmitterFromContext returns the emitter attached to ctx, or a no-op emitter.
func EventEmitterFromContext(ctx context.Context) EventEmitter {
	if emitter, ok := ctx.Value(emitterKey).(EventEmitter); ok && emitter != nil {
		return emitter
	}
	return NoopEventEmitter{}
}

func newRunID() string {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "run-unknown"
	}
	return "run-" + hex.EncodeToString(buf[:])
}
