package core

import (
	"context"
	"sync"
	"time"
)

// EventType identifies a semantic event emitted by the crew runtime.
type EventType string

const (
	EventRunStarted       EventType = "crew.run.started"
	EventRunCompleted     EventType = "crew.run.completed"
	EventRunFailed        EventType = "crew.run.failed"
	EventTaskStarted      EventType = "crew.task.started"
	EventTaskCompleted    EventType = "crew.task.completed"
	EventTaskFailed       EventType = "crew.task.failed"
	EventManagerDecision  EventType = "crew.manager.decision"
	EventAgentThinking    EventType = "agent.thinking"
	EventAgentDelegation  EventType = "agent.delegation"
	EventAgentToolCall    EventType = "agent.tool.call"
	EventAgentFinalAnswer EventType = "agent.final"
	EventAgentError       EventType = "agent.error"
)

// Event captures a semantic streaming/logging event.
type Event struct {
	Type      EventType
	RunID     string
	Agent     string
	TaskID    string
	Timestamp time.Time
	Payload   map[string]any
}

// EventEmitter receives semantic events.
type EventEmitter interface {
	Emit(ctx context.Context, event Event)
}

// NoopEventEmitter is a default no-op implementation.
type NoopEventEmitter struct{}

// Emit implements EventEmitter.
func (NoopEventEmitter) Emit(_ context.Context, _ Event) {}

// EventEmitterFunc adapts a function to EventEmitter.
type EventEmitterFunc func(ctx context.Context, event Event)

// Emit implements EventEmitter.
func (f EventEmitterFunc) Emit(ctx context.Context, event Event) { f(ctx, event) }

// EventRecorder keeps every emitted event in memory. Safe for concurrent use.
type EventRecorder struct {
	mu     sync.Mutex
	events []Event
}

// Emit implements EventEmitter.
func (r *EventRecorder) Emit(_ context.Context, event Event) {
	r.mu.Lock()
	r.events = append(r.events, event)
	r.mu.Unlock()
}

// Events returns a copy of the recorded events.
func (r *EventRecorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// OfType returns the recorded events matching eventType.
func (r *EventRecorder) OfType(eventType EventType) []Event {
	var out []Event
	for _, ev := range r.Events() {
		if ev.Type == eventType {
			out = append(out, ev)
		}
	}
	return out
}

// NewEvent builds a default event with timestamp.
func NewEvent(eventType EventType, agent string, taskID string, payload map[string]any) Event {
	return Event{
		Type:      eventType,
		Agent:     agent,
		TaskID:    taskID,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
}

// Emit builds an event stamped with the run id from ctx and sends it to the
// emitter attached to ctx. An empty agent or task id is taken from the scope
// in ctx.
func Emit(ctx context.Context, eventType EventType, agent, taskID string, payload map[string]any) {
	scope := ScopeFrom(ctx)
	if agent == "" {
		agent = scope.Agent
	}
	if taskID == "" {
		taskID = scope.TaskID
	}
	ev := NewEvent(eventType, agent, taskID, payload)
	ev.RunID, _ = RunID(ctx)
	EventEmitterFromContext(ctx).Emit(ctx, ev)
}
