// SPDX-License-Identifier: Apache-2.0
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/jllopis/tradecrew/pkg/errors"
)

// CrewMetrics records run, task, tool and inference measurements.
// A nil *CrewMetrics is valid and records nothing.
type CrewMetrics struct {
	runs            metric.Int64Counter
	taskDuration    metric.Float64Histogram
	toolCalls       metric.Int64Counter
	toolDuration    metric.Float64Histogram
	inferenceCalls  metric.Int64Counter
	inferenceTokens metric.Int64Counter
	errorCounter    metric.Int64Counter
	breakerState    metric.Int64Gauge
}

// NewCrewMetrics creates the instruments on mp, or on the global meter
// provider when mp is nil.
func NewCrewMetrics(mp metric.MeterProvider) (*CrewMetrics, error) {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	meter := mp.Meter("tradecrew")

	m := &CrewMetrics{}
	var err error
	if m.runs, err = meter.Int64Counter("tradecrew.runs.total",
		metric.WithDescription("Crew runs by final state")); err != nil {
		return nil, err
	}
	if m.taskDuration, err = meter.Float64Histogram("tradecrew.task.duration",
		metric.WithDescription("Task execution latency"), metric.WithUnit("ms")); err != nil {
		return nil, err
	}
	if m.toolCalls, err = meter.Int64Counter("tradecrew.tool.calls",
		metric.WithDescription("Tool invocations by tool and outcome")); err != nil {
		return nil, err
	}
	if m.toolDuration, err = meter.Float64Histogram("tradecrew.tool.duration",
		metric.WithDescription("Tool invocation latency"), metric.WithUnit("ms")); err != nil {
		return nil, err
	}
	if m.inferenceCalls, err = meter.Int64Counter("tradecrew.inference.calls",
		metric.WithDescription("Inference calls by model and outcome")); err != nil {
		return nil, err
	}
	if m.inferenceTokens, err = meter.Int64Counter("tradecrew.inference.tokens",
		metric.WithDescription("Tokens consumed by model and kind")); err != nil {
		return nil, err
	}
	if m.errorCounter, err = meter.Int64Counter("tradecrew.errors.total",
		metric.WithDescription("Errors by code and component")); err != nil {
		return nil, err
	}
	if m.breakerState, err = meter.Int64Gauge("tradecrew.circuitbreaker.state",
		metric.WithDescription("Circuit breaker state per backend (0=open, 1=half-open, 2=closed)")); err != nil {
		return nil, err
	}
	return m, nil
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

// RecordRun counts a finished run by its final state.
func (m *CrewMetrics) RecordRun(ctx context.Context, state string, partial bool) {
	if m == nil {
		return
	}
	m.runs.Add(ctx, 1, metric.WithAttributes(
		attribute.String("state", state),
		attribute.Bool("partial", partial),
	))
}

// RecordTask records the latency of one task execution.
func (m *CrewMetrics) RecordTask(ctx context.Context, agentID string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.taskDuration.Record(ctx, float64(d)/float64(time.Millisecond), metric.WithAttributes(
		attribute.String("agent", agentID),
		attribute.String("outcome", outcome(err)),
	))
	m.RecordError(ctx, err, "task")
}

// ObserveToolCall records one tool invocation.
func (m *CrewMetrics) ObserveToolCall(ctx context.Context, tool string, d time.Duration, err error) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("tool", tool),
		attribute.String("outcome", outcome(err)),
	)
	m.toolCalls.Add(ctx, 1, attrs)
	m.toolDuration.Record(ctx, float64(d)/float64(time.Millisecond), attrs)
	m.RecordError(ctx, err, "tool")
}

// ObserveInference records one inference call and its token usage.
func (m *CrewMetrics) ObserveInference(ctx context.Context, model string, promptTokens, completionTokens int, _ time.Duration, err error) {
	if m == nil {
		return
	}
	m.inferenceCalls.Add(ctx, 1, metric.WithAttributes(
		attribute.String("model", model),
		attribute.String("outcome", outcome(err)),
	))
	if promptTokens > 0 {
		m.inferenceTokens.Add(ctx, int64(promptTokens), metric.WithAttributes(
			attribute.String("model", model), attribute.String("kind", "input")))
	}
	if completionTokens > 0 {
		m.inferenceTokens.Add(ctx, int64(completionTokens), metric.WithAttributes(
			attribute.String("model", model), attribute.String("kind", "output")))
	}
	m.RecordError(ctx, err, "inference")
}

// RecordError increments the error counter for err's code and component.
func (m *CrewMetrics) RecordError(ctx context.Context, err error, component string) {
	if m == nil || err == nil {
		return
	}
	ce := errors.AsCrewError(err)
	m.errorCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String(AttrErrorCode, string(ce.Code)),
		attribute.String("component", component),
		attribute.String("recoverable", ce.RecoverableString()),
	))
}

// RecordCircuitBreakerState records a breaker state ("open", "half-open", "closed").
func (m *CrewMetrics) RecordCircuitBreakerState(ctx context.Context, backend, state string) {
	if m == nil {
		return
	}
	var v int64
	switch state {
	case "half-open":
		v = 1
	case "closed":
		v = 2
	}
	m.breakerState.Record(ctx, v, metric.WithAttributes(attribute.String("backend", backend)))
}
