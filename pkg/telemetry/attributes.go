// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

// Package telemetry provides logging, tracing and metrics for crew runs.
package telemetry

import (
	"go.opentelemetry.io/otel/attribute"

	"github.com/jllopis/tradecrew/pkg/errors"
)

// Attribute keys used on crew spans and metrics.
const (
	// Run attributes
	AttrRunID       = "tradecrew.run.id"
	AttrRunState    = "tradecrew.run.state"
	AttrRunTasks    = "tradecrew.run.tasks"
	AttrRunPolicy   = "tradecrew.run.failure_policy"
	AttrRunMaxDepth = "tradecrew.run.max_delegation_depth"

	// Task attributes
	AttrTaskID          = "tradecrew.task.id"
	AttrTaskIndex       = "tradecrew.task.index"
	AttrTaskDescription = "tradecrew.task.description"
	AttrTaskStatus      = "tradecrew.task.status"

	// Agent attributes
	AttrAgentID        = "tradecrew.agent.id"
	AttrAgentRole      = "tradecrew.agent.role"
	AttrAgentIteration = "tradecrew.agent.iteration"
	AttrAgentDepth     = "tradecrew.agent.delegation_depth"

	// Manager decision attributes
	AttrDecisionKind = "tradecrew.decision.kind"
	AttrDecisionFrom = "tradecrew.decision.from"
	AttrDecisionTo   = "tradecrew.decision.to"

	// Tool attributes
	AttrToolName       = "tradecrew.tool.name"
	AttrToolBackend    = "tradecrew.tool.backend"
	AttrToolInput      = "tradecrew.tool.input"
	AttrToolDurationMs = "tradecrew.tool.duration_ms"
	AttrToolSuccess    = "tradecrew.tool.success"

	// LLM attributes (gen_ai conventions)
	AttrLLMModel        = "gen_ai.request.model"
	AttrLLMProvider     = "gen_ai.system"
	AttrLLMTemperature  = "gen_ai.request.temperature"
	AttrLLMMessages     = "gen_ai.request.messages"
	AttrLLMTokensInput  = "gen_ai.usage.input_tokens"
	AttrLLMTokensOutput = "gen_ai.usage.output_tokens"
	AttrLLMTokensTotal  = "gen_ai.usage.total_tokens"
	AttrLLMToolCalls    = "gen_ai.tool_calls"

	// Error attributes
	AttrErrorCode        = "error.code"
	AttrErrorRecoverable = "error.recoverable"
)

// RunAttributes returns attributes for the Crew.Run span.
func RunAttributes(runID string, tasks int, policy string, maxDepth int) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String(AttrRunID, runID),
		attribute.Int(AttrRunTasks, tasks),
		attribute.Int(AttrRunMaxDepth, maxDepth),
	}
	if policy != "" {
		attrs = append(attrs, attribute.String(AttrRunPolicy, policy))
	}
	return attrs
}

// TaskAttributes returns attributes for task spans. Long descriptions are truncated.
func TaskAttributes(taskID string, index int, agentID, description string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String(AttrTaskID, taskID),
		attribute.Int(AttrTaskIndex, index),
		attribute.String(AttrAgentID, agentID),
	}
	if description != "" {
		attrs = append(attrs, attribute.String(AttrTaskDescription, truncate(description, 200)))
	}
	return attrs
}

// AgentAttributes returns attributes for agent step spans.
func AgentAttributes(agentID, role string, iteration, depth int) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String(AttrAgentID, agentID),
		attribute.Int(AttrAgentDepth, depth),
	}
	if role != "" {
		attrs = append(attrs, attribute.String(AttrAgentRole, role))
	}
	if iteration > 0 {
		attrs = append(attrs, attribute.Int(AttrAgentIteration, iteration))
	}
	return attrs
}

// DecisionAttributes returns attributes describing a manager decision.
func DecisionAttributes(kind, from, to string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{attribute.String(AttrDecisionKind, kind)}
	if from != "" {
		attrs = append(attrs, attribute.String(AttrDecisionFrom, from))
	}
	if to != "" {
		attrs = append(attrs, attribute.String(AttrDecisionTo, to))
	}
	return attrs
}

// ToolCallAttributes returns attributes for a tool call span.
func ToolCallAttributes(name, backend, input string, durationMs float64, success bool) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String(AttrToolName, name),
		attribute.Float64(AttrToolDurationMs, durationMs),
		attribute.Bool(AttrToolSuccess, success),
	}
	if backend != "" {
		attrs = append(attrs, attribute.String(AttrToolBackend, backend))
	}
	if input != "" {
		attrs = append(attrs, attribute.String(AttrToolInput, truncate(input, 500)))
	}
	return attrs
}

// LLMAttributes returns attributes for LLM call spans.
func LLMAttributes(model, provider string, temperature float64, msgCount int) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String(AttrLLMModel, model),
		attribute.Float64(AttrLLMTemperature, temperature),
		attribute.Int(AttrLLMMessages, msgCount),
	}
	if provider != "" {
		attrs = append(attrs, attribute.String(AttrLLMProvider, provider))
	}
	return attrs
}

// LLMUsageAttributes returns token usage attributes.
func LLMUsageAttributes(inputTokens, outputTokens, toolCalls int) []attribute.KeyValue {
	attrs := []attribute.KeyValue{}
	if inputTokens > 0 {
		attrs = append(attrs, attribute.Int(AttrLLMTokensInput, inputTokens))
	}
	if outputTokens > 0 {
		attrs = append(attrs, attribute.Int(AttrLLMTokensOutput, outputTokens))
	}
	if inputTokens > 0 || outputTokens > 0 {
		attrs = append(attrs, attribute.Int(AttrLLMTokensTotal, inputTokens+outputTokens))
	}
	if toolCalls > 0 {
		attrs = append(attrs, attribute.Int(AttrLLMToolCalls, toolCalls))
	}
	return attrs
}

// ErrorAttributes returns the code and recoverability of err.
func ErrorAttributes(err error) []attribute.KeyValue {
	if err == nil {
		return nil
	}
	ce := errors.AsCrewError(err)
	attrs := []attribute.KeyValue{
		attribute.String(AttrErrorCode, string(ce.Code)),
		attribute.Bool(AttrErrorRecoverable, ce.Recoverable),
	}
	for k, v := range ce.Attributes {
		attrs = append(attrs, attribute.String(k, v))
	}
	return attrs
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
