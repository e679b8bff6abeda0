// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package testing

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/jllopis/tradecrew/pkg/llm"
)

// RequestAssertions checks one captured LLM request.
type RequestAssertions struct {
	t   *testing.T
	req llm.ChatRequest
}

// AssertRequest starts assertions on req.
func AssertRequest(t *testing.T, req *llm.ChatRequest) *RequestAssertions {
	t.Helper()
	if req == nil {
		t.Fatal("request is nil")
	}
	return &RequestAssertions{t: t, req: *req}
}

// HasModel asserts the request model.
func (r *RequestAssertions) HasModel(model string) *RequestAssertions {
	r.t.Helper()
	if r.req.Model != model {
		r.t.Errorf("expected model %q, got %q", model, r.req.Model)
	}
	return r
}

// HasTemperature asserts the request temperature.
func (r *RequestAssertions) HasTemperature(temp float64) *RequestAssertions {
	r.t.Helper()
	if r.req.Temperature != temp {
		r.t.Errorf("expected temperature %v, got %v", temp, r.req.Temperature)
	}
	return r
}

// HasSystemMessage asserts a system message containing text.
func (r *RequestAssertions) HasSystemMessage(contains string) *RequestAssertions {
	r.t.Helper()
	if !r.hasMessage(llm.RoleSystem, contains) {
		r.t.Errorf("no system message containing %q", contains)
	}
	return r
}

// HasUserMessage asserts a user message containing text.
func (r *RequestAssertions) HasUserMessage(contains string) *RequestAssertions {
	r.t.Helper()
	if !r.hasMessage(llm.RoleUser, contains) {
		r.t.Errorf("no user message containing %q", contains)
	}
	return r
}

// HasToolResult asserts a tool message containing text.
func (r *RequestAssertions) HasToolResult(contains string) *RequestAssertions {
	r.t.Helper()
	if !r.hasMessage(llm.RoleTool, contains) {
		r.t.Errorf("no tool result containing %q", contains)
	}
	return r
}

func (r *RequestAssertions) hasMessage(role llm.Role, contains string) bool {
	for _, msg := range r.req.Messages {
		if msg.Role == role && strings.Contains(msg.Content, contains) {
			return true
		}
	}
	return false
}

// HasTools asserts the exact set of offered tool names, in order.
func (r *RequestAssertions) HasTools(names ...string) *RequestAssertions {
	r.t.Helper()
	got := ToolNames(r.req.Tools)
	if strings.Join(got, ",") != strings.Join(names, ",") {
		r.t.Errorf("expected tools %v, got %v", names, got)
	}
	return r
}

// HasNoTool asserts that name was not offered.
func (r *RequestAssertions) HasNoTool(name string) *RequestAssertions {
	r.t.Helper()
	for _, n := range ToolNames(r.req.Tools) {
		if n == name {
			r.t.Errorf("tool %q unexpectedly offered", name)
		}
	}
	return r
}

// ToolNames returns the function names of tools.
func ToolNames(tools []llm.Tool) []string {
	names := make([]string, 0, len(tools))
	for _, t := range tools {
		names = append(names, t.Function.Name)
	}
	return names
}

// ToolCallArgs decodes the arguments of tc, failing the test if its name
// differs from expectedName or the arguments are not a JSON object.
func ToolCallArgs(t *testing.T, tc llm.ToolCall, expectedName string) map[string]any {
	t.Helper()
	if tc.Function.Name != expectedName {
		t.Fatalf("expected tool call %q, got %q", expectedName, tc.Function.Name)
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
		t.Fatalf("tool call arguments: %v", err)
	}
	return args
}
