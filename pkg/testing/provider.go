// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package testing

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/jllopis/tradecrew/pkg/llm"
)

// ScenarioProvider is a scripted llm.Provider. Responses are queued either
// globally or per agent, where an agent script is selected when the request's
// system message contains its match string. Every request is captured.
type ScenarioProvider struct {
	mu       sync.Mutex
	scripts  []*script
	fallback script
	requests []llm.ChatRequest
	onChat   func(req llm.ChatRequest) (*llm.ChatResponse, error)
}

type script struct {
	match     string
	responses []ScriptedResponse
	next      int
}

func (s *script) pop() (ScriptedResponse, bool) {
	if s.next >= len(s.responses) {
		return ScriptedResponse{}, false
	}
	r := s.responses[s.next]
	s.next++
	return r, true
}

// ScriptedResponse is one canned model reply.
type ScriptedResponse struct {
	Content   string
	ToolCalls []llm.ToolCall
	Error     error
	Usage     llm.Usage
}

// Text is a shorthand for a plain content reply.
func Text(content string) ScriptedResponse {
	return ScriptedResponse{Content: content, Usage: llm.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15}}
}

// Calls is a shorthand for a reply requesting tool calls.
func Calls(calls ...llm.ToolCall) ScriptedResponse {
	return ScriptedResponse{ToolCalls: calls}
}

// Fail is a shorthand for a failing reply.
func Fail(err error) ScriptedResponse {
	return ScriptedResponse{Error: err}
}

// NewScenarioProvider creates an empty provider.
func NewScenarioProvider() *ScenarioProvider {
	return &ScenarioProvider{}
}

// AddResponse queues a plain reply on the shared script.
func (p *ScenarioProvider) AddResponse(content string) *ScenarioProvider {
	return p.Add(Text(content))
}

// AddToolCallResponse queues a tool-call reply on the shared script.
func (p *ScenarioProvider) AddToolCallResponse(calls ...llm.ToolCall) *ScenarioProvider {
	return p.Add(Calls(calls...))
}

// AddErrorResponse queues an error on the shared script.
func (p *ScenarioProvider) AddErrorResponse(err error) *ScenarioProvider {
	return p.Add(Fail(err))
}

// Add queues replies on the shared script.
func (p *ScenarioProvider) Add(responses ...ScriptedResponse) *ScenarioProvider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fallback.responses = append(p.fallback.responses, responses...)
	return p
}

// Script queues replies for requests whose system message contains match.
// Scripts are consulted in declaration order before the shared one.
func (p *ScenarioProvider) Script(match string, responses ...ScriptedResponse) *ScenarioProvider {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range p.scripts {
		if s.match == match {
			s.responses = append(s.responses, responses...)
			return p
		}
	}
	p.scripts = append(p.scripts, &script{match: match, responses: append([]ScriptedResponse(nil), responses...)})
	return p
}

// WithChatFunc replaces scripting with fn.
func (p *ScenarioProvider) WithChatFunc(fn func(req llm.ChatRequest) (*llm.ChatResponse, error)) *ScenarioProvider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onChat = fn
	return p
}

// Chat implements llm.Provider.
func (p *ScenarioProvider) Chat(_ context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.requests = append(p.requests, req)
	if p.onChat != nil {
		return p.onChat(req)
	}

	system := req.System()
	resp, ok := ScriptedResponse{}, false
	for _, s := range p.scripts {
		if strings.Contains(system, s.match) {
			if resp, ok = s.pop(); ok {
				break
			}
		}
	}
	if !ok {
		resp, ok = p.fallback.pop()
	}
	if !ok {
		return nil, fmt.Errorf("no scripted response left (call %d)", len(p.requests))
	}
	if resp.Error != nil {
		return nil, resp.Error
	}
	return &llm.ChatResponse{Content: resp.Content, ToolCalls: resp.ToolCalls, Usage: resp.Usage}, nil
}

// Requests returns every captured request.
func (p *ScenarioProvider) Requests() []llm.ChatRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]llm.ChatRequest(nil), p.requests...)
}

// RequestsMatching returns the captured requests whose system message contains match.
func (p *ScenarioProvider) RequestsMatching(match string) []llm.ChatRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []llm.ChatRequest
	for _, r := range p.requests {
		if strings.Contains(r.System(), match) {
			out = append(out, r)
		}
	}
	return out
}

// LastRequest returns the most recent request.
func (p *ScenarioProvider) LastRequest() *llm.ChatRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.requests) == 0 {
		return nil
	}
	req := p.requests[len(p.requests)-1]
	return &req
}

// CallCount returns the number of Chat calls made.
func (p *ScenarioProvider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}

// Pending returns how many scripted replies were never consumed.
func (p *ScenarioProvider) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.fallback.responses) - p.fallback.next
	for _, s := range p.scripts {
		n += len(s.responses) - s.next
	}
	return n
}

// ToolCall builds a function tool call with JSON encoded args.
func ToolCall(id, name string, args map[string]any) llm.ToolCall {
	encoded, _ := json.Marshal(args)
	if args == nil {
		encoded = []byte("{}")
	}
	return llm.ToolCall{
		ID:       id,
		Type:     llm.ToolTypeFunction,
		Function: llm.FunctionCall{Name: name, Arguments: string(encoded)},
	}
}
