// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package agent

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jllopis/tradecrew/pkg/core"
	"github.com/jllopis/tradecrew/pkg/errors"
	"github.com/jllopis/tradecrew/pkg/llm"
	"github.com/jllopis/tradecrew/pkg/telemetry"
	"github.com/jllopis/tradecrew/pkg/tools"
)

// ToolInvoker executes tool calls within the agent's capability set.
// *tools.Toolbox satisfies it.
type ToolInvoker interface {
	Definitions() []llm.Tool
	Invoke(ctx context.Context, call llm.ToolCall) (string, error)
}

var _ ToolInvoker = (*tools.Toolbox)(nil)

// Request is the bound work handed to an agent.
type Request struct {
	TaskID         string
	Description    string
	ExpectedOutput string
	// Context carries prior task outputs or the delegator's notes.
	Context string
	// Depth is the delegation depth of this request; zero for the task owner.
	Depth int
	// Delegation offers the delegate_work tool for Coworkers.
	Delegation bool
	Coworkers  []*Agent
}

// OutcomeKind tags the result of Session.Next.
type OutcomeKind string

const (
	OutcomeFinal    OutcomeKind = "final"
	OutcomeDelegate OutcomeKind = "delegate"
)

// Outcome is either a final answer or a delegation request that must be
// answered through Session.Resume before the session can continue.
type Outcome struct {
	Kind   OutcomeKind
	Output string

	To      string
	Task    string
	Context string
}

// SessionOption configures a Session.
type SessionOption func(*Session)

// WithLogger sets the session logger.
func WithLogger(l *slog.Logger) SessionOption {
	return func(s *Session) {
		if l != nil {
			s.logger = l
		}
	}
}

// Session is one agent turn on one request. It is not safe for concurrent use.
type Session struct {
	agent     *Agent
	req       Request
	tools     ToolInvoker
	coworkers map[string]*Agent
	offered   []llm.Tool

	logger *slog.Logger
	tracer trace.Tracer

	messages   []llm.Message
	queue      []llm.ToolCall
	pending    *llm.ToolCall
	iterations int
	done       bool
}

// Begin starts a session. A nil invoker grants no tools.
func (a *Agent) Begin(req Request, invoker ToolInvoker, opts ...SessionOption) *Session {
	if invoker == nil {
		invoker = tools.NewToolbox(core.CapabilitySet{}, nil, nil)
	}
	s := &Session{
		agent:     a,
		req:       req,
		tools:     invoker,
		coworkers: make(map[string]*Agent),
		logger:    slog.Default(),
		tracer:    otel.Tracer("tradecrew/agent"),
	}
	for _, opt := range opts {
		opt(s)
	}

	var peers []*Agent
	for _, c := range req.Coworkers {
		if c != nil && c.id != a.id {
			peers = append(peers, c)
			s.coworkers[c.id] = c
		}
	}
	delegation := req.Delegation && a.allowDelegation && len(peers) > 0
	s.req.Delegation = delegation

	s.offered = append(s.offered, invoker.Definitions()...)
	if delegation {
		s.offered = append(s.offered, delegateTool(peers))
	}
	s.messages = llm.Prompt(systemPrompt(a, delegation, peers), taskPrompt(req))
	return s
}

// Agent returns the agent running the session.
func (s *Session) Agent() *Agent { return s.agent }

// Iterations returns the number of LLM calls made so far.
func (s *Session) Iterations() int { return s.iterations }

// Messages returns a copy of the conversation.
func (s *Session) Messages() []llm.Message {
	return append([]llm.Message(nil), s.messages...)
}

// Done reports whether the session produced its final answer.
func (s *Session) Done() bool { return s.done }

// Next runs the tool-calling loop until the agent gives a final answer or
// asks a coworker for help. Refused tool calls are reported back to the model;
// any other tool or inference failure ends the session with that error.
func (s *Session) Next(ctx context.Context) (Outcome, error) {
	if s.done {
		return Outcome{}, errors.New(errors.CodeInternal, "agent session already finished", nil)
	}
	if s.pending != nil {
		return Outcome{}, errors.New(errors.CodeInternal, "agent session is waiting for a delegation answer", nil)
	}

	ctx, span := s.tracer.Start(ctx, "Agent.Step",
		trace.WithAttributes(telemetry.AgentAttributes(s.agent.id, s.agent.role, s.iterations, s.req.Depth)...))
	defer span.End()

	out, err := s.loop(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.SetAttributes(telemetry.ErrorAttributes(err)...)
		core.Emit(ctx, core.EventAgentError, s.agent.id, s.req.TaskID, map[string]any{
			"error": err.Error(),
			"code":  string(errors.CodeOf(err)),
			"depth": s.req.Depth,
		})
		s.logger.ErrorContext(ctx, "agent.step.error",
			slog.String("agent", s.agent.id),
			slog.String("task_id", s.req.TaskID),
			slog.Int("iterations", s.iterations),
			telemetry.ErrorAttr(err),
		)
		s.done = true
		return Outcome{}, err
	}
	span.SetAttributes(telemetry.DecisionAttributes(string(out.Kind), s.agent.id, out.To)...)
	span.SetStatus(codes.Ok, "")
	return out, nil
}

func (s *Session) loop(ctx context.Context) (Outcome, error) {
	maxIter := s.agent.maxIterations
	for {
		for len(s.queue) > 0 {
			call := s.queue[0]
			s.queue = s.queue[1:]

			if call.Function.Name == DelegateToolName && s.req.Delegation {
				out, err := s.delegation(call)
				if err != nil {
					s.logger.WarnContext(ctx, "agent.delegation.rejected",
						slog.String("agent", s.agent.id),
						slog.String("task_id", s.req.TaskID),
						telemetry.ErrorAttr(err),
					)
					s.appendTool(call.ID, "Error: "+err.Error())
					continue
				}
				s.pending = &call
				core.Emit(ctx, core.EventAgentDelegation, s.agent.id, s.req.TaskID, map[string]any{
					"to":    out.To,
					"task":  out.Task,
					"depth": s.req.Depth,
				})
				return out, nil
			}

			if err := s.stopped(ctx); err != nil {
				return Outcome{}, err
			}
			result, err := s.tools.Invoke(ctx, call)
			if err != nil {
				if !tools.NotGranted(err) {
					return Outcome{}, err
				}
				s.appendTool(call.ID, "Error: "+err.Error())
				continue
			}
			s.appendTool(call.ID, result)
		}

		if err := s.stopped(ctx); err != nil {
			return Outcome{}, err
		}
		offered := s.offered
		forced := s.iterations >= maxIter
		if forced {
			s.messages = append(s.messages, llm.Message{Role: llm.RoleUser, Content: forceFinalPrompt})
			offered = nil
		}
		s.iterations++
		core.Emit(ctx, core.EventAgentThinking, s.agent.id, s.req.TaskID, map[string]any{
			"iteration": s.iterations,
			"depth":     s.req.Depth,
		})

		resp, err := s.agent.llm.Chat(ctx, s.messages, offered)
		if err != nil {
			return Outcome{}, err
		}

		if len(resp.ToolCalls) == 0 {
			output := strings.TrimSpace(resp.Content)
			if output == "" {
				return Outcome{}, errors.New(errors.CodeInference, "agent returned an empty answer", nil).
					WithContext("agent", s.agent.id)
			}
			s.messages = append(s.messages, llm.Message{Role: llm.RoleAssistant, Content: resp.Content})
			s.done = true
			core.Emit(ctx, core.EventAgentFinalAnswer, s.agent.id, s.req.TaskID, map[string]any{
				"iterations": s.iterations,
				"depth":      s.req.Depth,
				"chars":      len(output),
			})
			s.logger.InfoContext(ctx, "agent.final",
				slog.String("agent", s.agent.id),
				slog.String("task_id", s.req.TaskID),
				slog.Int("iterations", s.iterations),
			)
			return Outcome{Kind: OutcomeFinal, Output: output}, nil
		}
		if forced {
			return Outcome{}, errors.Newf(errors.CodeInference, "agent did not finish within %d iterations", maxIter).
				WithContext("agent", s.agent.id)
		}

		s.messages = append(s.messages, llm.Message{
			Role:      llm.RoleAssistant,
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})
		s.queue = append(s.queue, resp.ToolCalls...)
	}
}

// stopped reports a run that ended between calls. Calls already started are
// left to finish; the next one is never issued.
func (s *Session) stopped(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return errors.New(errors.CodeTimeout, "run cancelled before next agent call", err).
			WithContext("agent", s.agent.id).
			WithContext("iterations", s.iterations)
	}
	return nil
}

type delegationArgs struct {
	Coworker string `json:"coworker"`
	Task     string `json:"task"`
	Context  string `json:"context"`
}

func (s *Session) delegation(call llm.ToolCall) (Outcome, error) {
	var args delegationArgs
	if err := json.Unmarshal([]byte(call.Function.Arguments), &args); err != nil {
		return Outcome{}, errors.New(errors.CodeDelegation, "malformed delegation arguments", err)
	}
	to := strings.TrimSpace(args.Coworker)
	if to == s.agent.id {
		return Outcome{}, errors.New(errors.CodeDelegation, "an agent cannot delegate to itself", nil).
			WithContext("agent", to)
	}
	if _, ok := s.coworkers[to]; !ok {
		return Outcome{}, errors.Newf(errors.CodeDelegation, "unknown coworker %q", args.Coworker).
			WithContext("agent", s.agent.id)
	}
	if strings.TrimSpace(args.Task) == "" {
		return Outcome{}, errors.New(errors.CodeDelegation, "delegation needs a task", nil)
	}
	return Outcome{Kind: OutcomeDelegate, To: to, Task: args.Task, Context: args.Context}, nil
}

// Resume answers the pending delegation with the coworker's output.
func (s *Session) Resume(answer string) error {
	if s.pending == nil {
		return errors.New(errors.CodeInternal, "no delegation pending", nil)
	}
	s.appendTool(s.pending.ID, answer)
	s.pending = nil
	return nil
}

// Reject answers the pending delegation with a refusal the model can react to.
func (s *Session) Reject(reason error) error {
	if s.pending == nil {
		return errors.New(errors.CodeInternal, "no delegation pending", nil)
	}
	s.appendTool(s.pending.ID, "Error: "+reason.Error())
	s.pending = nil
	return nil
}

func (s *Session) appendTool(id, content string) {
	s.messages = append(s.messages, llm.Message{Role: llm.RoleTool, Content: content, ToolCallID: id})
}

// Execute runs a session without delegation to completion.
func (a *Agent) Execute(ctx context.Context, req Request, invoker ToolInvoker, opts ...SessionOption) (string, error) {
	req.Delegation = false
	out, err := a.Begin(req, invoker, opts...).Next(ctx)
	if err != nil {
		return "", err
	}
	return out.Output, nil
}
