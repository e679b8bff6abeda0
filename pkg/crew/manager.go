// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package crew

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jllopis/tradecrew/pkg/agent"
	"github.com/jllopis/tradecrew/pkg/errors"
	"github.com/jllopis/tradecrew/pkg/llm"
)

// Review is what a manager sees before a task runs.
type Review struct {
	Task      BoundTask
	Owner     *agent.Agent
	Coworkers []*agent.Agent
	// Prior holds the outputs of the tasks already finished in this run.
	Prior []TaskOutput
}

// Manager decides how each task is executed. It returns Direct to route the
// task to its owner, or Delegate to let the owner ask coworkers for help.
type Manager interface {
	Review(ctx context.Context, r Review) (Decision, error)
}

// ManagerFunc adapts a function to Manager.
type ManagerFunc func(ctx context.Context, r Review) (Decision, error)

// Review implements Manager.
func (f ManagerFunc) Review(ctx context.Context, r Review) (Decision, error) { return f(ctx, r) }

// DirectManager never delegates.
type DirectManager struct{}

// Review implements Manager.
func (DirectManager) Review(_ context.Context, r Review) (Decision, error) {
	return Direct(r.Owner.ID()), nil
}

// PermissiveManager permits delegation whenever the owner allows it.
type PermissiveManager struct{}

// Review implements Manager.
func (PermissiveManager) Review(_ context.Context, r Review) (Decision, error) {
	if r.Owner.AllowDelegation() && len(r.Coworkers) > 0 {
		return Delegate(r.Owner.ID(), "", ""), nil
	}
	return Direct(r.Owner.ID()), nil
}

const managerSystemPrompt = `You are the manager of a crew of specialist agents.
For each task you decide whether its owner should work on it alone or may ask coworkers for help.
Only allow help when another coworker's expertise clearly improves the result.
Answer with a single JSON object and nothing else:
{"decision": "direct" | "delegate", "to": "<coworker id, optional>", "request": "<what to ask the coworker, optional>"}`

const priorOutputLimit = 600

// LLMManager asks a manager model for each decision. Replies that cannot be
// parsed fall back to Direct.
type LLMManager struct {
	llm    Generator
	logger *slog.Logger
}

// Generator is the single-prompt inference a manager review needs.
// *llm.Client satisfies it.
type Generator interface {
	Generate(ctx context.Context, prompt string, params llm.Parameters) (string, error)
	Model() string
}

var _ Generator = (*llm.Client)(nil)

// LLMManagerOption configures an LLMManager.
type LLMManagerOption func(*LLMManager)

// WithManagerLogger sets the logger.
func WithManagerLogger(l *slog.Logger) LLMManagerOption {
	return func(m *LLMManager) {
		if l != nil {
			m.logger = l
		}
	}
}

// NewLLMManager creates a manager bound to gen. A missing binding is a
// CONFIGURATION_ERROR.
func NewLLMManager(gen Generator, opts ...LLMManagerOption) (*LLMManager, error) {
	if c, ok := gen.(*llm.Client); gen == nil || (ok && c == nil) {
		return nil, errors.New(errors.CodeConfiguration, "manager has no inference binding", nil)
	}
	m := &LLMManager{llm: gen, logger: slog.Default()}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Model returns the manager model identity, or "" when unbound.
func (m *LLMManager) Model() string {
	if m.llm == nil {
		return ""
	}
	return m.llm.Model()
}

// Review implements Manager.
func (m *LLMManager) Review(ctx context.Context, r Review) (Decision, error) {
	if m.llm == nil {
		return Decision{}, errors.New(errors.CodeConfiguration, "manager has no inference binding", nil)
	}
	reply, err := m.llm.Generate(ctx, reviewPrompt(r), llm.Parameters{System: managerSystemPrompt})
	if err != nil {
		return Decision{}, err
	}

	d, err := parseDecision(reply, r)
	if err != nil {
		m.logger.WarnContext(ctx, "crew.manager.malformed",
			slog.String("task_id", r.Task.Task.ID()),
			slog.String("reply", truncate(reply, 200)),
			slog.String("error", err.Error()),
		)
		return Direct(r.Owner.ID()), nil
	}
	return d, nil
}

func reviewPrompt(r Review) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Task: %s\n", r.Task.Description)
	if r.Task.ExpectedOutput != "" {
		fmt.Fprintf(&b, "Expected output: %s\n", r.Task.ExpectedOutput)
	}
	fmt.Fprintf(&b, "Owner: %s (%s)\n", r.Owner.ID(), r.Owner.Role())
	if r.Owner.AllowDelegation() {
		b.WriteString("The owner may ask coworkers for help.\n")
	} else {
		b.WriteString("The owner must work alone.\n")
	}
	if len(r.Coworkers) > 0 {
		b.WriteString("Coworkers:\n")
		for _, c := range r.Coworkers {
			fmt.Fprintf(&b, "- %s (%s): %s\n", c.ID(), c.Role(), c.Goal())
		}
	}
	if len(r.Prior) > 0 {
		b.WriteString("\nWork completed so far:\n")
		for _, p := range r.Prior {
			fmt.Fprintf(&b, "[%s] %s\n", p.Role, truncate(p.Output, priorOutputLimit))
		}
	}
	return b.String()
}

type managerReply struct {
	Decision string `json:"decision"`
	To       string `json:"to"`
	Request  string `json:"request"`
}

func parseDecision(text string, r Review) (Decision, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end < start {
		return Decision{}, fmt.Errorf("no JSON object in reply")
	}
	var reply managerReply
	if err := json.Unmarshal([]byte(text[start:end+1]), &reply); err != nil {
		return Decision{}, err
	}

	switch strings.ToLower(strings.TrimSpace(reply.Decision)) {
	case string(DecisionDirect):
		return Direct(r.Owner.ID()), nil
	case string(DecisionDelegate):
		to := strings.TrimSpace(reply.To)
		known := false
		for _, c := range r.Coworkers {
			if c.ID() == to {
				known = true
				break
			}
		}
		if !known {
			to = ""
		}
		return Delegate(r.Owner.ID(), to, strings.TrimSpace(reply.Request)), nil
	}
	return Decision{}, fmt.Errorf("unknown decision %q", reply.Decision)
}

func truncate(s string, max int) string {
	r := []rune(strings.TrimSpace(s))
	if len(r) <= max {
		return string(r)
	}
	return string(r[:max]) + "..."
}
