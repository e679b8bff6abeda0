// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

// Package agent implements the agent registry and the LLM-driven agent step.
package agent

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/jllopis/tradecrew/pkg/core"
	"github.com/jllopis/tradecrew/pkg/errors"
	"github.com/jllopis/tradecrew/pkg/llm"
)

// DefaultMaxIterations bounds the LLM calls of a single agent step.
const DefaultMaxIterations = 15

// Inference is the chat capability an agent is bound to. *llm.Client
// satisfies it.
type Inference interface {
	Chat(ctx context.Context, messages []llm.Message, tools []llm.Tool) (*llm.ChatResponse, error)
	Model() string
}

var _ Inference = (*llm.Client)(nil)

// Spec declares one agent role.
type Spec struct {
	ID              string
	Role            string
	Goal            string
	Backstory       string
	Capabilities    []core.Capability
	AllowDelegation bool
	LLM             Inference
	MaxIterations   int
}

// Agent is an immutable registered role.
type Agent struct {
	id              string
	role            string
	goal            string
	backstory       string
	caps            core.CapabilitySet
	allowDelegation bool
	llm             Inference
	maxIterations   int
}

// ID returns the agent identifier.
func (a *Agent) ID() string { return a.id }

// Role returns the role name.
func (a *Agent) Role() string { return a.role }

// Goal returns the objective statement.
func (a *Agent) Goal() string { return a.goal }

// Backstory returns the narrative context.
func (a *Agent) Backstory() string { return a.backstory }

// Capabilities returns the tool kinds the agent may call.
func (a *Agent) Capabilities() core.CapabilitySet { return a.caps }

// AllowDelegation reports whether the agent may ask coworkers for help.
func (a *Agent) AllowDelegation() bool { return a.allowDelegation }

// LLM returns the bound inference capability.
func (a *Agent) LLM() Inference { return a.llm }

// MaxIterations returns the LLM call budget for one step.
func (a *Agent) MaxIterations() int { return a.maxIterations }

// Registry holds the agents of a crew. It is populated once and frozen
// before the first run.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*Agent
	order  []string
	frozen bool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{agents: make(map[string]*Agent)}
}

// Register validates spec and adds the agent. Failures are CONFIGURATION_ERROR.
func (r *Registry) Register(spec Spec) (*Agent, error) {
	id := strings.TrimSpace(spec.ID)
	if id == "" {
		return nil, errors.New(errors.CodeConfiguration, "agent id is required", nil)
	}
	caps, err := core.NewCapabilitySet(spec.Capabilities...)
	if err != nil {
		return nil, errors.New(errors.CodeConfiguration, "invalid agent capabilities", err).
			WithContext("agent", id)
	}
	if spec.LLM == nil {
		return nil, errors.New(errors.CodeConfiguration, "agent has no inference binding", nil).
			WithContext("agent", id)
	}
	role := spec.Role
	if role == "" {
		role = id
	}
	maxIter := spec.MaxIterations
	if maxIter <= 0 {
		maxIter = DefaultMaxIterations
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return nil, errors.New(errors.CodeConfiguration, "agent registry is frozen", nil).
			WithContext("agent", id)
	}
	if _, dup := r.agents[id]; dup {
		return nil, errors.Newf(errors.CodeConfiguration, "agent %q already registered", id).
			WithContext("agent", id)
	}
	a := &Agent{
		id:              id,
		role:            role,
		goal:            spec.Goal,
		backstory:       spec.Backstory,
		caps:            caps,
		allowDelegation: spec.AllowDelegation,
		llm:             spec.LLM,
		maxIterations:   maxIter,
	}
	r.agents[id] = a
	r.order = append(r.order, id)
	return a, nil
}

// Get returns the agent registered as id.
func (r *Registry) Get(id string) (*Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[id]
	return a, ok
}

// Agents returns the agents in registration order.
func (r *Registry) Agents() []*Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Agent, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.agents[id])
	}
	return out
}

// Len returns the number of registered agents.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// Freeze rejects further registrations.
func (r *Registry) Freeze() {
	r.mu.Lock()
	r.frozen = true
	r.mu.Unlock()
}

// Frozen reports whether Freeze was called.
func (r *Registry) Frozen() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.frozen
}

// Coworkers returns every agent except exclude, sorted by id.
func (r *Registry) Coworkers(exclude string) []*Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Agent
	for id, a := range r.agents {
		if id != exclude {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}
