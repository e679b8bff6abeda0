// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package crew

import (
	"fmt"
	"strings"

	"github.com/jllopis/tradecrew/pkg/agent"
	"github.com/jllopis/tradecrew/pkg/core"
	"github.com/jllopis/tradecrew/pkg/errors"
	"github.com/jllopis/tradecrew/pkg/template"
)

// TaskSpec declares one pipeline task. Description and ExpectedOutput are
// templates with {name} placeholders.
type TaskSpec struct {
	ID             string
	Name           string
	Description    string
	ExpectedOutput string
	Agent          string
}

// Task is an unbound pipeline entry owned by exactly one agent.
type Task struct {
	id             string
	name           string
	index          int
	description    string
	expectedOutput string
	owner          *agent.Agent
}

// ID returns the task identifier.
func (t *Task) ID() string { return t.id }

// Name returns the display name.
func (t *Task) Name() string { return t.name }

// Index returns the position in the pipeline, starting at zero.
func (t *Task) Index() int { return t.index }

// Description returns the description template.
func (t *Task) Description() string { return t.description }

// ExpectedOutput returns the expected-output template.
func (t *Task) ExpectedOutput() string { return t.expectedOutput }

// Owner returns the owning agent.
func (t *Task) Owner() *agent.Agent { return t.owner }

// Placeholders returns the distinct placeholders used by both templates.
func (t *Task) Placeholders() []string {
	seen := make(map[string]bool)
	var out []string
	for _, p := range append(template.Placeholders(t.description), template.Placeholders(t.expectedOutput)...) {
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	return out
}

// BoundTask is a task whose templates were resolved against an ExecutionContext.
type BoundTask struct {
	Task           *Task
	Description    string
	ExpectedOutput string
}

// Bind resolves both templates. Either both bind or the task fails with
// TEMPLATE_BINDING_ERROR.
func (t *Task) Bind(ec core.ExecutionContext) (BoundTask, error) {
	desc, err := template.Bind(t.description, ec)
	if err != nil {
		return BoundTask{}, errors.New(errors.CodeTemplateBinding, "bind task description", err).
			WithContext("task", t.id)
	}
	expected, err := template.Bind(t.expectedOutput, ec)
	if err != nil {
		return BoundTask{}, errors.New(errors.CodeTemplateBinding, "bind task expected output", err).
			WithContext("task", t.id)
	}
	return BoundTask{Task: t, Description: desc, ExpectedOutput: expected}, nil
}

// Pipeline is the ordered task sequence of a crew.
type Pipeline struct {
	registry *agent.Registry
	tasks    []*Task
	ids      map[string]bool
}

// NewPipeline creates an empty pipeline whose tasks must reference agents of registry.
func NewPipeline(registry *agent.Registry) *Pipeline {
	return &Pipeline{registry: registry, ids: make(map[string]bool)}
}

// Append adds a task in declaration order. The owning agent must be
// registered; failures are CONFIGURATION_ERROR.
func (p *Pipeline) Append(spec TaskSpec) (*Task, error) {
	if p.registry == nil {
		return nil, errors.New(errors.CodeConfiguration, "pipeline has no agent registry", nil)
	}
	owner, ok := p.registry.Get(spec.Agent)
	if !ok {
		return nil, errors.Newf(errors.CodeConfiguration, "task references unknown agent %q", spec.Agent).
			WithContext("agent", spec.Agent)
	}
	if strings.TrimSpace(spec.Description) == "" {
		return nil, errors.New(errors.CodeConfiguration, "task description is required", nil).
			WithContext("agent", spec.Agent)
	}

	id := strings.TrimSpace(spec.ID)
	if id == "" {
		id = fmt.Sprintf("task-%d", len(p.tasks)+1)
	}
	if p.ids[id] {
		return nil, errors.Newf(errors.CodeConfiguration, "duplicate task id %q", id)
	}
	name := spec.Name
	if name == "" {
		name = owner.Role()
	}

	t := &Task{
		id:             id,
		name:           name,
		index:          len(p.tasks),
		description:    spec.Description,
		expectedOutput: spec.ExpectedOutput,
		owner:          owner,
	}
	p.tasks = append(p.tasks, t)
	p.ids[id] = true
	return t, nil
}

// Tasks returns the tasks in order. The returned slice may be iterated any
// number of times.
func (p *Pipeline) Tasks() []*Task {
	return append([]*Task(nil), p.tasks...)
}

// Len returns the number of tasks.
func (p *Pipeline) Len() int { return len(p.tasks) }

// Registry returns the registry the pipeline validates against.
func (p *Pipeline) Registry() *agent.Registry { return p.registry }

// BindAll binds every task, stopping at the first failure.
func (p *Pipeline) BindAll(ec core.ExecutionContext) ([]BoundTask, error) {
	bound := make([]BoundTask, 0, len(p.tasks))
	for _, t := range p.tasks {
		bt, err := t.Bind(ec)
		if err != nil {
			return nil, err
		}
		bound = append(bound, bt)
	}
	return bound, nil
}
