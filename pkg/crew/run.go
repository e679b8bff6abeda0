// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package crew

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jllopis/tradecrew/pkg/agent"
	"github.com/jllopis/tradecrew/pkg/core"
	"github.com/jllopis/tradecrew/pkg/errors"
	"github.com/jllopis/tradecrew/pkg/report"
	"github.com/jllopis/tradecrew/pkg/telemetry"
	"github.com/jllopis/tradecrew/pkg/template"
	"github.com/jllopis/tradecrew/pkg/tools"
)

// RunState is the lifecycle state of a run.
type RunState string

const (
	RunPending   RunState = "pending"
	RunRunning   RunState = "running"
	RunCompleted RunState = "completed"
	RunFailed    RunState = "failed"
)

// Run stages named by RunError.
const (
	StageConfiguration = "configuration"
	StageBinding       = "binding"
	StageAggregation   = "aggregation"
)

// TaskStage returns the stage name of a task.
func TaskStage(taskID string) string { return "task:" + taskID }

// RunError is the single failure a run reports: the stage that failed and the
// typed cause.
type RunError struct {
	Stage string
	RunID string
	Err   error
}

func (e *RunError) Error() string {
	return fmt.Sprintf("run failed at %s: %v", e.Stage, e.Err)
}

func (e *RunError) Unwrap() error { return e.Err }

// TaskOutput is the final output of one task.
type TaskOutput struct {
	TaskID string
	Name   string
	Agent  string
	Role   string
	Output string
	// Failed marks a best-effort placeholder.
	Failed      bool
	Delegations int
	Duration    time.Duration
}

// Result is a completed run.
type Result struct {
	RunID  string
	Report string
	// Outputs holds one entry per task, in pipeline order.
	Outputs []TaskOutput
	// Partial is set when a best-effort run recorded failed tasks.
	Partial bool
	Records []tools.Record
}

// Run is one execution of a crew against one ExecutionContext. A run executes
// at most once; it shares no mutable state with other runs.
type Run struct {
	crew *Crew
	id   string
	ec   core.ExecutionContext

	recorder *tools.Recorder

	mu      sync.Mutex
	state   RunState
	tasks   []*core.Task
	outputs []TaskOutput
	err     error
}

// NewRun creates a pending run.
func (c *Crew) NewRun(ec core.ExecutionContext) *Run {
	return &Run{
		crew:     c,
		id:       uuid.NewString(),
		ec:       ec,
		recorder: tools.NewRecorder(),
		state:    RunPending,
	}
}

// ID returns the run identifier.
func (r *Run) ID() string { return r.id }

// State returns the current state.
func (r *Run) State() RunState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Outputs returns the task outputs produced so far.
func (r *Run) Outputs() []TaskOutput {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]TaskOutput(nil), r.outputs...)
}

// Tasks returns the bound tasks as observed so far.
func (r *Run) Tasks() []core.Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]core.Task, len(r.tasks))
	for i, t := range r.tasks {
		out[i] = *t
	}
	return out
}

// Records returns every tool invocation of the run, delegations included.
func (r *Run) Records() []tools.Record { return r.recorder.Records() }

// Err returns the failure of a failed run.
func (r *Run) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

func (r *Run) setState(s RunState) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}

// Execute binds the context, runs every task in order and aggregates the
// report. On failure the returned error is a *RunError and no report is
// produced.
func (r *Run) Execute(ctx context.Context) (*Result, error) {
	r.mu.Lock()
	if r.state != RunPending {
		r.mu.Unlock()
		return nil, errors.New(errors.CodeInternal, "run already executed", nil).WithContext("run_id", r.id)
	}
	r.state = RunRunning
	r.mu.Unlock()

	c := r.crew
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	ctx = core.WithRunID(ctx, r.id)
	if c.events != nil {
		ctx = core.WithEventEmitter(ctx, fanout(core.EventEmitterFromContext(ctx), c.events))
	}

	ctx, span := c.tracer.Start(ctx, "Crew.Run",
		trace.WithAttributes(telemetry.RunAttributes(r.id, c.pipeline.Len(), string(c.policy), c.maxDepth)...))
	defer span.End()

	log := c.logger.With(slog.String("run_id", r.id))
	log.InfoContext(ctx, "crew.run.start",
		slog.Int("tasks", c.pipeline.Len()),
		slog.String("policy", string(c.policy)),
	)
	core.Emit(ctx, core.EventRunStarted, "", "", map[string]any{
		"tasks":  c.pipeline.Len(),
		"policy": string(c.policy),
	})

	res, err := r.execute(ctx, log)
	if err != nil {
		r.mu.Lock()
		r.state = RunFailed
		r.err = err
		r.mu.Unlock()

		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.SetAttributes(attribute.String(telemetry.AttrRunState, string(RunFailed)))
		span.SetAttributes(telemetry.ErrorAttributes(err)...)
		c.metrics.RecordRun(ctx, string(RunFailed), false)
		c.metrics.RecordError(ctx, err, "crew")
		core.Emit(ctx, core.EventRunFailed, "", "", map[string]any{
			"error": err.Error(),
			"code":  string(errors.CodeOf(err)),
		})
		log.ErrorContext(ctx, "crew.run.failed", telemetry.ErrorAttr(err))
		return nil, err
	}

	r.setState(RunCompleted)
	span.SetAttributes(attribute.String(telemetry.AttrRunState, string(RunCompleted)))
	span.SetStatus(codes.Ok, "")
	c.metrics.RecordRun(ctx, string(RunCompleted), res.Partial)
	core.Emit(ctx, core.EventRunCompleted, "", "", map[string]any{
		"tasks":   len(res.Outputs),
		"partial": res.Partial,
		"records": len(res.Records),
	})
	log.InfoContext(ctx, "crew.run.complete",
		slog.Int("tasks", len(res.Outputs)),
		slog.Bool("partial", res.Partial),
	)
	return res, nil
}

func (r *Run) execute(ctx context.Context, log *slog.Logger) (*Result, error) {
	c := r.crew
	bound, err := c.pipeline.BindAll(r.ec)
	if err != nil {
		return nil, &RunError{Stage: StageBinding, RunID: r.id, Err: err}
	}
	title, err := template.Bind(c.title, r.ec)
	if err != nil {
		return nil, &RunError{Stage: StageBinding, RunID: r.id, Err: err}
	}

	r.mu.Lock()
	for _, bt := range bound {
		ct := core.NewTask(bt.Description, bt.ExpectedOutput, bt.Task.Owner().ID())
		ct.ID = bt.Task.ID()
		ct.Name = bt.Task.Name()
		r.tasks = append(r.tasks, ct)
	}
	r.mu.Unlock()

	partial := false
	for i, bt := range bound {
		if err := ctx.Err(); err != nil {
			return nil, &RunError{
				Stage: TaskStage(bt.Task.ID()),
				RunID: r.id,
				Err:   errors.New(errors.CodeTimeout, "run cancelled before task started", err),
			}
		}

		out, err := r.runTask(ctx, log, bt, r.tasks[i])
		if err != nil {
			if c.policy == PolicyStrict || ctx.Err() != nil {
				return nil, &RunError{Stage: TaskStage(bt.Task.ID()), RunID: r.id, Err: err}
			}
			partial = true
			out.Output = "Task failed: " + err.Error()
			out.Failed = true
			log.WarnContext(ctx, "crew.task.placeholder",
				slog.String("task_id", bt.Task.ID()),
				telemetry.ErrorAttr(err),
			)
		}
		r.mu.Lock()
		r.outputs = append(r.outputs, out)
		r.mu.Unlock()
	}

	outputs := r.Outputs()
	if len(outputs) != len(bound) {
		return nil, &RunError{Stage: StageAggregation, RunID: r.id,
			Err: errors.Newf(errors.CodeAggregation, "expected %d task outputs, got %d", len(bound), len(outputs))}
	}
	sections := make([]report.Section, len(outputs))
	for i, o := range outputs {
		sections[i] = report.Section{Heading: o.Name, Body: o.Output}
	}
	text, err := report.Aggregate(title, sections)
	if err != nil {
		return nil, &RunError{Stage: StageAggregation, RunID: r.id, Err: err}
	}

	return &Result{
		RunID:   r.id,
		Report:  text,
		Outputs: outputs,
		Partial: partial,
		Records: r.recorder.Records(),
	}, nil
}

func (r *Run) runTask(ctx context.Context, log *slog.Logger, bt BoundTask, ct *core.Task) (TaskOutput, error) {
	c := r.crew
	t := bt.Task
	owner := t.Owner()
	out := TaskOutput{TaskID: t.ID(), Name: t.Name(), Agent: owner.ID(), Role: owner.Role()}

	ctx = core.WithScope(ctx, core.Scope{TaskID: t.ID(), Agent: owner.ID()})
	ctx, span := c.tracer.Start(ctx, "Crew.Task",
		trace.WithAttributes(telemetry.TaskAttributes(t.ID(), t.Index(), owner.ID(), bt.Description)...))
	defer span.End()

	r.mu.Lock()
	ct.Start()
	r.mu.Unlock()
	start := time.Now()
	core.Emit(ctx, core.EventTaskStarted, owner.ID(), t.ID(), map[string]any{
		"index": t.Index(),
		"name":  t.Name(),
	})
	log.InfoContext(ctx, "crew.task.start",
		slog.String("task_id", t.ID()),
		slog.String("agent", owner.ID()),
	)

	output, delegations, err := r.performTask(ctx, bt)
	out.Delegations = delegations
	out.Duration = time.Since(start)
	c.metrics.RecordTask(ctx, owner.ID(), out.Duration, err)

	if err != nil {
		r.mu.Lock()
		ct.Fail(err.Error())
		r.mu.Unlock()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.SetAttributes(attribute.String(telemetry.AttrTaskStatus, string(core.TaskStatusFailed)))
		span.SetAttributes(telemetry.ErrorAttributes(err)...)
		c.metrics.RecordError(ctx, err, "task")
		core.Emit(ctx, core.EventTaskFailed, owner.ID(), t.ID(), map[string]any{
			"error": err.Error(),
			"code":  string(errors.CodeOf(err)),
		})
		log.ErrorContext(ctx, "crew.task.failed",
			slog.String("task_id", t.ID()),
			slog.String("agent", owner.ID()),
			telemetry.ErrorAttr(err),
		)
		return out, err
	}

	out.Output = output
	r.mu.Lock()
	ct.Complete(output)
	r.mu.Unlock()
	span.SetAttributes(attribute.String(telemetry.AttrTaskStatus, string(core.TaskStatusCompleted)))
	span.SetStatus(codes.Ok, "")
	core.Emit(ctx, core.EventTaskCompleted, owner.ID(), t.ID(), map[string]any{
		"delegations": delegations,
		"chars":       len(output),
	})
	log.InfoContext(ctx, "crew.task.complete",
		slog.String("task_id", t.ID()),
		slog.String("agent", owner.ID()),
		slog.Int("delegations", delegations),
		slog.Duration("duration", out.Duration),
	)
	return out, nil
}

// performTask asks the manager for a decision, then drives the owner's session
// to a final answer, serving delegation requests along the way.
func (r *Run) performTask(ctx context.Context, bt BoundTask) (string, int, error) {
	c := r.crew
	owner := bt.Task.Owner()
	coworkers := c.pipeline.Registry().Coworkers(owner.ID())

	d, err := r.review(ctx, Review{Task: bt, Owner: owner, Coworkers: coworkers, Prior: r.Outputs()})
	if err != nil {
		return "", 0, err
	}

	req := agent.Request{
		TaskID:         bt.Task.ID(),
		Description:    bt.Description,
		ExpectedOutput: bt.ExpectedOutput,
		Context:        priorContext(r.Outputs()),
		Coworkers:      coworkers,
	}
	if d.Kind == DecisionDelegate && owner.AllowDelegation() && c.maxDepth > 0 {
		req.Delegation = true
		if note := managerNote(d); note != "" {
			req.Context = strings.TrimSpace(req.Context + "\n\n" + note)
		}
	}
	return r.converse(ctx, owner, req)
}

func (r *Run) review(ctx context.Context, rv Review) (Decision, error) {
	c := r.crew
	ctx, span := c.tracer.Start(ctx, "Crew.Manager.Review",
		trace.WithAttributes(telemetry.TaskAttributes(rv.Task.Task.ID(), rv.Task.Task.Index(), rv.Owner.ID(), "")...))
	defer span.End()

	d, err := c.manager.Review(ctx, rv)
	if err == nil {
		switch d.Kind {
		case DecisionDirect:
			if d.Agent != "" && d.Agent != rv.Owner.ID() {
				err = errors.Newf(errors.CodeDelegation, "manager routed task to %q, owner is %q", d.Agent, rv.Owner.ID())
			}
		case DecisionDelegate:
			if d.From != "" && d.From != rv.Owner.ID() {
				err = errors.Newf(errors.CodeDelegation, "manager delegated from %q, owner is %q", d.From, rv.Owner.ID())
			}
		case DecisionFinal:
			err = errors.New(errors.CodeDelegation, "manager cannot finalize a task on behalf of its owner", nil)
		default:
			err = errors.Newf(errors.CodeDelegation, "unknown manager decision %q", d.Kind)
		}
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Decision{}, err
	}

	span.SetAttributes(telemetry.DecisionAttributes(string(d.Kind), rv.Owner.ID(), d.To)...)
	span.SetStatus(codes.Ok, "")
	core.Emit(ctx, core.EventManagerDecision, rv.Owner.ID(), rv.Task.Task.ID(), map[string]any{
		"decision": d.String(),
		"kind":     string(d.Kind),
	})
	return d, nil
}

// converse drives one session to its final answer. Each delegation request is
// answered by a nested session of the requested coworker, one level deeper.
func (r *Run) converse(ctx context.Context, a *agent.Agent, req agent.Request) (string, int, error) {
	c := r.crew
	toolbox := c.backends.Toolbox(a.Capabilities(),
		tools.WithRecorder(r.recorder),
		tools.WithIdentity(a.ID(), req.TaskID),
	)
	s := a.Begin(req, toolbox, agent.WithLogger(c.logger))

	delegations := 0
	for {
		out, err := s.Next(ctx)
		if err != nil {
			return "", delegations, err
		}
		if out.Kind == agent.OutcomeFinal {
			return out.Output, delegations, nil
		}

		delegations++
		if req.Depth+1 > c.maxDepth {
			if err := s.Reject(errors.Newf(errors.CodeDelegation, "maximum delegation depth %d reached", c.maxDepth)); err != nil {
				return "", delegations, err
			}
			continue
		}
		coworker, ok := c.pipeline.Registry().Get(out.To)
		if !ok {
			if err := s.Reject(errors.Newf(errors.CodeDelegation, "unknown coworker %q", out.To)); err != nil {
				return "", delegations, err
			}
			continue
		}

		answer, nested, err := r.delegate(ctx, a, coworker, out, req)
		delegations += nested
		if err != nil {
			return "", delegations, err
		}
		if err := s.Resume(answer); err != nil {
			return "", delegations, err
		}
	}
}

func (r *Run) delegate(ctx context.Context, from, to *agent.Agent, out agent.Outcome, parent agent.Request) (string, int, error) {
	c := r.crew
	depth := parent.Depth + 1
	ctx = core.WithScope(ctx, core.Scope{Agent: to.ID()})
	ctx, span := c.tracer.Start(ctx, "Crew.Delegate",
		trace.WithAttributes(telemetry.DecisionAttributes(string(DecisionDelegate), from.ID(), to.ID())...),
		trace.WithAttributes(attribute.Int(telemetry.AttrAgentDepth, depth)))
	defer span.End()

	c.logger.InfoContext(ctx, "crew.delegate",
		slog.String("task_id", parent.TaskID),
		slog.String("from", from.ID()),
		slog.String("to", to.ID()),
		slog.Int("depth", depth),
	)

	answer, nested, err := r.converse(ctx, to, agent.Request{
		TaskID:         parent.TaskID,
		Description:    out.Task,
		ExpectedOutput: fmt.Sprintf("A complete answer for %s.", from.Role()),
		Context:        out.Context,
		Depth:          depth,
		Delegation:     depth < c.maxDepth,
		Coworkers:      c.pipeline.Registry().Coworkers(to.ID()),
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", nested, err
	}
	span.SetStatus(codes.Ok, "")
	return answer, nested, nil
}

func priorContext(outputs []TaskOutput) string {
	if len(outputs) == 0 {
		return ""
	}
	var b strings.Builder
	for i, o := range outputs {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "Output of %s (%s):\n%s", o.Name, o.Role, strings.TrimSpace(o.Output))
	}
	return b.String()
}

func managerNote(d Decision) string {
	switch {
	case d.To != "" && d.Request != "":
		return fmt.Sprintf("Manager note: ask %s for help with: %s", d.To, d.Request)
	case d.To != "":
		return fmt.Sprintf("Manager note: %s can help with this task.", d.To)
	case d.Request != "":
		return "Manager note: " + d.Request
	}
	return ""
}

func fanout(emitters ...core.EventEmitter) core.EventEmitter {
	return core.EventEmitterFunc(func(ctx context.Context, ev core.Event) {
		for _, e := range emitters {
			e.Emit(ctx, ev)
		}
	})
}
