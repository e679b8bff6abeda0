// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

// Package crew runs an ordered task pipeline under a hierarchical manager.
package crew

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/jllopis/tradecrew/pkg/core"
	"github.com/jllopis/tradecrew/pkg/errors"
	"github.com/jllopis/tradecrew/pkg/tools"
)

// FailurePolicy decides what a task failure does to the run.
type FailurePolicy string

const (
	// PolicyStrict aborts the run on the first failed task.
	PolicyStrict FailurePolicy = "strict"
	// PolicyBestEffort records a placeholder for the failed task and continues.
	PolicyBestEffort FailurePolicy = "best_effort"
)

// ParseFailurePolicy maps a configuration value to a policy. The empty string
// is strict.
func ParseFailurePolicy(s string) (FailurePolicy, error) {
	switch FailurePolicy(s) {
	case "", PolicyStrict:
		return PolicyStrict, nil
	case PolicyBestEffort, "best-effort":
		return PolicyBestEffort, nil
	}
	return "", errors.Newf(errors.CodeConfiguration, "unknown failure policy %q", s)
}

const (
	// DefaultMaxDelegationDepth bounds nested delegation when Config leaves it unset.
	DefaultMaxDelegationDepth = 2
	// DelegationDisabled as MaxDelegationDepth forbids any delegation.
	DelegationDisabled = -1
)

// Metrics receives run and task outcomes. *telemetry.CrewMetrics satisfies it.
type Metrics interface {
	RecordRun(ctx context.Context, state string, partial bool)
	RecordTask(ctx context.Context, agentID string, d time.Duration, err error)
	RecordError(ctx context.Context, err error, component string)
}

// Config assembles a crew.
type Config struct {
	// Title heads the final report.
	Title    string
	Pipeline *Pipeline
	Manager  Manager
	Tools    tools.Backends

	Policy FailurePolicy
	// MaxDelegationDepth bounds how deep coworkers may delegate in turn. Zero
	// selects DefaultMaxDelegationDepth; DelegationDisabled turns delegation off.
	MaxDelegationDepth int
	// Timeout bounds a whole run. Zero means no limit beyond the caller's context.
	// A call in flight when the run ends finishes first; no further call starts.
	Timeout time.Duration

	// Events receives the semantic events of every run, in addition to any
	// emitter already attached to the run context.
	Events  core.EventEmitter
	Logger  *slog.Logger
	Metrics Metrics
}

// Crew is an immutable, validated unit of execution. Runs created from the
// same Crew are independent and may execute concurrently. Only an LLMManager
// carries a manager inference binding; DirectManager and PermissiveManager
// decide without one.
type Crew struct {
	title    string
	pipeline *Pipeline
	manager  Manager
	backends tools.Backends
	policy   FailurePolicy
	maxDepth int
	timeout  time.Duration

	events  core.EventEmitter
	logger  *slog.Logger
	metrics Metrics
	tracer  trace.Tracer
}

// New validates cfg and freezes the agent registry. All failures are
// CONFIGURATION_ERROR and happen before any network activity.
func New(cfg Config) (*Crew, error) {
	if cfg.Pipeline == nil || cfg.Pipeline.Registry() == nil {
		return nil, errors.New(errors.CodeConfiguration, "crew needs a task pipeline", nil)
	}
	if cfg.Pipeline.Len() == 0 {
		return nil, errors.New(errors.CodeConfiguration, "crew needs at least one task", nil)
	}
	if cfg.Manager == nil {
		return nil, errors.New(errors.CodeConfiguration, "hierarchical crew needs a manager", nil)
	}
	policy, err := ParseFailurePolicy(string(cfg.Policy))
	if err != nil {
		return nil, err
	}

	depth := cfg.MaxDelegationDepth
	switch {
	case depth == 0:
		depth = DefaultMaxDelegationDepth
	case depth == DelegationDisabled:
		depth = 0
	case depth < 0:
		return nil, errors.Newf(errors.CodeConfiguration, "invalid max delegation depth %d", cfg.MaxDelegationDepth)
	}
	if cfg.Timeout < 0 {
		return nil, errors.New(errors.CodeConfiguration, "crew timeout must not be negative", nil)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = noopMetrics{}
	}
	if cfg.Tools.Logger == nil {
		cfg.Tools.Logger = logger
	}

	cfg.Pipeline.Registry().Freeze()
	return &Crew{
		title:    cfg.Title,
		pipeline: cfg.Pipeline,
		manager:  cfg.Manager,
		backends: cfg.Tools,
		policy:   policy,
		maxDepth: depth,
		timeout:  cfg.Timeout,
		events:   cfg.Events,
		logger:   logger,
		metrics:  metrics,
		tracer:   otel.Tracer("tradecrew/crew"),
	}, nil
}

// Title returns the report title.
func (c *Crew) Title() string { return c.title }

// Pipeline returns the task pipeline.
func (c *Crew) Pipeline() *Pipeline { return c.pipeline }

// Policy returns the failure policy.
func (c *Crew) Policy() FailurePolicy { return c.policy }

// MaxDelegationDepth returns the effective delegation bound; zero means
// delegation is disabled.
func (c *Crew) MaxDelegationDepth() int { return c.maxDepth }

// Kickoff creates a run for ec and executes it.
func (c *Crew) Kickoff(ctx context.Context, ec core.ExecutionContext) (*Result, error) {
	return c.NewRun(ec).Execute(ctx)
}

type noopMetrics struct{}

func (noopMetrics) RecordRun(context.Context, string, bool)                    {}
func (noopMetrics) RecordTask(context.Context, string, time.Duration, error) {}
func (noopMetrics) RecordError(context.Context, error, string)                {}
