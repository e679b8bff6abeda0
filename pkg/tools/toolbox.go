// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package tools

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jllopis/tradecrew/pkg/core"
	"github.com/jllopis/tradecrew/pkg/errors"
	"github.com/jllopis/tradecrew/pkg/llm"
	"github.com/jllopis/tradecrew/pkg/resilience"
	"github.com/jllopis/tradecrew/pkg/telemetry"
)

const reasonNotGranted = "capability_not_granted"

// Observer receives one notification per tool call.
type Observer interface {
	ObserveToolCall(ctx context.Context, tool string, d time.Duration, err error)
}

// Guard holds the per-backend resilience state. Guards are process-wide: every
// Toolbox built from the same Backends shares them.
type Guard struct {
	Limiter *resilience.Limiter
	Breaker *resilience.CircuitBreaker
	Timeout time.Duration
}

// Backends is the process-wide tool configuration. It is built once and
// stamped into a capability-restricted Toolbox per agent step.
type Backends struct {
	Searcher Searcher
	Scraper  Scraper

	SearchGuard Guard
	ScrapeGuard Guard

	Observer Observer
	Logger   *slog.Logger
}

// Toolbox builds a Toolbox restricted to caps.
func (b Backends) Toolbox(caps core.CapabilitySet, opts ...Option) *Toolbox {
	base := []Option{
		WithGuard(core.CapabilitySearch, b.SearchGuard),
		WithGuard(core.CapabilityScrape, b.ScrapeGuard),
		WithObserver(b.Observer),
		WithLogger(b.Logger),
	}
	return NewToolbox(caps, b.Searcher, b.Scraper, append(base, opts...)...)
}

// Option configures a Toolbox.
type Option func(*Toolbox)

// WithGuard sets the limiter, breaker and timeout for one capability.
func WithGuard(c core.Capability, g Guard) Option {
	return func(tb *Toolbox) { tb.guards[c] = g }
}

// WithRecorder sets where call records go.
func WithRecorder(r *Recorder) Option {
	return func(tb *Toolbox) { tb.recorder = r }
}

// WithObserver registers a metrics observer.
func WithObserver(o Observer) Option {
	return func(tb *Toolbox) { tb.observer = o }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(tb *Toolbox) {
		if l != nil {
			tb.logger = l
		}
	}
}

// WithIdentity stamps the calling agent and task on every record.
func WithIdentity(agentID, taskID string) Option {
	return func(tb *Toolbox) {
		tb.agentID = agentID
		tb.taskID = taskID
	}
}

// Toolbox is the capability-enforcing tool invoker handed to one agent. A
// call for a capability outside the set fails before any backend is reached.
type Toolbox struct {
	caps     core.CapabilitySet
	searcher Searcher
	scraper  Scraper
	guards   map[core.Capability]Guard

	recorder *Recorder
	observer Observer
	logger   *slog.Logger
	tracer   trace.Tracer

	agentID string
	taskID  string
}

// NewToolbox creates a Toolbox over the given backends. A granted capability
// whose backend is nil fails at call time with a configuration error.
func NewToolbox(caps core.CapabilitySet, searcher Searcher, scraper Scraper, opts ...Option) *Toolbox {
	tb := &Toolbox{
		caps:     caps,
		searcher: searcher,
		scraper:  scraper,
		guards:   make(map[core.Capability]Guard),
		logger:   slog.Default(),
		tracer:   otel.Tracer("tradecrew/tools"),
	}
	for _, opt := range opts {
		opt(tb)
	}
	return tb
}

// Capabilities returns the granted set.
func (tb *Toolbox) Capabilities() core.CapabilitySet { return tb.caps }

// Records returns the calls recorded so far.
func (tb *Toolbox) Records() []Record { return tb.recorder.Records() }

// Definitions returns the function tools matching the granted capabilities.
func (tb *Toolbox) Definitions() []llm.Tool { return Definitions(tb.caps) }

// Search runs a web search.
func (tb *Toolbox) Search(ctx context.Context, query string) ([]SearchResult, error) {
	query = strings.TrimSpace(query)
	var results []SearchResult
	err := tb.invoke(ctx, core.CapabilitySearch, query, backendName(tb.searcher), func(ctx context.Context) (string, error) {
		if query == "" {
			return "", errors.New(errors.CodeToolInvocation, "search query is empty", nil)
		}
		if tb.searcher == nil {
			return "", errors.New(errors.CodeConfiguration, "no search backend configured", nil)
		}
		r, err := tb.searcher.Search(ctx, query)
		if err != nil {
			return "", err
		}
		results = r
		return FormatResults(r), nil
	})
	return results, err
}

// Scrape fetches the readable text of a page.
func (tb *Toolbox) Scrape(ctx context.Context, url string) (string, error) {
	url = strings.TrimSpace(url)
	var text string
	err := tb.invoke(ctx, core.CapabilityScrape, url, backendName(tb.scraper), func(ctx context.Context) (string, error) {
		if url == "" {
			return "", errors.New(errors.CodeToolInvocation, "scrape url is empty", nil)
		}
		if tb.scraper == nil {
			return "", errors.New(errors.CodeConfiguration, "no scrape backend configured", nil)
		}
		t, err := tb.scraper.Scrape(ctx, url)
		if err != nil {
			return "", err
		}
		text = t
		return t, nil
	})
	return text, err
}

// Invoke dispatches a model issued tool call and returns the text to feed back.
func (tb *Toolbox) Invoke(ctx context.Context, call llm.ToolCall) (string, error) {
	args := map[string]any{}
	if raw := strings.TrimSpace(call.Function.Arguments); raw != "" {
		if err := json.Unmarshal([]byte(raw), &args); err != nil {
			return "", errors.New(errors.CodeToolInvocation, "malformed tool arguments", err).
				WithContext("tool", call.Function.Name)
		}
	}

	switch call.Function.Name {
	case string(core.CapabilitySearch):
		results, err := tb.Search(ctx, stringArg(args, "query"))
		if err != nil {
			return "", err
		}
		return FormatResults(results), nil
	case string(core.CapabilityScrape):
		return tb.Scrape(ctx, stringArg(args, "url"))
	default:
		return "", errors.Newf(errors.CodeToolInvocation, "unknown tool %q", call.Function.Name).
			WithAttribute("reason", reasonNotGranted)
	}
}

// NotGranted reports whether err is a refused call for a capability the
// caller does not hold. Such calls never reach a backend.
func NotGranted(err error) bool {
	ce := errors.AsCrewError(err)
	return ce != nil && ce.Attributes["reason"] == reasonNotGranted
}

func (tb *Toolbox) invoke(ctx context.Context, c core.Capability, input, backend string, fn func(ctx context.Context) (string, error)) error {
	if !tb.caps.Has(c) {
		tb.logger.WarnContext(ctx, "agent.tool.denied",
			slog.String("tool", string(c)),
			slog.String("agent", tb.agentID),
			slog.String("task_id", tb.taskID),
		)
		return errors.Newf(errors.CodeToolInvocation, "capability not granted: %s", c).
			WithContext("tool", string(c)).
			WithContext("agent", tb.agentID).
			WithAttribute("reason", reasonNotGranted)
	}

	if err := ctx.Err(); err != nil {
		return errors.New(errors.CodeTimeout, "run cancelled before "+string(c)+" call", err).
			WithContext("tool", string(c)).
			WithContext("agent", tb.agentID)
	}

	ctx, span := tb.tracer.Start(ctx, "Agent.Tool.Call")
	defer span.End()

	// Once started, the call runs to completion or failure under its own
	// timeout even if the run is cancelled meanwhile.
	callCtx := context.WithoutCancel(ctx)
	guard := tb.guards[c]
	start := time.Now()
	var output string
	err := guard.Limiter.Wait(callCtx)
	if err == nil {
		call := func(ctx context.Context) error {
			return resilience.WithTimeout(ctx, guard.Timeout, func(ctx context.Context) error {
				out, err := fn(ctx)
				output = out
				return err
			})
		}
		if guard.Breaker != nil {
			err = guard.Breaker.Call(callCtx, errors.CodeToolInvocation, call)
		} else {
			err = call(callCtx)
		}
	}
	elapsed := time.Since(start)
	err = wrapToolError(err, c, backend)

	rec := Record{
		Tool:      c,
		Backend:   backend,
		Agent:     tb.agentID,
		TaskID:    tb.taskID,
		Input:     input,
		Output:    output,
		StartedAt: start,
		Duration:  elapsed,
	}
	if err != nil {
		rec.Error = err.Error()
		rec.Output = ""
	}
	tb.recorder.Add(rec)

	span.SetAttributes(telemetry.ToolCallAttributes(string(c), backend, input, float64(elapsed.Microseconds())/1000, err == nil)...)
	if tb.observer != nil {
		tb.observer.ObserveToolCall(ctx, string(c), elapsed, err)
	}
	core.Emit(ctx, core.EventAgentToolCall, tb.agentID, tb.taskID, map[string]any{
		"tool":        string(c),
		"input":       input,
		"duration_ms": elapsed.Milliseconds(),
		"ok":          err == nil,
	})

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		tb.logger.ErrorContext(ctx, "agent.tool.error",
			slog.String("tool", string(c)),
			slog.String("backend", backend),
			slog.String("agent", tb.agentID),
			slog.String("task_id", tb.taskID),
			telemetry.ErrorAttr(err),
		)
		return err
	}
	span.SetStatus(codes.Ok, "")
	tb.logger.DebugContext(ctx, "agent.tool.call",
		slog.String("tool", string(c)),
		slog.String("backend", backend),
		slog.String("agent", tb.agentID),
		slog.Duration("duration", elapsed),
	)
	return nil
}

// wrapToolError classifies backend failures as TOOL_INVOCATION_ERROR so they
// fail the issuing task. Configuration errors keep their code.
func wrapToolError(err error, c core.Capability, backend string) error {
	if err == nil {
		return nil
	}
	switch errors.CodeOf(err) {
	case errors.CodeConfiguration, errors.CodeToolInvocation:
		return err
	}
	return errors.New(errors.CodeToolInvocation, string(c)+" call failed", err).
		WithContext("tool", string(c)).
		WithContext("backend", backend).
		WithRecoverable(errors.IsRecoverable(err))
}

func stringArg(args map[string]any, key string) string {
	if v, ok := args[key].(string); ok {
		return v
	}
	return ""
}
