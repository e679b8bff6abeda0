// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"context"
	"io"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel/trace"

	"github.com/jllopis/tradecrew/pkg/core"
	"github.com/jllopis/tradecrew/pkg/errors"
)

// ConfigureSlog sets the global slog logger with trace-aware attributes.
func ConfigureSlog(output io.Writer, level, format string) *slog.Logger {
	logger := NewLogger(output, level, format)
	slog.SetDefault(logger)
	return logger
}

// NewLogger builds a trace-aware logger without touching the global default.
func NewLogger(output io.Writer, level, format string) *slog.Logger {
	return slog.New(newSlogHandler(output, level, format))
}

func newSlogHandler(output io.Writer, level, format string) slog.Handler {
	opts := &slog.HandlerOptions{Level: ParseLogLevel(level)}
	if strings.EqualFold(strings.TrimSpace(format), "json") {
		return &traceHandler{next: slog.NewJSONHandler(output, opts)}
	}
	return &traceHandler{next: slog.NewTextHandler(output, opts)}
}

// traceHandler stamps the run id, the task scope and the active span taken
// from the record context. Attributes already set on the record win.
type traceHandler struct {
	next slog.Handler
	// bound holds top-level keys already attached through WithAttrs.
	bound map[string]bool
}

func (h *traceHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *traceHandler) Handle(ctx context.Context, record slog.Record) error {
	if ctx == nil {
		return h.next.Handle(ctx, record)
	}
	runID, _ := core.RunID(ctx)
	scope := core.ScopeFrom(ctx)
	traceID, spanID := spanIDsFromContext(ctx)
	stamp := []slog.Attr{
		slog.String("run_id", runID),
		slog.String("task_id", scope.TaskID),
		slog.String("agent", scope.Agent),
		slog.String("trace_id", traceID),
		slog.String("span_id", spanID),
	}
	for _, attr := range stamp {
		if attr.Value.String() != "" && !h.bound[attr.Key] && !recordHasAttr(record, attr.Key) {
			record.AddAttrs(attr)
		}
	}
	return h.next.Handle(ctx, record)
}

func (h *traceHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	bound := make(map[string]bool, len(h.bound)+len(attrs))
	for k := range h.bound {
		bound[k] = true
	}
	for _, a := range attrs {
		bound[a.Key] = true
	}
	return &traceHandler{next: h.next.WithAttrs(attrs), bound: bound}
}

func (h *traceHandler) WithGroup(name string) slog.Handler {
	return &traceHandler{next: h.next.WithGroup(name), bound: h.bound}
}

// ParseLogLevel maps a textual level ("debug", "warn", "WARNING", "error+2")
// to slog.Level. Anything unparseable is info.
func ParseLogLevel(level string) slog.Level {
	text := strings.TrimSpace(level)
	if strings.EqualFold(text, "warning") {
		text = "warn"
	}
	var l slog.Level
	if err := l.UnmarshalText([]byte(text)); err != nil {
		return slog.LevelInfo
	}
	return l
}

func spanIDsFromContext(ctx context.Context) (string, string) {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return "", ""
	}
	return sc.TraceID().String(), sc.SpanID().String()
}

func recordHasAttr(record slog.Record, key string) bool {
	found := false
	record.Attrs(func(attr slog.Attr) bool {
		if attr.Key == key {
			found = true
			return false
		}
		return true
	})
	return found
}

// ErrorAttr renders err as slog attributes (error, error_code).
func ErrorAttr(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.Group("",
		slog.String("error", err.Error()),
		slog.String("error_code", string(errors.CodeOf(err))),
	)
}
