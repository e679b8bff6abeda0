// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

// Package testing provides utilities for testing crews and agents.
//
// This package includes:
//   - ScenarioProvider, a scripted inference provider
//   - search and scrape fakes with call counters
//   - a Scenario runner collecting the semantic events of one run
//   - request assertions for captured LLM calls
//
// Example usage:
//
//	result := testing.NewScenario("analysis").
//	    ExpectNoError().
//	    ExpectOutput(testing.Contains("## Data Analyst")).
//	    ExpectEventOrder(core.EventRunStarted, core.EventRunCompleted).
//	    Run(t, func(ctx context.Context) (string, error) { ... })
package testing

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jllopis/tradecrew/pkg/core"
	"github.com/jllopis/tradecrew/pkg/errors"
)

// RunFunc executes the code under test and returns its text output.
type RunFunc func(ctx context.Context) (string, error)

// Scenario is a declarative test of one run.
type Scenario struct {
	name         string
	timeout      time.Duration
	expectations []Expectation
}

// Expectation is a condition checked after a scenario ran.
type Expectation interface {
	Check(result *ScenarioResult) error
	Description() string
}

// ScenarioResult is the outcome of a scenario.
type ScenarioResult struct {
	Output   string
	Error    error
	Events   []core.Event
	Duration time.Duration
}

// NewScenario creates a scenario with a 30s timeout.
func NewScenario(name string) *Scenario {
	return &Scenario{name: name, timeout: 30 * time.Second}
}

// WithTimeout bounds the run.
func (s *Scenario) WithTimeout(d time.Duration) *Scenario {
	s.timeout = d
	return s
}

// Expect adds a custom expectation.
func (s *Scenario) Expect(exp Expectation) *Scenario {
	s.expectations = append(s.expectations, exp)
	return s
}

// ExpectOutput checks the output with matcher.
func (s *Scenario) ExpectOutput(matcher StringMatcher) *Scenario {
	return s.Expect(&outputExpectation{matcher: matcher})
}

// ExpectNoError checks that the run succeeded.
func (s *Scenario) ExpectNoError() *Scenario {
	return s.Expect(noErrorExpectation{})
}

// ExpectErrorCode checks that the run failed with code somewhere in the chain.
func (s *Scenario) ExpectErrorCode(code errors.ErrorCode) *Scenario {
	return s.Expect(errorCodeExpectation{code: code})
}

// ExpectEvent checks that at least one event of type t was emitted.
func (s *Scenario) ExpectEvent(t core.EventType) *Scenario {
	return s.Expect(eventCountExpectation{eventType: t, min: 1})
}

// ExpectNoEvent checks that no event of type t was emitted.
func (s *Scenario) ExpectNoEvent(t core.EventType) *Scenario {
	return s.Expect(eventCountExpectation{eventType: t, max: 0, exact: true})
}

// ExpectEventCount checks that exactly n events of type t were emitted.
func (s *Scenario) ExpectEventCount(t core.EventType, n int) *Scenario {
	return s.Expect(eventCountExpectation{eventType: t, min: n, max: n, exact: true})
}

// ExpectEventOrder checks that the given types appear in this relative order.
func (s *Scenario) ExpectEventOrder(types ...core.EventType) *Scenario {
	return s.Expect(eventOrderExpectation{types: types})
}

// Run executes fn with an EventCollector attached to its context, then checks
// every expectation.
func (s *Scenario) Run(t *testing.T, fn RunFunc) *ScenarioResult {
	t.Helper()

	collector := NewEventCollector()
	ctx, cancel := context.WithTimeout(core.WithEventEmitter(context.Background(), collector), s.timeout)
	defer cancel()

	start := time.Now()
	output, err := fn(ctx)
	result := &ScenarioResult{
		Output:   output,
		Error:    err,
		Events:   collector.Events(),
		Duration: time.Since(start),
	}
	for _, exp := range s.expectations {
		if err := exp.Check(result); err != nil {
			t.Errorf("scenario %q: expectation %q failed: %v", s.name, exp.Description(), err)
		}
	}
	return result
}

// StringMatcher matches text in expectations.
type StringMatcher interface {
	Match(s string) bool
	Description() string
}

type matcherFunc struct {
	desc string
	fn   func(string) bool
}

func (m matcherFunc) Match(s string) bool { return m.fn(s) }
func (m matcherFunc) Description() string { return m.desc }

// Contains matches strings containing substr.
func Contains(substr string) StringMatcher {
	return matcherFunc{desc: fmt.Sprintf("contains %q", substr), fn: func(s string) bool { return strings.Contains(s, substr) }}
}

// Equals matches the exact string.
func Equals(expected string) StringMatcher {
	return matcherFunc{desc: fmt.Sprintf("equals %q", expected), fn: func(s string) bool { return s == expected }}
}

// Regex matches strings against pattern. It panics on an invalid pattern.
func Regex(pattern string) StringMatcher {
	re := regexp.MustCompile(pattern)
	return matcherFunc{desc: fmt.Sprintf("matches /%s/", pattern), fn: re.MatchString}
}

// InOrder matches strings containing every part, in order.
func InOrder(parts ...string) StringMatcher {
	return matcherFunc{
		desc: fmt.Sprintf("contains in order %q", parts),
		fn: func(s string) bool {
			rest := s
			for _, p := range parts {
				i := strings.Index(rest, p)
				if i < 0 {
					return false
				}
				rest = rest[i+len(p):]
			}
			return true
		},
	}
}

type outputExpectation struct{ matcher StringMatcher }

func (e *outputExpectation) Check(r *ScenarioResult) error {
	if !e.matcher.Match(r.Output) {
		return fmt.Errorf("output %q does not satisfy: %s", r.Output, e.matcher.Description())
	}
	return nil
}

func (e *outputExpectation) Description() string { return "output " + e.matcher.Description() }

type noErrorExpectation struct{}

func (noErrorExpectation) Check(r *ScenarioResult) error {
	if r.Error != nil {
		return fmt.Errorf("unexpected error: %v", r.Error)
	}
	return nil
}

func (noErrorExpectation) Description() string { return "no error" }

type errorCodeExpectation struct{ code errors.ErrorCode }

func (e errorCodeExpectation) Check(r *ScenarioResult) error {
	if r.Error == nil {
		return fmt.Errorf("expected %s, run succeeded", e.code)
	}
	if !errors.Is(r.Error, e.code) {
		return fmt.Errorf("expected %s, got %v", e.code, r.Error)
	}
	return nil
}

func (e errorCodeExpectation) Description() string { return "error code " + string(e.code) }

type eventCountExpectation struct {
	eventType core.EventType
	min, max  int
	exact     bool
}

func (e eventCountExpectation) Check(r *ScenarioResult) error {
	n := 0
	for _, ev := range r.Events {
		if ev.Type == e.eventType {
			n++
		}
	}
	if n < e.min || (e.exact && n > e.max) {
		return fmt.Errorf("got %d %s events", n, e.eventType)
	}
	return nil
}

func (e eventCountExpectation) Description() string {
	if e.exact {
		return fmt.Sprintf("exactly %d %s events", e.max, e.eventType)
	}
	return fmt.Sprintf("at least %d %s events", e.min, e.eventType)
}

type eventOrderExpectation struct{ types []core.EventType }

func (e eventOrderExpectation) Check(r *ScenarioResult) error {
	i := 0
	for _, ev := range r.Events {
		if i < len(e.types) && ev.Type == e.types[i] {
			i++
		}
	}
	if i < len(e.types) {
		return fmt.Errorf("event %s not seen in order", e.types[i])
	}
	return nil
}

func (e eventOrderExpectation) Description() string { return fmt.Sprintf("events in order %v", e.types) }

// EventCollector is a concurrency-safe core.EventEmitter keeping every event.
type EventCollector struct {
	mu     sync.RWMutex
	events []core.Event
}

// NewEventCollector creates a collector.
func NewEventCollector() *EventCollector {
	return &EventCollector{}
}

// Emit implements core.EventEmitter.
func (c *EventCollector) Emit(_ context.Context, event core.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
}

// Events returns every collected event.
func (c *EventCollector) Events() []core.Event {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]core.Event(nil), c.events...)
}

// EventTypes returns the types of the collected events in order.
func (c *EventCollector) EventTypes() []core.EventType {
	c.mu.RLock()
	defer c.mu.RUnlock()
	types := make([]core.EventType, len(c.events))
	for i, ev := range c.events {
		types[i] = ev.Type
	}
	return types
}

// HasEvent reports whether an event of type t was collected.
func (c *EventCollector) HasEvent(t core.EventType) bool {
	for _, et := range c.EventTypes() {
		if et == t {
			return true
		}
	}
	return false
}

// Reset clears the collector.
func (c *EventCollector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = nil
}
