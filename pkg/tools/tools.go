// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

// Package tools is the tool invocation layer. It defines the search and scrape
// contracts agents consume, enforces each agent's capability set and keeps a
// record of every call issued during a run.
package tools

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jllopis/tradecrew/pkg/core"
)

// SearchResult is one ranked search hit.
type SearchResult struct {
	Title   string `json:"title,omitempty"`
	Link    string `json:"link,omitempty"`
	Snippet string `json:"snippet"`
}

// Searcher issues a fresh web search per call.
type Searcher interface {
	Search(ctx context.Context, query string) ([]SearchResult, error)
}

// Scraper fetches a page and returns its readable text.
type Scraper interface {
	Scrape(ctx context.Context, url string) (string, error)
}

// SearcherFunc adapts a function to Searcher.
type SearcherFunc func(ctx context.Context, query string) ([]SearchResult, error)

// Search implements Searcher.
func (f SearcherFunc) Search(ctx context.Context, query string) ([]SearchResult, error) {
	return f(ctx, query)
}

// ScraperFunc adapts a function to Scraper.
type ScraperFunc func(ctx context.Context, url string) (string, error)

// Scrape implements Scraper.
func (f ScraperFunc) Scrape(ctx context.Context, url string) (string, error) {
	return f(ctx, url)
}

// FormatResults renders search results as a numbered list for a model prompt.
func FormatResults(results []SearchResult) string {
	if len(results) == 0 {
		return "No results."
	}
	var b strings.Builder
	for i, r := range results {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "%d. ", i+1)
		if r.Title != "" {
			b.WriteString(r.Title)
			b.WriteString(" - ")
		}
		b.WriteString(r.Snippet)
		if r.Link != "" {
			fmt.Fprintf(&b, " (%s)", r.Link)
		}
	}
	return b.String()
}

// Record is one tool call made during a run. Records live only as long as
// the run that produced them.
type Record struct {
	Tool      core.Capability `json:"tool"`
	Backend   string          `json:"backend,omitempty"`
	Agent     string          `json:"agent,omitempty"`
	TaskID    string          `json:"task_id,omitempty"`
	Input     string          `json:"input"`
	Output    string          `json:"output,omitempty"`
	Error     string          `json:"error,omitempty"`
	StartedAt time.Time       `json:"started_at"`
	Duration  time.Duration   `json:"duration"`
}

// Failed reports whether the call ended in an error.
func (r Record) Failed() bool { return r.Error != "" }

// Recorder collects Records. Safe for concurrent use.
type Recorder struct {
	mu      sync.Mutex
	records []Record
}

// NewRecorder returns an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// Add appends rec.
func (r *Recorder) Add(rec Record) {
	if r == nil {
		return
	}
	r.mu.Lock()
	r.records = append(r.records, rec)
	r.mu.Unlock()
}

// Records returns a copy of the recorded calls in call order.
func (r *Recorder) Records() []Record {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Record, len(r.records))
	copy(out, r.records)
	return out
}

// Count returns how many calls of the given tool were recorded.
func (r *Recorder) Count(tool core.Capability) int {
	n := 0
	for _, rec := range r.Records() {
		if rec.Tool == tool {
			n++
		}
	}
	return n
}

func backendName(v any) string {
	if n, ok := v.(interface{ Name() string }); ok {
		return n.Name()
	}
	return fmt.Sprintf("%T", v)
}
