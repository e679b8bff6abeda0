package testing

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jllopis/tradecrew/pkg/tools"
)

// FakeSearcher is a tools.Searcher returning canned results.
type FakeSearcher struct {
	Results []tools.SearchResult
	Err     error
	Delay   time.Duration

	mu      sync.Mutex
	queries []string
}

// Search implements tools.Searcher.
func (f *FakeSearcher) Search(ctx context.Context, query string) ([]tools.SearchResult, error) {
	f.mu.Lock()
	f.queries = append(f.queries, query)
	f.mu.Unlock()
	if err := sleep(ctx, f.Delay); err != nil {
		return nil, err
	}
	if f.Err != nil {
		return nil, f.Err
	}
	if f.Results == nil {
		return []tools.SearchResult{{Title: "Result for " + query, Link: "https://example.com/search", Snippet: query}}, nil
	}
	return f.Results, nil
}

// Name identifies the fake in tool records.
func (f *FakeSearcher) Name() string { return "fake-search" }

// Queries returns the queries received so far.
func (f *FakeSearcher) Queries() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.queries...)
}

// Calls returns how many searches were issued.
func (f *FakeSearcher) Calls() int { return len(f.Queries()) }

// FakeScraper is a tools.Scraper serving pages from a map.
type FakeScraper struct {
	Pages map[string]string
	Err   error
	Delay time.Duration

	mu   sync.Mutex
	urls []string
}

// Scrape implements tools.Scraper. Unknown URLs return a generic page.
func (f *FakeScraper) Scrape(ctx context.Context, url string) (string, error) {
	f.mu.Lock()
	f.urls = append(f.urls, url)
	f.mu.Unlock()
	if err := sleep(ctx, f.Delay); err != nil {
		return "", err
	}
	if f.Err != nil {
		return "", f.Err
	}
	if page, ok := f.Pages[url]; ok {
		return page, nil
	}
	return "content of " + url, nil
}

// Name identifies the fake in tool records.
func (f *FakeScraper) Name() string { return "fake-scrape" }

// URLs returns the URLs requested so far.
func (f *FakeScraper) URLs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.urls...)
}

// Calls returns how many pages were requested.
func (f *FakeScraper) Calls() int { return len(f.URLs()) }

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CountingTransport is an http.RoundTripper that counts requests and fails
// them all, for asserting that no network call was attempted.
type CountingTransport struct {
	n atomic.Int64
}

// RoundTrip implements http.RoundTripper.
func (c *CountingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	c.n.Add(1)
	return nil, http.ErrServerClosed
}

// Requests returns how many requests reached the transport.
func (c *CountingTransport) Requests() int64 { return c.n.Load() }

// Client returns an http.Client using the transport.
func (c *CountingTransport) Client() *http.Client {
	return &http.Client{Transport: c}
}
