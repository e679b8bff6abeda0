package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/jllopis/tradecrew/pkg/errors"
)

// DefaultSerperEndpoint is the Serper Google search API.
const DefaultSerperEndpoint = "https://google.serper.dev/search"

// SerperSearcher implements Searcher on the Serper API.
type SerperSearcher struct {
	apiKey     string
	endpoint   string
	maxResults int
	client     *http.Client
}

// SerperOption configures a SerperSearcher.
type SerperOption func(*SerperSearcher)

// WithSerperEndpoint overrides the API endpoint.
func WithSerperEndpoint(url string) SerperOption {
	return func(s *SerperSearcher) {
		if url != "" {
			s.endpoint = url
		}
	}
}

// WithSerperMaxResults caps the number of results per query.
func WithSerperMaxResults(n int) SerperOption {
	return func(s *SerperSearcher) {
		if n > 0 {
			s.maxResults = n
		}
	}
}

// WithSerperHTTPClient replaces the HTTP client.
func WithSerperHTTPClient(c *http.Client) SerperOption {
	return func(s *SerperSearcher) {
		if c != nil {
			s.client = c
		}
	}
}

// NewSerperSearcher creates a searcher. The API key is required.
func NewSerperSearcher(apiKey string, opts ...SerperOption) (*SerperSearcher, error) {
	if apiKey == "" {
		return nil, errors.New(errors.CodeConfiguration, "serper api key is required", nil)
	}
	s := &SerperSearcher{
		apiKey:     apiKey,
		endpoint:   DefaultSerperEndpoint,
		maxResults: 10,
		client:     &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Name identifies the backend in records and spans.
func (s *SerperSearcher) Name() string { return "serper" }

type serperRequest struct {
	Query string `json:"q"`
	Num   int    `json:"num,omitempty"`
}

type serperResponse struct {
	AnswerBox *struct {
		Title   string `json:"title"`
		Answer  string `json:"answer"`
		Snippet string `json:"snippet"`
		Link    string `json:"link"`
	} `json:"answerBox"`
	Organic []struct {
		Title    string `json:"title"`
		Link     string `json:"link"`
		Snippet  string `json:"snippet"`
		Position int    `json:"position"`
	} `json:"organic"`
	News []struct {
		Title   string `json:"title"`
		Link    string `json:"link"`
		Snippet string `json:"snippet"`
		Date    string `json:"date"`
	} `json:"news"`
}

// Search implements Searcher.
func (s *SerperSearcher) Search(ctx context.Context, query string) ([]SearchResult, error) {
	body, err := json.Marshal(serperRequest{Query: query, Num: s.maxResults})
	if err != nil {
		return nil, errors.New(errors.CodeInternal, "encode serper request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, errors.New(errors.CodeToolInvocation, "build serper request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-KEY", s.apiKey)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, errors.New(errors.CodeToolInvocation, "serper request failed", err).
			WithRecoverable(ctx.Err() == nil)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, errors.New(errors.CodeToolInvocation,
			fmt.Sprintf("serper returned status %d", resp.StatusCode), fmt.Errorf("%s", bytes.TrimSpace(msg))).
			WithContext("status", resp.StatusCode).
			WithRecoverable(resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500)
	}

	var decoded serperResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, errors.New(errors.CodeToolInvocation, "malformed serper response", err)
	}

	var results []SearchResult
	if ab := decoded.AnswerBox; ab != nil {
		snippet := ab.Answer
		if snippet == "" {
			snippet = ab.Snippet
		}
		if snippet != "" {
			results = append(results, SearchResult{Title: ab.Title, Link: ab.Link, Snippet: snippet})
		}
	}
	for _, o := range decoded.Organic {
		results = append(results, SearchResult{Title: o.Title, Link: o.Link, Snippet: o.Snippet})
	}
	for _, n := range decoded.News {
		snippet := n.Snippet
		if n.Date != "" {
			snippet = n.Date + ": " + snippet
		}
		results = append(results, SearchResult{Title: n.Title, Link: n.Link, Snippet: snippet})
	}
	if len(results) > s.maxResults {
		results = results[:s.maxResults]
	}
	return results, nil
}
