package tools

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/jllopis/tradecrew/pkg/errors"
	"github.com/jllopis/tradecrew/pkg/mcp"
)

// TextCaller is an MCP tool flattened to text, satisfied by *mcp.Tool.
type TextCaller interface {
	Name() string
	CallText(ctx context.Context, input any) (string, error)
}

var _ TextCaller = (*mcp.Tool)(nil)

// MCPSearcher runs searches through a tool exposed by an MCP server.
type MCPSearcher struct {
	tool TextCaller
	arg  string
}

// NewMCPSearcher wraps tool. The query is sent as the arg field, or as the
// tool's first required field when arg is empty.
func NewMCPSearcher(tool TextCaller, arg string) *MCPSearcher {
	return &MCPSearcher{tool: tool, arg: arg}
}

// Name identifies the backend in records and spans.
func (s *MCPSearcher) Name() string { return "mcp:" + s.tool.Name() }

// Search implements Searcher. Servers answering with a JSON list of
// title/link/snippet objects yield one result per entry; any other text is
// returned as a single snippet.
func (s *MCPSearcher) Search(ctx context.Context, query string) ([]SearchResult, error) {
	text, err := s.tool.CallText(ctx, input(s.arg, query))
	if err != nil {
		return nil, errors.New(errors.CodeToolInvocation, "mcp search failed", err).
			WithContext("mcp_tool", s.tool.Name()).
			WithRecoverable(errors.IsRecoverable(err))
	}
	return parseMCPResults(text), nil
}

// MCPScraper fetches pages through a tool exposed by an MCP server.
type MCPScraper struct {
	tool TextCaller
	arg  string
}

// NewMCPScraper wraps tool. The URL is sent as the arg field, or as the tool's
// first required field when arg is empty.
func NewMCPScraper(tool TextCaller, arg string) *MCPScraper {
	return &MCPScraper{tool: tool, arg: arg}
}

// Name identifies the backend in records and spans.
func (s *MCPScraper) Name() string { return "mcp:" + s.tool.Name() }

// Scrape implements Scraper.
func (s *MCPScraper) Scrape(ctx context.Context, url string) (string, error) {
	if _, err := validateURL(url); err != nil {
		return "", err
	}
	text, err := s.tool.CallText(ctx, input(s.arg, url))
	if err != nil {
		return "", errors.New(errors.CodeToolInvocation, "mcp scrape failed", err).
			WithContext("mcp_tool", s.tool.Name()).
			WithRecoverable(errors.IsRecoverable(err))
	}
	return text, nil
}

func input(arg, value string) any {
	if arg == "" {
		return value
	}
	return map[string]interface{}{arg: value}
}

type mcpResult struct {
	Title       string `json:"title"`
	Link        string `json:"link"`
	URL         string `json:"url"`
	Snippet     string `json:"snippet"`
	Description string `json:"description"`
}

func parseMCPResults(text string) []SearchResult {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil
	}

	var list []mcpResult
	if strings.HasPrefix(trimmed, "[") && json.Unmarshal([]byte(trimmed), &list) == nil {
		results := make([]SearchResult, 0, len(list))
		for _, r := range list {
			link := r.Link
			if link == "" {
				link = r.URL
			}
			snippet := r.Snippet
			if snippet == "" {
				snippet = r.Description
			}
			results = append(results, SearchResult{Title: r.Title, Link: link, Snippet: snippet})
		}
		return results
	}
	return []SearchResult{{Snippet: trimmed}}
}
