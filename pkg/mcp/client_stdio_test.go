package mcp

import (
	"context"
	"encoding/json"
	"os"
	"strings"
	"testing"

	mcpgo "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/jllopis/tradecrew/pkg/errors"
)

// The stdio tests re-exec the test binary as the MCP server.
const stdioServerEnv = "TRADECREW_MCP_STDIO_HELPER"

func TestMain(m *testing.M) {
	if os.Getenv(stdioServerEnv) == "1" {
		if err := mcpserver.ServeStdio(newTestServer()); err != nil {
			os.Exit(1)
		}
		os.Exit(0)
	}
	os.Exit(m.Run())
}

func startStdioServer(t *testing.T) *Client {
	t.Helper()
	exe, err := os.Executable()
	if err != nil {
		t.Fatalf("os.Executable: %v", err)
	}
	env := append(os.Environ(), stdioServerEnv+"=1")
	c, err := NewStdioClient(context.Background(), exe, nil, env)
	if err != nil {
		t.Fatalf("NewStdioClient: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestClient_Stdio_SearchAndFetch(t *testing.T) {
	c := startStdioServer(t)
	ctx := context.Background()

	search, err := BindTool(ctx, c, "web_search")
	if err != nil {
		t.Fatalf("BindTool web_search: %v", err)
	}
	out, err := search.CallText(ctx, "AAPL earnings")
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	var hits []map[string]string
	if err := json.Unmarshal([]byte(out), &hits); err != nil {
		t.Fatalf("search output is not a result list: %q", out)
	}
	if len(hits) != 1 || !strings.Contains(hits[0]["title"], "AAPL earnings") {
		t.Errorf("hits = %v", hits)
	}

	fetch, err := BindTool(ctx, c, "fetch")
	if err != nil {
		t.Fatalf("BindTool fetch: %v", err)
	}
	if _, err := fetch.CallText(ctx, map[string]any{"url": "bad"}); !errors.Is(err, errors.CodeToolInvocation) {
		t.Errorf("tool error result = %v", err)
	}
}

// newTestServer exposes a search and a fetch tool shaped like common MCP
// search servers.
func newTestServer() *mcpserver.MCPServer {
	server := mcpserver.NewMCPServer("test-tools", "1.0.0")
	server.AddTool(
		mcpgo.NewTool("web_search",
			mcpgo.WithDescription("search the web"),
			mcpgo.WithString("query", mcpgo.Required()),
		),
		func(_ context.Context, req mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
			q, _ := req.GetArguments()["query"].(string)
			body, _ := json.Marshal([]map[string]string{{
				"title":   "Results for " + q,
				"link":    "https://example.com/search",
				"snippet": "Latest coverage of " + q,
			}})
			return mcpgo.NewToolResultText(string(body)), nil
		},
	)
	server.AddTool(
		mcpgo.NewTool("fetch",
			mcpgo.WithDescription("fetch a page"),
			mcpgo.WithString("url", mcpgo.Required()),
		),
		func(_ context.Context, req mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
			u, _ := req.GetArguments()["url"].(string)
			if u == "bad" {
				return mcpgo.NewToolResultError("cannot fetch " + u), nil
			}
			return mcpgo.NewToolResultText("page " + u), nil
		},
	)
	return server
}
