package mcp

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/jllopis/tradecrew/pkg/errors"
	"github.com/mark3labs/mcp-go/mcp"
)

// ToolCaller abstracts MCP tool execution.
type ToolCaller interface {
	CallTool(ctx context.Context, name string, args map[string]interface{}) (*mcp.CallToolResult, error)
}

// Tool is an MCP tool bound to the caller that executes it.
type Tool struct {
	tool   mcp.Tool
	caller ToolCaller
}

// NewTool binds tool to caller.
func NewTool(tool mcp.Tool, caller ToolCaller) (*Tool, error) {
	if tool.Name == "" {
		return nil, errors.New(errors.CodeConfiguration, "mcp tool name is required", nil)
	}
	if caller == nil {
		return nil, errors.New(errors.CodeConfiguration, "mcp tool caller is required", nil)
	}
	return &Tool{tool: tool, caller: caller}, nil
}

// BindTool looks name up on the server and binds it to c.
func BindTool(ctx context.Context, c *Client, name string) (*Tool, error) {
	tool, err := c.FindTool(ctx, name)
	if err != nil {
		return nil, err
	}
	return NewTool(tool, c)
}

// Name returns the MCP tool name.
func (t *Tool) Name() string {
	return t.tool.Name
}

// CallText invokes the tool and flattens its result to text. A plain string
// input is sent as the tool's first required field.
func (t *Tool) CallText(ctx context.Context, input any) (string, error) {
	args, err := NormalizeArgs(input)
	if err != nil {
		return "", err
	}

	if raw, ok := input.(string); ok {
		if trimmed := strings.TrimSpace(raw); trimmed != "" && !strings.HasPrefix(trimmed, "{") {
			if field := firstRequired(t.tool); field != "" {
				args = map[string]interface{}{field: trimmed}
			}
		}
	}

	if err := ValidateRequiredArgs(t.tool, args); err != nil {
		return "", err
	}

	result, err := t.caller.CallTool(ctx, t.tool.Name, args)
	if err != nil {
		return "", err
	}
	return ResultText(result)
}

// NormalizeArgs converts tool input into an MCP arguments object.
func NormalizeArgs(input any) (map[string]interface{}, error) {
	switch value := input.(type) {
	case nil:
		return map[string]interface{}{}, nil
	case map[string]interface{}:
		return value, nil
	case json.RawMessage:
		return decodeArgs(value)
	case []byte:
		return decodeArgs(value)
	case string:
		trimmed := strings.TrimSpace(value)
		if trimmed == "" {
			return map[string]interface{}{}, nil
		}
		if strings.HasPrefix(trimmed, "{") {
			if decoded, err := decodeArgs([]byte(trimmed)); err == nil {
				return decoded, nil
			}
		}
		return map[string]interface{}{"input": value}, nil
	default:
		encoded, err := json.Marshal(value)
		if err != nil {
			return nil, errors.Newf(errors.CodeInvalidInput, "mcp tool args: unsupported type %T", input)
		}
		return decodeArgs(encoded)
	}
}

func decodeArgs(data []byte) (map[string]interface{}, error) {
	var decoded map[string]interface{}
	if err := json.Unmarshal(data, &decoded); err != nil {
		return nil, errors.New(errors.CodeInvalidInput, "mcp tool args: invalid JSON", err)
	}
	if decoded == nil {
		decoded = map[string]interface{}{}
	}
	return decoded, nil
}

// ValidateRequiredArgs checks args against the tool's required fields.
func ValidateRequiredArgs(tool mcp.Tool, args map[string]interface{}) error {
	schema := tool.InputSchema
	if schema.Type != "" && schema.Type != "object" {
		return nil
	}
	for _, key := range schema.Required {
		if _, ok := args[key]; !ok {
			return errors.Newf(errors.CodeInvalidInput, "mcp tool args: missing required field %q", key).
				WithContext("tool", tool.Name)
		}
	}
	return nil
}

func firstRequired(tool mcp.Tool) string {
	if len(tool.InputSchema.Required) == 0 {
		return ""
	}
	return tool.InputSchema.Required[0]
}

// ResultText flattens a tool result. Structured content is rendered as JSON,
// otherwise the text parts are joined with newlines. A result flagged as an
// error becomes a Go error carrying the server's message.
func ResultText(result *mcp.CallToolResult) (string, error) {
	if result == nil {
		return "", errors.New(errors.CodeToolInvocation, "mcp tool result is nil", nil)
	}

	if result.IsError {
		return "", errors.Newf(errors.CodeToolInvocation, "mcp tool returned error: %s", extractTextContent(result.Content))
	}

	if text := extractTextContent(result.Content); text != "" {
		return text, nil
	}

	if result.StructuredContent != nil {
		data, err := json.Marshal(result.StructuredContent)
		if err != nil {
			return "", errors.New(errors.CodeToolInvocation, "mcp structured content is not JSON", err)
		}
		return string(data), nil
	}

	return "", nil
}

func extractTextContent(items []mcp.Content) string {
	var parts []string
	for _, item := range items {
		switch content := item.(type) {
		case mcp.TextContent:
			parts = append(parts, content.Text)
		case *mcp.TextContent:
			parts = append(parts, content.Text)
		}
	}
	return strings.Join(parts, "\n")
}
