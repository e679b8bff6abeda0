package tools

import (
	"github.com/jllopis/tradecrew/pkg/core"
	"github.com/jllopis/tradecrew/pkg/llm"
)

var definitions = map[core.Capability]llm.Tool{
	core.CapabilitySearch: llm.NewFunctionTool(
		string(core.CapabilitySearch),
		"Search the internet for recent information. Returns ranked result snippets with links.",
		map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{
					"type":        "string",
					"description": "The search query.",
				},
			},
			"required": []string{"query"},
		},
	),
	core.CapabilityScrape: llm.NewFunctionTool(
		string(core.CapabilityScrape),
		"Read the text content of a web page.",
		map[string]any{
			"type": "object",
			"properties": map[string]any{
				"url": map[string]any{
					"type":        "string",
					"description": "Absolute http or https URL of the page.",
				},
			},
			"required": []string{"url"},
		},
	),
}

// Definitions returns the function tools for caps in capability order.
func Definitions(caps core.CapabilitySet) []llm.Tool {
	var out []llm.Tool
	for _, c := range caps.List() {
		out = append(out, definitions[c])
	}
	return out
}
