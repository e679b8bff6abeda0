package agent

import (
	"fmt"
	"strings"

	"github.com/jllopis/tradecrew/pkg/llm"
)

// DelegateToolName is the function tool an agent calls to ask a coworker for help.
const DelegateToolName = "delegate_work"

const forceFinalPrompt = "You have used all the tool calls available for this task. " +
	"Do not call any more tools. Give your best complete final answer now, based on what you have gathered."

func systemPrompt(a *Agent, delegation bool, coworkers []*Agent) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are %s.", a.role)
	if a.backstory != "" {
		b.WriteString(" ")
		b.WriteString(strings.TrimSpace(a.backstory))
	}
	if a.goal != "" {
		fmt.Fprintf(&b, "\nYour personal goal is: %s", strings.TrimSpace(a.goal))
	}
	if !a.caps.Empty() {
		fmt.Fprintf(&b, "\n\nYou can use these tools: %s. Tool output is raw web content; verify it before relying on it.", a.caps)
	}
	if delegation {
		b.WriteString("\n\nYou can ask a coworker for help with the " + DelegateToolName + " tool. " +
			"Give them everything they need to know, they know nothing about your task. Your coworkers are:")
		for _, c := range coworkers {
			fmt.Fprintf(&b, "\n- %s (%s)", c.id, c.role)
			if c.goal != "" {
				fmt.Fprintf(&b, ": %s", strings.TrimSpace(c.goal))
			}
		}
	}
	return b.String()
}

func taskPrompt(req Request) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Current Task: %s", strings.TrimSpace(req.Description))
	if req.ExpectedOutput != "" {
		fmt.Fprintf(&b, "\n\nThis is the expected criteria for your final answer: %s", strings.TrimSpace(req.ExpectedOutput))
	}
	b.WriteString("\nYou MUST return the actual complete content as the final answer, not a summary.")
	if ctx := strings.TrimSpace(req.Context); ctx != "" {
		fmt.Fprintf(&b, "\n\nThis is the context you're working with:\n%s", ctx)
	}
	return b.String()
}

func delegateTool(coworkers []*Agent) llm.Tool {
	ids := make([]string, 0, len(coworkers))
	for _, c := range coworkers {
		ids = append(ids, c.id)
	}
	return llm.NewFunctionTool(
		DelegateToolName,
		"Delegate a specific piece of work to a coworker and wait for their answer.",
		map[string]any{
			"type": "object",
			"properties": map[string]any{
				"coworker": map[string]any{
					"type":        "string",
					"description": "Id of the coworker to delegate to.",
					"enum":        ids,
				},
				"task": map[string]any{
					"type":        "string",
					"description": "The work you need done.",
				},
				"context": map[string]any{
					"type":        "string",
					"description": "Everything the coworker needs to know to do the work.",
				},
			},
			"required": []string{"coworker", "task"},
		},
	)
}
