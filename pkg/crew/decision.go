package crew

import "fmt"

// DecisionKind tags a Decision.
type DecisionKind string

const (
	// DecisionDirect routes a task to its owner without delegation.
	DecisionDirect DecisionKind = "direct"
	// DecisionDelegate lets an agent request a coworker's contribution.
	DecisionDelegate DecisionKind = "delegate"
	// DecisionFinal closes a task with an output.
	DecisionFinal DecisionKind = "final"
)

// Decision is one step of the hierarchical protocol.
type Decision struct {
	Kind DecisionKind
	// Agent is the executing agent for Direct.
	Agent string
	// From and To identify the delegating agent and the coworker for Delegate.
	// To may be empty when a manager only permits delegation.
	From string
	To   string
	// Request is the work asked from To.
	Request string
	// Output is the final text for Final.
	Output string
}

// Direct routes execution to agentID.
func Direct(agentID string) Decision {
	return Decision{Kind: DecisionDirect, Agent: agentID}
}

// Delegate lets from ask to for help with request.
func Delegate(from, to, request string) Decision {
	return Decision{Kind: DecisionDelegate, From: from, To: to, Request: request}
}

// Final closes a task with output.
func Final(output string) Decision {
	return Decision{Kind: DecisionFinal, Output: output}
}

func (d Decision) String() string {
	switch d.Kind {
	case DecisionDirect:
		return fmt.Sprintf("direct(%s)", d.Agent)
	case DecisionDelegate:
		if d.To == "" {
			return fmt.Sprintf("delegate(%s)", d.From)
		}
		return fmt.Sprintf("delegate(%s -> %s)", d.From, d.To)
	case DecisionFinal:
		return "final"
	}
	return string(d.Kind)
}
