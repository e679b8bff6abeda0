package crew

import (
	"context"
	stderrors "errors"
	"testing"

	"github.com/jllopis/tradecrew/pkg/agent"
	"github.com/jllopis/tradecrew/pkg/core"
	"github.com/jllopis/tradecrew/pkg/errors"
	"github.com/jllopis/tradecrew/pkg/llm"
	crewtest "github.com/jllopis/tradecrew/pkg/testing"
)

func reviewFixture(t *testing.T, allowDelegation bool) (*harness, Review) {
	t.Helper()
	h := newHarness()
	r := h.register(t,
		agent.Spec{ID: "analyst", Role: "Data Analyst", Goal: "Spot trends.", AllowDelegation: allowDelegation},
		agent.Spec{ID: "risk", Role: "Risk Advisor", Goal: "Assess risk."},
	)
	p := NewPipeline(r)
	task, err := p.Append(TaskSpec{ID: "analysis", Agent: "analyst", Description: "Analyze {stock_selection}.", ExpectedOutput: "Insights."})
	if err != nil {
		t.Fatal(err)
	}
	bt, err := task.Bind(tradingContext())
	if err != nil {
		t.Fatal(err)
	}
	owner, _ := r.Get("analyst")
	return h, Review{
		Task:      bt,
		Owner:     owner,
		Coworkers: r.Coworkers("analyst"),
		Prior:     []TaskOutput{{Name: "Earlier", Role: "Trade Advisor", Output: "Prior plan."}},
	}
}

func newLLMManager(t *testing.T, g Generator) *LLMManager {
	t.Helper()
	m, err := NewLLMManager(g, WithManagerLogger(quiet))
	if err != nil {
		t.Fatalf("NewLLMManager: %v", err)
	}
	return m
}

func TestNewLLMManager_RejectsMissingBinding(t *testing.T) {
	var client *llm.Client
	tests := []struct {
		name string
		gen  Generator
	}{
		{"nil interface", nil},
		{"nil client", client},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := NewLLMManager(tt.gen)
			if m != nil || !errors.Is(err, errors.CodeConfiguration) {
				t.Errorf("NewLLMManager = %v, %v", m, err)
			}
		})
	}
	if got := (&LLMManager{}).Model(); got != "" {
		t.Errorf("unbound Model() = %q", got)
	}
	if _, err := (&LLMManager{}).Review(context.Background(), Review{}); !errors.Is(err, errors.CodeConfiguration) {
		t.Errorf("unbound Review: %v", err)
	}
}

func TestLLMManager_Review(t *testing.T) {
	tests := []struct {
		name  string
		reply string
		want  Decision
	}{
		{"direct", `{"decision": "direct"}`, Direct("analyst")},
		{"delegate", `{"decision": "delegate", "to": "risk", "request": "Check volatility"}`, Delegate("analyst", "risk", "Check volatility")},
		{"fenced", "```json\n{\"decision\": \"Delegate\", \"to\": \"risk\"}\n```", Delegate("analyst", "risk", "")},
		{"unknown coworker dropped", `{"decision": "delegate", "to": "oracle", "request": "x"}`, Delegate("analyst", "", "x")},
		{"malformed", "I think the analyst should do it.", Direct("analyst")},
		{"unknown decision", `{"decision": "escalate"}`, Direct("analyst")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, rv := reviewFixture(t, true)
			h.provider.AddResponse(tt.reply)
			m := newLLMManager(t, h.client)

			got, err := m.Review(context.Background(), rv)
			if err != nil {
				t.Fatalf("Review: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %s %+v, want %s %+v", got, got, tt.want, tt.want)
			}
		})
	}
}

func TestLLMManager_Prompt(t *testing.T) {
	h, rv := reviewFixture(t, false)
	h.provider.AddResponse(`{"decision":"direct"}`)
	if _, err := newLLMManager(t, h.client).Review(context.Background(), rv); err != nil {
		t.Fatal(err)
	}
	crewtest.AssertRequest(t, h.provider.LastRequest()).
		HasSystemMessage("manager of a crew").
		HasUserMessage("Task: Analyze AAPL.").
		HasUserMessage("Owner: analyst (Data Analyst)").
		HasUserMessage("The owner must work alone.").
		HasUserMessage("- risk (Risk Advisor): Assess risk.").
		HasUserMessage("[Trade Advisor] Prior plan.")
	if len(h.provider.LastRequest().Tools) != 0 {
		t.Error("manager request offered tools")
	}
}

func TestLLMManager_InferenceFailure(t *testing.T) {
	h, rv := reviewFixture(t, true)
	h.provider.AddErrorResponse(stderrors.New("quota exceeded"))

	_, err := newLLMManager(t, h.client).Review(context.Background(), rv)
	if !errors.Is(err, errors.CodeInference) {
		t.Errorf("expected inference error, got %v", err)
	}
}

func TestLLMManager_NoteReachesOwner(t *testing.T) {
	h := newHarness()
	r := h.register(t,
		agent.Spec{ID: "analyst", Role: "Data Analyst", AllowDelegation: true},
		agent.Spec{ID: "risk", Role: "Risk Advisor"},
	)
	p := NewPipeline(r)
	if _, err := p.Append(TaskSpec{ID: "analysis", Agent: "analyst", Description: "Analyze {stock_selection}."}); err != nil {
		t.Fatal(err)
	}

	managerProvider := crewtest.NewScenarioProvider().
		AddResponse(`{"decision":"delegate","to":"risk","request":"Check earnings risk"}`)
	h.provider.Script("You are Data Analyst.", crewtest.Text("Uptrend."))

	c, err := New(h.config(Config{
		Pipeline: p,
		Manager:  newLLMManager(t, newClient(managerProvider)),
	}))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.Kickoff(context.Background(), tradingContext()); err != nil {
		t.Fatalf("Kickoff: %v", err)
	}
	crewtest.AssertRequest(t, h.provider.LastRequest()).
		HasUserMessage("Manager note: ask risk for help with: Check earnings risk").
		HasTools(agent.DelegateToolName)
}

func TestManagerDelegateIgnoredWithoutPermission(t *testing.T) {
	h := newHarness()
	r := h.register(t,
		agent.Spec{ID: "analyst", Role: "Data Analyst", Capabilities: []core.Capability{core.CapabilitySearch}},
		agent.Spec{ID: "risk", Role: "Risk Advisor"},
	)
	p := NewPipeline(r)
	if _, err := p.Append(TaskSpec{Agent: "analyst", Description: "Analyze."}); err != nil {
		t.Fatal(err)
	}
	h.provider.Add(crewtest.Text("Done alone."))

	c, err := New(h.config(Config{Pipeline: p, Manager: ManagerFunc(func(_ context.Context, r Review) (Decision, error) {
		return Delegate(r.Owner.ID(), "risk", "help"), nil
	})}))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.Kickoff(context.Background(), tradingContext()); err != nil {
		t.Fatalf("Kickoff: %v", err)
	}
	crewtest.AssertRequest(t, h.provider.LastRequest()).HasTools("search")
}

func TestDecision_String(t *testing.T) {
	tests := []struct {
		d    Decision
		want string
	}{
		{Direct("a"), "direct(a)"},
		{Delegate("a", "b", "x"), "delegate(a -> b)"},
		{Delegate("a", "", ""), "delegate(a)"},
		{Final("out"), "final"},
	}
	for _, tt := range tests {
		if got := tt.d.String(); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
	}
}
