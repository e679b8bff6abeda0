package crew

import (
	"context"
	stderrors "errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jllopis/tradecrew/pkg/agent"
	"github.com/jllopis/tradecrew/pkg/core"
	"github.com/jllopis/tradecrew/pkg/errors"
	"github.com/jllopis/tradecrew/pkg/llm"
	"github.com/jllopis/tradecrew/pkg/resilience"
	crewtest "github.com/jllopis/tradecrew/pkg/testing"
	"github.com/jllopis/tradecrew/pkg/tools"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

func newClient(p llm.Provider) *llm.Client {
	return llm.NewClient(p, "test-model", 0.7, llm.WithRetry(resilience.NoRetry()), llm.WithLogger(quiet))
}

func tradingContext() core.ExecutionContext {
	return core.NewExecutionContext(map[string]string{
		"stock_selection":             "AAPL",
		"initial_capital":             "100000",
		"risk_tolerance":              "Medium",
		"trading_strategy_preference": "Day Trading",
		"news_impact_consideration":   "true",
	})
}

type harness struct {
	provider *crewtest.ScenarioProvider
	searcher *crewtest.FakeSearcher
	scraper  *crewtest.FakeScraper
	client   *llm.Client
}

func newHarness() *harness {
	p := crewtest.NewScenarioProvider()
	return &harness{
		provider: p,
		searcher: &crewtest.FakeSearcher{},
		scraper:  &crewtest.FakeScraper{},
		client:   newClient(p),
	}
}

func (h *harness) config(cfg Config) Config {
	if cfg.Manager == nil {
		cfg.Manager = DirectManager{}
	}
	if cfg.Logger == nil {
		cfg.Logger = quiet
	}
	cfg.Tools.Searcher = h.searcher
	cfg.Tools.Scraper = h.scraper
	return cfg
}

func (h *harness) tradingCrew(t *testing.T, cfg Config) *Crew {
	t.Helper()
	c, err := DefaultDefinition().Build(Deps{LLM: h.client, Crew: h.config(cfg)})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return c
}

func (h *harness) register(t *testing.T, specs ...agent.Spec) *agent.Registry {
	t.Helper()
	r := agent.NewRegistry()
	for _, s := range specs {
		s.LLM = h.client
		if _, err := r.Register(s); err != nil {
			t.Fatalf("Register %s: %v", s.ID, err)
		}
	}
	return r
}

var both = []core.Capability{core.CapabilitySearch, core.CapabilityScrape}

func TestPipeline_Append(t *testing.T) {
	h := newHarness()
	r := h.register(t, agent.Spec{ID: "analyst", Role: "Data Analyst"})
	p := NewPipeline(r)

	task, err := p.Append(TaskSpec{Agent: "analyst", Description: "Analyze {stock_selection}.", ExpectedOutput: "Insights for {stock_selection}."})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if task.ID() != "task-1" || task.Name() != "Data Analyst" || task.Index() != 0 {
		t.Errorf("defaults: id=%q name=%q index=%d", task.ID(), task.Name(), task.Index())
	}
	if got := task.Placeholders(); len(got) != 1 || got[0] != "stock_selection" {
		t.Errorf("Placeholders = %v", got)
	}

	tests := []struct {
		name string
		spec TaskSpec
	}{
		{"unknown agent", TaskSpec{Agent: "trader", Description: "x"}},
		{"empty description", TaskSpec{Agent: "analyst", Description: "  "}},
		{"duplicate id", TaskSpec{ID: "task-1", Agent: "analyst", Description: "x"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := p.Append(tt.spec); !errors.Is(err, errors.CodeConfiguration) {
				t.Errorf("expected configuration error, got %v", err)
			}
		})
	}
	if p.Len() != 1 {
		t.Errorf("Len = %d after rejected appends", p.Len())
	}
	if _, err := NewPipeline(nil).Append(TaskSpec{Agent: "analyst", Description: "x"}); !errors.Is(err, errors.CodeConfiguration) {
		t.Errorf("nil registry: %v", err)
	}
}

func TestPipeline_TasksReiterable(t *testing.T) {
	h := newHarness()
	p := NewPipeline(h.register(t, agent.Spec{ID: "a"}))
	for _, d := range []string{"one", "two", "three"} {
		if _, err := p.Append(TaskSpec{Agent: "a", Description: d}); err != nil {
			t.Fatal(err)
		}
	}
	for pass := 0; pass < 2; pass++ {
		var got []string
		for _, task := range p.Tasks() {
			got = append(got, task.Description())
		}
		if strings.Join(got, ",") != "one,two,three" {
			t.Errorf("pass %d: %v", pass, got)
		}
	}
}

func TestTask_BindIsAllOrNothing(t *testing.T) {
	h := newHarness()
	p := NewPipeline(h.register(t, agent.Spec{ID: "a"}))
	task, _ := p.Append(TaskSpec{Agent: "a", Description: "Analyze {stock_selection}.", ExpectedOutput: "Plan for {risk_tolerance} risk."})

	_, err := task.Bind(core.NewExecutionContext(map[string]string{"stock_selection": "AAPL"}))
	if !errors.Is(err, errors.CodeTemplateBinding) {
		t.Fatalf("expected binding error, got %v", err)
	}
	bt, err := task.Bind(tradingContext())
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}
	if bt.Description != "Analyze AAPL." || bt.ExpectedOutput != "Plan for Medium risk." {
		t.Errorf("bound = %+v", bt)
	}
}

func TestNew_Validation(t *testing.T) {
	h := newHarness()
	r := h.register(t, agent.Spec{ID: "a"})
	p := NewPipeline(r)
	if _, err := p.Append(TaskSpec{Agent: "a", Description: "x"}); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		cfg  Config
	}{
		{"no pipeline", Config{Manager: DirectManager{}}},
		{"empty pipeline", Config{Pipeline: NewPipeline(agent.NewRegistry()), Manager: DirectManager{}}},
		{"no manager", Config{Pipeline: p}},
		{"bad policy", Config{Pipeline: p, Manager: DirectManager{}, Policy: "lenient"}},
		{"bad depth", Config{Pipeline: p, Manager: DirectManager{}, MaxDelegationDepth: -3}},
		{"bad timeout", Config{Pipeline: p, Manager: DirectManager{}, Timeout: -time.Second}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.cfg); !errors.Is(err, errors.CodeConfiguration) {
				t.Errorf("expected configuration error, got %v", err)
			}
		})
	}
	if r.Frozen() {
		t.Fatal("registry frozen by a rejected config")
	}

	c, err := New(Config{Pipeline: p, Manager: DirectManager{}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if c.Policy() != PolicyStrict || c.MaxDelegationDepth() != DefaultMaxDelegationDepth {
		t.Errorf("defaults: policy=%s depth=%d", c.Policy(), c.MaxDelegationDepth())
	}
	if !r.Frozen() {
		t.Error("registry not frozen after New")
	}

	c, _ = New(Config{Pipeline: p, Manager: DirectManager{}, MaxDelegationDepth: DelegationDisabled})
	if c.MaxDelegationDepth() != 0 {
		t.Errorf("disabled depth = %d", c.MaxDelegationDepth())
	}
}

func TestKickoff_TradingCrew(t *testing.T) {
	h := newHarness()
	h.provider.
		Script("You are Data Analyst.",
			crewtest.Calls(crewtest.ToolCall("c1", "search", map[string]any{"query": "AAPL stock news"})),
			crewtest.Text("AAPL is in a short-term uptrend.")).
		Script("You are Trading Strategy Developer.", crewtest.Text("Buy breakouts above the opening range.")).
		Script("You are Trade Advisor.", crewtest.Text("Use limit orders in the first hour.")).
		Script("You are Risk Advisor.", crewtest.Text("Cap exposure at 2% per trade."))

	c := h.tradingCrew(t, Config{})
	run := c.NewRun(tradingContext())
	if run.State() != RunPending {
		t.Fatalf("new run state = %s", run.State())
	}
	res, err := run.Execute(context.Background())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if run.State() != RunCompleted {
		t.Errorf("state = %s", run.State())
	}

	var roles []string
	for _, o := range res.Outputs {
		roles = append(roles, o.Role)
	}
	if strings.Join(roles, "|") != "Data Analyst|Trading Strategy Developer|Trade Advisor|Risk Advisor" {
		t.Errorf("outputs out of order: %v", roles)
	}
	if !crewtest.InOrder(
		"# AAPL Trading Analysis",
		"## Data Analyst", "AAPL is in a short-term uptrend.",
		"## Trading Strategy Developer", "Buy breakouts",
		"## Trade Advisor", "limit orders",
		"## Risk Advisor", "Cap exposure",
	).Match(res.Report) {
		t.Errorf("report:\n%s", res.Report)
	}
	if res.Partial {
		t.Error("successful run marked partial")
	}

	if h.provider.CallCount() != 5 {
		t.Errorf("inference calls = %d, want 5", h.provider.CallCount())
	}
	if len(res.Records) != 1 || res.Records[0].Tool != core.CapabilitySearch || res.Records[0].Agent != "data_analyst" || res.Records[0].TaskID != "analysis" {
		t.Errorf("records = %+v", res.Records)
	}
	if h.searcher.Calls() != 1 || h.scraper.Calls() != 0 {
		t.Errorf("backend calls: search=%d scrape=%d", h.searcher.Calls(), h.scraper.Calls())
	}

	strategy := h.provider.RequestsMatching("You are Trading Strategy Developer.")
	if len(strategy) != 1 {
		t.Fatalf("strategy requests = %d", len(strategy))
	}
	crewtest.AssertRequest(t, &strategy[0]).
		HasUserMessage("Medium risk tolerance").
		HasUserMessage("Output of Data Analyst (Data Analyst):\nAAPL is in a short-term uptrend.").
		HasTools("search", "scrape")

	for _, task := range run.Tasks() {
		if task.Status != core.TaskStatusCompleted || task.Result == "" {
			t.Errorf("task %s: status=%s", task.ID, task.Status)
		}
	}
}

func TestKickoff_BindingFailureRunsNothing(t *testing.T) {
	h := newHarness()
	c := h.tradingCrew(t, Config{})
	run := c.NewRun(core.NewExecutionContext(map[string]string{"stock_selection": "AAPL"}))

	res, err := run.Execute(context.Background())
	if res != nil {
		t.Fatal("binding failure produced a result")
	}
	var runErr *RunError
	if !stderrors.As(err, &runErr) || runErr.Stage != StageBinding {
		t.Fatalf("expected binding RunError, got %v", err)
	}
	if errors.CodeOf(err) != errors.CodeTemplateBinding {
		t.Errorf("code = %s", errors.CodeOf(err))
	}
	if run.State() != RunFailed || run.Err() == nil {
		t.Errorf("state=%s err=%v", run.State(), run.Err())
	}
	if h.provider.CallCount() != 0 || h.searcher.Calls() != 0 || h.scraper.Calls() != 0 {
		t.Errorf("calls issued despite binding failure")
	}
	if len(run.Tasks()) != 0 {
		t.Errorf("tasks recorded: %d", len(run.Tasks()))
	}
}

func TestKickoff_ScrapeTimeoutStrict(t *testing.T) {
	h := newHarness()
	h.scraper.Delay = 2 * time.Second
	h.provider.Script("You are Data Analyst.",
		crewtest.Calls(crewtest.ToolCall("c1", "scrape", map[string]any{"url": "https://finance.example.com/aapl"})))

	c := h.tradingCrew(t, Config{Tools: tools.Backends{ScrapeGuard: tools.Guard{Timeout: 20 * time.Millisecond}}})
	run := c.NewRun(tradingContext())
	res, err := run.Execute(context.Background())
	if res != nil {
		t.Fatal("failed run produced a report")
	}
	var runErr *RunError
	if !stderrors.As(err, &runErr) || runErr.Stage != "task:analysis" {
		t.Fatalf("expected failure at task:analysis, got %v", err)
	}
	if errors.CodeOf(err) != errors.CodeToolInvocation || !errors.Is(err, errors.CodeTimeout) {
		t.Errorf("cause = %v", err)
	}
	if !strings.HasPrefix(err.Error(), "run failed at task:analysis: ") {
		t.Errorf("message = %q", err.Error())
	}
	if run.State() != RunFailed {
		t.Errorf("state = %s", run.State())
	}
	for _, role := range []string{"You are Trading Strategy Developer.", "You are Trade Advisor.", "You are Risk Advisor."} {
		if n := len(h.provider.RequestsMatching(role)); n != 0 {
			t.Errorf("%s ran %d times after strict failure", role, n)
		}
	}
	if len(run.Outputs()) != 0 {
		t.Errorf("outputs = %d", len(run.Outputs()))
	}
	records := run.Records()
	if len(records) != 1 || !records[0].Failed() {
		t.Errorf("records = %+v", records)
	}
}

func TestKickoff_BestEffortContinues(t *testing.T) {
	h := newHarness()
	h.scraper.Err = stderrors.New("connection reset")
	h.provider.
		Script("You are Data Analyst.",
			crewtest.Calls(crewtest.ToolCall("c1", "scrape", map[string]any{"url": "https://finance.example.com/aapl"}))).
		Script("You are Trading Strategy Developer.", crewtest.Text("Wait for confirmation.")).
		Script("You are Trade Advisor.", crewtest.Text("No trades today.")).
		Script("You are Risk Advisor.", crewtest.Text("Data gap is a risk."))

	c := h.tradingCrew(t, Config{Policy: PolicyBestEffort})
	res, err := c.Kickoff(context.Background(), tradingContext())
	if err != nil {
		t.Fatalf("Kickoff: %v", err)
	}
	if !res.Partial || len(res.Outputs) != 4 {
		t.Fatalf("partial=%v outputs=%d", res.Partial, len(res.Outputs))
	}
	if !res.Outputs[0].Failed || !strings.HasPrefix(res.Outputs[0].Output, "Task failed: ") {
		t.Errorf("placeholder = %+v", res.Outputs[0])
	}
	if res.Outputs[1].Failed || res.Outputs[1].Output != "Wait for confirmation." {
		t.Errorf("second output = %+v", res.Outputs[1])
	}
	if !strings.Contains(res.Report, "## Data Analyst\n\nTask failed: ") {
		t.Errorf("report:\n%s", res.Report)
	}
}

func TestKickoff_DelegationRespectsCapabilities(t *testing.T) {
	h := newHarness()
	r := h.register(t,
		agent.Spec{ID: "analyst", Role: "Data Analyst", Capabilities: both, AllowDelegation: true},
		agent.Spec{ID: "risk", Role: "Risk Advisor", Capabilities: []core.Capability{core.CapabilityScrape}},
	)
	p := NewPipeline(r)
	if _, err := p.Append(TaskSpec{ID: "analysis", Agent: "analyst", Description: "Analyze {stock_selection}."}); err != nil {
		t.Fatal(err)
	}
	h.provider.
		Script("You are Data Analyst.",
			crewtest.Calls(crewtest.ToolCall("d1", agent.DelegateToolName, map[string]any{
				"coworker": "risk", "task": "Assess AAPL volatility", "context": "Earnings next week",
			})),
			crewtest.Text("Uptrend, but volatility is high.")).
		Script("You are Risk Advisor.",
			crewtest.Calls(crewtest.ToolCall("s1", "search", map[string]any{"query": "AAPL volatility"})),
			crewtest.Text("Implied volatility is high."))

	c, err := New(h.config(Config{Pipeline: p, Manager: PermissiveManager{}}))
	if err != nil {
		t.Fatal(err)
	}
	res, err := c.Kickoff(context.Background(), tradingContext())
	if err != nil {
		t.Fatalf("Kickoff: %v", err)
	}
	if res.Outputs[0].Output != "Uptrend, but volatility is high." || res.Outputs[0].Delegations != 1 {
		t.Errorf("output = %+v", res.Outputs[0])
	}
	if h.searcher.Calls() != 0 {
		t.Errorf("search reached the backend %d times through delegation", h.searcher.Calls())
	}
	if len(res.Records) != 0 {
		t.Errorf("records = %+v", res.Records)
	}

	riskReqs := h.provider.RequestsMatching("You are Risk Advisor.")
	if len(riskReqs) != 2 {
		t.Fatalf("risk requests = %d", len(riskReqs))
	}
	crewtest.AssertRequest(t, &riskReqs[0]).
		HasUserMessage("Assess AAPL volatility").
		HasUserMessage("Earnings next week").
		HasTools("scrape")
	crewtest.AssertRequest(t, &riskReqs[1]).HasToolResult("capability not granted")

	analystReqs := h.provider.RequestsMatching("You are Data Analyst.")
	crewtest.AssertRequest(t, &analystReqs[0]).HasTools("search", "scrape", agent.DelegateToolName)
	crewtest.AssertRequest(t, &analystReqs[1]).HasToolResult("Implied volatility is high.")
}

func TestKickoff_DelegationDepthBound(t *testing.T) {
	h := newHarness()
	r := h.register(t,
		agent.Spec{ID: "a", Role: "Alpha", AllowDelegation: true},
		agent.Spec{ID: "b", Role: "Beta", AllowDelegation: true},
		agent.Spec{ID: "c", Role: "Gamma", AllowDelegation: true},
	)
	p := NewPipeline(r)
	if _, err := p.Append(TaskSpec{ID: "t", Agent: "a", Description: "Do it."}); err != nil {
		t.Fatal(err)
	}
	h.provider.
		Script("You are Alpha.",
			crewtest.Calls(crewtest.ToolCall("d1", agent.DelegateToolName, map[string]any{"coworker": "b", "task": "help"})),
			crewtest.Text("done")).
		Script("You are Beta.", crewtest.Text("helped"))

	c, err := New(h.config(Config{Pipeline: p, Manager: PermissiveManager{}, MaxDelegationDepth: 1}))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.Kickoff(context.Background(), tradingContext()); err != nil {
		t.Fatalf("Kickoff: %v", err)
	}
	beta := h.provider.RequestsMatching("You are Beta.")
	if len(beta) != 1 {
		t.Fatalf("beta requests = %d", len(beta))
	}
	crewtest.AssertRequest(t, &beta[0]).HasNoTool(agent.DelegateToolName)
	if n := len(h.provider.RequestsMatching("You are Gamma.")); n != 0 {
		t.Errorf("gamma ran %d times", n)
	}
}

func TestKickoff_DirectManagerWithholdsDelegation(t *testing.T) {
	h := newHarness()
	h.provider.
		Script("You are Data Analyst.", crewtest.Text("a")).
		Script("You are Trading Strategy Developer.", crewtest.Text("b")).
		Script("You are Trade Advisor.", crewtest.Text("c")).
		Script("You are Risk Advisor.", crewtest.Text("d"))

	c := h.tradingCrew(t, Config{})
	if _, err := c.Kickoff(context.Background(), tradingContext()); err != nil {
		t.Fatalf("Kickoff: %v", err)
	}
	for _, req := range h.provider.Requests() {
		crewtest.AssertRequest(t, &req).HasNoTool(agent.DelegateToolName)
	}
}

func TestKickoff_ManagerDecisions(t *testing.T) {
	tests := []struct {
		name     string
		decision Decision
		code     errors.ErrorCode
	}{
		{"final", Final("done"), errors.CodeDelegation},
		{"other agent", Direct("risk_advisor"), errors.CodeDelegation},
		{"unknown kind", Decision{Kind: "vote"}, errors.CodeDelegation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness()
			c := h.tradingCrew(t, Config{Manager: ManagerFunc(func(context.Context, Review) (Decision, error) {
				return tt.decision, nil
			})})
			_, err := c.Kickoff(context.Background(), tradingContext())
			if !errors.Is(err, tt.code) {
				t.Errorf("expected %s, got %v", tt.code, err)
			}
			if h.provider.CallCount() != 0 {
				t.Errorf("agent ran after rejected decision")
			}
		})
	}
}

func TestKickoff_ManagerSeesPriorOutputs(t *testing.T) {
	h := newHarness()
	h.provider.
		Script("You are Data Analyst.", crewtest.Text("first")).
		Script("You are Trading Strategy Developer.", crewtest.Text("second")).
		Script("You are Trade Advisor.", crewtest.Text("third")).
		Script("You are Risk Advisor.", crewtest.Text("fourth"))

	var prior []int
	c := h.tradingCrew(t, Config{Manager: ManagerFunc(func(_ context.Context, r Review) (Decision, error) {
		prior = append(prior, len(r.Prior))
		return Direct(r.Owner.ID()), nil
	})})
	if _, err := c.Kickoff(context.Background(), tradingContext()); err != nil {
		t.Fatalf("Kickoff: %v", err)
	}
	if len(prior) != 4 || prior[0] != 0 || prior[3] != 3 {
		t.Errorf("prior outputs seen by manager = %v", prior)
	}
}

func TestKickoff_Events(t *testing.T) {
	h := newHarness()
	h.provider.
		Script("You are Data Analyst.", crewtest.Text("a")).
		Script("You are Trading Strategy Developer.", crewtest.Text("b")).
		Script("You are Trade Advisor.", crewtest.Text("c")).
		Script("You are Risk Advisor.", crewtest.Text("d"))
	c := h.tradingCrew(t, Config{})

	crewtest.NewScenario("trading run events").
		ExpectNoError().
		ExpectOutput(crewtest.Contains("# AAPL Trading Analysis")).
		ExpectEventCount(core.EventTaskStarted, 4).
		ExpectEventCount(core.EventManagerDecision, 4).
		ExpectEventOrder(core.EventRunStarted, core.EventTaskStarted, core.EventManagerDecision,
			core.EventAgentFinalAnswer, core.EventTaskCompleted, core.EventRunCompleted).
		ExpectNoEvent(core.EventRunFailed).
		Run(t, func(ctx context.Context) (string, error) {
			res, err := c.Kickoff(ctx, tradingContext())
			if err != nil {
				return "", err
			}
			return res.Report, nil
		})
}

func TestKickoff_ConfiguredEmitterAndRunID(t *testing.T) {
	h := newHarness()
	h.provider.Script("You are Data Analyst.", crewtest.Text("a")).
		Script("You are Trading Strategy Developer.", crewtest.Text("b")).
		Script("You are Trade Advisor.", crewtest.Text("c")).
		Script("You are Risk Advisor.", crewtest.Text("d"))
	rec := &core.EventRecorder{}
	c := h.tradingCrew(t, Config{Events: rec})

	run := c.NewRun(tradingContext())
	if _, err := run.Execute(context.Background()); err != nil {
		t.Fatal(err)
	}
	events := rec.Events()
	if len(events) == 0 {
		t.Fatal("no events recorded")
	}
	for _, ev := range events {
		if ev.RunID != run.ID() {
			t.Errorf("event %s has run id %q, want %q", ev.Type, ev.RunID, run.ID())
		}
	}
	if _, err := run.Execute(context.Background()); !errors.Is(err, errors.CodeInternal) {
		t.Errorf("second Execute: %v", err)
	}
}

func TestKickoff_CancelledContext(t *testing.T) {
	h := newHarness()
	c := h.tradingCrew(t, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.Kickoff(ctx, tradingContext())
	if !errors.Is(err, errors.CodeTimeout) {
		t.Errorf("expected timeout error, got %v", err)
	}
	if h.provider.CallCount() != 0 {
		t.Errorf("inference calls after cancellation: %d", h.provider.CallCount())
	}
}

func TestKickoff_DeadlineLetsInFlightCallFinish(t *testing.T) {
	h := newHarness()
	h.scraper.Delay = 150 * time.Millisecond
	h.provider.Script("You are Data Analyst.",
		crewtest.Calls(crewtest.ToolCall("c1", "scrape", map[string]any{"url": "https://finance.example.com/aapl"})),
		crewtest.Text("AAPL is in a short-term uptrend."))

	c := h.tradingCrew(t, Config{Timeout: 50 * time.Millisecond})
	run := c.NewRun(tradingContext())
	_, err := run.Execute(context.Background())

	var runErr *RunError
	if !stderrors.As(err, &runErr) || runErr.Stage != "task:analysis" {
		t.Fatalf("expected failure at task:analysis, got %v", err)
	}
	if errors.CodeOf(err) != errors.CodeTimeout {
		t.Errorf("code = %s (%v)", errors.CodeOf(err), err)
	}
	records := run.Records()
	if len(records) != 1 || records[0].Failed() || records[0].Output == "" {
		t.Errorf("in-flight scrape did not complete: %+v", records)
	}
	if n := len(h.provider.RequestsMatching("You are Data Analyst.")); n != 1 {
		t.Errorf("analyst inference calls = %d, want 1", n)
	}
	if h.provider.CallCount() != 1 {
		t.Errorf("inference calls = %d, want 1", h.provider.CallCount())
	}
}

func TestKickoff_DeadlineLetsInFlightInferenceFinish(t *testing.T) {
	h := newHarness()
	var finished []string
	var mu sync.Mutex
	h.provider.WithChatFunc(func(req llm.ChatRequest) (*llm.ChatResponse, error) {
		time.Sleep(120 * time.Millisecond)
		mu.Lock()
		finished = append(finished, req.System())
		mu.Unlock()
		return &llm.ChatResponse{Content: "done"}, nil
	})

	c := h.tradingCrew(t, Config{Timeout: 50 * time.Millisecond})
	_, err := c.Kickoff(context.Background(), tradingContext())
	if errors.CodeOf(err) != errors.CodeTimeout {
		t.Fatalf("expected TIMEOUT, got %v", err)
	}
	var runErr *RunError
	if !stderrors.As(err, &runErr) || runErr.Stage != "task:strategy" {
		t.Errorf("stage = %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(finished) != 1 || !strings.Contains(finished[0], "Data Analyst") {
		t.Errorf("completed calls = %q", finished)
	}
}

func TestRun_ConcurrentExecuteRunsOnce(t *testing.T) {
	h := newHarness()
	h.provider.Add(crewtest.Text("a"), crewtest.Text("b"), crewtest.Text("c"), crewtest.Text("d"))
	c := h.tradingCrew(t, Config{})
	run := c.NewRun(tradingContext())

	const callers = 8
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = run.Execute(context.Background())
		}()
	}
	wg.Wait()

	rejected := 0
	for _, err := range errs {
		if errors.Is(err, errors.CodeInternal) {
			rejected++
		}
	}
	if rejected != callers-1 {
		t.Errorf("rejected = %d, want %d (errs=%v)", rejected, callers-1, errs)
	}
	if got := len(run.Tasks()); got != 4 {
		t.Errorf("tasks = %d, want 4", got)
	}
}
