package app

import (
	"context"
	stderrors "errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/jllopis/tradecrew/pkg/config"
	"github.com/jllopis/tradecrew/pkg/core"
	"github.com/jllopis/tradecrew/pkg/crew"
	"github.com/jllopis/tradecrew/pkg/errors"
	crewtest "github.com/jllopis/tradecrew/pkg/testing"
	"github.com/jllopis/tradecrew/pkg/trading"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

func loadConfig(t *testing.T, overrides ...string) *config.Config {
	t.Helper()
	base := []string{
		"llm.provider=gemini",
		"llm.api_key=test-key",
		"llm.max_retries=1",
		"tools.search.provider=serper",
		"tools.search.api_key=test-key",
		"tools.scrape.provider=http",
	}
	cfg, err := config.LoadWithOptions(config.Options{DotEnv: "-", Overrides: append(base, overrides...)})
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	return cfg
}

func requireConfigError(t *testing.T, err error) {
	t.Helper()
	var runErr *crew.RunError
	if !stderrors.As(err, &runErr) || runErr.Stage != crew.StageConfiguration {
		t.Fatalf("expected configuration RunError, got %v", err)
	}
	if !errors.Is(err, errors.CodeConfiguration) {
		t.Errorf("code = %s", errors.CodeOf(err))
	}
}

func TestNew_MissingKeyMakesNoNetworkCalls(t *testing.T) {
	for _, override := range []string{"llm.api_key=", "tools.search.api_key="} {
		t.Run(override, func(t *testing.T) {
			transport := &crewtest.CountingTransport{}
			_, err := New(loadConfig(t, override), WithHTTPClient(transport.Client()), WithLogger(quiet))
			requireConfigError(t, err)
			if transport.Requests() != 0 {
				t.Errorf("network requests = %d", transport.Requests())
			}
		})
	}
	requireConfigError(t, func() error { _, err := New(nil); return err }())
}

func TestAnalyze_InvalidParamsMakeNoNetworkCalls(t *testing.T) {
	transport := &crewtest.CountingTransport{}
	a, err := New(loadConfig(t), WithHTTPClient(transport.Client()), WithLogger(quiet))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Close()

	p := trading.DefaultParams()
	p.Capital = 10
	if _, err := a.Analyze(context.Background(), p); !errors.Is(err, errors.CodeInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
	if transport.Requests() != 0 {
		t.Errorf("network requests = %d", transport.Requests())
	}
}

func TestAnalyze_TradingRun(t *testing.T) {
	provider := crewtest.NewScenarioProvider().
		Script("You are the manager",
			crewtest.Text(`{"decision": "direct"}`),
			crewtest.Text("```json\n{\"decision\": \"direct\"}\n```"),
			crewtest.Text(`{"decision": "direct"}`),
			crewtest.Text(`{"decision": "direct"}`)).
		Script("You are Data Analyst.",
			crewtest.Calls(crewtest.ToolCall("c1", "search", map[string]any{"query": "MSFT news"})),
			crewtest.Text("MSFT momentum is positive.")).
		Script("You are Trading Strategy Developer.", crewtest.Text("Swing entries on pullbacks.")).
		Script("You are Trade Advisor.", crewtest.Text("Scale in over three sessions.")).
		Script("You are Risk Advisor.", crewtest.Text("Stop loss at 5%."))
	searcher := &crewtest.FakeSearcher{}
	scraper := &crewtest.FakeScraper{}
	events := &core.EventRecorder{}

	a, err := New(loadConfig(t),
		WithProvider(provider), WithSearcher(searcher), WithScraper(scraper),
		WithEvents(events), WithLogger(quiet))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Close()

	res, err := a.Analyze(context.Background(), trading.Params{
		Symbol:        "msft",
		Capital:       25000,
		RiskTolerance: trading.RiskHigh,
		Strategy:      trading.StrategySwing,
	})
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}

	if !crewtest.InOrder(
		"# MSFT Trading Analysis",
		"## Data Analyst", "MSFT momentum is positive.",
		"## Trading Strategy Developer", "Swing entries",
		"## Trade Advisor", "Scale in",
		"## Risk Advisor", "Stop loss",
	).Match(res.Report) {
		t.Errorf("report:\n%s", res.Report)
	}
	if n := len(provider.RequestsMatching("You are the manager")); n != 4 {
		t.Errorf("manager reviews = %d, want 4", n)
	}
	if searcher.Calls() != 1 || len(res.Records) != 1 {
		t.Errorf("search calls = %d, records = %d", searcher.Calls(), len(res.Records))
	}
	strategy := provider.RequestsMatching("You are Trading Strategy Developer.")
	if len(strategy) != 1 {
		t.Fatalf("strategy requests = %d", len(strategy))
	}
	crewtest.AssertRequest(t, &strategy[0]).
		HasModel("gemini-2.0-flash-exp").
		HasTemperature(0.7).
		HasUserMessage("High risk tolerance")

	if len(events.OfType(core.EventTaskCompleted)) != 4 || len(events.OfType(core.EventRunCompleted)) != 1 {
		t.Errorf("events = %d", len(events.Events()))
	}
	for _, e := range events.Events() {
		if e.RunID != res.RunID {
			t.Errorf("event %s has run id %q, want %q", e.Type, e.RunID, res.RunID)
			break
		}
	}
}

func TestAnalyze_InferenceFailureNamesTask(t *testing.T) {
	provider := crewtest.NewScenarioProvider().
		Script("You are Data Analyst.", crewtest.Fail(stderrors.New("backend down")))

	a, err := New(loadConfig(t, "manager.policy=direct"),
		WithProvider(provider), WithSearcher(&crewtest.FakeSearcher{}), WithScraper(&crewtest.FakeScraper{}),
		WithLogger(quiet))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = a.Analyze(context.Background(), trading.DefaultParams())
	var runErr *crew.RunError
	if !stderrors.As(err, &runErr) || runErr.Stage != crew.TaskStage("analysis") {
		t.Fatalf("expected task:analysis failure, got %v", err)
	}
	if !errors.Is(err, errors.CodeInference) {
		t.Errorf("code = %s", errors.CodeOf(err))
	}
}

func TestNew_CrewSettings(t *testing.T) {
	tests := []struct {
		name       string
		overrides  []string
		wantDepth  int
		wantPolicy crew.FailurePolicy
	}{
		{"defaults", nil, 2, crew.PolicyStrict},
		{"delegation off", []string{"crew.max_delegation_depth=0"}, 0, crew.PolicyStrict},
		{"deeper best effort", []string{"crew.max_delegation_depth=3", "crew.failure_policy=best_effort"}, 3, crew.PolicyBestEffort},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, err := New(loadConfig(t, tt.overrides...), WithProvider(crewtest.NewScenarioProvider()), WithLogger(quiet))
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			c := a.Crew()
			if c.MaxDelegationDepth() != tt.wantDepth || c.Policy() != tt.wantPolicy {
				t.Errorf("depth=%d policy=%s", c.MaxDelegationDepth(), c.Policy())
			}
			if c.Pipeline().Len() != 4 {
				t.Errorf("tasks = %d", c.Pipeline().Len())
			}
		})
	}
}

func TestNew_CustomDefinition(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "crew.yaml")
	body := `title: Quick {stock_selection}
agents:
  - id: analyst
    role: Analyst
    tools: [search]
tasks:
  - agent: analyst
    description: Summarize {stock_selection}.
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	a, err := New(loadConfig(t, "crew.definition="+path), WithProvider(crewtest.NewScenarioProvider()), WithLogger(quiet))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if a.Crew().Title() != "Quick {stock_selection}" || a.Crew().Pipeline().Len() != 1 {
		t.Errorf("title=%q tasks=%d", a.Crew().Title(), a.Crew().Pipeline().Len())
	}

	_, err = New(loadConfig(t, "crew.definition="+filepath.Join(dir, "missing.yaml")),
		WithProvider(crewtest.NewScenarioProvider()), WithLogger(quiet))
	requireConfigError(t, err)
}
