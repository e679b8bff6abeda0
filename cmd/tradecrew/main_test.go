package main

import (
	"bytes"
	"context"
	"io"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/jllopis/tradecrew/pkg/core"
	"github.com/jllopis/tradecrew/pkg/crew"
	"github.com/jllopis/tradecrew/pkg/errors"
	"github.com/jllopis/tradecrew/pkg/trading"
)

func TestParseFlags(t *testing.T) {
	opts, err := parseFlags([]string{
		"-symbol", "nvda", "-capital", "50000", "-risk", "very-high", "-strategy", "swing", "-news=false",
		"-config", "cfg.yaml", "-env", "dev", "-set", "llm.model=m1", "-set", "crew.failure_policy=best_effort",
		"-verbose",
	}, io.Discard)
	if err != nil {
		t.Fatalf("parseFlags: %v", err)
	}
	want := trading.Params{Symbol: "NVDA", Capital: 50000, RiskTolerance: trading.RiskVeryHigh, Strategy: trading.StrategySwing}
	if opts.Params != want {
		t.Errorf("params = %+v", opts.Params)
	}
	if got := strings.Join(opts.ConfigArgs, " "); got != "--config cfg.yaml --profile dev --set llm.model=m1 --set crew.failure_policy=best_effort" {
		t.Errorf("config args = %q", got)
	}
	if !opts.Verbose {
		t.Error("verbose not set")
	}

	opts, err = parseFlags(nil, io.Discard)
	if err != nil || opts.Params != trading.DefaultParams() {
		t.Errorf("defaults = %+v, %v", opts.Params, err)
	}
}

func TestParseFlags_InvalidInput(t *testing.T) {
	tests := [][]string{
		{"-capital", "500"},
		{"-risk", "reckless"},
		{"-strategy", "arbitrage"},
		{"-symbol", " "},
	}
	for _, args := range tests {
		t.Run(strings.Join(args, " "), func(t *testing.T) {
			_, err := parseFlags(args, io.Discard)
			if !errors.Is(err, errors.CodeInvalidInput) {
				t.Fatalf("expected invalid input, got %v", err)
			}
			if exitCode(err) != exitUsage {
				t.Errorf("exit code = %d", exitCode(err))
			}
		})
	}
	if _, err := parseFlags([]string{"extra"}, io.Discard); exitCode(err) != exitUsage {
		t.Errorf("positional argument: %v", err)
	}
}

func TestRun_InvalidInputFailsBeforeConfig(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := run(context.Background(), []string{"-capital", "10", "-config", "/does/not/exist.yaml"}, &stdout, &stderr)
	if code != exitUsage {
		t.Fatalf("exit code = %d, stderr = %s", code, stderr.String())
	}
	if stdout.Len() != 0 || strings.Count(stderr.String(), "\n") != 1 {
		t.Errorf("stdout=%q stderr=%q", stdout.String(), stderr.String())
	}
}

func TestRun_MissingKeyIsOneConfigurationLine(t *testing.T) {
	for _, name := range []string{"GOOGLE_API_KEY", "GEMINI_API_KEY", "TRADECREW_LLM_API_KEY", "TRADECREW_LLM_PROVIDER"} {
		t.Setenv(name, "")
		os.Unsetenv(name)
	}
	var stdout, stderr bytes.Buffer
	code := run(context.Background(), []string{"-set", "llm.api_key=", "-set", "llm.provider=gemini"}, &stdout, &stderr)
	if code != exitConfig {
		t.Fatalf("exit code = %d, stderr = %s", code, stderr.String())
	}
	line := strings.TrimSpace(stderr.String())
	if strings.Contains(line, "\n") || !strings.Contains(line, "run failed at configuration") || !strings.Contains(line, "CONFIGURATION_ERROR") {
		t.Errorf("stderr = %q", stderr.String())
	}
	if stdout.Len() != 0 {
		t.Errorf("stdout = %q", stdout.String())
	}
}

func TestRun_Version(t *testing.T) {
	var stdout bytes.Buffer
	if code := run(context.Background(), []string{"-version"}, &stdout, io.Discard); code != exitOK {
		t.Fatalf("exit code = %d", code)
	}
	if !strings.HasPrefix(stdout.String(), "tradecrew ") {
		t.Errorf("stdout = %q", stdout.String())
	}
}

func TestReport(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode int
		wantLine string
	}{
		{"task failure", &crew.RunError{Stage: "task:analysis", Err: errors.New(errors.CodeInference, "inference call failed", nil)}, exitRun, "run failed at task:analysis: [INFERENCE_ERROR] inference call failed (hint:"},
		{"configuration", &crew.RunError{Stage: crew.StageConfiguration, Err: errors.New(errors.CodeConfiguration, "missing API key", nil)}, exitConfig, "hint: check the config file"},
		{"usage", usageError("unexpected argument"), exitUsage, "tradecrew: unexpected argument"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			if code := report(&buf, tt.err); code != tt.wantCode {
				t.Errorf("code = %d, want %d", code, tt.wantCode)
			}
			if !strings.Contains(buf.String(), tt.wantLine) || strings.Count(buf.String(), "\n") != 1 {
				t.Errorf("line = %q", buf.String())
			}
		})
	}
}

func TestEventPrinter(t *testing.T) {
	var buf bytes.Buffer
	eventPrinter(&buf).Emit(context.Background(), core.Event{
		Type:      core.EventTaskCompleted,
		Agent:     "data_analyst",
		TaskID:    "analysis",
		Timestamp: time.Date(2026, 1, 2, 9, 30, 0, 0, time.UTC),
		Payload:   map[string]any{"duration_ms": 12, "delegations": 0},
	})
	want := "09:30:00 crew.task.completed    task=analysis agent=data_analyst delegations=0 duration_ms=12\n"
	if buf.String() != want {
		t.Errorf("got  %q\nwant %q", buf.String(), want)
	}
}
