// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

// Command tradecrew runs the trading analysis crew for one stock and prints
// the combined report.
package main

import (
	"context"
	stderrors "errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"sync"
	"syscall"

	"github.com/jllopis/tradecrew/internal/app"
	"github.com/jllopis/tradecrew/pkg/config"
	"github.com/jllopis/tradecrew/pkg/core"
	"github.com/jllopis/tradecrew/pkg/telemetry"
	"github.com/jllopis/tradecrew/pkg/trading"
)

var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

type cliOptions struct {
	Params     trading.Params
	ConfigArgs []string
	Verbose    bool
	Version    bool
}

type stringList []string

func (s *stringList) String() string { return strings.Join(*s, ",") }

func (s *stringList) Set(v string) error {
	*s = append(*s, v)
	return nil
}

func parseFlags(args []string, stderr io.Writer) (cliOptions, error) {
	defaults := trading.DefaultParams()
	fs := flag.NewFlagSet("tradecrew", flag.ContinueOnError)
	fs.SetOutput(stderr)

	symbol := fs.String("symbol", defaults.Symbol, "stock symbol to analyze")
	capital := fs.Int("capital", defaults.Capital, fmt.Sprintf("initial capital (at least %d)", trading.MinCapital))
	risk := fs.String("risk", defaults.RiskTolerance.String(), "risk tolerance: Very Low, Low, Medium, High, Very High")
	strategy := fs.String("strategy", string(defaults.Strategy), "trading strategy: Day Trading, Swing Trading, Position Trading, Scalping")
	news := fs.Bool("news", defaults.NewsImpact, "consider the impact of news")
	cfgPath := fs.String("config", "", "path to config file")
	profile := fs.String("profile", "", "config profile overlay (config.<profile>.yaml)")
	fs.StringVar(profile, "env", "", "alias for -profile")
	var sets stringList
	fs.Var(&sets, "set", "override a config key (key=value), repeatable")
	verbose := fs.Bool("verbose", false, "print crew events to stderr")
	showVersion := fs.Bool("version", false, "print version and exit")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, err
	}
	if fs.NArg() > 0 {
		return cliOptions{}, usageError(fmt.Sprintf("unexpected argument %q", fs.Arg(0)))
	}

	opts := cliOptions{Verbose: *verbose, Version: *showVersion}
	if *cfgPath != "" {
		opts.ConfigArgs = append(opts.ConfigArgs, "--config", *cfgPath)
	}
	if *profile != "" {
		opts.ConfigArgs = append(opts.ConfigArgs, "--profile", *profile)
	}
	for _, kv := range sets {
		opts.ConfigArgs = append(opts.ConfigArgs, "--set", kv)
	}

	rt, err := trading.ParseRiskTolerance(*risk)
	if err != nil {
		return opts, err
	}
	st, err := trading.ParseStrategy(*strategy)
	if err != nil {
		return opts, err
	}
	opts.Params = trading.Params{
		Symbol:        *symbol,
		Capital:       *capital,
		RiskTolerance: rt,
		Strategy:      st,
		NewsImpact:    *news,
	}.Normalize()
	return opts, opts.Params.Validate()
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	opts, err := parseFlags(args, stderr)
	if stderrors.Is(err, flag.ErrHelp) {
		return exitOK
	}
	if err != nil {
		return report(stderr, err)
	}
	if opts.Version {
		fmt.Fprintf(stdout, "tradecrew %s\n", version)
		return exitOK
	}

	cfg, err := config.LoadWithCLI(opts.ConfigArgs)
	if err != nil {
		return report(stderr, err)
	}
	logger := telemetry.ConfigureSlog(stderr, cfg.Log.Level, cfg.Log.Format)

	shutdown, err := telemetry.Init("tradecrew", version, telemetry.Config{
		Exporter:     cfg.Telemetry.Exporter,
		OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
		OTLPInsecure: cfg.Telemetry.OTLPInsecure,
		SampleRatio:  cfg.Telemetry.SampleRatio,
		Output:       stderr,
	})
	if err != nil {
		return report(stderr, err)
	}
	defer func() {
		if err := shutdown(context.Background()); err != nil {
			logger.Warn("telemetry.shutdown", telemetry.ErrorAttr(err))
		}
	}()

	appOpts := []app.Option{app.WithLogger(logger)}
	if opts.Verbose {
		appOpts = append(appOpts, app.WithEvents(eventPrinter(stderr)))
	}
	a, err := app.New(cfg, appOpts...)
	if err != nil {
		return report(stderr, err)
	}
	defer a.Close()

	res, err := a.Analyze(ctx, opts.Params)
	if err != nil {
		return report(stderr, err)
	}
	fmt.Fprintln(stdout, res.Report)
	if res.Partial {
		fmt.Fprintln(stderr, "warning: some tasks failed; the report contains placeholders")
	}
	return exitOK
}

func eventPrinter(w io.Writer) core.EventEmitter {
	var mu sync.Mutex
	return core.EventEmitterFunc(func(_ context.Context, e core.Event) {
		mu.Lock()
		defer mu.Unlock()
		fmt.Fprintf(w, "%s %-22s", e.Timestamp.Format("15:04:05"), e.Type)
		if e.TaskID != "" {
			fmt.Fprintf(w, " task=%s", e.TaskID)
		}
		if e.Agent != "" {
			fmt.Fprintf(w, " agent=%s", e.Agent)
		}
		keys := make([]string, 0, len(e.Payload))
		for k := range e.Payload {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(w, " %s=%v", k, e.Payload[k])
		}
		fmt.Fprintln(w)
	})
}
