// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

// Package app wires together all tradecrew components.
// This is the composition root: configuration goes in, a ready crew comes out.
package app

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/jllopis/tradecrew/pkg/config"
	"github.com/jllopis/tradecrew/pkg/core"
	"github.com/jllopis/tradecrew/pkg/crew"
	"github.com/jllopis/tradecrew/pkg/errors"
	"github.com/jllopis/tradecrew/pkg/llm"
	"github.com/jllopis/tradecrew/pkg/mcp"
	"github.com/jllopis/tradecrew/pkg/resilience"
	"github.com/jllopis/tradecrew/pkg/telemetry"
	"github.com/jllopis/tradecrew/pkg/tools"
	"github.com/jllopis/tradecrew/pkg/trading"
	"github.com/jllopis/tradecrew/providers/anthropic"
	"github.com/jllopis/tradecrew/providers/gemini"
	"github.com/jllopis/tradecrew/providers/openai"
)

// Option customizes how New builds the application.
type Option func(*options)

type options struct {
	httpClient *http.Client
	provider   llm.Provider
	searcher   tools.Searcher
	scraper    tools.Scraper
	logger     *slog.Logger
	events     core.EventEmitter
	metrics    *telemetry.CrewMetrics
}

// WithHTTPClient routes every outbound HTTP call (inference, search, scrape)
// through c.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.httpClient = c }
}

// WithProvider replaces the configured inference backend.
func WithProvider(p llm.Provider) Option {
	return func(o *options) { o.provider = p }
}

// WithSearcher replaces the configured search backend.
func WithSearcher(s tools.Searcher) Option {
	return func(o *options) { o.searcher = s }
}

// WithScraper replaces the configured scrape backend.
func WithScraper(s tools.Scraper) Option {
	return func(o *options) { o.scraper = s }
}

// WithLogger sets the logger handed to every component.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithEvents receives the semantic events of every run.
func WithEvents(e core.EventEmitter) Option {
	return func(o *options) { o.events = e }
}

// WithMetrics records on m instead of the global meter provider.
func WithMetrics(m *telemetry.CrewMetrics) Option {
	return func(o *options) { o.metrics = m }
}

// App holds the wired crew and the resources it owns.
type App struct {
	cfg     *config.Config
	crew    *crew.Crew
	worker  *llm.Client
	manager *llm.Client
	logger  *slog.Logger
	closers []func() error
}

// New validates cfg and builds the crew. Nothing touches the network before
// validation succeeds; every failure is a *crew.RunError at stage
// configuration.
func New(cfg *config.Config, opts ...Option) (*App, error) {
	if cfg == nil {
		return nil, configError(errors.New(errors.CodeConfiguration, "missing configuration", nil))
	}
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}

	if err := cfg.Validate(); err != nil {
		return nil, configError(err)
	}

	a := &App{cfg: cfg, logger: o.logger}
	if err := a.build(o); err != nil {
		_ = a.Close()
		return nil, configError(err)
	}
	return a, nil
}

func configError(err error) error {
	return &crew.RunError{Stage: crew.StageConfiguration, Err: err}
}

func (a *App) build(o options) error {
	cfg := a.cfg
	metrics := o.metrics
	if metrics == nil {
		m, err := telemetry.NewCrewMetrics(nil)
		if err != nil {
			return errors.New(errors.CodeConfiguration, "create metrics", err)
		}
		metrics = m
	}

	provider := o.provider
	if provider == nil {
		p, err := newProvider(cfg.LLM, o.httpClient)
		if err != nil {
			return err
		}
		provider = p
	}

	// Worker and manager clients share one limiter and one breaker: they hit
	// the same backend.
	limiter := resilience.NewLimiter("llm", cfg.LLM.RequestsPerMinute)
	breaker := a.breaker("llm", metrics)
	retry := resilience.DefaultRetryConfig().WithMaxAttempts(cfg.LLM.MaxRetries)
	clientOpts := []llm.ClientOption{
		llm.WithLimiter(limiter),
		llm.WithRetry(retry),
		llm.WithCircuitBreaker(breaker),
		llm.WithTimeout(cfg.LLM.Timeout),
		llm.WithObserver(metrics),
		llm.WithLogger(a.logger),
		llm.WithProviderName(cfg.LLM.Provider),
		llm.WithMaxTokens(cfg.LLM.MaxTokens),
	}
	a.worker = llm.NewClient(provider, cfg.LLM.Model, cfg.LLM.Temperature, clientOpts...)

	var manager crew.Manager
	switch cfg.Manager.Policy {
	case "direct":
		manager = crew.DirectManager{}
	case "permissive":
		manager = crew.PermissiveManager{}
	default:
		model := cfg.Manager.Model
		if model == "" {
			model = cfg.LLM.Model
		}
		a.manager = llm.NewClient(provider, model, cfg.Manager.Temperature, clientOpts...)
		m, err := crew.NewLLMManager(a.manager, crew.WithManagerLogger(a.logger))
		if err != nil {
			return err
		}
		manager = m
	}

	backends, err := a.backends(cfg.Tools, o, metrics)
	if err != nil {
		return err
	}

	def := crew.DefaultDefinition()
	if cfg.Crew.Definition != "" {
		if def, err = crew.LoadDefinition(cfg.Crew.Definition); err != nil {
			return err
		}
	}

	policy, err := crew.ParseFailurePolicy(cfg.Crew.FailurePolicy)
	if err != nil {
		return err
	}
	depth := cfg.Crew.MaxDelegationDepth
	if depth == 0 {
		depth = crew.DelegationDisabled
	}

	a.crew, err = def.Build(crew.Deps{
		LLM:           a.worker,
		MaxIterations: cfg.Crew.MaxIterations,
		Crew: crew.Config{
			Manager:            manager,
			Tools:              backends,
			Policy:             policy,
			MaxDelegationDepth: depth,
			Timeout:            cfg.Crew.Timeout,
			Events:             o.events,
			Logger:             a.logger,
			Metrics:            metrics,
		},
	})
	if err != nil {
		return err
	}

	a.logger.Info("app.ready",
		slog.String("llm_provider", cfg.LLM.Provider),
		slog.String("model", cfg.LLM.Model),
		slog.String("manager", cfg.Manager.Policy),
		slog.String("search", backendName(backends.Searcher)),
		slog.String("scrape", backendName(backends.Scraper)),
		slog.Int("tasks", a.crew.Pipeline().Len()),
	)
	return nil
}

func (a *App) breaker(name string, metrics *telemetry.CrewMetrics) *resilience.CircuitBreaker {
	return resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name: name,
		OnStateChange: func(name string, from, to resilience.CircuitBreakerState) {
			a.logger.Warn("circuit_breaker.state",
				slog.String("backend", name),
				slog.String("from", string(from)),
				slog.String("to", string(to)),
			)
			metrics.RecordCircuitBreakerState(context.Background(), name, string(to))
		},
	})
}

func newProvider(cfg config.LLMConfig, hc *http.Client) (llm.Provider, error) {
	switch strings.ToLower(cfg.Provider) {
	case "gemini":
		opts := []gemini.Option{gemini.WithModel(cfg.Model)}
		if cfg.BaseURL != "" {
			opts = append(opts, gemini.WithBaseURL(cfg.BaseURL))
		}
		if hc != nil {
			opts = append(opts, gemini.WithHTTPClient(hc))
		}
		return gemini.New(context.Background(), cfg.APIKey, opts...)
	case "openai":
		opts := []openai.Option{openai.WithModel(cfg.Model)}
		if cfg.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
		}
		if hc != nil {
			opts = append(opts, openai.WithHTTPClient(hc))
		}
		return openai.NewWithAPIKey(cfg.APIKey, opts...), nil
	case "anthropic":
		opts := []anthropic.Option{anthropic.WithModel(cfg.Model)}
		if cfg.MaxTokens > 0 {
			opts = append(opts, anthropic.WithMaxTokens(int64(cfg.MaxTokens)))
		}
		if cfg.BaseURL != "" {
			opts = append(opts, anthropic.WithBaseURL(cfg.BaseURL))
		}
		if hc != nil {
			opts = append(opts, anthropic.WithHTTPClient(hc))
		}
		return anthropic.NewWithAPIKey(cfg.APIKey, opts...), nil
	case "ollama":
		return llm.NewOllama(cfg.BaseURL, llm.WithOllamaHTTPClient(hc)), nil
	default:
		return nil, errors.Newf(errors.CodeConfiguration, "unknown llm provider %q", cfg.Provider)
	}
}

func (a *App) backends(cfg config.ToolsConfig, o options, metrics *telemetry.CrewMetrics) (tools.Backends, error) {
	b := tools.Backends{
		Searcher: o.searcher,
		Scraper:  o.scraper,
		SearchGuard: tools.Guard{
			Limiter: resilience.NewLimiter("search", cfg.Search.RequestsPerMinute),
			Breaker: a.breaker("search", metrics),
			Timeout: cfg.Search.Timeout,
		},
		ScrapeGuard: tools.Guard{
			Limiter: resilience.NewLimiter("scrape", cfg.Scrape.RequestsPerMinute),
			Breaker: a.breaker("scrape", metrics),
			Timeout: cfg.Scrape.Timeout,
		},
		Observer: metrics,
		Logger:   a.logger,
	}

	var session *mcp.Client
	connect := func() (*mcp.Client, error) {
		if session != nil {
			return session, nil
		}
		c, err := a.connectMCP(cfg.MCP)
		if err != nil {
			return nil, err
		}
		session = c
		a.closers = append(a.closers, c.Close)
		return c, nil
	}
	bind := func(name string) (*mcp.Tool, error) {
		c, err := connect()
		if err != nil {
			return nil, err
		}
		ctx, cancel := context.WithTimeout(context.Background(), mcpTimeout(cfg.MCP))
		defer cancel()
		t, err := mcp.BindTool(ctx, c, name)
		if err != nil {
			return nil, errors.New(errors.CodeConfiguration, "bind mcp tool", err).WithContext("tool", name)
		}
		return t, nil
	}

	if b.Searcher == nil {
		switch cfg.Search.Provider {
		case "mcp":
			t, err := bind(cfg.MCP.SearchTool)
			if err != nil {
				return b, err
			}
			b.Searcher = tools.NewMCPSearcher(t, cfg.MCP.SearchArg)
		default:
			opts := []tools.SerperOption{tools.WithSerperMaxResults(cfg.Search.MaxResults)}
			if cfg.Search.Endpoint != "" {
				opts = append(opts, tools.WithSerperEndpoint(cfg.Search.Endpoint))
			}
			if o.httpClient != nil {
				opts = append(opts, tools.WithSerperHTTPClient(o.httpClient))
			}
			s, err := tools.NewSerperSearcher(cfg.Search.APIKey, opts...)
			if err != nil {
				return b, err
			}
			b.Searcher = s
		}
	}

	if b.Scraper == nil {
		switch cfg.Scrape.Provider {
		case "mcp":
			t, err := bind(cfg.MCP.ScrapeTool)
			if err != nil {
				return b, err
			}
			b.Scraper = tools.NewMCPScraper(t, cfg.MCP.ScrapeArg)
		default:
			opts := []tools.ScraperOption{
				tools.WithMaxBytes(cfg.Scrape.MaxBytes),
				tools.WithMaxChars(cfg.Scrape.MaxChars),
			}
			if o.httpClient != nil {
				opts = append(opts, tools.WithScraperHTTPClient(o.httpClient))
			}
			b.Scraper = tools.NewHTTPScraper(opts...)
		}
	}
	return b, nil
}

func (a *App) connectMCP(cfg config.MCPConfig) (*mcp.Client, error) {
	ctx, cancel := context.WithTimeout(context.Background(), mcpTimeout(cfg))
	defer cancel()
	opts := []mcp.ClientOption{mcp.WithTimeout(mcpTimeout(cfg)), mcp.WithLogger(a.logger)}

	var (
		c   *mcp.Client
		err error
	)
	if cfg.URL != "" {
		c, err = mcp.NewStreamableHTTPClient(ctx, cfg.URL, opts...)
	} else {
		c, err = mcp.NewStdioClient(ctx, cfg.Command, cfg.Args, nil, opts...)
	}
	if err != nil {
		return nil, errors.New(errors.CodeConfiguration, "connect mcp server", err).
			WithContext("command", cfg.Command).
			WithContext("url", cfg.URL)
	}
	return c, nil
}

func mcpTimeout(cfg config.MCPConfig) time.Duration {
	if cfg.Timeout > 0 {
		return cfg.Timeout
	}
	return 30 * time.Second
}

func backendName(v any) string {
	if n, ok := v.(interface{ Name() string }); ok {
		return n.Name()
	}
	return "custom"
}

// Crew returns the wired crew.
func (a *App) Crew() *crew.Crew { return a.crew }

// Usage returns the tokens consumed so far by workers and manager.
func (a *App) Usage() llm.Usage {
	u := a.worker.Usage()
	if a.manager != nil {
		u = u.Add(a.manager.Usage())
	}
	return u
}

// Analyze validates p and runs the crew once. Invalid parameters fail with
// INVALID_INPUT before any inference call.
func (a *App) Analyze(ctx context.Context, p trading.Params) (*crew.Result, error) {
	ec, err := p.ToContext()
	if err != nil {
		return nil, err
	}
	start := time.Now()
	res, err := a.crew.Kickoff(ctx, ec)
	if err != nil {
		return nil, err
	}
	usage := a.Usage()
	a.logger.InfoContext(ctx, "app.analysis.complete",
		slog.String("run_id", res.RunID),
		slog.String("symbol", strings.ToUpper(strings.TrimSpace(p.Symbol))),
		slog.Bool("partial", res.Partial),
		slog.Int("tool_calls", len(res.Records)),
		slog.Int("tokens", usage.TotalTokens),
		slog.Duration("duration", time.Since(start)),
	)
	return res, nil
}

// Close releases the MCP sessions opened by New.
func (a *App) Close() error {
	var first error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	a.closers = nil
	return first
}
