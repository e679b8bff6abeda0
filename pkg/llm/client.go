package llm

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jllopis/tradecrew/pkg/errors"
	"github.com/jllopis/tradecrew/pkg/resilience"
	"github.com/jllopis/tradecrew/pkg/telemetry"
)

// Parameters are per-call generation options. Model and temperature are fixed
// by the Client.
type Parameters struct {
	// System is an optional system instruction prepended to the prompt.
	System string
	// MaxTokens caps the completion length. Zero uses the client default.
	MaxTokens int
}

// Observer receives one notification per inference call.
type Observer interface {
	ObserveInference(ctx context.Context, model string, promptTokens, completionTokens int, d time.Duration, err error)
}

// Client binds a Provider to a fixed model and temperature and centralizes
// rate limiting, retry and circuit breaking for every call issued through it.
// Clients sharing a backend should share the same Limiter and CircuitBreaker.
type Client struct {
	provider     Provider
	providerName string
	model        string
	temperature  float64
	maxTokens    int

	limiter *resilience.Limiter
	retry   resilience.RetryConfig
	breaker *resilience.CircuitBreaker
	timeout time.Duration

	observer Observer
	tracer   trace.Tracer
	logger   *slog.Logger

	calls atomic.Int64
	mu    sync.Mutex
	usage Usage
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithLimiter shares a process-wide rate limiter.
func WithLimiter(l *resilience.Limiter) ClientOption {
	return func(c *Client) { c.limiter = l }
}

// WithRetry sets the retry policy.
func WithRetry(rc resilience.RetryConfig) ClientOption {
	return func(c *Client) { c.retry = rc }
}

// WithCircuitBreaker shares a circuit breaker for the backend.
func WithCircuitBreaker(cb *resilience.CircuitBreaker) ClientOption {
	return func(c *Client) { c.breaker = cb }
}

// WithTimeout bounds each provider call.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.timeout = d }
}

// WithObserver registers a metrics observer.
func WithObserver(o Observer) ClientOption {
	return func(c *Client) { c.observer = o }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) ClientOption {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithProviderName labels spans with the backend name.
func WithProviderName(name string) ClientOption {
	return func(c *Client) { c.providerName = name }
}

// WithMaxTokens sets the default completion cap.
func WithMaxTokens(n int) ClientOption {
	return func(c *Client) { c.maxTokens = n }
}

// NewClient creates a Client for model at a fixed temperature.
func NewClient(provider Provider, model string, temperature float64, opts ...ClientOption) *Client {
	c := &Client{
		provider:    provider,
		model:       model,
		temperature: temperature,
		retry:       resilience.DefaultRetryConfig(),
		tracer:      otel.Tracer("tradecrew/llm"),
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Model returns the bound model identity.
func (c *Client) Model() string { return c.model }

// Temperature returns the bound temperature.
func (c *Client) Temperature() float64 { return c.temperature }

// Calls returns the number of Chat calls issued (one per Generate/Chat,
// regardless of retries).
func (c *Client) Calls() int64 { return c.calls.Load() }

// Usage returns the cumulative token usage.
func (c *Client) Usage() Usage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.usage
}

// Generate runs a single prompt without tools and returns the generated text.
// Manager reviews use it; agent sessions, which need tools, use Chat.
func (c *Client) Generate(ctx context.Context, prompt string, params Parameters) (string, error) {
	resp, err := c.chat(ctx, Prompt(params.System, prompt), nil, params.MaxTokens)
	if err != nil {
		return "", err
	}
	if resp.Content == "" {
		return "", errors.New(errors.CodeInference, "model returned no text", nil).
			WithAttribute("llm.model", c.model)
	}
	return resp.Content, nil
}

// Chat sends a conversation with optional tools and returns the raw response.
//
// A call already started runs to completion or failure even if ctx is
// cancelled meanwhile; a ctx that is already done fails with TIMEOUT before
// reaching the provider.
func (c *Client) Chat(ctx context.Context, messages []Message, tools []Tool) (*ChatResponse, error) {
	return c.chat(ctx, messages, tools, 0)
}

func (c *Client) chat(ctx context.Context, messages []Message, tools []Tool, maxTokens int) (*ChatResponse, error) {
	if c.provider == nil {
		return nil, errors.New(errors.CodeConfiguration, "inference client has no provider", nil)
	}
	if err := ctx.Err(); err != nil {
		return nil, errors.New(errors.CodeTimeout, "run cancelled before inference call", err).
			WithAttribute("llm.model", c.model)
	}
	if maxTokens == 0 {
		maxTokens = c.maxTokens
	}
	c.calls.Add(1)

	ctx, span := c.tracer.Start(ctx, "LLM.Chat",
		trace.WithAttributes(telemetry.LLMAttributes(c.model, c.providerName, c.temperature, len(messages))...))
	defer span.End()

	req := ChatRequest{
		Model:       c.model,
		Messages:    messages,
		Tools:       tools,
		Temperature: c.temperature,
		MaxTokens:   maxTokens,
	}

	retry := c.retry.WithOnRetry(func(attempt int, err error, wait time.Duration) {
		c.logger.WarnContext(ctx, "llm.chat.retry",
			slog.String("model", c.model),
			slog.Int("attempt", attempt),
			slog.Duration("wait", wait),
			telemetry.ErrorAttr(err),
		)
	})

	// A started call is not abandoned when the run ends; the per-call timeout
	// and the retry budget still bound it.
	start := time.Now()
	resp, err := resilience.DoValue(context.WithoutCancel(ctx), retry, func(ctx context.Context) (*ChatResponse, error) {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		var out *ChatResponse
		call := func(ctx context.Context) error {
			return resilience.WithTimeout(ctx, c.timeout, func(ctx context.Context) error {
				r, err := c.provider.Chat(ctx, req)
				if err != nil {
					return c.wrap(ctx, err)
				}
				if r == nil || (r.Content == "" && len(r.ToolCalls) == 0) {
					return errors.New(errors.CodeInference, "empty model response", nil).
						WithAttribute("llm.model", c.model).
						WithRecoverable(true)
				}
				out = r
				return nil
			})
		}
		if c.breaker != nil {
			err := c.breaker.Call(ctx, errors.CodeInference, call)
			return out, err
		}
		return out, call(ctx)
	})
	elapsed := time.Since(start)

	if err != nil {
		err = c.wrap(ctx, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.SetAttributes(telemetry.ErrorAttributes(err)...)
		if c.observer != nil {
			c.observer.ObserveInference(ctx, c.model, 0, 0, elapsed, err)
		}
		c.logger.ErrorContext(ctx, "llm.chat.error",
			slog.String("model", c.model),
			slog.Duration("duration", elapsed),
			telemetry.ErrorAttr(err),
		)
		return nil, err
	}

	c.mu.Lock()
	c.usage = c.usage.Add(resp.Usage)
	c.mu.Unlock()

	span.SetAttributes(telemetry.LLMUsageAttributes(resp.Usage.PromptTokens, resp.Usage.CompletionTokens, len(resp.ToolCalls))...)
	span.SetStatus(codes.Ok, "")
	if c.observer != nil {
		c.observer.ObserveInference(ctx, c.model, resp.Usage.PromptTokens, resp.Usage.CompletionTokens, elapsed, nil)
	}
	c.logger.DebugContext(ctx, "llm.chat",
		slog.String("model", c.model),
		slog.Duration("duration", elapsed),
		slog.Int("tool_calls", len(resp.ToolCalls)),
		slog.Int("total_tokens", resp.Usage.TotalTokens),
	)
	return resp, nil
}

// wrap classifies err as an INFERENCE_ERROR. Transport failures are
// recoverable unless the caller's context is done.
func (c *Client) wrap(ctx context.Context, err error) error {
	if errors.CodeOf(err) == errors.CodeInference {
		return err
	}
	recoverable := ctx.Err() == nil && errors.IsRecoverable(err)
	if errors.Is(err, errors.CodeRateLimit) {
		recoverable = false
	}
	return errors.New(errors.CodeInference, "inference call failed", err).
		WithAttribute("llm.model", c.model).
		WithRecoverable(recoverable)
}
