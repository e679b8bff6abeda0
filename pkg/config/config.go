package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/jllopis/tradecrew/pkg/errors"
)

// EnvPrefix prefixes every environment override (TRADECREW_LLM_MODEL -> llm.model).
const EnvPrefix = "TRADECREW_"

type Config struct {
	Log       LogConfig       `koanf:"log"`
	LLM       LLMConfig       `koanf:"llm"`
	Manager   ManagerConfig   `koanf:"manager"`
	Tools     ToolsConfig     `koanf:"tools"`
	Crew      CrewConfig      `koanf:"crew"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"` // json, text
}

type LLMConfig struct {
	Provider          string        `koanf:"provider"` // gemini, openai, anthropic, ollama
	Model             string        `koanf:"model"`
	Temperature       float64       `koanf:"temperature"`
	BaseURL           string        `koanf:"base_url"`
	APIKey            string        `koanf:"api_key"`
	MaxTokens         int           `koanf:"max_tokens"`
	RequestsPerMinute int           `koanf:"requests_per_minute"`
	MaxRetries        int           `koanf:"max_retries"`
	Timeout           time.Duration `koanf:"timeout"`
}

// ManagerConfig configures the hierarchical manager. Model and temperature
// fall back to the worker settings when empty.
type ManagerConfig struct {
	Policy      string  `koanf:"policy"` // llm, direct, permissive
	Model       string  `koanf:"model"`
	Temperature float64 `koanf:"temperature"`
}

type ToolsConfig struct {
	Search SearchConfig `koanf:"search"`
	Scrape ScrapeConfig `koanf:"scrape"`
	MCP    MCPConfig    `koanf:"mcp"`
}

type SearchConfig struct {
	Provider          string        `koanf:"provider"` // serper, mcp
	APIKey            string        `koanf:"api_key"`
	Endpoint          string        `koanf:"endpoint"`
	MaxResults        int           `koanf:"max_results"`
	RequestsPerMinute int           `koanf:"requests_per_minute"`
	Timeout           time.Duration `koanf:"timeout"`
}

type ScrapeConfig struct {
	Provider          string        `koanf:"provider"` // http, mcp
	Timeout           time.Duration `koanf:"timeout"`
	MaxBytes          int64         `koanf:"max_bytes"`
	MaxChars          int           `koanf:"max_chars"`
	RequestsPerMinute int           `koanf:"requests_per_minute"`
}

// MCPConfig selects the MCP server used by mcp-backed tools: a stdio command
// or, when URL is set, a streamable HTTP endpoint.
type MCPConfig struct {
	Command    string        `koanf:"command"`
	Args       []string      `koanf:"args"`
	URL        string        `koanf:"url"`
	SearchTool string        `koanf:"search_tool"`
	SearchArg  string        `koanf:"search_arg"`
	ScrapeTool string        `koanf:"scrape_tool"`
	ScrapeArg  string        `koanf:"scrape_arg"`
	Timeout    time.Duration `koanf:"timeout"`
}

type CrewConfig struct {
	// Definition is a crew YAML file; empty selects the embedded trading crew.
	Definition         string        `koanf:"definition"`
	MaxDelegationDepth int           `koanf:"max_delegation_depth"`
	FailurePolicy      string        `koanf:"failure_policy"` // strict, best_effort
	MaxIterations      int           `koanf:"max_iterations"`
	Timeout            time.Duration `koanf:"timeout"`
}

type TelemetryConfig struct {
	Exporter     string  `koanf:"exporter"` // none, stdout, otlp
	OTLPEndpoint string  `koanf:"otlp_endpoint"`
	OTLPInsecure bool    `koanf:"otlp_insecure"`
	SampleRatio  float64 `koanf:"sample_ratio"`
}

func defaults() map[string]any {
	return map[string]any{
		"log.level":  "info",
		"log.format": "text",

		"llm.provider":            "gemini",
		"llm.model":               "gemini-2.0-flash-exp",
		"llm.temperature":         0.7,
		"llm.base_url":            "",
		"llm.api_key":             "",
		"llm.max_tokens":          0,
		"llm.requests_per_minute": 60,
		"llm.max_retries":         3,
		"llm.timeout":             "60s",

		"manager.policy":      "llm",
		"manager.model":       "",
		"manager.temperature": 0.7,

		"tools.search.provider":            "serper",
		"tools.search.api_key":             "",
		"tools.search.endpoint":            "",
		"tools.search.max_results":         5,
		"tools.search.requests_per_minute": 60,
		"tools.search.timeout":             "15s",

		"tools.scrape.provider":            "http",
		"tools.scrape.timeout":             "20s",
		"tools.scrape.max_bytes":           2 << 20,
		"tools.scrape.max_chars":           8000,
		"tools.scrape.requests_per_minute": 60,

		"tools.mcp.command":     "",
		"tools.mcp.args":        []string{},
		"tools.mcp.url":         "",
		"tools.mcp.search_tool": "",
		"tools.mcp.search_arg":  "",
		"tools.mcp.scrape_tool": "",
		"tools.mcp.scrape_arg":  "",
		"tools.mcp.timeout":     "30s",

		"crew.definition":           "",
		"crew.max_delegation_depth": 2,
		"crew.failure_policy":       "strict",
		"crew.max_iterations":       15,
		"crew.timeout":              "10m",

		"telemetry.exporter":      "none",
		"telemetry.otlp_endpoint": "localhost:4317",
		"telemetry.otlp_insecure": true,
		"telemetry.sample_ratio":  1.0,
	}
}

// Credential variables honored when the matching key is unset.
var llmKeyAliases = map[string][]string{
	"gemini":    {"GOOGLE_API_KEY", "GEMINI_API_KEY"},
	"openai":    {"OPENAI_API_KEY"},
	"anthropic": {"ANTHROPIC_API_KEY"},
}

const searchKeyAlias = "SERPER_API_KEY"

// Options drives LoadWithOptions.
type Options struct {
	// Path is an optional YAML file.
	Path string
	// Profile selects the overlay config.<profile>.yaml next to Path.
	Profile string
	// DotEnv is the .env file to read; empty means ".env" in the working
	// directory and "-" disables it. Variables already set are never replaced.
	DotEnv string
	// Overrides are key=value pairs applied last.
	Overrides []string
}

// Load reads defaults, the optional YAML file, .env and the environment.
func Load(path string) (*Config, error) {
	return LoadWithOptions(Options{Path: path})
}

// LoadWithProfile is Load plus the config.<profile>.yaml overlay, when present.
func LoadWithProfile(path, profile string) (*Config, error) {
	return LoadWithOptions(Options{Path: path, Profile: profile})
}

// LoadWithCLI extracts --config, --profile (alias --env) and repeated --set
// key=value from args; other arguments are ignored.
func LoadWithCLI(args []string) (*Config, error) {
	var opts Options
	for i := 0; i < len(args); i++ {
		name, value, hasValue := strings.Cut(strings.TrimLeft(args[i], "-"), "=")
		if !strings.HasPrefix(args[i], "-") {
			continue
		}
		switch name {
		case "config", "profile", "env", "set":
		default:
			continue
		}
		if !hasValue {
			if i+1 >= len(args) {
				return nil, errors.Newf(errors.CodeConfiguration, "flag --%s needs a value", name)
			}
			i++
			value = args[i]
		}
		switch name {
		case "config":
			opts.Path = value
		case "profile", "env":
			opts.Profile = value
		case "set":
			opts.Overrides = append(opts.Overrides, value)
		}
	}
	return LoadWithOptions(opts)
}

// LoadWithOptions layers defaults, YAML file, profile overlay, .env,
// TRADECREW_* environment, credential aliases and overrides, in that order.
func LoadWithOptions(opts Options) (*Config, error) {
	k := koanf.New(".")
	defs := defaults()
	for key, v := range defs {
		if err := k.Set(key, v); err != nil {
			return nil, errors.New(errors.CodeConfiguration, "set default "+key, err)
		}
	}

	if opts.Path != "" {
		if err := k.Load(file.Provider(opts.Path), yaml.Parser()); err != nil {
			return nil, errors.New(errors.CodeConfiguration, "load config file", err).WithContext("path", opts.Path)
		}
		if overlay := profileConfigPath(opts.Path, opts.Profile); overlay != "" {
			if err := k.Load(file.Provider(overlay), yaml.Parser()); err != nil {
				return nil, errors.New(errors.CodeConfiguration, "load profile config", err).WithContext("path", overlay)
			}
		}
	}

	if err := loadDotEnv(opts.DotEnv); err != nil {
		return nil, err
	}

	envKeys := make(map[string]string, len(defs))
	for key := range defs {
		envKeys[EnvPrefix+strings.ToUpper(strings.ReplaceAll(key, ".", "_"))] = key
	}
	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return envKeys[s]
	}), nil); err != nil {
		return nil, errors.New(errors.CodeConfiguration, "load environment", err)
	}

	if k.String("llm.api_key") == "" {
		if v := firstEnv(llmKeyAliases[strings.ToLower(k.String("llm.provider"))]...); v != "" {
			_ = k.Set("llm.api_key", v)
		}
	}
	if k.String("tools.search.api_key") == "" {
		if v := firstEnv(searchKeyAlias); v != "" {
			_ = k.Set("tools.search.api_key", v)
		}
	}

	for _, kv := range opts.Overrides {
		key, value, ok := strings.Cut(kv, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, errors.Newf(errors.CodeConfiguration, "invalid override %q, want key=value", kv)
		}
		if err := k.Set(key, value); err != nil {
			return nil, errors.New(errors.CodeConfiguration, "apply override "+key, err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, errors.New(errors.CodeConfiguration, "decode config", err)
	}
	return &cfg, nil
}

// profileConfigPath returns config.<profile>.yaml beside base when it exists.
func profileConfigPath(base, profile string) string {
	if base == "" || profile == "" {
		return ""
	}
	ext := filepath.Ext(base)
	name := strings.TrimSuffix(filepath.Base(base), ext)
	path := filepath.Join(filepath.Dir(base), fmt.Sprintf("%s.%s%s", name, profile, ext))
	if _, err := os.Stat(path); err != nil {
		return ""
	}
	return path
}

func loadDotEnv(path string) error {
	if path == "-" {
		return nil
	}
	explicit := path != ""
	if !explicit {
		path = ".env"
	}
	if _, err := os.Stat(path); err != nil {
		if explicit {
			return errors.New(errors.CodeConfiguration, "dotenv file not found", err).WithContext("path", path)
		}
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return errors.New(errors.CodeConfiguration, "load dotenv file", err).WithContext("path", path)
	}
	return nil
}

func firstEnv(names ...string) string {
	for _, n := range names {
		if v := strings.TrimSpace(os.Getenv(n)); v != "" {
			return v
		}
	}
	return ""
}

// Validate checks the settings that must hold before any client is built.
// Every failure is CONFIGURATION_ERROR.
func (c *Config) Validate() error {
	switch strings.ToLower(c.LLM.Provider) {
	case "gemini", "openai", "anthropic":
		if c.LLM.APIKey == "" {
			return errors.Newf(errors.CodeConfiguration, "missing API key for llm provider %s", c.LLM.Provider).
				WithContext("key", "llm.api_key")
		}
	case "ollama":
	default:
		return errors.Newf(errors.CodeConfiguration, "unknown llm provider %q", c.LLM.Provider)
	}
	if c.LLM.Model == "" {
		return errors.New(errors.CodeConfiguration, "llm.model is required", nil)
	}
	if c.LLM.Temperature < 0 || c.LLM.Temperature > 2 {
		return errors.Newf(errors.CodeConfiguration, "llm.temperature %.2f out of range [0, 2]", c.LLM.Temperature)
	}

	switch c.Manager.Policy {
	case "llm", "direct", "permissive":
	default:
		return errors.Newf(errors.CodeConfiguration, "unknown manager policy %q", c.Manager.Policy)
	}

	mcpNeeded := false
	switch c.Tools.Search.Provider {
	case "serper":
		if c.Tools.Search.APIKey == "" {
			return errors.New(errors.CodeConfiguration, "missing API key for search provider serper", nil).
				WithContext("key", "tools.search.api_key")
		}
	case "mcp":
		mcpNeeded = true
		if c.Tools.MCP.SearchTool == "" {
			return errors.New(errors.CodeConfiguration, "tools.mcp.search_tool is required for mcp search", nil)
		}
	default:
		return errors.Newf(errors.CodeConfiguration, "unknown search provider %q", c.Tools.Search.Provider)
	}
	switch c.Tools.Scrape.Provider {
	case "http":
	case "mcp":
		mcpNeeded = true
		if c.Tools.MCP.ScrapeTool == "" {
			return errors.New(errors.CodeConfiguration, "tools.mcp.scrape_tool is required for mcp scrape", nil)
		}
	default:
		return errors.Newf(errors.CodeConfiguration, "unknown scrape provider %q", c.Tools.Scrape.Provider)
	}
	if mcpNeeded && c.Tools.MCP.Command == "" && c.Tools.MCP.URL == "" {
		return errors.New(errors.CodeConfiguration, "mcp tools need tools.mcp.command or tools.mcp.url", nil)
	}

	switch c.Crew.FailurePolicy {
	case "strict", "best_effort":
	default:
		return errors.Newf(errors.CodeConfiguration, "unknown failure policy %q", c.Crew.FailurePolicy)
	}
	if c.Crew.MaxDelegationDepth < 0 {
		return errors.New(errors.CodeConfiguration, "crew.max_delegation_depth must not be negative", nil)
	}

	switch c.Telemetry.Exporter {
	case "", "none", "stdout", "otlp":
	default:
		return errors.Newf(errors.CodeConfiguration, "unknown telemetry exporter %q", c.Telemetry.Exporter)
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		return errors.Newf(errors.CodeConfiguration, "telemetry.sample_ratio %.2f out of range [0, 1]", c.Telemetry.SampleRatio)
	}
	return nil
}
