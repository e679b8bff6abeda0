package crew

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/jllopis/tradecrew/pkg/agent"
	"github.com/jllopis/tradecrew/pkg/core"
	"github.com/jllopis/tradecrew/pkg/errors"
)

// ProcessHierarchical is the only supported process mode.
const ProcessHierarchical = "hierarchical"

//go:embed trading.yaml
var tradingDefinition []byte

// Definition is the declarative form of a crew.
type Definition struct {
	Name    string     `yaml:"name"`
	Title   string     `yaml:"title"`
	Process string     `yaml:"process"`
	Agents  []AgentDef `yaml:"agents"`
	Tasks   []TaskDef  `yaml:"tasks"`
}

// AgentDef declares one agent.
type AgentDef struct {
	ID              string   `yaml:"id"`
	Role            string   `yaml:"role"`
	Goal            string   `yaml:"goal"`
	Backstory       string   `yaml:"backstory"`
	Tools           []string `yaml:"tools"`
	AllowDelegation bool     `yaml:"allow_delegation"`
	MaxIterations   int      `yaml:"max_iterations"`
}

// TaskDef declares one task.
type TaskDef struct {
	ID             string `yaml:"id"`
	Name           string `yaml:"name"`
	Agent          string `yaml:"agent"`
	Description    string `yaml:"description"`
	ExpectedOutput string `yaml:"expected_output"`
}

// ParseDefinition decodes and validates a YAML definition.
func ParseDefinition(data []byte) (*Definition, error) {
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, errors.New(errors.CodeConfiguration, "empty crew definition", nil)
	}
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, errors.New(errors.CodeConfiguration, "parse crew definition", err)
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

// LoadDefinition reads a definition file.
func LoadDefinition(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.New(errors.CodeConfiguration, "read crew definition", err).
			WithContext("path", path)
	}
	return ParseDefinition(data)
}

// DefaultDefinition returns the embedded trading crew.
func DefaultDefinition() *Definition {
	def, err := ParseDefinition(tradingDefinition)
	if err != nil {
		panic(fmt.Sprintf("embedded crew definition: %v", err))
	}
	return def
}

// Validate checks the structure that does not need a registry.
func (d *Definition) Validate() error {
	process := strings.ToLower(strings.TrimSpace(d.Process))
	if process != "" && process != ProcessHierarchical {
		return errors.Newf(errors.CodeConfiguration, "unsupported process %q", d.Process)
	}
	if len(d.Agents) == 0 {
		return errors.New(errors.CodeConfiguration, "crew definition has no agents", nil)
	}
	if len(d.Tasks) == 0 {
		return errors.New(errors.CodeConfiguration, "crew definition has no tasks", nil)
	}
	return nil
}

// Deps binds a definition to runtime collaborators.
type Deps struct {
	// LLM is the inference binding of every worker agent.
	LLM agent.Inference
	// MaxIterations applies to agents that do not set their own.
	MaxIterations int
	// Crew carries the manager, tool backends and run settings. Its Pipeline
	// and, when empty, its Title are filled from the definition.
	Crew Config
}

// Build registers the agents, assembles the pipeline and creates the crew.
func (d *Definition) Build(deps Deps) (*Crew, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}
	if deps.LLM == nil {
		return nil, errors.New(errors.CodeConfiguration, "crew definition needs an inference binding", nil)
	}

	registry := agent.NewRegistry()
	for _, ad := range d.Agents {
		caps := make([]core.Capability, 0, len(ad.Tools))
		for _, name := range ad.Tools {
			c, err := core.ParseCapability(name)
			if err != nil {
				return nil, errors.New(errors.CodeConfiguration, "agent tool", err).WithContext("agent", ad.ID)
			}
			caps = append(caps, c)
		}
		maxIter := ad.MaxIterations
		if maxIter == 0 {
			maxIter = deps.MaxIterations
		}
		if _, err := registry.Register(agent.Spec{
			ID:              ad.ID,
			Role:            ad.Role,
			Goal:            ad.Goal,
			Backstory:       ad.Backstory,
			Capabilities:    caps,
			AllowDelegation: ad.AllowDelegation,
			LLM:             deps.LLM,
			MaxIterations:   maxIter,
		}); err != nil {
			return nil, err
		}
	}

	pipeline := NewPipeline(registry)
	for _, td := range d.Tasks {
		if _, err := pipeline.Append(TaskSpec{
			ID:             td.ID,
			Name:           td.Name,
			Agent:          td.Agent,
			Description:    td.Description,
			ExpectedOutput: td.ExpectedOutput,
		}); err != nil {
			return nil, err
		}
	}

	cfg := deps.Crew
	cfg.Pipeline = pipeline
	if cfg.Title == "" {
		cfg.Title = d.Title
	}
	return New(cfg)
}
