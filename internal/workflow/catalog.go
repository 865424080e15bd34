// Package workflow composes agent roles into named workflow types: sequential
// chains with handoff propagation, or parallel branch fan-outs with conflict
// detection. The type catalog is embedded and closed.
package workflow

import (
	_ "embed"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/devflow-io/devflow/internal/agent"
)

//go:embed catalog.yaml
var builtinCatalog []byte

// Mode of execution for a workflow type.
type Mode string

const (
	ModeSequential Mode = "sequential"
	ModeParallel   Mode = "parallel"
)

// FailurePolicy decides what a single role failure does to the workflow.
type FailurePolicy string

const (
	PolicyContinue FailurePolicy = "continue"
	PolicyStop     FailurePolicy = "stop"
	PolicyRetry    FailurePolicy = "retry"
)

// Workflow status values. Shaped like agent states on purpose.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Definition is one catalog entry: an ordered role list plus execution policy.
type Definition struct {
	Name           string        `yaml:"-"`
	Mode           Mode          `yaml:"mode"`
	Roles          []string      `yaml:"roles"`
	FailurePolicy  FailurePolicy `yaml:"failure_policy"`
	RetryAttempts  int           `yaml:"retry_attempts"`
	MaxConcurrency int           `yaml:"max_concurrency"`
}

type catalogFile struct {
	Workflows map[string]*Definition `yaml:"workflows"`
}

// Catalog is the validated set of workflow definitions.
type Catalog struct {
	defs map[string]*Definition
}

// ParseCatalog validates a YAML catalog document.
func ParseCatalog(data []byte) (*Catalog, error) {
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, agent.NewError(agent.KindConfigInvalid, "catalog parse: %s", err.Error())
	}
	if len(file.Workflows) == 0 {
		return nil, agent.NewError(agent.KindConfigInvalid, "catalog declares no workflows")
	}

	for name, def := range file.Workflows {
		def.Name = name
		if len(def.Roles) == 0 {
			return nil, agent.NewError(agent.KindConfigInvalid, "workflow %q declares no roles", name)
		}
		switch def.Mode {
		case ModeSequential, ModeParallel:
		case "":
			def.Mode = ModeSequential
		default:
			return nil, agent.NewError(agent.KindConfigInvalid, "workflow %q: unknown mode %q", name, def.Mode)
		}
		switch def.FailurePolicy {
		case PolicyContinue, PolicyStop, PolicyRetry:
		case "":
			def.FailurePolicy = PolicyStop
		default:
			return nil, agent.NewError(agent.KindConfigInvalid,
				"workflow %q: unknown failure policy %q", name, def.FailurePolicy)
		}
		if def.FailurePolicy == PolicyRetry && def.RetryAttempts <= 0 {
			def.RetryAttempts = 2
		}
		if def.Mode == ModeParallel && def.MaxConcurrency <= 0 {
			def.MaxConcurrency = 4
		}
	}
	return &Catalog{defs: file.Workflows}, nil
}

// LoadCatalog parses the embedded catalog.
func LoadCatalog() (*Catalog, error) {
	return ParseCatalog(builtinCatalog)
}

// Get returns the named definition.
func (c *Catalog) Get(name string) (*Definition, error) {
	def, ok := c.defs[name]
	if !ok {
		return nil, agent.NewError(agent.KindConfigInvalid, "unknown workflow type %q", name)
	}
	return def, nil
}

// Names lists the declared workflow types, sorted.
func (c *Catalog) Names() []string {
	names := make([]string, 0, len(c.defs))
	for name := range c.defs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
