package agent

import (
	"context"
	"fmt"

	"github.com/devflow-io/devflow/internal/store"
)

// MaxSteps is the hard cap on executable steps per agent. Roles declaring
// more are rejected at construction.
const MaxSteps = 8

// StepPlan is the ordered list of step names a role will execute.
type StepPlan []string

// NewStepPlan validates a plan: non-empty, unique names, at most MaxSteps.
func NewStepPlan(steps ...string) (StepPlan, error) {
	if len(steps) == 0 {
		return nil, fmt.Errorf("step plan is empty")
	}
	if len(steps) > MaxSteps {
		return nil, fmt.Errorf("step plan has %d steps, max is %d", len(steps), MaxSteps)
	}
	seen := make(map[string]struct{}, len(steps))
	for _, s := range steps {
		if s == "" {
			return nil, fmt.Errorf("step plan contains an empty step name")
		}
		if _, dup := seen[s]; dup {
			return nil, fmt.Errorf("step plan contains duplicate step %q", s)
		}
		seen[s] = struct{}{}
	}
	return StepPlan(steps), nil
}

// Role is the uniform behavioural contract of the closed role set. Dispatch
// is by name; the shared runtime supplies everything else by composition.
type Role interface {
	// Name returns the role tag (e.g. "source-control").
	Name() string
	// StepPlan returns the declared ordered steps, at most MaxSteps.
	StepPlan() StepPlan
	// ExecuteStep runs one named step and returns its result payload.
	ExecuteStep(ctx context.Context, step string, ex *Execution) (store.JSONMap, error)
}

// Guarded is an optional role capability: a precondition checked before each
// step. A guard error fails the step without running it.
type Guarded interface {
	Guard(ctx context.Context, step string, ex *Execution) error
}

// LessonSource supplies learned rules for a role tag at agent start.
type LessonSource interface {
	ForAgent(ctx context.Context, agentTag string) ([]*store.Lesson, error)
}
