package roles

import (
	"context"
	"fmt"
	"path"
	"strings"

	"go.uber.org/zap"

	"github.com/devflow-io/devflow/internal/agent"
	"github.com/devflow-io/devflow/internal/store"
)

// Artifact is one framework-tagged code artifact produced by the code role.
type Artifact struct {
	Path      string `json:"path"`
	Framework string `json:"framework"`
	Kind      string `json:"kind"` // entrypoint, handler, model, test
	Outline   string `json:"outline"`
}

// frameworkLayouts maps a framework tag to the artifact set the plan step
// derives for it. Unknown frameworks fall back to the generic layout.
var frameworkLayouts = map[string][]Artifact{
	"go": {
		{Path: "cmd/app/main.go", Kind: "entrypoint"},
		{Path: "internal/handler/handler.go", Kind: "handler"},
		{Path: "internal/model/model.go", Kind: "model"},
		{Path: "internal/handler/handler_test.go", Kind: "test"},
	},
	"fastapi": {
		{Path: "app/main.py", Kind: "entrypoint"},
		{Path: "app/routers/api.py", Kind: "handler"},
		{Path: "app/models.py", Kind: "model"},
		{Path: "tests/test_api.py", Kind: "test"},
	},
	"express": {
		{Path: "src/index.js", Kind: "entrypoint"},
		{Path: "src/routes/api.js", Kind: "handler"},
		{Path: "src/models/model.js", Kind: "model"},
		{Path: "test/api.test.js", Kind: "test"},
	},
	"generic": {
		{Path: "src/main", Kind: "entrypoint"},
		{Path: "src/lib", Kind: "handler"},
		{Path: "test/main_test", Kind: "test"},
	},
}

// Code plans and produces structured code artifacts for a goal.
type Code struct {
	logger *zap.Logger
}

func NewCode(logger *zap.Logger) *Code {
	return &Code{logger: logger}
}

func (r *Code) Name() string { return "code" }

func (r *Code) StepPlan() agent.StepPlan {
	return agent.StepPlan{"plan", "generate", "validate", "test"}
}

func (r *Code) ExecuteStep(ctx context.Context, step string, ex *agent.Execution) (store.JSONMap, error) {
	switch step {
	case "plan":
		return r.plan(ex)
	case "generate":
		return r.generate(ex)
	case "validate":
		return r.validate(ex)
	case "test":
		return r.test(ex)
	default:
		return nil, agent.NewError(agent.KindStateViolation, "unknown step %q", step)
	}
}

func (r *Code) plan(ex *agent.Execution) (store.JSONMap, error) {
	goal := inputString(ex, "goal")
	if goal == "" {
		return nil, agent.NewError(agent.KindConfigInvalid, "code role requires a goal")
	}
	framework := inputString(ex, "framework")
	if framework == "" {
		framework = "generic"
	}
	layout, ok := frameworkLayouts[framework]
	if !ok {
		layout = frameworkLayouts["generic"]
	}

	planned := make([]Artifact, len(layout))
	copy(planned, layout)
	for i := range planned {
		planned[i].Framework = framework
	}
	ex.Set("planned", planned)

	names := make([]string, len(planned))
	for i, a := range planned {
		names[i] = a.Path
	}
	return store.JSONMap{"framework": framework, "artifact_count": len(planned), "paths": names}, nil
}

func (r *Code) generate(ex *agent.Execution) (store.JSONMap, error) {
	v, ok := ex.Get("planned")
	if !ok {
		return nil, agent.NewError(agent.KindStateViolation, "no plan to generate from")
	}
	planned := v.([]Artifact)
	goal := inputString(ex, "goal")

	for i := range planned {
		planned[i].Outline = fmt.Sprintf("%s %s for: %s", planned[i].Framework, planned[i].Kind, goal)
	}
	ex.Set("artifacts", planned)

	return store.JSONMap{"generated": len(planned)}, nil
}

func (r *Code) validate(ex *agent.Execution) (store.JSONMap, error) {
	v, ok := ex.Get("artifacts")
	if !ok {
		return nil, agent.NewError(agent.KindStateViolation, "nothing generated to validate")
	}
	artifacts := v.([]Artifact)
	if len(artifacts) == 0 {
		return nil, agent.NewError(agent.KindConfigInvalid, "generation produced no artifacts")
	}

	seen := map[string]bool{}
	for _, a := range artifacts {
		if a.Path == "" || path.IsAbs(a.Path) || strings.Contains(a.Path, "..") {
			return nil, agent.NewError(agent.KindConfigInvalid, "artifact path %q is not a clean relative path", a.Path)
		}
		if seen[a.Path] {
			return nil, agent.NewError(agent.KindConfigInvalid, "duplicate artifact path %q", a.Path)
		}
		seen[a.Path] = true
	}
	return store.JSONMap{"validated": len(artifacts)}, nil
}

func (r *Code) test(ex *agent.Execution) (store.JSONMap, error) {
	v, _ := ex.Get("artifacts")
	artifacts, _ := v.([]Artifact)

	// Every layout must carry at least one test artifact; that is the
	// contract the deploy role relies on downstream.
	hasTest := false
	list := make([]store.JSONMap, 0, len(artifacts))
	for _, a := range artifacts {
		if a.Kind == "test" {
			hasTest = true
		}
		list = append(list, store.JSONMap{
			"path": a.Path, "framework": a.Framework, "kind": a.Kind, "outline": a.Outline,
		})
	}
	if !hasTest {
		return nil, agent.NewError(agent.KindConfigInvalid, "artifact set has no tests")
	}
	return store.JSONMap{"tested": true, "artifacts": list}, nil
}
