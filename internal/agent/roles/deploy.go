package roles

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/devflow-io/devflow/internal/agent"
	"github.com/devflow-io/devflow/internal/container"
	"github.com/devflow-io/devflow/internal/store"
)

// Deploy builds and runs a container for the context's artifact.
type Deploy struct {
	runtime container.Runtime
	logger  *zap.Logger
}

func NewDeploy(rt container.Runtime, logger *zap.Logger) *Deploy {
	return &Deploy{runtime: rt, logger: logger}
}

func (r *Deploy) Name() string { return "deploy" }

func (r *Deploy) StepPlan() agent.StepPlan {
	return agent.StepPlan{
		"validate-env", "build", "network-setup", "deploy", "health-check", "cleanup",
	}
}

// Guard rejects every step up front when no container runtime is wired.
func (r *Deploy) Guard(ctx context.Context, step string, ex *agent.Execution) error {
	if r.runtime == nil {
		return agent.NewError(agent.KindAuthMissing,
			"no container runtime configured: set DOCKER_HOST or run a local daemon")
	}
	return nil
}

func (r *Deploy) ExecuteStep(ctx context.Context, step string, ex *agent.Execution) (store.JSONMap, error) {
	switch step {
	case "validate-env":
		return r.validateEnv(ex)
	case "build":
		return r.build(ctx, ex)
	case "network-setup":
		return r.networkSetup(ctx, ex)
	case "deploy":
		return r.deploy(ctx, ex)
	case "health-check":
		return r.healthCheck(ex)
	case "cleanup":
		return r.cleanup(ctx, ex)
	default:
		return nil, agent.NewError(agent.KindStateViolation, "unknown step %q", step)
	}
}

func (r *Deploy) validateEnv(ex *agent.Execution) (store.JSONMap, error) {
	image := inputString(ex, "image")
	if image == "" {
		return nil, agent.NewError(agent.KindConfigInvalid, "deploy requires an image tag")
	}
	contextDir := inputString(ex, "context_dir")
	if contextDir != "" {
		if info, err := os.Stat(contextDir); err != nil || !info.IsDir() {
			return nil, agent.NewError(agent.KindConfigInvalid,
				"build context %q is not a directory", contextDir)
		}
	}
	return store.JSONMap{"image": image, "build": contextDir != ""}, nil
}

func (r *Deploy) build(ctx context.Context, ex *agent.Execution) (store.JSONMap, error) {
	contextDir := inputString(ex, "context_dir")
	if contextDir == "" {
		// Pre-built image; nothing to do.
		return store.JSONMap{"built": false}, nil
	}
	image := inputString(ex, "image")
	if err := r.runtime.BuildImage(ctx, contextDir, image); err != nil {
		return nil, err
	}
	return store.JSONMap{"built": true, "image": image}, nil
}

func (r *Deploy) networkSetup(ctx context.Context, ex *agent.Execution) (store.JSONMap, error) {
	network := inputString(ex, "network")
	if network == "" {
		network = "devflow"
	}
	id, err := r.runtime.CreateNetwork(ctx, network)
	if err != nil {
		return nil, err
	}
	ex.Set("network", network)
	return store.JSONMap{"network": network, "network_id": id}, nil
}

func (r *Deploy) deploy(ctx context.Context, ex *agent.Execution) (store.JSONMap, error) {
	network, _ := ex.Get("network")
	name := inputString(ex, "name")
	if name == "" {
		name = fmt.Sprintf("devflow-%s", ex.ID()[:8])
	}

	var healthTimeout time.Duration
	if secs, ok := intInput(ex, "health_timeout_secs"); ok {
		healthTimeout = time.Duration(secs) * time.Second
	}

	id, err := r.runtime.RunContainer(ctx, container.Spec{
		Image:         inputString(ex, "image"),
		Name:          name,
		Env:           stringSlice(ex.Input()["env"]),
		Network:       network.(string),
		HealthTimeout: healthTimeout,
	})
	if err != nil {
		return nil, err
	}
	ex.Set("container_id", id)
	return store.JSONMap{"container_id": id, "name": name}, nil
}

// healthCheck confirms the deploy step's health wait concluded; the runtime
// only returns a container id once it is healthy. Reporting healthy without
// a container id would be exactly the discrepancy the verifier exists for.
func (r *Deploy) healthCheck(ex *agent.Execution) (store.JSONMap, error) {
	id, ok := ex.Get("container_id")
	if !ok {
		return nil, agent.NewError(agent.KindStateViolation, "no container to health-check")
	}
	return store.JSONMap{"healthy": true, "container_id": id}, nil
}

func (r *Deploy) cleanup(ctx context.Context, ex *agent.Execution) (store.JSONMap, error) {
	// Replacing a previous deployment stops the old container last, after
	// the new one is healthy.
	replaced := inputString(ex, "replace_id")
	if replaced == "" {
		return store.JSONMap{"replaced": false}, nil
	}
	if err := r.runtime.StopContainer(ctx, replaced); err != nil {
		return nil, err
	}
	r.logger.Info("Replaced previous deployment", zap.String("container_id", replaced))
	return store.JSONMap{"replaced": true, "previous": replaced}, nil
}
