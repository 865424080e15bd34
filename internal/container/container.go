// Package container is the narrow boundary to the container runtime used by
// the deploy role.
package container

import (
	"context"
	"time"
)

// Spec describes one container to run.
type Spec struct {
	Image   string
	Name    string
	Env     []string
	Network string
	// HealthTimeout bounds the wait for the container to report healthy
	// (or, without a health check, to stay running).
	HealthTimeout time.Duration
}

// Runtime is everything the deploy role needs from the container engine.
type Runtime interface {
	// BuildImage builds contextDir into an image tagged tag.
	BuildImage(ctx context.Context, contextDir, tag string) error
	// CreateNetwork creates (or reuses) a named network; returns its id.
	CreateNetwork(ctx context.Context, name string) (string, error)
	// RunContainer starts a container and waits for it to become healthy.
	RunContainer(ctx context.Context, spec Spec) (string, error)
	// StopContainer stops a running container.
	StopContainer(ctx context.Context, id string) error
}
