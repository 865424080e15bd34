package container

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	containertypes "github.com/docker/docker/api/types/container"
	networktypes "github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"go.uber.org/zap"

	"github.com/devflow-io/devflow/internal/agent"
)

const (
	defaultHealthTimeout = 60 * time.Second
	healthPollInterval   = 500 * time.Millisecond
)

// Docker implements Runtime against the local daemon.
type Docker struct {
	cli    *client.Client
	logger *zap.Logger
}

// NewDocker connects using the environment (DOCKER_HOST et al.).
func NewDocker(logger *zap.Logger) (*Docker, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, agent.NewError(agent.KindAuthMissing,
			"cannot reach container daemon: %s (set DOCKER_HOST)", err.Error())
	}
	return &Docker{cli: cli, logger: logger}, nil
}

func (d *Docker) Close() error { return d.cli.Close() }

func (d *Docker) BuildImage(ctx context.Context, contextDir, tag string) error {
	buildCtx, err := tarDirectory(contextDir)
	if err != nil {
		return fmt.Errorf("prepare build context: %w", err)
	}

	resp, err := d.cli.ImageBuild(ctx, buildCtx, types.ImageBuildOptions{
		Tags:       []string{tag},
		Dockerfile: "Dockerfile",
		Remove:     true,
	})
	if err != nil {
		return agent.NewError(agent.KindExternalRejected, "image build failed: %s", err.Error())
	}
	defer resp.Body.Close()

	// The build runs while the response streams; drain it to completion.
	if _, err := io.Copy(io.Discard, resp.Body); err != nil {
		return fmt.Errorf("read build output: %w", err)
	}

	d.logger.Info("Image built", zap.String("tag", tag))
	return nil
}

func (d *Docker) CreateNetwork(ctx context.Context, name string) (string, error) {
	resp, err := d.cli.NetworkCreate(ctx, name, networktypes.CreateOptions{Driver: "bridge"})
	if err != nil {
		if strings.Contains(err.Error(), "already exists") {
			nets, listErr := d.cli.NetworkList(ctx, networktypes.ListOptions{})
			if listErr == nil {
				for _, n := range nets {
					if n.Name == name {
						return n.ID, nil
					}
				}
			}
		}
		return "", agent.NewError(agent.KindExternalRejected, "create network %s: %s", name, err.Error())
	}
	return resp.ID, nil
}

func (d *Docker) RunContainer(ctx context.Context, spec Spec) (string, error) {
	hostConfig := &containertypes.HostConfig{}
	if spec.Network != "" {
		hostConfig.NetworkMode = containertypes.NetworkMode(spec.Network)
	}

	created, err := d.cli.ContainerCreate(ctx, &containertypes.Config{
		Image: spec.Image,
		Env:   spec.Env,
	}, hostConfig, nil, nil, spec.Name)
	if err != nil {
		return "", agent.NewError(agent.KindExternalRejected, "create container %s: %s", spec.Name, err.Error())
	}

	if err := d.cli.ContainerStart(ctx, created.ID, containertypes.StartOptions{}); err != nil {
		return "", agent.NewError(agent.KindExternalRejected, "start container %s: %s", spec.Name, err.Error())
	}

	if err := d.waitHealthy(ctx, created.ID, spec.HealthTimeout); err != nil {
		return created.ID, err
	}

	d.logger.Info("Container running",
		zap.String("name", spec.Name),
		zap.String("id", created.ID),
	)
	return created.ID, nil
}

// waitHealthy polls the container until its health check reports healthy.
// Containers without a health check pass once they are running.
func (d *Docker) waitHealthy(ctx context.Context, id string, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = defaultHealthTimeout
	}
	deadline := time.Now().Add(timeout)

	for {
		inspect, err := d.cli.ContainerInspect(ctx, id)
		if err != nil {
			return fmt.Errorf("inspect container: %w", err)
		}
		state := inspect.State
		if state != nil {
			if state.Health == nil {
				if state.Running {
					return nil
				}
			} else {
				switch state.Health.Status {
				case "healthy":
					return nil
				case "unhealthy":
					return agent.NewError(agent.KindExternalRejected, "container %s reported unhealthy", id)
				}
			}
			if state.Dead || (!state.Running && state.ExitCode != 0) {
				return agent.NewError(agent.KindExternalRejected,
					"container %s exited with code %d", id, state.ExitCode)
			}
		}

		if time.Now().After(deadline) {
			return agent.NewError(agent.KindExternalTimeout, "container %s not healthy after %s", id, timeout)
		}
		select {
		case <-ctx.Done():
			return agent.NewError(agent.KindCancelled, "health wait cancelled for %s", id)
		case <-time.After(healthPollInterval):
		}
	}
}

func (d *Docker) StopContainer(ctx context.Context, id string) error {
	timeout := 10
	if err := d.cli.ContainerStop(ctx, id, containertypes.StopOptions{Timeout: &timeout}); err != nil {
		return agent.NewError(agent.KindExternalRejected, "stop container %s: %s", id, err.Error())
	}
	return nil
}

// tarDirectory packs a build context the way the daemon expects.
func tarDirectory(dir string) (io.Reader, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)

	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
	if err != nil {
		return nil, err
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	return &buf, nil
}
