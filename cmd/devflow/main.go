// devflow is the one-shot CLI over the service's programmatic API. Exit
// codes: 0 success, 1 user error, 2 config error, 3 external failure,
// 10 internal failure.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/devflow-io/devflow/internal/agent"
	"github.com/devflow-io/devflow/internal/config"
	"github.com/devflow-io/devflow/internal/logging"
	"github.com/devflow-io/devflow/internal/service"
	"github.com/devflow-io/devflow/internal/store"
)

var (
	flagConfig string
	flagScope  string
	flagGoal   string
	flagInputs []string
)

// usageError marks operator mistakes (bad arguments) as exit code 1.
type usageError struct{ msg string }

func (e *usageError) Error() string { return e.msg }

func usagef(format string, args ...any) error {
	return &usageError{msg: fmt.Sprintf(format, args...)}
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var ue *usageError
	if errors.As(err, &ue) {
		return 1
	}
	switch agent.KindOf(err) {
	case agent.KindConfigInvalid:
		return 2
	case agent.KindAuthMissing, agent.KindExternalTimeout, agent.KindExternalRejected:
		return 3
	default:
		return 10
	}
}

// withService loads config, builds the graph, runs fn, and shuts down with
// the requested mode.
func withService(cmd *cobra.Command, mode service.ShutdownMode, fn func(ctx context.Context, svc *service.Service) error) error {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return agent.NewError(agent.KindConfigInvalid, "load config: %s", err.Error())
	}
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return agent.NewError(agent.KindConfigInvalid, "build logger: %s", err.Error())
	}
	defer func() { _ = logger.Sync() }()

	ctx := cmd.Context()
	svc, err := service.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if err := svc.Start(ctx); err != nil {
		_ = svc.Shutdown(ctx, service.ShutdownEmergency)
		return err
	}

	runErr := fn(ctx, svc)
	if err := svc.Shutdown(ctx, mode); err != nil {
		logger.Error("Shutdown incomplete", zap.Error(err))
		if runErr == nil {
			runErr = err
		}
	}
	return runErr
}

// parseInputs turns repeated key=value flags into a workflow input map.
func parseInputs(pairs []string) (store.JSONMap, error) {
	input := store.JSONMap{}
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, usagef("invalid --input %q, want key=value", p)
		}
		input[k] = v
	}
	return input, nil
}

func parseScope(name string) (store.Scope, error) {
	switch name {
	case "", "session":
		return store.ScopeSession, nil
	case "project":
		return store.ScopeProject, nil
	default:
		return "", usagef("unknown scope %q, want session or project", name)
	}
}

func main() {
	root := &cobra.Command{
		Use:           "devflow",
		Short:         "Multi-agent workflow automation",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flagConfig, "config", "", "path to devflow.yaml")

	root.AddCommand(
		newStartCmd(),
		newWorkflowCmd(),
		newSaveCmd(),
		newResumeCmd(),
		newListCmd(),
		newPauseCmd(),
		newCompleteCmd(),
		newDocsCmd(),
		newVerifyCmd(),
		newShutdownCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "devflow:", err)
		os.Exit(exitCode(err))
	}
}
