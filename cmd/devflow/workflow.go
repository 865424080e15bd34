package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/devflow-io/devflow/internal/service"
	"github.com/devflow-io/devflow/internal/workflow"
)

func newStartCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start <workflow-type>",
		Short: "Create a context and run a workflow against it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			scope, err := parseScope(flagScope)
			if err != nil {
				return err
			}
			input, err := parseInputs(flagInputs)
			if err != nil {
				return err
			}
			if flagGoal == "" {
				return usagef("--goal is required")
			}
			return withService(cmd, service.ShutdownRegular, func(ctx context.Context, svc *service.Service) error {
				wf, err := svc.StartWorkflow(ctx, scope, flagGoal, args[0], input)
				if wf != nil {
					printWorkflow(cmd, wf.ID, wf.ContextID, wf.Status)
				}
				return err
			})
		},
	}
	cmd.Flags().StringVar(&flagScope, "scope", "session", "context scope: session or project")
	cmd.Flags().StringVar(&flagGoal, "goal", "", "goal the context exists to serve")
	cmd.Flags().StringArrayVar(&flagInputs, "input", nil, "workflow input as key=value (repeatable)")
	return cmd
}

func newWorkflowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workflow",
		Short: "Run, resume, and inspect workflows",
	}

	var contextID string
	run := &cobra.Command{
		Use:   "run <workflow-type>",
		Short: "Run a workflow against an existing context",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if contextID == "" {
				return usagef("--context is required")
			}
			input, err := parseInputs(flagInputs)
			if err != nil {
				return err
			}
			return withService(cmd, service.ShutdownRegular, func(ctx context.Context, svc *service.Service) error {
				wf, err := svc.RunWorkflow(ctx, contextID, args[0], input)
				if wf != nil {
					printWorkflow(cmd, wf.ID, wf.ContextID, wf.Status)
				}
				return err
			})
		},
	}
	run.Flags().StringVar(&contextID, "context", "", "context identifier")
	run.Flags().StringArrayVar(&flagInputs, "input", nil, "workflow input as key=value (repeatable)")

	resume := &cobra.Command{
		Use:   "resume <workflow-id>",
		Short: "Continue an interrupted workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			input, err := parseInputs(flagInputs)
			if err != nil {
				return err
			}
			return withService(cmd, service.ShutdownRegular, func(ctx context.Context, svc *service.Service) error {
				wf, err := svc.ResumeWorkflow(ctx, args[0], input)
				if wf != nil {
					printWorkflow(cmd, wf.ID, wf.ContextID, wf.Status)
				}
				return err
			})
		},
	}
	resume.Flags().StringArrayVar(&flagInputs, "input", nil, "workflow input as key=value (repeatable)")

	types := &cobra.Command{
		Use:   "types",
		Short: "List available workflow types",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			catalog, err := workflow.LoadCatalog()
			if err != nil {
				return err
			}
			for _, name := range catalog.Names() {
				def, _ := catalog.Get(name)
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\n",
					name, def.Mode, strings.Join(def.Roles, " -> "))
			}
			return nil
		},
	}

	cmd.AddCommand(run, resume, types)
	return cmd
}

func printWorkflow(cmd *cobra.Command, id, contextID, status string) {
	fmt.Fprintf(cmd.OutOrStdout(), "workflow %s (context %s): %s\n", id, contextID, status)
}

func newShutdownCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "shutdown <emergency|quick|regular>",
		Short: "Flush shared state per the chosen mode",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var mode service.ShutdownMode
			switch args[0] {
			case "emergency":
				mode = service.ShutdownEmergency
			case "quick":
				mode = service.ShutdownQuick
			case "regular":
				mode = service.ShutdownRegular
			default:
				return usagef("unknown shutdown mode %q", args[0])
			}
			return withService(cmd, mode, func(ctx context.Context, svc *service.Service) error {
				return nil
			})
		},
	}
}
