package main

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/devflow-io/devflow/internal/service"
	"github.com/devflow-io/devflow/internal/store"
)

func newSaveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "save <context-id>",
		Short: "Persist a context and drop it from the live registry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd, service.ShutdownQuick, func(ctx context.Context, svc *service.Service) error {
				return svc.SaveContext(ctx, args[0])
			})
		},
	}
}

func newResumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume <context-id>",
		Short: "Restore a context from the store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd, service.ShutdownRegular, func(ctx context.Context, svc *service.Service) error {
				c, err := svc.ResumeContext(ctx, args[0])
				if err != nil {
					return err
				}
				rec := c.Snapshot()
				fmt.Fprintf(cmd.OutOrStdout(), "context %s (%s): %s, level %s, %d/%d tokens\n",
					rec.ID, rec.Scope, rec.Goal, rec.CompressionLevel, rec.TokensUsed, rec.TokenBudget)
				return nil
			})
		},
	}
}

func newListCmd() *cobra.Command {
	var scopeName string
	var completed bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stored contexts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := store.ContextFilter{}
			if scopeName != "" {
				scope, err := parseScope(scopeName)
				if err != nil {
					return err
				}
				filter.Scope = scope
			}
			if cmd.Flags().Changed("completed") {
				filter.Completed = &completed
			}
			return withService(cmd, service.ShutdownEmergency, func(ctx context.Context, svc *service.Service) error {
				recs, err := svc.ListContexts(ctx, filter)
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tSCOPE\tLEVEL\tGOAL")
				for _, rec := range recs {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", rec.ID, rec.Scope, rec.CompressionLevel, rec.Goal)
				}
				return w.Flush()
			})
		},
	}
	cmd.Flags().StringVar(&scopeName, "scope", "", "filter by scope: session or project")
	cmd.Flags().BoolVar(&completed, "completed", false, "filter by completion")
	return cmd
}

func newPauseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pause <context-id>",
		Short: "Record a durable pause request and save the context",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd, service.ShutdownQuick, func(ctx context.Context, svc *service.Service) error {
				return svc.PauseContext(ctx, args[0])
			})
		},
	}
}

func newCompleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "complete <context-id>",
		Short: "Mark a context completed and notify external systems",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd, service.ShutdownRegular, func(ctx context.Context, svc *service.Service) error {
				return svc.CompleteContext(ctx, args[0])
			})
		},
	}
}

func newDocsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "docs <project-id>",
		Short: "Print a project's identity document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd, service.ShutdownEmergency, func(ctx context.Context, svc *service.Service) error {
				doc, err := svc.Contexts.Identity().Read(args[0])
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "# %s\n\nGoal: %s\n", doc.ProjectID, doc.Goal)
				for _, section := range []struct{ title, body string }{
					{"Vision", doc.Vision},
					{"Requirements", doc.Requirements},
					{"Success criteria", doc.SuccessCriteria},
					{"Notes", doc.Notes},
				} {
					if section.body != "" {
						fmt.Fprintf(out, "\n## %s\n%s\n", section.title, section.body)
					}
				}
				return nil
			})
		},
	}
}
