package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/devflow-io/devflow/internal/service"
	"github.com/devflow-io/devflow/internal/verify"
)

// probeFile is the on-disk probe catalog: task identifier to probe.
type probeFile struct {
	Tasks map[string]probeSpec `yaml:"tasks"`
}

type probeSpec struct {
	Kind      string        `yaml:"kind"`
	Command   string        `yaml:"command"`
	URL       string        `yaml:"url"`
	Sentinels []string      `yaml:"sentinels"`
	Timeout   time.Duration `yaml:"timeout"`
}

func loadProbes(path string, v *verify.Verifier) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return usagef("read probes file: %s", err)
	}
	var file probeFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return usagef("parse probes file: %s", err)
	}
	for taskID, spec := range file.Tasks {
		if err := v.Register(taskID, verify.Probe{
			Kind:      spec.Kind,
			Command:   spec.Command,
			URL:       spec.URL,
			Sentinels: spec.Sentinels,
			Timeout:   spec.Timeout,
		}); err != nil {
			return err
		}
	}
	return nil
}

func newVerifyCmd() *cobra.Command {
	var probesPath string
	var agentTag string
	cmd := &cobra.Command{
		Use:   "verify <document-file>",
		Short: "Probe the checked-off tasks in a progress document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if probesPath == "" {
				return usagef("--probes is required")
			}
			document, err := os.ReadFile(args[0])
			if err != nil {
				return usagef("read document: %s", err)
			}
			return withService(cmd, service.ShutdownQuick, func(ctx context.Context, svc *service.Service) error {
				if err := loadProbes(probesPath, svc.Verifier); err != nil {
					return err
				}
				report, err := svc.Verifier.VerifyDocument(ctx, string(document), agentTag)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "checked: %d  verified: %d  discrepancies: %d  accuracy: %.0f%%\n",
					report.Total, report.Verified, report.Discrepancies, report.Accuracy()*100)
				for _, rec := range report.Records {
					marker := "ok"
					if rec.Discrepancy {
						marker = "MISMATCH"
					}
					fmt.Fprintf(out, "  %-10s %s (claimed %s, verified %s)\n",
						marker, rec.TaskID, rec.ClaimedStatus, rec.VerifiedStatus)
				}
				if len(report.Skipped) > 0 {
					fmt.Fprintf(out, "skipped (no probe): %v\n", report.Skipped)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&probesPath, "probes", "", "YAML file mapping task identifiers to probes")
	cmd.Flags().StringVar(&agentTag, "tag", "workflow", "agent tag for recorded lessons")
	return cmd
}
