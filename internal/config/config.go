// Package config loads the devflow configuration: a YAML file with
// DEVFLOW_-prefixed environment overrides. The file is optional; defaults
// run a local single-process instance.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/devflow-io/devflow/internal/auth"
	"github.com/devflow-io/devflow/internal/contextmgr"
	"github.com/devflow-io/devflow/internal/coordinator"
	"github.com/devflow-io/devflow/internal/logging"
	"github.com/devflow-io/devflow/internal/registry"
	"github.com/devflow-io/devflow/internal/store"
	"github.com/devflow-io/devflow/internal/tracing"
	"github.com/devflow-io/devflow/internal/verify"
	"github.com/devflow-io/devflow/internal/workflow"
)

// ServiceConfig covers the process-level knobs.
type ServiceConfig struct {
	DataDir         string        `mapstructure:"data_dir"`
	ProjectsDir     string        `mapstructure:"projects_dir"`
	MetricsPort     int           `mapstructure:"metrics_port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	// ArchiveInterval paces the background archive ticker.
	ArchiveInterval time.Duration `mapstructure:"archive_interval"`
	// LockSweepInterval paces expired advisory lock cleanup.
	LockSweepInterval time.Duration `mapstructure:"lock_sweep_interval"`
	// TokenCounter selects "tiktoken" or "heuristic"; tiktoken falls back
	// to the heuristic when encoding data is unavailable.
	TokenCounter  string `mapstructure:"token_counter"`
	TokenEncoding string `mapstructure:"token_encoding"`
}

// Config is the full devflow configuration tree.
type Config struct {
	Service     ServiceConfig      `mapstructure:"service"`
	Logging     logging.Config     `mapstructure:"logging"`
	Store       store.Config       `mapstructure:"store"`
	Context     contextmgr.Config  `mapstructure:"context"`
	Auth        auth.Config        `mapstructure:"auth"`
	Registry    registry.Config    `mapstructure:"registry"`
	Workflow    workflow.Config    `mapstructure:"workflow"`
	Coordinator coordinator.Config `mapstructure:"coordinator"`
	Verify      verify.Config      `mapstructure:"verify"`
	Tracing     tracing.Config     `mapstructure:"tracing"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("service.data_dir", "data")
	v.SetDefault("service.projects_dir", "projects")
	v.SetDefault("service.metrics_port", 9090)
	v.SetDefault("service.shutdown_timeout", "30s")
	v.SetDefault("service.archive_interval", "1h")
	v.SetDefault("service.lock_sweep_interval", "1m")
	v.SetDefault("service.token_counter", "tiktoken")
	v.SetDefault("service.token_encoding", "cl100k_base")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("store.path", "data/devflow.db")
	v.SetDefault("store.busy_timeout", "5s")

	cm := contextmgr.DefaultConfig()
	v.SetDefault("context.default_session_budget", cm.DefaultSessionBudget)
	v.SetDefault("context.default_project_budget", cm.DefaultProjectBudget)
	v.SetDefault("context.keep_window", cm.KeepWindow)
	v.SetDefault("context.preserve_importance", cm.PreserveImportance)

	v.SetDefault("registry.enable_source_control", false)
	v.SetDefault("registry.enable_communication", false)
	v.SetDefault("registry.enable_deploy", false)

	wf := workflow.DefaultConfig()
	v.SetDefault("workflow.max_concurrency", wf.MaxConcurrency)
	v.SetDefault("workflow.lock_ttl", wf.LockTTL.String())

	co := coordinator.DefaultConfig()
	v.SetDefault("coordinator.failure_policy", co.FailurePolicy)
	v.SetDefault("coordinator.retry_attempts", co.RetryAttempts)
	v.SetDefault("coordinator.retry_delay", co.RetryDelay.String())
	v.SetDefault("coordinator.branch_pattern", co.BranchPattern)
	v.SetDefault("coordinator.base_branch", co.BaseBranch)
	v.SetDefault("coordinator.chat_channel", co.ChatChannel)
	v.SetDefault("coordinator.auto_create_channel", false)

	v.SetDefault("verify.timeout", "30s")

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "devflow")
}

// Load reads the configuration. An explicit path must exist; otherwise the
// loader searches the working directory and /etc/devflow, and a missing file
// just means defaults plus environment.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("DEVFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("devflow")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/devflow")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}
