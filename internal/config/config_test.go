package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestLoadDefaults(t *testing.T) {
	// Run from an empty directory so no stray devflow.yaml is picked up.
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)

	require.Equal(t, "data", cfg.Service.DataDir)
	require.Equal(t, 9090, cfg.Service.MetricsPort)
	require.Equal(t, 30*time.Second, cfg.Service.ShutdownTimeout)
	require.Equal(t, "info", cfg.Logging.Level)
	require.Equal(t, "data/devflow.db", cfg.Store.Path)
	require.Equal(t, "continue", cfg.Coordinator.FailurePolicy)
	require.Equal(t, "devflow", cfg.Coordinator.ChatChannel)
	require.False(t, cfg.Coordinator.AutoCreateChannel)
	require.Equal(t, 4, cfg.Workflow.MaxConcurrency)
	require.Equal(t, 30*time.Second, cfg.Verify.Timeout)
	require.False(t, cfg.Registry.EnableDeploy)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("DEVFLOW_LOGGING_LEVEL", "debug")
	t.Setenv("DEVFLOW_SERVICE_METRICS_PORT", "9191")
	t.Setenv("DEVFLOW_COORDINATOR_CHAT_CHANNEL", "releases")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, "debug", cfg.Logging.Level)
	require.Equal(t, 9191, cfg.Service.MetricsPort)
	require.Equal(t, "releases", cfg.Coordinator.ChatChannel)
}

func TestLoadExplicitFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "devflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
service:
  metrics_port: 8123
logging:
  level: warn
workflow:
  max_concurrency: 2
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 8123, cfg.Service.MetricsPort)
	require.Equal(t, "warn", cfg.Logging.Level)
	require.Equal(t, 2, cfg.Workflow.MaxConcurrency)
	// Untouched keys keep their defaults.
	require.Equal(t, "data/devflow.db", cfg.Store.Path)
}

func TestLoadExplicitFileMustExist(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestLoadRejectsMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "devflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte("service: [not: a map"), 0o644))
	_, err := Load(path)
	require.Error(t, err)
}

func TestWatcherAppliesEditedFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "devflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte("logging:\n  level: info\n"), 0o644))

	w, err := NewWatcher(path, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })

	reloaded := make(chan *Config, 1)
	w.OnReload(func(cfg *Config) {
		select {
		case reloaded <- cfg:
		default:
		}
	})

	require.NoError(t, os.WriteFile(path, []byte("logging:\n  level: debug\n"), 0o644))

	select {
	case cfg := <-reloaded:
		require.Equal(t, "debug", cfg.Logging.Level)
	case <-time.After(5 * time.Second):
		t.Fatal("config reload never fired")
	}
}

func TestWatcherKeepsPreviousConfigOnBadEdit(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "devflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte("logging:\n  level: info\n"), 0o644))

	w, err := NewWatcher(path, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })

	fired := make(chan struct{}, 1)
	w.OnReload(func(*Config) {
		select {
		case fired <- struct{}{}:
		default:
		}
	})

	require.NoError(t, os.WriteFile(path, []byte("logging: [broken"), 0o644))

	select {
	case <-fired:
		t.Fatal("handlers must not run for an unparseable config")
	case <-time.After(600 * time.Millisecond):
	}
}
