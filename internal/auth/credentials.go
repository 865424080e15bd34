// Package auth loads and vends per-service credentials. Sources, in order:
// process environment, a .env file, and an optional encrypted credential
// file. Missing credentials fail fast and name the variable to set.
package auth

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/devflow-io/devflow/internal/agent"
)

// Service identifies an external system a credential belongs to.
type Service string

const (
	ServiceGitHub Service = "github"
	ServiceSlack  Service = "slack"
	ServiceDocker Service = "docker"
)

// envNames maps each service to its accepted environment variables, most
// specific first.
var envNames = map[Service][]string{
	ServiceGitHub: {"DEVFLOW_GITHUB_TOKEN", "GITHUB_TOKEN"},
	ServiceSlack:  {"DEVFLOW_SLACK_TOKEN", "SLACK_BOT_TOKEN"},
	ServiceDocker: {"DOCKER_HOST"},
}

// Config locates the optional credential sources.
type Config struct {
	// DotenvPath is loaded without overriding the process environment.
	DotenvPath string `mapstructure:"dotenv_path"`
	// EncryptedPath points at a secretbox-sealed credential file.
	EncryptedPath string `mapstructure:"encrypted_path"`
	// PassphraseEnv names the variable holding the file passphrase.
	PassphraseEnv string `mapstructure:"passphrase_env"`
}

// Manager resolves credentials for the agent roles.
type Manager struct {
	logger *zap.Logger

	mu   sync.RWMutex
	file map[string]string // decrypted file entries, keyed by env name
}

// NewManager loads the optional sources. A missing .env or credential file
// is not an error; a present-but-unreadable one is.
func NewManager(cfg Config, logger *zap.Logger) (*Manager, error) {
	m := &Manager{logger: logger, file: map[string]string{}}

	if cfg.DotenvPath != "" {
		if err := godotenv.Load(cfg.DotenvPath); err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("load %s: %w", cfg.DotenvPath, err)
			}
		} else {
			logger.Info("Loaded .env file", zap.String("path", cfg.DotenvPath))
		}
	}

	if cfg.EncryptedPath != "" {
		if _, err := os.Stat(cfg.EncryptedPath); err == nil {
			passEnv := cfg.PassphraseEnv
			if passEnv == "" {
				passEnv = "DEVFLOW_CREDENTIALS_KEY"
			}
			pass := os.Getenv(passEnv)
			if pass == "" {
				return nil, agent.NewError(agent.KindAuthMissing,
					"credential file %s is present but %s is not set", cfg.EncryptedPath, passEnv)
			}
			entries, err := OpenEncrypted(cfg.EncryptedPath, pass)
			if err != nil {
				return nil, err
			}
			m.file = entries
			logger.Info("Loaded encrypted credentials",
				zap.String("path", cfg.EncryptedPath),
				zap.Int("entries", len(entries)),
			)
		}
	}

	return m, nil
}

// Get returns the credential for a service. The error names the first
// environment variable the operator should set.
func (m *Manager) Get(service Service) (string, error) {
	names, ok := envNames[service]
	if !ok {
		return "", agent.NewError(agent.KindConfigInvalid, "unknown credential service %q", service)
	}

	for _, name := range names {
		if v := os.Getenv(name); v != "" {
			return v, nil
		}
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, name := range names {
		if v, ok := m.file[name]; ok && v != "" {
			return v, nil
		}
	}

	return "", agent.NewError(agent.KindAuthMissing,
		"no credential for %s: set %s", service, strings.Join(names, " or "))
}

// Require resolves every listed service up front so a workflow fails before
// its first step rather than in the middle.
func (m *Manager) Require(services ...Service) error {
	for _, s := range services {
		if _, err := m.Get(s); err != nil {
			return err
		}
	}
	return nil
}
