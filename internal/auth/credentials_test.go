package auth

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/devflow-io/devflow/internal/agent"
)

func TestGetFromEnvironment(t *testing.T) {
	t.Setenv("DEVFLOW_GITHUB_TOKEN", "")
	t.Setenv("GITHUB_TOKEN", "ghp_fallback")

	m, err := NewManager(Config{}, zaptest.NewLogger(t))
	require.NoError(t, err)

	got, err := m.Get(ServiceGitHub)
	require.NoError(t, err)
	require.Equal(t, "ghp_fallback", got)

	// The specific variable wins over the fallback.
	t.Setenv("DEVFLOW_GITHUB_TOKEN", "ghp_specific")
	got, err = m.Get(ServiceGitHub)
	require.NoError(t, err)
	require.Equal(t, "ghp_specific", got)
}

func TestMissingCredentialNamesVariable(t *testing.T) {
	t.Setenv("DEVFLOW_SLACK_TOKEN", "")
	t.Setenv("SLACK_BOT_TOKEN", "")

	m, err := NewManager(Config{}, zaptest.NewLogger(t))
	require.NoError(t, err)

	_, err = m.Get(ServiceSlack)
	require.Error(t, err)
	require.Equal(t, agent.KindAuthMissing, agent.KindOf(err))
	require.Contains(t, err.Error(), "DEVFLOW_SLACK_TOKEN")
}

func TestEncryptedFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.enc")
	entries := map[string]string{
		"DEVFLOW_GITHUB_TOKEN": "ghp_secret",
		"DEVFLOW_SLACK_TOKEN":  "xoxb-secret",
	}
	require.NoError(t, SealEncrypted(path, "passphrase", entries))

	got, err := OpenEncrypted(path, "passphrase")
	require.NoError(t, err)
	require.Equal(t, entries, got)

	_, err = OpenEncrypted(path, "wrong")
	require.Error(t, err)
}

func TestManagerReadsEncryptedFile(t *testing.T) {
	t.Setenv("DEVFLOW_GITHUB_TOKEN", "")
	t.Setenv("GITHUB_TOKEN", "")
	t.Setenv("DEVFLOW_CREDENTIALS_KEY", "passphrase")

	path := filepath.Join(t.TempDir(), "credentials.enc")
	require.NoError(t, SealEncrypted(path, "passphrase", map[string]string{
		"DEVFLOW_GITHUB_TOKEN": "ghp_from_file",
	}))

	m, err := NewManager(Config{EncryptedPath: path}, zaptest.NewLogger(t))
	require.NoError(t, err)

	got, err := m.Get(ServiceGitHub)
	require.NoError(t, err)
	require.Equal(t, "ghp_from_file", got)
}

func TestRequireFailsFast(t *testing.T) {
	t.Setenv("GITHUB_TOKEN", "ghp_x")
	t.Setenv("DEVFLOW_SLACK_TOKEN", "")
	t.Setenv("SLACK_BOT_TOKEN", "")

	m, err := NewManager(Config{}, zaptest.NewLogger(t))
	require.NoError(t, err)

	require.NoError(t, m.Require(ServiceGitHub))
	require.Error(t, m.Require(ServiceGitHub, ServiceSlack))
}
