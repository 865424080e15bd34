package identity

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/devflow-io/devflow/internal/store"
)

func TestWriteReadRoundTrip(t *testing.T) {
	m := NewManager(t.TempDir(), zaptest.NewLogger(t))

	doc := &Document{
		ProjectID:       "proj-1",
		Goal:            "ship the payments service",
		Vision:          "one-click deploys",
		Requirements:    "postgres, docker",
		SuccessCriteria: "all smoke tests green",
		Notes:           "started as a session",
		SessionID:       "sess-42",
	}
	require.NoError(t, m.Write(doc))
	require.True(t, m.Exists("proj-1"))

	got, err := m.Read("proj-1")
	require.NoError(t, err)
	require.Equal(t, doc.Goal, got.Goal)
	require.Equal(t, doc.Vision, got.Vision)
	require.Equal(t, doc.Requirements, got.Requirements)
	require.Equal(t, doc.SuccessCriteria, got.SuccessCriteria)
	require.Equal(t, doc.Notes, got.Notes)
	require.Equal(t, doc.SessionID, got.SessionID)
	require.False(t, got.CreatedAt.IsZero())
}

func TestReconcileFindsDrift(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(dir, zaptest.NewLogger(t))
	ctx := context.Background()

	s, err := store.Open(ctx, store.Config{
		Path: filepath.Join(t.TempDir(), "devflow.db"),
	}, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer s.Close()

	// Project with a matching document.
	require.NoError(t, s.CreateContext(ctx, &store.ContextRecord{
		ID: "p-ok", Scope: store.ScopeProject, Goal: "stable goal", TokenBudget: 100,
	}))
	require.NoError(t, m.Write(&Document{ProjectID: "p-ok", Goal: "stable goal"}))

	// Project whose document was never written.
	require.NoError(t, s.CreateContext(ctx, &store.ContextRecord{
		ID: "p-missing", Scope: store.ScopeProject, Goal: "g", TokenBudget: 100,
	}))

	// Project whose goal drifted on disk.
	require.NoError(t, s.CreateContext(ctx, &store.ContextRecord{
		ID: "p-drift", Scope: store.ScopeProject, Goal: "new goal", TokenBudget: 100,
	}))
	require.NoError(t, m.Write(&Document{ProjectID: "p-drift", Goal: "old goal"}))

	// Document with no context behind it.
	require.NoError(t, m.Write(&Document{ProjectID: "p-orphan", Goal: "g"}))

	report, err := m.Reconcile(ctx, s)
	require.NoError(t, err)
	require.False(t, report.Clean())
	require.Equal(t, []string{"p-missing"}, report.MissingDocument)
	require.Equal(t, []string{"p-drift"}, report.Drifted)
	require.Equal(t, []string{"p-orphan"}, report.Orphaned)

	// Sessions are out of scope for reconciliation.
	require.NoError(t, s.CreateContext(ctx, &store.ContextRecord{
		ID: "sess", Scope: store.ScopeSession, Goal: "g", TokenBudget: 100,
	}))
	report, err = m.Reconcile(ctx, s)
	require.NoError(t, err)
	require.Equal(t, []string{"p-missing"}, report.MissingDocument)
}

func TestReconcileEmptyDirIsClean(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "does-not-exist")
	m := NewManager(dir, zaptest.NewLogger(t))

	s, err := store.Open(context.Background(), store.Config{
		Path: filepath.Join(t.TempDir(), "devflow.db"),
	}, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer s.Close()

	report, err := m.Reconcile(context.Background(), s)
	require.NoError(t, err)
	require.True(t, report.Clean())
	_ = os.RemoveAll(dir)
}
