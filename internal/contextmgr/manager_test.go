package contextmgr

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/devflow-io/devflow/internal/store"
	"github.com/devflow-io/devflow/internal/token"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(context.Background(), store.Config{
		Path: filepath.Join(t.TempDir(), "devflow.db"),
	}, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newTestManager(t *testing.T, s *store.Store, cfg Config) *Manager {
	t.Helper()
	if cfg.ProjectsDir == "" {
		cfg.ProjectsDir = t.TempDir()
	}
	m, err := NewManager(s, token.HeuristicCounter{}, zaptest.NewLogger(t), cfg)
	require.NoError(t, err)
	return m
}

func eventsOfKind(t *testing.T, s *store.Store, id string, kind store.EventKind) []*store.Event {
	t.Helper()
	events, err := s.QueryEvents(context.Background(), id, store.EventFilter{
		Kinds: []store.EventKind{kind},
	})
	require.NoError(t, err)
	return events
}

func TestSessionWithTangent(t *testing.T) {
	s := newTestStore(t)
	m := newTestManager(t, s, Config{})
	ctx := context.Background()

	c, err := m.Create(ctx, store.ScopeSession, "fix login bug", 0)
	require.NoError(t, err)

	for i := 0; i < 12; i++ {
		_, err := c.Append(ctx, store.EventMessage, 3, store.JSONMap{"text": fmt.Sprintf("note %d", i)})
		require.NoError(t, err)
	}
	rootTokens := c.Snapshot().TokensUsed

	require.NoError(t, c.PushTangent(ctx, "investigate deps", 0))
	require.Equal(t, 1, c.TangentDepth())
	tangentID := c.CurrentID()
	require.NotEqual(t, c.ID(), tangentID)

	for i := 0; i < 5; i++ {
		_, err := c.Append(ctx, store.EventMessage, 4, store.JSONMap{"text": fmt.Sprintf("dep finding %d", i)})
		require.NoError(t, err)
	}

	summary, err := c.PopTangent(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, c.TangentDepth())
	require.Equal(t, c.ID(), c.CurrentID())

	// The parent sees exactly one summary event for the tangent.
	summaries := eventsOfKind(t, s, c.ID(), store.EventSummary)
	require.Len(t, summaries, 1)
	require.Equal(t, tangentID, summaries[0].Payload["tangent_id"])

	// Parent token usage grew by the summary only, not the tangent stream.
	require.Equal(t, rootTokens+summary.TokenCount, c.Snapshot().TokensUsed)

	// The tangent context is closed.
	child, err := s.GetContext(ctx, tangentID)
	require.NoError(t, err)
	require.True(t, child.Completed)
}

func TestPopWithoutTangentRejected(t *testing.T) {
	s := newTestStore(t)
	m := newTestManager(t, s, Config{})

	c, err := m.Create(context.Background(), store.ScopeSession, "g", 0)
	require.NoError(t, err)
	_, err = c.PopTangent(context.Background())
	require.Error(t, err)
}

func TestScopeUpgrade(t *testing.T) {
	s := newTestStore(t)
	m := newTestManager(t, s, Config{})
	ctx := context.Background()

	c, err := m.Create(ctx, store.ScopeSession, "grow into a project", 0)
	require.NoError(t, err)
	require.False(t, m.Identity().Exists(c.ID()))

	_, err = c.Append(ctx, store.EventDecision, 7, store.JSONMap{"decision": "keep going"})
	require.NoError(t, err)

	require.NoError(t, m.Upgrade(ctx, c.ID()))

	rec, err := s.GetContext(ctx, c.ID())
	require.NoError(t, err)
	require.Equal(t, store.ScopeProject, rec.Scope)
	require.Equal(t, DefaultConfig().DefaultProjectBudget, rec.TokenBudget)

	// The identity document exists and carries the goal.
	require.True(t, m.Identity().Exists(c.ID()))
	doc, err := m.Identity().Read(c.ID())
	require.NoError(t, err)
	require.Equal(t, "grow into a project", doc.Goal)

	milestones := eventsOfKind(t, s, c.ID(), store.EventMilestone)
	require.Len(t, milestones, 2) // created + upgraded

	// Scope never downgrades; a second upgrade is rejected too.
	require.Error(t, m.Upgrade(ctx, c.ID()))
}

func TestCompressionPreservesImportantEvents(t *testing.T) {
	s := newTestStore(t)
	m := newTestManager(t, s, Config{
		KeepWindow:       4,
		TriggerRatio:     0.5,
		AppendRatePerSec: 10_000,
	})
	ctx := context.Background()

	c, err := m.Create(ctx, store.ScopeSession, "long running work", 400)
	require.NoError(t, err)

	// One critical decision early, then a long tail of chatter.
	_, err = c.Append(ctx, store.EventDecision, 9, store.JSONMap{"decision": "use sqlite with wal"})
	require.NoError(t, err)
	for i := 0; i < 40; i++ {
		_, err := c.Append(ctx, store.EventMessage, 2, store.JSONMap{
			"text": fmt.Sprintf("low importance chatter line number %d padded for tokens", i),
		})
		require.NoError(t, err)
	}

	// Compression ran and left a summary behind.
	summaries := eventsOfKind(t, s, c.ID(), store.EventSummary)
	require.NotEmpty(t, summaries)

	// The preserved decision is retrievable verbatim after compression.
	preserved, err := s.QueryEvents(ctx, c.ID(), store.EventFilter{
		Kinds: []store.EventKind{store.EventDecision}, MinImportance: 9,
	})
	require.NoError(t, err)
	require.Len(t, preserved, 1)
	require.Equal(t, "use sqlite with wal", preserved[0].Payload["decision"])

	// Usage dropped below the raw append total.
	total := 0
	all, err := s.QueryEvents(ctx, c.ID(), store.EventFilter{IncludeCompressed: true})
	require.NoError(t, err)
	for _, e := range all {
		total += e.TokenCount
	}
	require.Less(t, c.Snapshot().TokensUsed, total)
}

func TestOverBudgetFlagWhenNothingFoldable(t *testing.T) {
	s := newTestStore(t)
	m := newTestManager(t, s, Config{
		KeepWindow:       2,
		TriggerRatio:     0.5,
		AppendRatePerSec: 10_000,
	})
	ctx := context.Background()

	c, err := m.Create(ctx, store.ScopeSession, "tiny budget", 60)
	require.NoError(t, err)

	// Everything is preservation-grade, so compression cannot shed tokens.
	for i := 0; i < 8; i++ {
		_, err := c.Append(ctx, store.EventMilestone, 9, store.JSONMap{
			"milestone": fmt.Sprintf("critical step %d with enough text to cost tokens", i),
		})
		require.NoError(t, err)
	}

	require.True(t, c.OverBudget())
	rec, err := s.GetContext(ctx, c.ID())
	require.NoError(t, err)
	require.True(t, rec.OverBudget)

	// Exactly one warning event for the transition, counting folded ones.
	warnings, err := s.QueryEvents(ctx, c.ID(), store.EventFilter{
		Kinds: []store.EventKind{store.EventError}, IncludeCompressed: true,
	})
	require.NoError(t, err)
	require.Len(t, warnings, 1)
	require.Equal(t, "over-budget", warnings[0].Payload["type"])

	// All preserved events still verbatim.
	preserved, err := s.QueryEvents(ctx, c.ID(), store.EventFilter{MinImportance: 9})
	require.NoError(t, err)
	require.Len(t, preserved, 9) // 8 milestones + creation milestone
}

func TestSaveIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	m := newTestManager(t, s, Config{})
	ctx := context.Background()

	c, err := m.Create(ctx, store.ScopeSession, "g", 0)
	require.NoError(t, err)
	_, err = c.Append(ctx, store.EventMessage, 3, store.JSONMap{"text": "hello"})
	require.NoError(t, err)

	require.NoError(t, c.Save(ctx))
	seq1, err := s.MaxSeq(ctx, c.ID())
	require.NoError(t, err)

	require.NoError(t, c.Save(ctx))
	seq2, err := s.MaxSeq(ctx, c.ID())
	require.NoError(t, err)
	require.Equal(t, seq1, seq2)
}

func TestResumeRebuildsTangentStack(t *testing.T) {
	s := newTestStore(t)
	projects := t.TempDir()
	m1 := newTestManager(t, s, Config{ProjectsDir: projects})
	ctx := context.Background()

	c, err := m1.Create(ctx, store.ScopeSession, "root goal", 0)
	require.NoError(t, err)
	require.NoError(t, c.PushTangent(ctx, "side quest", 0))
	tangentID := c.CurrentID()
	_, err = c.Append(ctx, store.EventMessage, 3, store.JSONMap{"text": "inside tangent"})
	require.NoError(t, err)
	require.NoError(t, c.Save(ctx))

	// A fresh manager simulates a restart.
	m2 := newTestManager(t, s, Config{ProjectsDir: projects})
	restored, err := m2.Resume(ctx, c.ID())
	require.NoError(t, err)
	require.Equal(t, 1, restored.TangentDepth())
	require.Equal(t, tangentID, restored.CurrentID())

	// The restored stream equals the saved stream.
	saved, err := s.QueryEvents(ctx, tangentID, store.EventFilter{})
	require.NoError(t, err)
	require.Len(t, saved, 2) // creation milestone + message

	// The tangent still pops cleanly after the restart.
	_, err = restored.PopTangent(ctx)
	require.NoError(t, err)
	require.Equal(t, restored.ID(), restored.CurrentID())
}

func TestResumeRebuildsNestedTangents(t *testing.T) {
	s := newTestStore(t)
	projects := t.TempDir()
	m1 := newTestManager(t, s, Config{ProjectsDir: projects})
	ctx := context.Background()

	c, err := m1.Create(ctx, store.ScopeSession, "root goal", 0)
	require.NoError(t, err)
	require.NoError(t, c.PushTangent(ctx, "outer detour", 0))
	outerID := c.CurrentID()
	require.NoError(t, c.PushTangent(ctx, "inner detour", 0))
	innerID := c.CurrentID()
	_, err = c.Append(ctx, store.EventMessage, 3, store.JSONMap{"text": "deep inside"})
	require.NoError(t, err)
	require.NoError(t, c.Save(ctx))

	// A fresh manager simulates a restart.
	m2 := newTestManager(t, s, Config{ProjectsDir: projects})
	restored, err := m2.Resume(ctx, c.ID())
	require.NoError(t, err)
	require.Equal(t, 2, restored.TangentDepth())
	require.Equal(t, innerID, restored.CurrentID())

	// Pops unwind inner -> outer -> root in order.
	_, err = restored.PopTangent(ctx)
	require.NoError(t, err)
	require.Equal(t, outerID, restored.CurrentID())
	_, err = restored.PopTangent(ctx)
	require.NoError(t, err)
	require.Equal(t, restored.ID(), restored.CurrentID())
}

func TestResumeCompletedContextIsNoOp(t *testing.T) {
	s := newTestStore(t)
	projects := t.TempDir()
	m1 := newTestManager(t, s, Config{ProjectsDir: projects})
	ctx := context.Background()

	c, err := m1.Create(ctx, store.ScopeSession, "done already", 0)
	require.NoError(t, err)
	require.NoError(t, c.Complete(ctx))

	before, err := s.MaxSeq(ctx, c.ID())
	require.NoError(t, err)

	m2 := newTestManager(t, s, Config{ProjectsDir: projects})
	restored, err := m2.Resume(ctx, c.ID())
	require.NoError(t, err)
	require.True(t, restored.Snapshot().Completed)

	after, err := s.MaxSeq(ctx, c.ID())
	require.NoError(t, err)
	require.Equal(t, before, after)

	// Resuming again returns the same live handle.
	again, err := m2.Resume(ctx, c.ID())
	require.NoError(t, err)
	require.Same(t, restored, again)
}

func TestReleaseAndResumeHitsCache(t *testing.T) {
	s := newTestStore(t)
	m := newTestManager(t, s, Config{})
	ctx := context.Background()

	c, err := m.Create(ctx, store.ScopeSession, "g", 0)
	require.NoError(t, err)
	require.NoError(t, m.Release(ctx, c.ID()))

	resumed, err := m.Resume(ctx, c.ID())
	require.NoError(t, err)
	require.Same(t, c, resumed)
}

func TestArchiveTickWalksLevels(t *testing.T) {
	s := newTestStore(t)
	projects := t.TempDir()
	m1 := newTestManager(t, s, Config{ProjectsDir: projects})
	ctx := context.Background()

	c, err := m1.Create(ctx, store.ScopeSession, "left behind", 0)
	require.NoError(t, err)
	for i := 0; i < 6; i++ {
		_, err := c.Append(ctx, store.EventMessage, 2, store.JSONMap{"text": fmt.Sprintf("old note %d", i)})
		require.NoError(t, err)
	}

	// Backdate the context past the dormant threshold.
	rec, err := s.GetContext(ctx, c.ID())
	require.NoError(t, err)
	rec.LastActiveAt = time.Now().UTC().Add(-8 * time.Hour)
	require.NoError(t, s.UpdateContext(ctx, rec))

	m2 := newTestManager(t, s, Config{ProjectsDir: projects})
	require.NoError(t, m2.ArchiveTick(ctx))

	rec, err = s.GetContext(ctx, c.ID())
	require.NoError(t, err)
	require.Equal(t, store.LevelDormant, rec.CompressionLevel)

	// Backdate further: one level per tick, dormant to sleeping.
	rec.LastActiveAt = time.Now().UTC().Add(-30 * 24 * time.Hour)
	require.NoError(t, s.UpdateContext(ctx, rec))

	m3 := newTestManager(t, s, Config{ProjectsDir: projects})
	require.NoError(t, m3.ArchiveTick(ctx))
	rec, err = s.GetContext(ctx, c.ID())
	require.NoError(t, err)
	require.Equal(t, store.LevelSleeping, rec.CompressionLevel)
}
