package workflow

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/devflow-io/devflow/internal/agent"
	"github.com/devflow-io/devflow/internal/store"
)

// stubRole is a scripted role for engine tests.
type stubRole struct {
	name string
	plan agent.StepPlan
	run  func(ctx context.Context, step string, ex *agent.Execution) (store.JSONMap, error)
}

func (r *stubRole) Name() string             { return r.name }
func (r *stubRole) StepPlan() agent.StepPlan { return r.plan }
func (r *stubRole) ExecuteStep(ctx context.Context, step string, ex *agent.Execution) (store.JSONMap, error) {
	return r.run(ctx, step, ex)
}

// stubResolver resolves names to fresh stub instances.
type stubResolver map[string]func() agent.Role

func (s stubResolver) Resolve(name string) (agent.Role, error) {
	f, ok := s[name]
	if !ok {
		return nil, agent.NewError(agent.KindConfigInvalid, "unknown role %q", name)
	}
	return f(), nil
}

func (s stubResolver) Names() []string {
	names := make([]string, 0, len(s))
	for name := range s {
		names = append(names, name)
	}
	return names
}

// echoRole completes one step and records the handoff it received.
func echoRole(name string) func() agent.Role {
	return func() agent.Role {
		return &stubRole{
			name: name,
			plan: agent.StepPlan{"work"},
			run: func(ctx context.Context, step string, ex *agent.Execution) (store.JSONMap, error) {
				out := store.JSONMap{"note": name}
				if h, ok := ex.Input()["handoff"].(string); ok {
					out["saw_handoff"] = h
				}
				return out, nil
			},
		}
	}
}

func openStore(t *testing.T, path string) *store.Store {
	t.Helper()
	s, err := store.Open(context.Background(), store.Config{Path: path}, zaptest.NewLogger(t))
	require.NoError(t, err)
	return s
}

func newContext(t *testing.T, s *store.Store) string {
	t.Helper()
	rec := &store.ContextRecord{
		ID: uuid.NewString(), Scope: store.ScopeSession, Goal: "workflow tests", TokenBudget: 1 << 20,
	}
	require.NoError(t, s.CreateContext(context.Background(), rec))
	return rec.ID
}

func terminalRoles(t *testing.T, s *store.Store, contextID string) []string {
	t.Helper()
	events, err := s.QueryEvents(context.Background(), contextID, store.EventFilter{
		Kinds: []store.EventKind{store.EventAgentStep}, MinImportance: 6,
	})
	require.NoError(t, err)
	var roles []string
	for _, ev := range events {
		if ev.Payload["status"] == string(agent.StateCompleted) {
			roles = append(roles, ev.Payload["role"].(string))
		}
	}
	return roles
}

func TestSequentialFeatureDevelopment(t *testing.T) {
	s := openStore(t, filepath.Join(t.TempDir(), "devflow.db"))
	defer s.Close()
	ctxID := newContext(t, s)

	catalog, err := LoadCatalog()
	require.NoError(t, err)

	resolver := stubResolver{
		"source-control": echoRole("source-control"),
		"security":       echoRole("security"),
		"code":           echoRole("code"),
		"deploy":         echoRole("deploy"),
	}
	rt := agent.NewRuntime(s, nil, zaptest.NewLogger(t))
	engine := NewEngine(s, rt, resolver, catalog, DefaultConfig(), zaptest.NewLogger(t))

	rec, err := engine.Run(context.Background(), ctxID, "feature-development", store.JSONMap{"goal": "add feature"})
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, rec.Status)
	require.True(t, rec.EndedAt.Valid)
	require.False(t, rec.EndedAt.Time.Before(rec.StartedAt))

	// Terminal completed events in declared role order.
	require.Equal(t, []string{"source-control", "security", "code", "deploy"},
		terminalRoles(t, s, ctxID))

	// Each agent after the first received the prior agent's digest.
	agents, err := s.ListAgentsForWorkflow(context.Background(), rec.ID)
	require.NoError(t, err)
	require.Len(t, agents, 4)
	order := []string{"source-control", "security", "code", "deploy"}
	for i, a := range agents {
		require.Equal(t, order[i], a.Role)
		require.Equal(t, string(agent.StateCompleted), a.State)
		if i == 0 {
			require.NotContains(t, a.Config, "handoff")
			continue
		}
		handoff, ok := a.Config["handoff"].(string)
		require.True(t, ok, "agent %s should carry a handoff", a.Role)
		require.Contains(t, handoff, fmt.Sprintf("<handoff agent=%q>", order[i-1]))
		require.Contains(t, handoff, "note="+order[i-1])
	}

	// The final record carries the full digest chain.
	digests, ok := rec.Handoff["digests"].([]string)
	require.True(t, ok)
	require.Len(t, digests, 4)
}

func TestSequentialStopPolicyHaltsChain(t *testing.T) {
	s := openStore(t, filepath.Join(t.TempDir(), "devflow.db"))
	defer s.Close()
	ctxID := newContext(t, s)

	catalog, err := ParseCatalog([]byte(`
workflows:
  broken:
    mode: sequential
    roles: [good, bad, never]
    failure_policy: stop
`))
	require.NoError(t, err)

	ran := map[string]bool{}
	mark := func(name string, err error) func() agent.Role {
		return func() agent.Role {
			return &stubRole{name: name, plan: agent.StepPlan{"work"},
				run: func(context.Context, string, *agent.Execution) (store.JSONMap, error) {
					ran[name] = true
					return store.JSONMap{}, err
				}}
		}
	}
	resolver := stubResolver{
		"good":  mark("good", nil),
		"bad":   mark("bad", agent.NewError(agent.KindExternalRejected, "remote said no")),
		"never": mark("never", nil),
	}
	rt := agent.NewRuntime(s, nil, zaptest.NewLogger(t))
	engine := NewEngine(s, rt, resolver, catalog, DefaultConfig(), zaptest.NewLogger(t))

	rec, err := engine.Run(context.Background(), ctxID, "broken", store.JSONMap{})
	require.Error(t, err)
	require.Equal(t, StatusFailed, rec.Status)
	require.Equal(t, string(agent.KindExternalRejected), rec.FailureKind.String)
	require.True(t, ran["good"])
	require.True(t, ran["bad"])
	require.False(t, ran["never"])
}

func TestSequentialContinuePolicyProceeds(t *testing.T) {
	s := openStore(t, filepath.Join(t.TempDir(), "devflow.db"))
	defer s.Close()
	ctxID := newContext(t, s)

	catalog, err := ParseCatalog([]byte(`
workflows:
  tolerant:
    mode: sequential
    roles: [bad, good]
    failure_policy: continue
`))
	require.NoError(t, err)

	resolver := stubResolver{
		"bad": func() agent.Role {
			return &stubRole{name: "bad", plan: agent.StepPlan{"work"},
				run: func(context.Context, string, *agent.Execution) (store.JSONMap, error) {
					return nil, agent.NewError(agent.KindExternalRejected, "nope")
				}}
		},
		"good": echoRole("good"),
	}
	rt := agent.NewRuntime(s, nil, zaptest.NewLogger(t))
	engine := NewEngine(s, rt, resolver, catalog, DefaultConfig(), zaptest.NewLogger(t))

	rec, err := engine.Run(context.Background(), ctxID, "tolerant", store.JSONMap{})
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, rec.Status)
	require.Equal(t, []string{"good"}, terminalRoles(t, s, ctxID))
}

func TestRetryPolicyReExecutesTimeouts(t *testing.T) {
	s := openStore(t, filepath.Join(t.TempDir(), "devflow.db"))
	defer s.Close()
	ctxID := newContext(t, s)

	catalog, err := ParseCatalog([]byte(`
workflows:
  flaky:
    mode: sequential
    roles: [flaky]
    failure_policy: retry
    retry_attempts: 3
`))
	require.NoError(t, err)

	attempts := 0
	resolver := stubResolver{
		"flaky": func() agent.Role {
			return &stubRole{name: "flaky", plan: agent.StepPlan{"work"},
				run: func(context.Context, string, *agent.Execution) (store.JSONMap, error) {
					attempts++
					if attempts < 3 {
						return nil, agent.NewError(agent.KindExternalTimeout, "upstream slow")
					}
					return store.JSONMap{"ok": true}, nil
				}}
		},
	}
	cfg := DefaultConfig()
	cfg.RetryInitialInterval = time.Millisecond
	rt := agent.NewRuntime(s, nil, zaptest.NewLogger(t))
	engine := NewEngine(s, rt, resolver, catalog, cfg, zaptest.NewLogger(t))

	rec, err := engine.Run(context.Background(), ctxID, "flaky", store.JSONMap{})
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, rec.Status)
	require.Equal(t, 3, attempts)
}

func TestRetryPolicyDoesNotRetryRejections(t *testing.T) {
	s := openStore(t, filepath.Join(t.TempDir(), "devflow.db"))
	defer s.Close()
	ctxID := newContext(t, s)

	catalog, err := ParseCatalog([]byte(`
workflows:
  flaky:
    mode: sequential
    roles: [reject]
    failure_policy: retry
    retry_attempts: 3
`))
	require.NoError(t, err)

	attempts := 0
	resolver := stubResolver{
		"reject": func() agent.Role {
			return &stubRole{name: "reject", plan: agent.StepPlan{"work"},
				run: func(context.Context, string, *agent.Execution) (store.JSONMap, error) {
					attempts++
					return nil, agent.NewError(agent.KindExternalRejected, "permission denied")
				}}
		},
	}
	cfg := DefaultConfig()
	cfg.RetryInitialInterval = time.Millisecond
	rt := agent.NewRuntime(s, nil, zaptest.NewLogger(t))
	engine := NewEngine(s, rt, resolver, catalog, cfg, zaptest.NewLogger(t))

	_, err = engine.Run(context.Background(), ctxID, "flaky", store.JSONMap{})
	require.Error(t, err)
	require.Equal(t, agent.KindExternalRejected, agent.KindOf(err))
	require.Equal(t, 1, attempts)
}

func TestParallelConflictStopsBothBranches(t *testing.T) {
	s := openStore(t, filepath.Join(t.TempDir(), "devflow.db"))
	defer s.Close()
	ctxID := newContext(t, s)

	catalog, err := ParseCatalog([]byte(`
workflows:
  two-branch:
    mode: parallel
    roles: [code, deploy]
    failure_policy: stop
    max_concurrency: 2
`))
	require.NoError(t, err)

	resolver := stubResolver{
		// Both branches claim the same file.
		"code": func() agent.Role {
			return &stubRole{name: "code", plan: agent.StepPlan{"work"},
				run: func(ctx context.Context, step string, ex *agent.Execution) (store.JSONMap, error) {
					return store.JSONMap{"files": []string{"src/auth/login.go"}}, nil
				}}
		},
		// Deploy blocks until the conflict cancels it.
		"deploy": func() agent.Role {
			return &stubRole{name: "deploy", plan: agent.StepPlan{"work"},
				run: func(ctx context.Context, step string, ex *agent.Execution) (store.JSONMap, error) {
					select {
					case <-ctx.Done():
						return nil, ctx.Err()
					case <-time.After(3 * time.Second):
						return store.JSONMap{}, nil
					}
				}}
		},
	}
	rt := agent.NewRuntime(s, nil, zaptest.NewLogger(t))
	engine := NewEngine(s, rt, resolver, catalog, DefaultConfig(), zaptest.NewLogger(t))

	rec, err := engine.Run(context.Background(), ctxID, "two-branch", store.JSONMap{
		"branches": []string{"feature-a", "feature-b"},
	})
	require.Error(t, err)
	require.Equal(t, agent.KindConflictDetected, agent.KindOf(err))
	require.Equal(t, StatusFailed, rec.Status)
	require.Equal(t, string(agent.KindConflictDetected), rec.FailureKind.String)

	// Exactly one conflict record naming both branches.
	events, qerr := s.QueryEvents(context.Background(), ctxID, store.EventFilter{
		Kinds: []store.EventKind{store.EventError}, MinImportance: 8,
	})
	require.NoError(t, qerr)
	var conflicts []*store.Event
	for _, ev := range events {
		if ev.Payload["type"] == "conflict-detected" {
			conflicts = append(conflicts, ev)
		}
	}
	require.Len(t, conflicts, 1)
	require.Equal(t, ConflictFile, conflicts[0].Payload["kind"])
	require.Equal(t, "src/auth/login.go", conflicts[0].Payload["resource"])
	require.ElementsMatch(t, []string{"feature-a", "feature-b"},
		stringList(conflicts[0].Payload["branches"]))

	// Neither branch's deploy completed.
	agents, aerr := s.ListAgentsForWorkflow(context.Background(), rec.ID)
	require.NoError(t, aerr)
	for _, a := range agents {
		if a.Role == "deploy" {
			require.NotEqual(t, string(agent.StateCompleted), a.State)
		}
	}

	// Branch locks were released with the workflow.
	require.NoError(t, s.AcquireLock(context.Background(), "branch:feature-a", "other", time.Minute))
}

func TestParallelBranchesWithoutConflictComplete(t *testing.T) {
	s := openStore(t, filepath.Join(t.TempDir(), "devflow.db"))
	defer s.Close()
	ctxID := newContext(t, s)

	catalog, err := ParseCatalog([]byte(`
workflows:
  two-branch:
    mode: parallel
    roles: [code]
    failure_policy: stop
    max_concurrency: 2
`))
	require.NoError(t, err)

	resolver := stubResolver{
		"code": func() agent.Role {
			return &stubRole{name: "code", plan: agent.StepPlan{"work"},
				run: func(ctx context.Context, step string, ex *agent.Execution) (store.JSONMap, error) {
					branch := ex.Input()["branch"].(string)
					return store.JSONMap{"files": []string{"src/" + branch + ".go"}}, nil
				}}
		},
	}
	rt := agent.NewRuntime(s, nil, zaptest.NewLogger(t))
	engine := NewEngine(s, rt, resolver, catalog, DefaultConfig(), zaptest.NewLogger(t))

	rec, err := engine.Run(context.Background(), ctxID, "two-branch", store.JSONMap{
		"branches": []string{"feature-a", "feature-b"},
	})
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, rec.Status)

	agents, err := s.ListAgentsForWorkflow(context.Background(), rec.ID)
	require.NoError(t, err)
	require.Len(t, agents, 2)
	for _, a := range agents {
		require.Equal(t, string(agent.StateCompleted), a.State)
	}
}

func TestResumeAfterColdRestart(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "devflow.db")
	resolver := stubResolver{
		"source-control": echoRole("source-control"),
		"security":       echoRole("security"),
		"code":           echoRole("code"),
		"deploy":         echoRole("deploy"),
	}
	catalog, err := LoadCatalog()
	require.NoError(t, err)

	// First life: a running workflow with two completed agents and a busy
	// event log, then the process dies without a clean shutdown.
	s := openStore(t, dbPath)
	ctxID := newContext(t, s)
	rec := &store.WorkflowRecord{
		ID:           uuid.NewString(),
		ContextID:    ctxID,
		WorkflowType: "feature-development",
		Status:       StatusRunning,
	}
	require.NoError(t, s.CreateWorkflow(context.Background(), rec))

	for i := 0; i < 30; i++ {
		require.NoError(t, s.AppendEvent(context.Background(), &store.Event{
			ContextID: ctxID, Kind: store.EventMessage, Importance: 3,
			Payload: store.JSONMap{"n": i}, TokenCount: 5,
		}))
	}
	rt := agent.NewRuntime(s, nil, zaptest.NewLogger(t))
	for _, roleName := range []string{"source-control", "security"} {
		role, rerr := resolver.Resolve(roleName)
		require.NoError(t, rerr)
		ex, eerr := rt.NewExecution(context.Background(), role, rec.ID, ctxID, store.JSONMap{"goal": "g"})
		require.NoError(t, eerr)
		require.NoError(t, ex.Run(context.Background(), nil))
	}
	require.NoError(t, s.Close())

	// Second life: reopen and continue from the persisted state.
	s2 := openStore(t, dbPath)
	defer s2.Close()

	restored, err := s2.GetWorkflow(context.Background(), rec.ID)
	require.NoError(t, err)
	require.Equal(t, StatusRunning, restored.Status)

	rt2 := agent.NewRuntime(s2, nil, zaptest.NewLogger(t))
	engine := NewEngine(s2, rt2, resolver, catalog, DefaultConfig(), zaptest.NewLogger(t))
	final, err := engine.Resume(context.Background(), rec.ID, store.JSONMap{"goal": "g"})
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, final.Status)

	// All four roles terminal, in declared order, with no re-execution of
	// the two that completed before the restart.
	require.Equal(t, []string{"source-control", "security", "code", "deploy"},
		terminalRoles(t, s2, ctxID))
	agents, err := s2.ListAgentsForWorkflow(context.Background(), rec.ID)
	require.NoError(t, err)
	require.Len(t, agents, 4)

	// The resumed chain rebuilt its handoff from persisted results.
	var codeAgent *store.AgentRecord
	for _, a := range agents {
		if a.Role == "code" {
			codeAgent = a
		}
	}
	require.NotNil(t, codeAgent)
	handoff, ok := codeAgent.Config["handoff"].(string)
	require.True(t, ok)
	require.Contains(t, handoff, `<handoff agent="source-control">`)
	require.Contains(t, handoff, `<handoff agent="security">`)
}

func TestResumeTerminalWorkflowIsNoOp(t *testing.T) {
	s := openStore(t, filepath.Join(t.TempDir(), "devflow.db"))
	defer s.Close()
	ctxID := newContext(t, s)

	catalog, err := LoadCatalog()
	require.NoError(t, err)
	resolver := stubResolver{
		"source-control": echoRole("source-control"),
		"security":       echoRole("security"),
		"code":           echoRole("code"),
		"deploy":         echoRole("deploy"),
	}
	rt := agent.NewRuntime(s, nil, zaptest.NewLogger(t))
	engine := NewEngine(s, rt, resolver, catalog, DefaultConfig(), zaptest.NewLogger(t))

	rec, err := engine.Run(context.Background(), ctxID, "feature-development", store.JSONMap{})
	require.NoError(t, err)

	again, err := engine.Resume(context.Background(), rec.ID, store.JSONMap{})
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, again.Status)

	agents, err := s.ListAgentsForWorkflow(context.Background(), rec.ID)
	require.NoError(t, err)
	require.Len(t, agents, 4)
}

func TestRunUnknownWorkflowType(t *testing.T) {
	s := openStore(t, filepath.Join(t.TempDir(), "devflow.db"))
	defer s.Close()

	catalog, err := LoadCatalog()
	require.NoError(t, err)
	rt := agent.NewRuntime(s, nil, zaptest.NewLogger(t))
	engine := NewEngine(s, rt, stubResolver{}, catalog, DefaultConfig(), zaptest.NewLogger(t))

	_, err = engine.Run(context.Background(), newContext(t, s), "world-domination", store.JSONMap{})
	require.Error(t, err)
	require.Equal(t, agent.KindConfigInvalid, agent.KindOf(err))
}
