package agent

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/devflow-io/devflow/internal/store"
)

type stepFunc func(ctx context.Context, ex *Execution) (store.JSONMap, error)

// scriptedRole executes caller-supplied step bodies, in declared order.
type scriptedRole struct {
	name  string
	plan  StepPlan
	steps map[string]stepFunc
	guard func(ctx context.Context, step string, ex *Execution) error
}

func (r *scriptedRole) Name() string       { return r.name }
func (r *scriptedRole) StepPlan() StepPlan { return r.plan }

func (r *scriptedRole) ExecuteStep(ctx context.Context, step string, ex *Execution) (store.JSONMap, error) {
	fn, ok := r.steps[step]
	if !ok {
		return store.JSONMap{}, nil
	}
	return fn(ctx, ex)
}

func (r *scriptedRole) Guard(ctx context.Context, step string, ex *Execution) error {
	if r.guard == nil {
		return nil
	}
	return r.guard(ctx, step, ex)
}

func newTestRuntime(t *testing.T) (*Runtime, *store.Store, string) {
	t.Helper()
	st, err := store.Open(context.Background(), store.Config{
		Path: filepath.Join(t.TempDir(), "devflow.db"),
	}, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	ctxRec := &store.ContextRecord{
		ID:          uuid.NewString(),
		Scope:       store.ScopeSession,
		Goal:        "run agent tests",
		TokenBudget: 10000,
	}
	require.NoError(t, st.CreateContext(context.Background(), ctxRec))

	return NewRuntime(st, nil, zaptest.NewLogger(t)), st, ctxRec.ID
}

func TestNextRejectsUndefinedTransitions(t *testing.T) {
	cases := []struct {
		state State
		sig   Signal
	}{
		{StateIdle, SignalComplete},
		{StateIdle, SignalResume},
		{StatePaused, SignalPause},
		{StateAwaitingInput, SignalComplete},
		{StateCompleted, SignalStart},
		{StateFailed, SignalResume},
	}
	for _, tc := range cases {
		_, err := Next(tc.state, tc.sig)
		require.Error(t, err, "state=%s signal=%s", tc.state, tc.sig)
		require.Equal(t, KindStateViolation, KindOf(err))
	}

	next, err := Next(StateIdle, SignalStart)
	require.NoError(t, err)
	require.Equal(t, StateRunning, next)
}

func TestTerminalStatesHaveNoTransitions(t *testing.T) {
	signals := []Signal{SignalStart, SignalPause, SignalResume, SignalAwaitInput, SignalComplete, SignalFail, SignalAbort}
	for _, s := range []State{StateCompleted, StateFailed} {
		require.True(t, s.Terminal())
		for _, sig := range signals {
			_, err := Next(s, sig)
			require.Error(t, err)
		}
	}
}

func TestNewStepPlanValidation(t *testing.T) {
	_, err := NewStepPlan()
	require.Error(t, err)

	_, err = NewStepPlan("a", "b", "a")
	require.Error(t, err)

	_, err = NewStepPlan("a", "")
	require.Error(t, err)

	_, err = NewStepPlan("1", "2", "3", "4", "5", "6", "7", "8", "9")
	require.Error(t, err)

	plan, err := NewStepPlan("1", "2", "3", "4", "5", "6", "7", "8")
	require.NoError(t, err)
	require.Len(t, plan, MaxSteps)
}

func TestNewExecutionRejectsOversizedPlan(t *testing.T) {
	rt, _, ctxID := newTestRuntime(t)

	role := &scriptedRole{
		name: "code",
		plan: StepPlan{"1", "2", "3", "4", "5", "6", "7", "8", "9"},
	}
	_, err := rt.NewExecution(context.Background(), role, uuid.NewString(), ctxID, nil)
	require.Error(t, err)
	require.Equal(t, KindConfigInvalid, KindOf(err))
}

func TestRunExecutesAllStepsAndPersists(t *testing.T) {
	rt, st, ctxID := newTestRuntime(t)
	ctx := context.Background()

	var order []string
	role := &scriptedRole{
		name: "source-control",
		plan: StepPlan{"resolve-base", "create-branch", "report"},
		steps: map[string]stepFunc{
			"resolve-base": func(_ context.Context, _ *Execution) (store.JSONMap, error) {
				order = append(order, "resolve-base")
				return store.JSONMap{"base": "main"}, nil
			},
			"create-branch": func(_ context.Context, ex *Execution) (store.JSONMap, error) {
				order = append(order, "create-branch")
				base, _ := ex.Result()["base"].(string)
				return store.JSONMap{"branch": "devflow/" + base}, nil
			},
			"report": func(_ context.Context, _ *Execution) (store.JSONMap, error) {
				order = append(order, "report")
				return nil, nil
			},
		},
	}

	ex, err := rt.NewExecution(ctx, role, uuid.NewString(), ctxID, store.JSONMap{"goal": "g"})
	require.NoError(t, err)
	require.Equal(t, StateIdle, ex.State())

	progress := make(chan Progress, 16)
	require.NoError(t, ex.Run(ctx, progress))
	close(progress)

	require.Equal(t, []string{"resolve-base", "create-branch", "report"}, order)
	require.Equal(t, StateCompleted, ex.State())
	require.Equal(t, "devflow/main", ex.Result()["branch"])

	// Progress is monotonic and ends at 100.
	last := 0.0
	for p := range progress {
		require.GreaterOrEqual(t, p.Percent, last)
		last = p.Percent
	}
	require.Equal(t, 100.0, last)

	rec, err := st.GetAgent(ctx, ex.ID())
	require.NoError(t, err)
	require.Equal(t, string(StateCompleted), rec.State)
	require.Equal(t, 3, rec.StepIndex)
	require.Equal(t, 100.0, rec.Progress)

	// Each step left an event, plus one terminal completion event.
	events, err := st.QueryEvents(ctx, ctxID, store.EventFilter{Kinds: []store.EventKind{store.EventAgentStep}})
	require.NoError(t, err)
	require.Len(t, events, 4)
}

func TestRunStepFailureCarriesTaxonomyKind(t *testing.T) {
	rt, st, ctxID := newTestRuntime(t)
	ctx := context.Background()

	role := &scriptedRole{
		name: "deploy",
		plan: StepPlan{"push"},
		steps: map[string]stepFunc{
			"push": func(_ context.Context, _ *Execution) (store.JSONMap, error) {
				return nil, NewError(KindExternalRejected, "remote rejected the image")
			},
		},
	}

	ex, err := rt.NewExecution(ctx, role, uuid.NewString(), ctxID, nil)
	require.NoError(t, err)

	err = ex.Run(ctx, nil)
	require.Error(t, err)
	require.Equal(t, KindExternalRejected, KindOf(err))
	require.Equal(t, StateFailed, ex.State())

	var ae *Error
	require.ErrorAs(t, err, &ae)
	require.Equal(t, "push", ae.Step)
	require.Equal(t, ex.ID(), ae.Agent)

	rec, err := st.GetAgent(ctx, ex.ID())
	require.NoError(t, err)
	require.Equal(t, string(KindExternalRejected), rec.Error["kind"])

	// The failure is in the context log.
	events, err := st.QueryEvents(ctx, ctxID, store.EventFilter{Kinds: []store.EventKind{store.EventError}})
	require.NoError(t, err)
	require.Len(t, events, 1)
}

func TestGuardBlocksStep(t *testing.T) {
	rt, _, ctxID := newTestRuntime(t)
	ctx := context.Background()

	executed := false
	role := &scriptedRole{
		name: "deploy",
		plan: StepPlan{"push"},
		steps: map[string]stepFunc{
			"push": func(_ context.Context, _ *Execution) (store.JSONMap, error) {
				executed = true
				return nil, nil
			},
		},
		guard: func(_ context.Context, _ string, _ *Execution) error {
			return NewError(KindAuthMissing, "no registry credential configured")
		},
	}

	ex, err := rt.NewExecution(ctx, role, uuid.NewString(), ctxID, nil)
	require.NoError(t, err)

	err = ex.Run(ctx, nil)
	require.Error(t, err)
	require.Equal(t, KindAuthMissing, KindOf(err))
	require.False(t, executed)
	require.Equal(t, StateFailed, ex.State())
}

func TestAwaitInputParksAndResumes(t *testing.T) {
	rt, st, ctxID := newTestRuntime(t)
	ctx := context.Background()

	firstCalls := 0
	askCalls := 0
	role := &scriptedRole{
		name: "communication",
		plan: StepPlan{"draft", "ask", "send"},
		steps: map[string]stepFunc{
			"draft": func(_ context.Context, _ *Execution) (store.JSONMap, error) {
				firstCalls++
				return nil, nil
			},
			"ask": func(_ context.Context, ex *Execution) (store.JSONMap, error) {
				askCalls++
				if _, ok := ex.Get("answer"); !ok {
					return nil, ErrAwaitingInput
				}
				return nil, nil
			},
		},
	}

	ex, err := rt.NewExecution(ctx, role, uuid.NewString(), ctxID, nil)
	require.NoError(t, err)

	err = ex.Run(ctx, nil)
	require.ErrorIs(t, err, ErrAwaitingInput)
	require.Equal(t, StateAwaitingInput, ex.State())

	rec, err := st.GetAgent(ctx, ex.ID())
	require.NoError(t, err)
	require.Equal(t, string(StateAwaitingInput), rec.State)

	ex.Set("answer", "yes")
	require.NoError(t, ex.Resume(ctx))
	require.NoError(t, ex.Run(ctx, nil))

	require.Equal(t, StateCompleted, ex.State())
	// Completed steps are not re-executed after resume.
	require.Equal(t, 1, firstCalls)
	require.Equal(t, 2, askCalls)
}

func TestPauseBetweenSteps(t *testing.T) {
	rt, _, ctxID := newTestRuntime(t)
	ctx := context.Background()

	var ex *Execution
	role := &scriptedRole{
		name: "code",
		plan: StepPlan{"one", "two"},
		steps: map[string]stepFunc{
			"one": func(_ context.Context, e *Execution) (store.JSONMap, error) {
				require.NoError(t, e.Pause(ctx))
				return nil, nil
			},
		},
	}

	ex, err := rt.NewExecution(ctx, role, uuid.NewString(), ctxID, nil)
	require.NoError(t, err)

	err = ex.Run(ctx, nil)
	require.ErrorIs(t, err, ErrPaused)
	require.Equal(t, StatePaused, ex.State())

	require.NoError(t, ex.Resume(ctx))
	require.NoError(t, ex.Run(ctx, nil))
	require.Equal(t, StateCompleted, ex.State())
}

func TestCancellationFailsExecution(t *testing.T) {
	rt, st, ctxID := newTestRuntime(t)

	runCtx, cancel := context.WithCancel(context.Background())
	role := &scriptedRole{
		name: "code",
		plan: StepPlan{"one", "two"},
		steps: map[string]stepFunc{
			"one": func(_ context.Context, _ *Execution) (store.JSONMap, error) {
				cancel()
				return nil, nil
			},
		},
	}

	ex, err := rt.NewExecution(context.Background(), role, uuid.NewString(), ctxID, nil)
	require.NoError(t, err)

	err = ex.Run(runCtx, nil)
	require.Error(t, err)
	require.Equal(t, KindCancelled, KindOf(err))
	require.Equal(t, StateFailed, ex.State())

	// Cancellation is persisted despite the dead work context.
	rec, err := st.GetAgent(context.Background(), ex.ID())
	require.NoError(t, err)
	require.Equal(t, string(StateFailed), rec.State)
}

func TestRestoreContinuesFromPersistedIndex(t *testing.T) {
	rt, st, ctxID := newTestRuntime(t)
	ctx := context.Background()

	role := &scriptedRole{
		name: "code",
		plan: StepPlan{"one", "two"},
		steps: map[string]stepFunc{
			"two": func(_ context.Context, ex *Execution) (store.JSONMap, error) {
				if _, ok := ex.Get("ready"); !ok {
					return nil, ErrAwaitingInput
				}
				return store.JSONMap{"done": true}, nil
			},
		},
	}

	ex, err := rt.NewExecution(ctx, role, uuid.NewString(), ctxID, nil)
	require.NoError(t, err)
	require.ErrorIs(t, ex.Run(ctx, nil), ErrAwaitingInput)

	// Simulated restart: rebuild the execution from the persisted record.
	rec, err := st.GetAgent(ctx, ex.ID())
	require.NoError(t, err)
	restored, err := rt.Restore(rec, role)
	require.NoError(t, err)
	require.Equal(t, StateAwaitingInput, restored.State())

	restored.Set("ready", true)
	require.NoError(t, restored.Resume(ctx))
	require.NoError(t, restored.Run(ctx, nil))
	require.Equal(t, StateCompleted, restored.State())
	require.Equal(t, true, restored.Result()["done"])
}

func TestRestoreRejectsRoleMismatch(t *testing.T) {
	rt, _, _ := newTestRuntime(t)

	rec := &store.AgentRecord{ID: uuid.NewString(), Role: "deploy", State: "paused"}
	_, err := rt.Restore(rec, &scriptedRole{name: "code", plan: StepPlan{"x"}})
	require.Error(t, err)
	require.Equal(t, KindStateViolation, KindOf(err))
}

func TestLessonsLoadedAtStart(t *testing.T) {
	rt, st, ctxID := newTestRuntime(t)
	ctx := context.Background()

	require.NoError(t, st.RecordLesson(ctx, &store.Lesson{
		Kind:           store.LessonMistake,
		AgentTag:       "deploy",
		Description:    "skipped health probe",
		PreventionRule: "probe before reporting success",
	}))
	rt.lessons = lessonStore{st}

	role := &scriptedRole{name: "deploy", plan: StepPlan{"noop"}}
	ex, err := rt.NewExecution(ctx, role, uuid.NewString(), ctxID, nil)
	require.NoError(t, err)
	require.NoError(t, ex.Run(ctx, nil))
	require.Len(t, ex.Lessons(), 1)
}

// lessonStore adapts the store directly for tests.
type lessonStore struct{ st *store.Store }

func (l lessonStore) ForAgent(ctx context.Context, tag string) ([]*store.Lesson, error) {
	return l.st.ListLessons(ctx, tag)
}

func TestWrapErrorPreservesExistingKind(t *testing.T) {
	inner := NewError(KindBudgetExceeded, "token budget exhausted")
	wrapped := WrapError(KindStateViolation, "agent-1", "step-1", inner)
	require.Equal(t, KindBudgetExceeded, wrapped.Kind)
	require.Equal(t, "agent-1", wrapped.Agent)
	require.Equal(t, "step-1", wrapped.Step)

	plain := errors.New("boom")
	wrapped = WrapError(KindExternalTimeout, "agent-2", "step-2", plain)
	require.Equal(t, KindExternalTimeout, wrapped.Kind)
	require.ErrorIs(t, wrapped, plain)
}
