package agent

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/devflow-io/devflow/internal/metrics"
	"github.com/devflow-io/devflow/internal/store"
	"github.com/devflow-io/devflow/internal/tracing"
)

// ErrAwaitingInput is returned by a step that needs operator input. The
// execution parks in awaiting-input; a later Resume call continues from the
// same step.
var ErrAwaitingInput = errors.New("awaiting input")

// ErrPaused is returned by Run when a pause signal interrupted the plan
// between steps.
var ErrPaused = errors.New("execution paused")

// Progress is one update on the progress stream.
type Progress struct {
	AgentID    string
	Role       string
	Step       string
	StepIndex  int
	StepCount  int
	Percent    float64
	Importance int
}

// Runtime wires roles to the store, the lesson bank, and instrumentation.
// It owns step budget enforcement and the state machine; roles own only
// their step bodies.
type Runtime struct {
	store   *store.Store
	lessons LessonSource
	logger  *zap.Logger
}

// NewRuntime creates the shared agent runtime.
func NewRuntime(st *store.Store, lessons LessonSource, logger *zap.Logger) *Runtime {
	return &Runtime{store: st, lessons: lessons, logger: logger}
}

// Execution is one run of one role under a workflow. All state mutations go
// through the state machine and are persisted before they are observable.
type Execution struct {
	rt   *Runtime
	role Role
	plan StepPlan

	mu      sync.Mutex
	rec     *store.AgentRecord
	input   store.JSONMap
	scratch map[string]interface{}
	result  store.JSONMap
	lessons []*store.Lesson
}

// NewExecution validates the role's plan, persists an idle agent record, and
// returns a ready execution.
func (r *Runtime) NewExecution(ctx context.Context, role Role, workflowID, contextID string, input store.JSONMap) (*Execution, error) {
	plan := role.StepPlan()
	if len(plan) == 0 || len(plan) > MaxSteps {
		return nil, NewError(KindConfigInvalid,
			"role %s declares %d steps, allowed range is 1..%d", role.Name(), len(plan), MaxSteps)
	}

	rec := &store.AgentRecord{
		ID:         uuid.NewString(),
		WorkflowID: workflowID,
		ContextID:  contextID,
		Role:       role.Name(),
		State:      string(StateIdle),
		Config:     input,
	}
	if err := r.store.CreateAgent(ctx, rec); err != nil {
		return nil, err
	}

	return &Execution{
		rt:      r,
		role:    role,
		plan:    plan,
		rec:     rec,
		input:   input,
		scratch: make(map[string]interface{}),
		result:  store.JSONMap{},
	}, nil
}

// Restore rebuilds an execution from a persisted agent record so a workflow
// can continue after a restart. The role must match the record.
func (r *Runtime) Restore(rec *store.AgentRecord, role Role) (*Execution, error) {
	if rec.Role != role.Name() {
		return nil, NewError(KindStateViolation,
			"record role %q does not match %q", rec.Role, role.Name())
	}
	if _, err := mustState(rec.State); err != nil {
		return nil, NewError(KindStateViolation, "%s", err.Error())
	}
	result := rec.Result
	if result == nil {
		result = store.JSONMap{}
	}
	return &Execution{
		rt:      r,
		role:    role,
		plan:    role.StepPlan(),
		rec:     rec,
		input:   rec.Config,
		scratch: make(map[string]interface{}),
		result:  result,
	}, nil
}

// ID returns the agent instance identity.
func (e *Execution) ID() string { return e.rec.ID }

// RoleName returns the executing role's tag.
func (e *Execution) RoleName() string { return e.role.Name() }

// ContextID returns the owning context identity.
func (e *Execution) ContextID() string { return e.rec.ContextID }

// State returns the current state.
func (e *Execution) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return State(e.rec.State)
}

// Input returns the execution input, including any handoff context merged in
// by the workflow engine.
func (e *Execution) Input() store.JSONMap { return e.input }

// StepNames returns a copy of the role's declared plan.
func (e *Execution) StepNames() []string {
	names := make([]string, len(e.plan))
	copy(names, e.plan)
	return names
}

// Lessons returns the learned rules loaded for this role at start.
func (e *Execution) Lessons() []*store.Lesson { return e.lessons }

// Get reads a scratch value shared between steps of this execution.
func (e *Execution) Get(key string) (interface{}, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	v, ok := e.scratch[key]
	return v, ok
}

// Set stores a scratch value shared between steps of this execution.
func (e *Execution) Set(key string, value interface{}) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.scratch[key] = value
}

// Result returns the merged result payload of all completed steps.
func (e *Execution) Result() store.JSONMap {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := store.JSONMap{}
	for k, v := range e.result {
		out[k] = v
	}
	return out
}

// signal applies one state machine input and persists the outcome.
func (e *Execution) signal(ctx context.Context, sig Signal) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	next, err := Next(State(e.rec.State), sig)
	if err != nil {
		return err
	}
	e.rec.State = string(next)
	return e.rt.store.UpdateAgent(ctx, e.rec)
}

// Pause requests a pause; Run observes it between steps.
func (e *Execution) Pause(ctx context.Context) error {
	return e.signal(ctx, SignalPause)
}

// Resume moves a paused or awaiting-input execution back to running. The
// caller then invokes Run again to continue from the persisted step index.
func (e *Execution) Resume(ctx context.Context) error {
	return e.signal(ctx, SignalResume)
}

// Abort terminally fails a non-terminal execution with the given cause.
func (e *Execution) Abort(ctx context.Context, cause *Error) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.failLocked(ctx, cause)
}

func (e *Execution) failLocked(ctx context.Context, cause *Error) error {
	next, err := Next(State(e.rec.State), SignalFail)
	if err != nil {
		// Fail is only defined from running; abort covers the rest.
		next, err = Next(State(e.rec.State), SignalAbort)
		if err != nil {
			return err
		}
	}
	e.rec.State = string(next)
	e.rec.Error = store.JSONMap{
		"kind":    string(cause.Kind),
		"message": cause.Message,
		"step":    cause.Step,
		"agent":   cause.Agent,
	}
	if cause.Cause != nil {
		e.rec.Error["cause"] = cause.Cause.Error()
	}
	if err := e.rt.store.UpdateAgent(ctx, e.rec); err != nil {
		return err
	}
	return e.rt.store.AppendEvent(ctx, &store.Event{
		ContextID:  e.rec.ContextID,
		Kind:       store.EventError,
		Importance: 6,
		Payload: store.JSONMap{
			"agent_id": e.rec.ID,
			"role":     e.role.Name(),
			"error":    e.rec.Error,
		},
	})
}

// Run drives the declared steps in order from the persisted step index.
// Cancellation is observed between steps. Returns nil once the execution
// reaches completed; ErrPaused / ErrAwaitingInput when interrupted.
func (e *Execution) Run(ctx context.Context, progress chan<- Progress) error {
	state := e.State()
	switch state {
	case StateIdle:
		if err := e.signal(ctx, SignalStart); err != nil {
			return err
		}
	case StateRunning:
		// Continuing after Resume.
	case StateCompleted:
		return nil
	default:
		return NewError(KindStateViolation, "cannot run agent in state %q", state)
	}

	e.loadLessons(ctx)

	logger := e.rt.logger.With(
		zap.String("agent_id", e.rec.ID),
		zap.String("role", e.role.Name()),
		zap.String("workflow_id", e.rec.WorkflowID),
	)
	logger.Info("Agent running",
		zap.Int("step_index", e.rec.StepIndex),
		zap.Int("step_count", len(e.plan)),
	)

	for e.rec.StepIndex < len(e.plan) {
		if err := ctx.Err(); err != nil {
			cause := &Error{Kind: KindCancelled, Message: "execution cancelled", Agent: e.rec.ID, Cause: err}
			if errors.Is(context.Cause(ctx), context.DeadlineExceeded) {
				cause.Kind = KindExternalTimeout
				cause.Message = "execution deadline exceeded"
			}
			e.mu.Lock()
			defer e.mu.Unlock()
			if failErr := e.failLocked(ctx2(ctx), cause); failErr != nil {
				logger.Error("Failed to persist cancellation", zap.Error(failErr))
			}
			return cause
		}

		// A pause or await-input signal between steps parks the plan.
		switch e.State() {
		case StatePaused:
			return ErrPaused
		case StateAwaitingInput:
			return ErrAwaitingInput
		}

		if err := e.runStep(ctx, e.rec.StepIndex, progress, logger); err != nil {
			return err
		}
	}

	if err := e.signal(ctx, SignalComplete); err != nil {
		return err
	}
	e.mu.Lock()
	e.rec.Result = e.result
	e.rec.Progress = 100
	rec := e.rec
	e.mu.Unlock()
	if err := e.rt.store.UpdateAgent(ctx, rec); err != nil {
		return err
	}

	// The terminal event is the ordering anchor sequential workflows wait on.
	if err := e.rt.store.AppendEvent(ctx, &store.Event{
		ContextID:  e.rec.ContextID,
		Kind:       store.EventAgentStep,
		Importance: 6,
		Payload: store.JSONMap{
			"agent_id": e.rec.ID,
			"role":     e.role.Name(),
			"status":   string(StateCompleted),
		},
	}); err != nil {
		return err
	}

	metrics.AgentExecutions.WithLabelValues(e.role.Name(), string(StateCompleted)).Inc()
	logger.Info("Agent completed")
	return nil
}

func (e *Execution) runStep(ctx context.Context, index int, progress chan<- Progress, logger *zap.Logger) error {
	// Step budget: defensive, the plan length is validated at construction
	// but a corrupted record could otherwise walk past it.
	if index >= MaxSteps {
		metrics.AgentStepsRejected.WithLabelValues(e.role.Name(), "budget").Inc()
		cause := NewError(KindStateViolation, "step index %d exceeds budget %d", index, MaxSteps)
		cause.Agent = e.rec.ID
		e.mu.Lock()
		defer e.mu.Unlock()
		return e.failLocked(ctx, cause)
	}
	if e.State() != StateRunning {
		metrics.AgentStepsRejected.WithLabelValues(e.role.Name(), "state").Inc()
		return NewError(KindStateViolation, "step executed outside running state")
	}

	step := e.plan[index]
	stepCtx, span := tracing.Start(ctx, "agent.step",
		tracing.String("role", e.role.Name()),
		tracing.String("step", step),
	)
	defer span.End()

	if g, ok := e.role.(Guarded); ok {
		if err := g.Guard(stepCtx, step, e); err != nil {
			wrapped := WrapError(KindOf(err), e.rec.ID, step, err)
			e.mu.Lock()
			defer e.mu.Unlock()
			if failErr := e.failLocked(ctx, wrapped); failErr != nil {
				return failErr
			}
			metrics.AgentExecutions.WithLabelValues(e.role.Name(), string(StateFailed)).Inc()
			return wrapped
		}
	}

	started := time.Now()
	payload, err := e.role.ExecuteStep(stepCtx, step, e)
	elapsed := time.Since(started)
	metrics.AgentStepDuration.WithLabelValues(e.role.Name(), step).Observe(float64(elapsed.Milliseconds()))

	if errors.Is(err, ErrAwaitingInput) {
		if sigErr := e.signal(ctx, SignalAwaitInput); sigErr != nil {
			return sigErr
		}
		logger.Info("Agent awaiting input", zap.String("step", step))
		return ErrAwaitingInput
	}
	if err != nil {
		kind := KindOf(err)
		if errors.Is(err, context.DeadlineExceeded) {
			kind = KindExternalTimeout
		} else if errors.Is(err, context.Canceled) {
			kind = KindCancelled
		}
		wrapped := WrapError(kind, e.rec.ID, step, err)
		e.mu.Lock()
		defer e.mu.Unlock()
		if failErr := e.failLocked(ctx2(ctx), wrapped); failErr != nil {
			return failErr
		}
		metrics.AgentExecutions.WithLabelValues(e.role.Name(), string(StateFailed)).Inc()
		logger.Warn("Agent step failed",
			zap.String("step", step),
			zap.String("kind", string(kind)),
			zap.Error(err),
		)
		return wrapped
	}

	// Persist progress before the step becomes observable to the workflow.
	e.mu.Lock()
	for k, v := range payload {
		e.result[k] = v
	}
	e.rec.StepIndex = index + 1
	e.rec.CurrentStep.String = step
	e.rec.CurrentStep.Valid = true
	pct := float64(index+1) / float64(len(e.plan)) * 100
	if pct > e.rec.Progress {
		e.rec.Progress = pct
	}
	rec := e.rec
	e.mu.Unlock()

	// A completed step persists even when the work context died during it;
	// the loop turns the cancellation into a terminal failure afterwards.
	persistCtx := ctx2(ctx)
	if err := e.rt.store.UpdateAgent(persistCtx, rec); err != nil {
		return err
	}
	if err := e.rt.store.AppendEvent(persistCtx, &store.Event{
		ContextID:  e.rec.ContextID,
		Kind:       store.EventAgentStep,
		Importance: 4,
		Payload: store.JSONMap{
			"agent_id":    e.rec.ID,
			"role":        e.role.Name(),
			"step":        step,
			"step_index":  index + 1,
			"duration_ms": elapsed.Milliseconds(),
			"result":      payload,
		},
	}); err != nil {
		return err
	}

	sendProgress(progress, Progress{
		AgentID:    e.rec.ID,
		Role:       e.role.Name(),
		Step:       step,
		StepIndex:  index + 1,
		StepCount:  len(e.plan),
		Percent:    rec.Progress,
		Importance: 4,
	})
	return nil
}

// loadLessons offers learned rules to the execution; failures never block.
func (e *Execution) loadLessons(ctx context.Context) {
	if e.rt.lessons == nil {
		return
	}
	lessons, err := e.rt.lessons.ForAgent(ctx, e.role.Name())
	if err != nil {
		e.rt.logger.Warn("Lesson load failed",
			zap.String("role", e.role.Name()),
			zap.Error(err),
		)
		return
	}
	e.mu.Lock()
	e.lessons = lessons
	e.mu.Unlock()
}

// sendProgress never blocks: a full channel drops low-importance updates so
// a slow consumer cannot stall a step.
func sendProgress(ch chan<- Progress, p Progress) {
	if ch == nil {
		return
	}
	select {
	case ch <- p:
	default:
		if p.Importance >= 8 {
			// High-importance updates wait for the consumer.
			ch <- p
		}
	}
}

// ctx2 keeps persistence possible after the work context is cancelled.
func ctx2(parent context.Context) context.Context {
	return context.WithoutCancel(parent)
}
