package workflow

import (
	"context"
	"database/sql"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/devflow-io/devflow/internal/agent"
	"github.com/devflow-io/devflow/internal/metrics"
	"github.com/devflow-io/devflow/internal/registry"
	"github.com/devflow-io/devflow/internal/store"
	"github.com/devflow-io/devflow/internal/tracing"
)

// Config tunes the engine.
type Config struct {
	// MaxConcurrency caps parallel fan-out when a definition sets none.
	MaxConcurrency int `mapstructure:"max_concurrency"`
	// LockTTL bounds branch locks so a crashed workflow cannot hold a
	// branch forever.
	LockTTL time.Duration `mapstructure:"lock_ttl"`
	// RetryInitialInterval seeds the exponential backoff for retry policies.
	RetryInitialInterval time.Duration `mapstructure:"retry_initial_interval"`
}

func DefaultConfig() Config {
	return Config{
		MaxConcurrency:       4,
		LockTTL:              5 * time.Minute,
		RetryInitialInterval: 500 * time.Millisecond,
	}
}

// Engine drives workflow definitions over the agent runtime.
type Engine struct {
	store    *store.Store
	runtime  *agent.Runtime
	roles    registry.Resolver
	catalog  *Catalog
	detector *Detector
	logger   *zap.Logger
	cfg      Config
}

func NewEngine(st *store.Store, rt *agent.Runtime, roles registry.Resolver, catalog *Catalog, cfg Config, logger *zap.Logger) *Engine {
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = DefaultConfig().MaxConcurrency
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = DefaultConfig().LockTTL
	}
	if cfg.RetryInitialInterval <= 0 {
		cfg.RetryInitialInterval = DefaultConfig().RetryInitialInterval
	}
	return &Engine{
		store:    st,
		runtime:  rt,
		roles:    roles,
		catalog:  catalog,
		detector: NewDetector(st, logger),
		logger:   logger,
		cfg:      cfg,
	}
}

// WorkflowTypes lists the catalog's workflow names.
func (e *Engine) WorkflowTypes() []string { return e.catalog.Names() }

// Run executes a named workflow type against a context. The returned record
// carries the final status; the error, when non-nil, explains it.
func (e *Engine) Run(ctx context.Context, contextID, workflowType string, input store.JSONMap) (*store.WorkflowRecord, error) {
	def, err := e.catalog.Get(workflowType)
	if err != nil {
		return nil, err
	}

	rec := &store.WorkflowRecord{
		ID:           uuid.NewString(),
		ContextID:    contextID,
		WorkflowType: workflowType,
		Status:       StatusPending,
	}
	if err := e.store.CreateWorkflow(ctx, rec); err != nil {
		return nil, err
	}
	rec.Status = StatusRunning
	if err := e.store.UpdateWorkflow(ctx, rec); err != nil {
		return nil, err
	}

	return e.drive(ctx, rec, def, input, nil)
}

// Resume continues a previously interrupted sequential workflow from the
// first role without a completed agent, rebuilding the handoff chain from
// persisted results. Resuming a terminal workflow is a no-op.
func (e *Engine) Resume(ctx context.Context, workflowID string, input store.JSONMap) (*store.WorkflowRecord, error) {
	rec, err := e.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if rec.Status == StatusCompleted || rec.Status == StatusFailed {
		return rec, nil
	}
	def, err := e.catalog.Get(rec.WorkflowType)
	if err != nil {
		return nil, err
	}
	if def.Mode != ModeSequential {
		return nil, agent.NewError(agent.KindStateViolation,
			"workflow %s is parallel; parallel runs restart rather than resume", workflowID)
	}

	agents, err := e.store.ListAgentsForWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	completed := map[string]*store.AgentRecord{}
	for _, a := range agents {
		if a.State == string(agent.StateCompleted) {
			completed[a.Role] = a
		}
	}

	var digests []string
	remaining := def.Roles
	for i, roleName := range def.Roles {
		a, ok := completed[roleName]
		if !ok {
			remaining = def.Roles[i:]
			break
		}
		digests = append(digests, buildHandoff(roleName, a.Result, nil).Digest())
		remaining = def.Roles[i+1:]
	}

	e.logger.Info("Resuming workflow",
		zap.String("workflow_id", workflowID),
		zap.Strings("remaining_roles", remaining),
	)
	return e.drive(ctx, rec, def, input, &sequentialState{roles: remaining, digests: digests})
}

// sequentialState carries a partially executed chain into drive.
type sequentialState struct {
	roles   []string
	digests []string
}

func (e *Engine) drive(ctx context.Context, rec *store.WorkflowRecord, def *Definition, input store.JSONMap, resume *sequentialState) (*store.WorkflowRecord, error) {
	ctx, span := tracing.Start(ctx, "workflow.run",
		tracing.String("workflow_type", def.Name),
		tracing.String("mode", string(def.Mode)),
	)
	defer span.End()

	metrics.WorkflowsStarted.WithLabelValues(def.Name, string(def.Mode)).Inc()
	started := time.Now()

	var runErr error
	switch def.Mode {
	case ModeParallel:
		runErr = e.runParallel(ctx, rec, def, input)
	default:
		state := resume
		if state == nil {
			state = &sequentialState{roles: def.Roles}
		}
		runErr = e.runSequential(ctx, rec, def, input, state)
	}

	// Locks die with the workflow regardless of outcome.
	persist := context.WithoutCancel(ctx)
	if err := e.store.ReleaseLocksForHolder(persist, rec.ID); err != nil {
		e.logger.Warn("Failed to release workflow locks", zap.Error(err))
	}

	// One atomic final update after the last terminal agent: status, end
	// time, failure kind, and the accumulated handoff.
	rec.Status = StatusCompleted
	if runErr != nil {
		rec.Status = StatusFailed
		rec.FailureKind = sql.NullString{String: string(agent.KindOf(runErr)), Valid: true}
	}
	rec.EndedAt = sql.NullTime{Time: time.Now().UTC(), Valid: true}
	if err := e.store.UpdateWorkflow(persist, rec); err != nil {
		e.logger.Error("Failed to commit workflow status", zap.Error(err))
		if runErr == nil {
			runErr = err
		}
	}

	metrics.WorkflowsCompleted.WithLabelValues(def.Name, string(def.Mode), rec.Status).Inc()
	metrics.WorkflowDuration.WithLabelValues(def.Name, string(def.Mode)).Observe(time.Since(started).Seconds())
	e.logger.Info("Workflow finished",
		zap.String("workflow_id", rec.ID),
		zap.String("workflow_type", def.Name),
		zap.String("status", rec.Status),
	)
	return rec, runErr
}

func (e *Engine) runSequential(ctx context.Context, rec *store.WorkflowRecord, def *Definition, input store.JSONMap, state *sequentialState) error {
	digests := state.digests
	for _, roleName := range state.roles {
		ex, err := e.runRole(ctx, rec, def, roleName, mergeHandoff(input, digests))
		if err != nil {
			// The runtime already persisted the failure as an error event.
			if def.FailurePolicy == PolicyContinue && agent.KindOf(err) != agent.KindCancelled {
				e.logger.Warn("Role failed, policy continues",
					zap.String("workflow_id", rec.ID),
					zap.String("role", roleName),
					zap.Error(err),
				)
				continue
			}
			return err
		}

		steps := executedSteps(ex)
		digests = append(digests, buildHandoff(roleName, ex.Result(), steps).Digest())
		rec.Handoff = store.JSONMap{"digests": digests}
	}
	return nil
}

func (e *Engine) runParallel(ctx context.Context, rec *store.WorkflowRecord, def *Definition, input store.JSONMap) error {
	branches := stringList(input["branches"])
	if len(branches) == 0 {
		branches = []string{"main"}
	}

	// Conflict stop policy cancels every sibling branch.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var mu sync.Mutex
	var conflictErr error

	limit := def.MaxConcurrency
	if limit <= 0 || limit > e.cfg.MaxConcurrency {
		limit = e.cfg.MaxConcurrency
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)

	for _, branch := range branches {
		g.Go(func() error {
			lockName := "branch:" + branch
			if err := e.store.AcquireLock(gctx, lockName, rec.ID, e.cfg.LockTTL); err != nil {
				return err
			}
			defer func() {
				_ = e.store.ReleaseLock(context.WithoutCancel(gctx), lockName, rec.ID)
			}()

			branchInput := make(store.JSONMap, len(input)+1)
			for k, v := range input {
				branchInput[k] = v
			}
			branchInput["branch"] = branch
			delete(branchInput, "branches")

			var digests []string
			for _, roleName := range def.Roles {
				ex, err := e.runRole(gctx, rec, def, roleName, mergeHandoff(branchInput, digests))
				if err != nil {
					if def.FailurePolicy == PolicyContinue && agent.KindOf(err) != agent.KindCancelled {
						continue
					}
					return err
				}
				digests = append(digests, buildHandoff(roleName, ex.Result(), executedSteps(ex)).Digest())

				persist := context.WithoutCancel(gctx)
				if err := e.detector.Record(persist, rec.ContextID, rec.ID, branch, ex.Result()); err != nil {
					return err
				}
				conflict, err := e.detector.Check(persist, rec.ContextID, rec.ID)
				if err != nil {
					return err
				}
				if conflict != nil {
					cerr := agent.NewError(agent.KindConflictDetected,
						"branches %s collide on %s %s",
						strings.Join(conflict.Branches, ", "), conflict.Kind, conflict.Resource)

					mu.Lock()
					first := conflictErr == nil
					if first {
						conflictErr = cerr
					}
					mu.Unlock()
					if first {
						// Exactly one conflict record per workflow; the
						// importance keeps it out of compression's reach.
						if err := e.store.AppendEvent(persist, &store.Event{
							ContextID:  rec.ContextID,
							Kind:       store.EventError,
							Importance: 8,
							Payload: store.JSONMap{
								"type":        "conflict-detected",
								"workflow_id": rec.ID,
								"kind":        conflict.Kind,
								"resource":    conflict.Resource,
								"branches":    conflict.Branches,
							},
						}); err != nil {
							e.logger.Error("Failed to record conflict", zap.Error(err))
						}
					}
					if def.FailurePolicy == PolicyStop {
						cancel()
					}
					return cerr
				}
			}
			return nil
		})
	}

	err := g.Wait()
	// A sibling cancelled by the conflict reports "cancelled"; the conflict
	// itself is the workflow's failure.
	mu.Lock()
	defer mu.Unlock()
	if conflictErr != nil {
		return conflictErr
	}
	return err
}

// runRole executes one role to a terminal state. Under the retry policy,
// timeouts are re-executed with jittered exponential backoff; a failed
// execution is terminal, so every attempt is a fresh instance.
func (e *Engine) runRole(ctx context.Context, rec *store.WorkflowRecord, def *Definition, roleName string, input store.JSONMap) (*agent.Execution, error) {
	attempt := func() (*agent.Execution, error) {
		role, err := e.roles.Resolve(roleName)
		if err != nil {
			return nil, err
		}
		ex, err := e.runtime.NewExecution(ctx, role, rec.ID, rec.ContextID, input)
		if err != nil {
			return nil, err
		}
		return ex, ex.Run(ctx, nil)
	}

	if def.FailurePolicy != PolicyRetry {
		return attempt()
	}

	var ex *agent.Execution
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = e.cfg.RetryInitialInterval
	op := func() error {
		var err error
		ex, err = attempt()
		if err == nil {
			return nil
		}
		if agent.KindOf(err) != agent.KindExternalTimeout {
			return backoff.Permanent(err)
		}
		e.logger.Warn("Role timed out, retrying",
			zap.String("workflow_id", rec.ID),
			zap.String("role", roleName),
		)
		return err
	}
	err := backoff.Retry(op, backoff.WithContext(
		backoff.WithMaxRetries(bo, uint64(def.RetryAttempts)), ctx))
	return ex, err
}

func executedSteps(ex *agent.Execution) []HandoffStep {
	names := ex.StepNames()
	steps := make([]HandoffStep, len(names))
	for i, name := range names {
		steps[i] = HandoffStep{Name: name, Index: i + 1}
	}
	return steps
}
