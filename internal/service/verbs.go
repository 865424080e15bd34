package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/devflow-io/devflow/internal/agent"
	"github.com/devflow-io/devflow/internal/contextmgr"
	"github.com/devflow-io/devflow/internal/store"
	"github.com/devflow-io/devflow/internal/tracing"
)

// StartWorkflow creates a context for the goal and runs one workflow against
// it. The coordinator is notified of the new context before any agent runs.
func (s *Service) StartWorkflow(ctx context.Context, scope store.Scope, goal, workflowType string, input store.JSONMap) (*store.WorkflowRecord, error) {
	c, err := s.Contexts.Create(ctx, scope, goal, 0)
	if err != nil {
		return nil, err
	}
	rec := c.Snapshot()
	s.Coordinator.OnContextCreated(ctx, &rec)

	wf, err := s.Engine.Run(ctx, c.ID(), workflowType, input)
	if err != nil {
		return wf, err
	}
	return wf, nil
}

// RunWorkflow executes a workflow against an existing context.
func (s *Service) RunWorkflow(ctx context.Context, contextID, workflowType string, input store.JSONMap) (*store.WorkflowRecord, error) {
	c, err := s.Contexts.Resume(ctx, contextID)
	if err != nil {
		return nil, err
	}
	return s.Engine.Run(ctx, c.ID(), workflowType, input)
}

// ResumeWorkflow continues an interrupted workflow.
func (s *Service) ResumeWorkflow(ctx context.Context, workflowID string, input store.JSONMap) (*store.WorkflowRecord, error) {
	return s.Engine.Resume(ctx, workflowID, input)
}

// SaveContext persists a context's current state and drops it from the live
// registry. Saving a context that is not live restores and re-saves it,
// which produces no new events.
func (s *Service) SaveContext(ctx context.Context, id string) error {
	c, err := s.Contexts.Resume(ctx, id)
	if err != nil {
		return err
	}
	if err := c.Save(ctx); err != nil {
		return err
	}
	return s.Contexts.Release(ctx, id)
}

// ResumeContext restores a context from the store into the live registry.
func (s *Service) ResumeContext(ctx context.Context, id string) (*contextmgr.Context, error) {
	return s.Contexts.Resume(ctx, id)
}

// ListContexts returns stored contexts matching the filter.
func (s *Service) ListContexts(ctx context.Context, filter store.ContextFilter) ([]*store.ContextRecord, error) {
	return s.Store.ListContexts(ctx, filter)
}

// PauseContext records a pause request on the context and saves it. Running
// agents observe the request at their next step boundary through engine
// cancellation; a separate process sees it as a durable decision event.
func (s *Service) PauseContext(ctx context.Context, id string) error {
	c, err := s.Contexts.Resume(ctx, id)
	if err != nil {
		return err
	}
	if _, err := c.Append(ctx, store.EventDecision, 7, store.JSONMap{
		"type": "pause-requested",
	}); err != nil {
		return err
	}
	if err := c.Save(ctx); err != nil {
		return err
	}
	return s.Contexts.Release(ctx, id)
}

// CompleteContext marks the context completed and fans out the completion
// notification.
func (s *Service) CompleteContext(ctx context.Context, id string) error {
	c, err := s.Contexts.Resume(ctx, id)
	if err != nil {
		return err
	}
	if err := c.Complete(ctx); err != nil {
		return err
	}
	rec := c.Snapshot()
	s.Coordinator.OnContextCompleted(ctx, &rec)
	return s.Contexts.Release(ctx, id)
}

// ShutdownMode selects how much state is flushed on the way down.
type ShutdownMode string

const (
	// ShutdownEmergency stops goroutines and closes the store handle. No
	// flush; the WAL replays on next open.
	ShutdownEmergency ShutdownMode = "emergency"
	// ShutdownQuick additionally backs up the store.
	ShutdownQuick ShutdownMode = "quick"
	// ShutdownRegular saves every live context, backs up the store, and
	// flushes traces.
	ShutdownRegular ShutdownMode = "regular"
)

// Shutdown stops the service. Safe to call once; later calls are no-ops.
func (s *Service) Shutdown(ctx context.Context, mode ShutdownMode) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	cancel := s.cancelBg
	s.mu.Unlock()

	s.logger.Info("Shutting down", zap.String("mode", string(mode)))

	if s.httpServer != nil {
		shutdownCtx, done := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		_ = s.httpServer.Shutdown(shutdownCtx)
		done()
	}
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()

	var firstErr error
	switch mode {
	case ShutdownRegular:
		if err := s.Contexts.SaveAll(ctx); err != nil {
			firstErr = err
		}
		if err := s.Store.Backup(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := tracing.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	case ShutdownQuick:
		if err := s.Store.Backup(ctx); err != nil {
			firstErr = err
		}
	case ShutdownEmergency:
		// Nothing flushed on purpose.
	default:
		firstErr = agent.NewError(agent.KindConfigInvalid, "unknown shutdown mode %q", mode)
	}

	if err := s.Store.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// Trace wraps an operation in a span for CLI entrypoints.
func (s *Service) Trace(ctx context.Context, name string) (context.Context, func()) {
	spanCtx, span := tracing.Start(ctx, name)
	return spanCtx, func() { span.End() }
}
