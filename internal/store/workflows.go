package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// CreateWorkflow inserts a new workflow session row.
func (s *Store) CreateWorkflow(ctx context.Context, rec *WorkflowRecord) error {
	if rec.ID == "" {
		return fmt.Errorf("workflow id is required")
	}
	if rec.StartedAt.IsZero() {
		rec.StartedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO workflows (id, context_id, workflow_type, status, handoff, started_at, ended_at, failure_kind)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.ContextID, rec.WorkflowType, rec.Status, rec.Handoff,
		rec.StartedAt, rec.EndedAt, rec.FailureKind,
	)
	if err != nil {
		return fmt.Errorf("create workflow %s: %w", rec.ID, err)
	}
	return nil
}

// UpdateWorkflow persists workflow status and handoff context. The ended-at
// timestamp is set exactly once, when the workflow reaches a terminal status.
func (s *Store) UpdateWorkflow(ctx context.Context, rec *WorkflowRecord) error {
	res, err := s.db.ExecContext(ctx, `
        UPDATE workflows SET status = ?, handoff = ?, ended_at = ?, failure_kind = ?
        WHERE id = ?`,
		rec.Status, rec.Handoff, rec.EndedAt, rec.FailureKind, rec.ID,
	)
	if err != nil {
		return fmt.Errorf("update workflow %s: %w", rec.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("update workflow %s: %w", rec.ID, ErrNotFound)
	}
	return nil
}

// GetWorkflow fetches a workflow row by id.
func (s *Store) GetWorkflow(ctx context.Context, id string) (*WorkflowRecord, error) {
	var rec WorkflowRecord
	err := s.db.GetContext(ctx, &rec, `SELECT * FROM workflows WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("workflow %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get workflow %s: %w", id, err)
	}
	return &rec, nil
}

// ListWorkflowsForContext returns workflow rows for a context, newest first.
func (s *Store) ListWorkflowsForContext(ctx context.Context, contextID string) ([]*WorkflowRecord, error) {
	var recs []*WorkflowRecord
	err := s.db.SelectContext(ctx, &recs,
		`SELECT * FROM workflows WHERE context_id = ? ORDER BY started_at DESC`, contextID)
	if err != nil {
		return nil, fmt.Errorf("list workflows for %s: %w", contextID, err)
	}
	return recs, nil
}
