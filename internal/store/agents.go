package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// CreateAgent inserts a new agent execution row.
func (s *Store) CreateAgent(ctx context.Context, rec *AgentRecord) error {
	if rec.ID == "" {
		return fmt.Errorf("agent id is required")
	}
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
        INSERT INTO agents (
            id, workflow_id, context_id, role, state, progress,
            current_step, step_index, result, error, config,
            created_at, updated_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.WorkflowID, rec.ContextID, rec.Role, rec.State, rec.Progress,
		rec.CurrentStep, rec.StepIndex, rec.Result, rec.Error, rec.Config,
		rec.CreatedAt, rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("create agent %s: %w", rec.ID, err)
	}
	return nil
}

// UpdateAgent persists agent state, progress and step bookkeeping.
func (s *Store) UpdateAgent(ctx context.Context, rec *AgentRecord) error {
	rec.UpdatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
        UPDATE agents SET
            state = ?, progress = ?, current_step = ?, step_index = ?,
            result = ?, error = ?, updated_at = ?
        WHERE id = ?`,
		rec.State, rec.Progress, rec.CurrentStep, rec.StepIndex,
		rec.Result, rec.Error, rec.UpdatedAt, rec.ID,
	)
	if err != nil {
		return fmt.Errorf("update agent %s: %w", rec.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("update agent %s: %w", rec.ID, ErrNotFound)
	}
	return nil
}

// GetAgent fetches a single agent row.
func (s *Store) GetAgent(ctx context.Context, id string) (*AgentRecord, error) {
	var rec AgentRecord
	err := s.db.GetContext(ctx, &rec, `SELECT * FROM agents WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("agent %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get agent %s: %w", id, err)
	}
	return &rec, nil
}

// ListAgentsForWorkflow returns agent rows for one workflow in creation order.
func (s *Store) ListAgentsForWorkflow(ctx context.Context, workflowID string) ([]*AgentRecord, error) {
	var recs []*AgentRecord
	err := s.db.SelectContext(ctx, &recs,
		`SELECT * FROM agents WHERE workflow_id = ? ORDER BY created_at ASC, id ASC`, workflowID)
	if err != nil {
		return nil, fmt.Errorf("list agents for workflow %s: %w", workflowID, err)
	}
	return recs, nil
}
