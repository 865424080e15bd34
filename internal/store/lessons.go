package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// RecordLesson inserts a learned rule. Lessons are immutable once recorded.
func (s *Store) RecordLesson(ctx context.Context, l *Lesson) error {
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO lessons (id, kind, agent_tag, description, prevention_rule, probe, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?)`,
		l.ID, l.Kind, l.AgentTag, l.Description, l.PreventionRule, l.Probe, l.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("record lesson: %w", err)
	}
	return nil
}

// ListLessons returns lessons for an agent-context tag, oldest first so that
// earlier rules are offered before later refinements.
func (s *Store) ListLessons(ctx context.Context, agentTag string) ([]*Lesson, error) {
	var lessons []*Lesson
	err := s.db.SelectContext(ctx, &lessons,
		`SELECT * FROM lessons WHERE agent_tag = ? ORDER BY created_at ASC`, agentTag)
	if err != nil {
		return nil, fmt.Errorf("list lessons for %s: %w", agentTag, err)
	}
	return lessons, nil
}

// RecordVerification inserts one probe execution record.
func (s *Store) RecordVerification(ctx context.Context, v *Verification) error {
	if v.ID == "" {
		v.ID = uuid.NewString()
	}
	if v.CreatedAt.IsZero() {
		v.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO verifications (
            id, task_id, claimed_status, verified_status, probe, output,
            discrepancy, agent_tag, workflow_id, created_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		v.ID, v.TaskID, v.ClaimedStatus, v.VerifiedStatus, v.Probe, v.Output,
		v.Discrepancy, v.AgentTag, v.WorkflowID, v.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("record verification for task %s: %w", v.TaskID, err)
	}
	return nil
}

// ListVerifications returns verification records for a task, newest first.
func (s *Store) ListVerifications(ctx context.Context, taskID string) ([]*Verification, error) {
	var recs []*Verification
	err := s.db.SelectContext(ctx, &recs,
		`SELECT * FROM verifications WHERE task_id = ? ORDER BY created_at DESC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list verifications for %s: %w", taskID, err)
	}
	return recs, nil
}
