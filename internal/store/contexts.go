package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// CreateContext inserts a new context row.
func (s *Store) CreateContext(ctx context.Context, rec *ContextRecord) error {
	if rec.ID == "" {
		return fmt.Errorf("context id is required")
	}
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	if rec.LastActiveAt.IsZero() {
		rec.LastActiveAt = now
	}
	rec.UpdatedAt = now
	if rec.CompressionLevel == "" {
		rec.CompressionLevel = LevelActive
	}

	_, err := s.db.ExecContext(ctx, `
        INSERT INTO contexts (
            id, scope, goal, parent_id, compression_level,
            token_budget, tokens_used, over_budget, completed,
            created_at, last_active_at, updated_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Scope, rec.Goal, rec.ParentID, rec.CompressionLevel,
		rec.TokenBudget, rec.TokensUsed, rec.OverBudget, rec.Completed,
		rec.CreatedAt, rec.LastActiveAt, rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("create context %s: %w", rec.ID, err)
	}
	return nil
}

// UpdateContext persists the mutable fields of a context row.
func (s *Store) UpdateContext(ctx context.Context, rec *ContextRecord) error {
	rec.UpdatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
        UPDATE contexts SET
            scope = ?, goal = ?, compression_level = ?,
            token_budget = ?, tokens_used = ?, over_budget = ?, completed = ?,
            last_active_at = ?, updated_at = ?
        WHERE id = ?`,
		rec.Scope, rec.Goal, rec.CompressionLevel,
		rec.TokenBudget, rec.TokensUsed, rec.OverBudget, rec.Completed,
		rec.LastActiveAt, rec.UpdatedAt, rec.ID,
	)
	if err != nil {
		return fmt.Errorf("update context %s: %w", rec.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("update context %s: %w", rec.ID, ErrNotFound)
	}
	return nil
}

// GetContext fetches a context row by id.
func (s *Store) GetContext(ctx context.Context, id string) (*ContextRecord, error) {
	var rec ContextRecord
	err := s.db.GetContext(ctx, &rec, `SELECT * FROM contexts WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("context %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get context %s: %w", id, err)
	}
	return &rec, nil
}

// ListContexts returns context rows matching the filter, most recent first.
func (s *Store) ListContexts(ctx context.Context, filter ContextFilter) ([]*ContextRecord, error) {
	query := `SELECT * FROM contexts WHERE 1=1`
	args := []interface{}{}
	if filter.Scope != "" {
		query += ` AND scope = ?`
		args = append(args, filter.Scope)
	}
	if filter.Level != "" {
		query += ` AND compression_level = ?`
		args = append(args, filter.Level)
	}
	if filter.ParentID != "" {
		query += ` AND parent_id = ?`
		args = append(args, filter.ParentID)
	}
	if filter.Completed != nil {
		query += ` AND completed = ?`
		args = append(args, *filter.Completed)
	}
	query += ` ORDER BY last_active_at DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	var recs []*ContextRecord
	if err := s.db.SelectContext(ctx, &recs, query, args...); err != nil {
		return nil, fmt.Errorf("list contexts: %w", err)
	}
	return recs, nil
}

// RecordArchiveTransition updates the archive index after a level change.
func (s *Store) RecordArchiveTransition(ctx context.Context, contextID string, level CompressionLevel, eventCount int) error {
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO archive_index (context_id, level, archived_at, event_count)
        VALUES (?, ?, ?, ?)
        ON CONFLICT(context_id) DO UPDATE SET
            level = excluded.level,
            archived_at = excluded.archived_at,
            event_count = excluded.event_count`,
		contextID, level, time.Now().UTC(), eventCount,
	)
	if err != nil {
		return fmt.Errorf("record archive transition for %s: %w", contextID, err)
	}
	return nil
}
