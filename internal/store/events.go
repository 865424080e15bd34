package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/devflow-io/devflow/internal/metrics"
)

// AppendEvent appends an event to a context's log, assigning the next
// sequence number inside the insert transaction so sequences are strictly
// monotonic per context even under concurrent writers.
func (s *Store) AppendEvent(ctx context.Context, e *Event) error {
	if e.ContextID == "" {
		return fmt.Errorf("event context id is required")
	}
	if e.Importance < 0 || e.Importance > 10 {
		return fmt.Errorf("event importance %d out of range [0,10]", e.Importance)
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	start := time.Now()
	err := s.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		var next int64
		if err := tx.GetContext(ctx, &next,
			`SELECT COALESCE(MAX(seq), 0) + 1 FROM context_events WHERE context_id = ?`,
			e.ContextID); err != nil {
			return fmt.Errorf("next sequence: %w", err)
		}
		e.Seq = next
		if _, err := tx.ExecContext(ctx, `
            INSERT INTO context_events (
                id, context_id, seq, kind, importance, payload, token_count, compressed, created_at
            ) VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?)`,
			e.ID, e.ContextID, e.Seq, e.Kind, e.Importance, e.Payload, e.TokenCount, e.CreatedAt,
		); err != nil {
			return fmt.Errorf("insert event: %w", err)
		}
		_, err := tx.ExecContext(ctx,
			`UPDATE contexts SET tokens_used = tokens_used + ?, last_active_at = ?, updated_at = ? WHERE id = ?`,
			e.TokenCount, e.CreatedAt, e.CreatedAt, e.ContextID)
		return err
	})
	if err != nil {
		return fmt.Errorf("append event to %s: %w", e.ContextID, err)
	}

	metrics.EventsAppended.WithLabelValues(string(e.Kind)).Inc()
	metrics.StoreWriteDuration.Observe(float64(time.Since(start).Milliseconds()))
	return nil
}

// QueryEvents returns events for a context in sequence order.
func (s *Store) QueryEvents(ctx context.Context, contextID string, filter EventFilter) ([]*Event, error) {
	query := `SELECT * FROM context_events WHERE context_id = ?`
	args := []interface{}{contextID}

	if len(filter.Kinds) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(filter.Kinds)), ",")
		query += ` AND kind IN (` + placeholders + `)`
		for _, k := range filter.Kinds {
			args = append(args, k)
		}
	}
	if filter.MinImportance > 0 {
		query += ` AND importance >= ?`
		args = append(args, filter.MinImportance)
	}
	if filter.SinceSeq > 0 {
		query += ` AND seq > ?`
		args = append(args, filter.SinceSeq)
	}
	if !filter.IncludeCompressed {
		query += ` AND compressed = 0`
	}
	query += ` ORDER BY seq ASC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	var events []*Event
	if err := s.db.SelectContext(ctx, &events, query, args...); err != nil {
		return nil, fmt.Errorf("query events for %s: %w", contextID, err)
	}
	return events, nil
}

// MaxSeq returns the highest sequence number for a context (0 when empty).
func (s *Store) MaxSeq(ctx context.Context, contextID string) (int64, error) {
	var max int64
	if err := s.db.GetContext(ctx, &max,
		`SELECT COALESCE(MAX(seq), 0) FROM context_events WHERE context_id = ?`, contextID); err != nil {
		return 0, fmt.Errorf("max seq for %s: %w", contextID, err)
	}
	return max, nil
}

// UncompressedTokens sums the token counts of the events still visible in
// the default (compressed-excluded) view. Compression recomputes a context's
// usage from this figure.
func (s *Store) UncompressedTokens(ctx context.Context, contextID string) (int, error) {
	var total int
	if err := s.db.GetContext(ctx, &total,
		`SELECT COALESCE(SUM(token_count), 0) FROM context_events WHERE context_id = ? AND compressed = 0`,
		contextID); err != nil {
		return 0, fmt.Errorf("uncompressed tokens for %s: %w", contextID, err)
	}
	return total, nil
}

// MarkEventsCompressed flags the given events as replaced by a summary.
// Events are never deleted or mutated beyond this flag; compression is a
// view concern, the log stays append-only.
func (s *Store) MarkEventsCompressed(ctx context.Context, contextID string, upToSeq int64, preserveImportance int) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
        UPDATE context_events SET compressed = 1
        WHERE context_id = ? AND seq <= ? AND importance < ? AND compressed = 0 AND kind != ?`,
		contextID, upToSeq, preserveImportance, EventSummary,
	)
	if err != nil {
		return 0, fmt.Errorf("mark events compressed for %s: %w", contextID, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
