package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// RecordExternalResource remembers an artifact created on an external system.
// Resources are soft-owned by their context; cleanup is advisory.
func (s *Store) RecordExternalResource(ctx context.Context, r *ExternalResource) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO external_resources (id, context_id, system, kind, external_id, url, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.ContextID, r.System, r.Kind, r.ExternalID, r.URL, r.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("record external resource: %w", err)
	}
	return nil
}

// ListExternalResources returns the resources soft-owned by a context.
func (s *Store) ListExternalResources(ctx context.Context, contextID string) ([]*ExternalResource, error) {
	var recs []*ExternalResource
	err := s.db.SelectContext(ctx, &recs,
		`SELECT * FROM external_resources WHERE context_id = ? ORDER BY created_at ASC`, contextID)
	if err != nil {
		return nil, fmt.Errorf("list external resources for %s: %w", contextID, err)
	}
	return recs, nil
}
