package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/devflow-io/devflow/internal/metrics"
)

// ErrLockHeld is returned when another live holder owns the lock.
var ErrLockHeld = errors.New("resource lock held")

// AcquireLock takes the named advisory lock for holder with the given TTL.
// An expired lock is silently reclaimed; re-acquiring one's own lock renews
// the TTL. Locks are advisory: nothing stops code that does not ask.
func (s *Store) AcquireLock(ctx context.Context, name, holder string, ttl time.Duration) error {
	now := time.Now().UTC()
	expires := now.Add(ttl)

	err := s.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		var existing ResourceLock
		err := tx.GetContext(ctx, &existing,
			`SELECT * FROM resource_locks WHERE name = ?`, name)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			_, err = tx.ExecContext(ctx,
				`INSERT INTO resource_locks (name, holder, acquired_at, expires_at) VALUES (?, ?, ?, ?)`,
				name, holder, now, expires)
			return err
		case err != nil:
			return err
		case existing.Holder == holder, existing.ExpiresAt.Before(now):
			_, err = tx.ExecContext(ctx,
				`UPDATE resource_locks SET holder = ?, acquired_at = ?, expires_at = ? WHERE name = ?`,
				holder, now, expires, name)
			return err
		default:
			return fmt.Errorf("%w: %s held by %s until %s", ErrLockHeld, name, existing.Holder, existing.ExpiresAt)
		}
	})
	if err != nil {
		return err
	}
	metrics.LocksHeld.Inc()
	return nil
}

// ReleaseLock drops the named lock if holder owns it. Releasing a lock one
// does not hold is a no-op, which makes release safe on every exit path.
func (s *Store) ReleaseLock(ctx context.Context, name, holder string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM resource_locks WHERE name = ? AND holder = ?`, name, holder)
	if err != nil {
		return fmt.Errorf("release lock %s: %w", name, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		metrics.LocksHeld.Dec()
	}
	return nil
}

// ReleaseLocksForHolder drops every lock owned by holder, used on terminal
// state transitions and shutdown.
func (s *Store) ReleaseLocksForHolder(ctx context.Context, holder string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM resource_locks WHERE holder = ?`, holder)
	if err != nil {
		return fmt.Errorf("release locks for %s: %w", holder, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		metrics.LocksHeld.Sub(float64(n))
	}
	return nil
}

// SweepExpiredLocks removes locks past their TTL. Called by the background
// maintenance ticker.
func (s *Store) SweepExpiredLocks(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM resource_locks WHERE expires_at < ?`, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("sweep expired locks: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		metrics.LocksHeld.Sub(float64(n))
	}
	return n, nil
}
