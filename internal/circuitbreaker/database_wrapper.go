package circuitbreaker

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

// DatabaseWrapper wraps the embedded sqlite database with a circuit breaker
// so persistent I/O failures trip open instead of hammering a broken disk.
type DatabaseWrapper struct {
	db     *sqlx.DB
	cb     *CircuitBreaker
	logger *zap.Logger
}

// NewDatabaseWrapper creates a database wrapper with circuit breaker
func NewDatabaseWrapper(db *sqlx.DB, logger *zap.Logger) *DatabaseWrapper {
	config := GetDatabaseConfig().ToConfig()
	// A missing row or a cancelled caller says nothing about the disk.
	config.IsFailure = func(err error) bool {
		return !errors.Is(err, sql.ErrNoRows) &&
			!errors.Is(err, context.Canceled) &&
			!errors.Is(err, context.DeadlineExceeded)
	}
	cb := NewCircuitBreaker("sqlite", config, logger)

	GlobalMetricsCollector.RegisterCircuitBreaker("sqlite", "store", cb)

	return &DatabaseWrapper{
		db:     db,
		cb:     cb,
		logger: logger,
	}
}

func (dw *DatabaseWrapper) record(success bool) {
	GlobalMetricsCollector.RecordRequest("sqlite", "store", dw.cb.State(), success)
}

// PingContext wraps database ping with circuit breaker
func (dw *DatabaseWrapper) PingContext(ctx context.Context) error {
	err := dw.cb.Execute(ctx, func() error {
		return dw.db.PingContext(ctx)
	})
	dw.record(err == nil)
	return err
}

// ExecContext wraps exec with circuit breaker
func (dw *DatabaseWrapper) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	var result sql.Result
	err := dw.cb.Execute(ctx, func() error {
		var execErr error
		result, execErr = dw.db.ExecContext(ctx, query, args...)
		return execErr
	})
	dw.record(err == nil)
	if err != nil {
		return nil, err
	}
	return result, nil
}

// GetContext wraps a single-row scan with circuit breaker
func (dw *DatabaseWrapper) GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	err := dw.cb.Execute(ctx, func() error {
		return dw.db.GetContext(ctx, dest, query, args...)
	})
	// Not finding a row is a caller condition, not a store failure.
	dw.record(err == nil || err == sql.ErrNoRows)
	return err
}

// SelectContext wraps a multi-row scan with circuit breaker
func (dw *DatabaseWrapper) SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	err := dw.cb.Execute(ctx, func() error {
		return dw.db.SelectContext(ctx, dest, query, args...)
	})
	dw.record(err == nil)
	return err
}

// WithTx runs fn inside a transaction under a single breaker execution.
// The transaction is rolled back on error or panic.
func (dw *DatabaseWrapper) WithTx(ctx context.Context, fn func(*sqlx.Tx) error) error {
	err := dw.cb.Execute(ctx, func() error {
		tx, beginErr := dw.db.BeginTxx(ctx, nil)
		if beginErr != nil {
			return beginErr
		}
		defer func() {
			if p := recover(); p != nil {
				_ = tx.Rollback()
				panic(p)
			}
		}()
		if fnErr := fn(tx); fnErr != nil {
			_ = tx.Rollback()
			return fnErr
		}
		return tx.Commit()
	})
	dw.record(err == nil)
	return err
}

// DB returns the underlying connection for operations not covered by the
// wrapper (migrations, integrity checks, backups).
func (dw *DatabaseWrapper) DB() *sqlx.DB {
	return dw.db
}

// IsOpen returns true if the circuit breaker is open
func (dw *DatabaseWrapper) IsOpen() bool {
	return dw.cb.State() == StateOpen
}

// Close closes the database connection
func (dw *DatabaseWrapper) Close() error {
	return dw.db.Close()
}
