package store

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/devflow-io/devflow/internal/circuitbreaker"
)

// Store owns all persistent state: the append-only event log and the
// current-state tables, in one embedded sqlite database under WAL.
type Store struct {
	db     *circuitbreaker.DatabaseWrapper
	logger *zap.Logger
	path   string
}

// Config holds store configuration
type Config struct {
	Path        string        `mapstructure:"path"`
	BusyTimeout time.Duration `mapstructure:"busy_timeout"`
}

// Open opens (or creates) the database at cfg.Path, verifies integrity,
// restores the last known-good backup if verification fails, and applies
// pending migrations.
func Open(ctx context.Context, cfg Config, logger *zap.Logger) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("store path is required")
	}
	if cfg.BusyTimeout == 0 {
		cfg.BusyTimeout = 5 * time.Second
	}

	db, err := openAndVerify(ctx, cfg, logger)
	if err != nil {
		// Corruption path: try the previous known-good backup.
		backup := cfg.Path + ".bak"
		if _, statErr := os.Stat(backup); statErr != nil {
			return nil, fmt.Errorf("open store: %w", err)
		}
		logger.Error("Database failed verification, restoring backup",
			zap.String("path", cfg.Path),
			zap.Error(err),
		)
		if restoreErr := restoreBackup(cfg.Path, backup); restoreErr != nil {
			return nil, fmt.Errorf("restore backup: %w", restoreErr)
		}
		db, err = openAndVerify(ctx, cfg, logger)
		if err != nil {
			return nil, fmt.Errorf("open restored store: %w", err)
		}
		s := &Store{db: circuitbreaker.NewDatabaseWrapper(db, logger), logger: logger, path: cfg.Path}
		// The degradation is part of history: record it before anything else.
		s.logDegradation(ctx)
		return s, nil
	}

	s := &Store{
		db:     circuitbreaker.NewDatabaseWrapper(db, logger),
		logger: logger,
		path:   cfg.Path,
	}

	logger.Info("Store opened",
		zap.String("path", cfg.Path),
	)
	return s, nil
}

func openAndVerify(ctx context.Context, cfg Config, logger *zap.Logger) (*sqlx.DB, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=%d&_foreign_keys=on",
		cfg.Path, cfg.BusyTimeout.Milliseconds())

	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Single writer; WAL gives readers consistent snapshots.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	// Opening under WAL replays the log; a failed integrity check afterwards
	// means replay did not recover a consistent database.
	var result string
	if err := db.GetContext(ctx, &result, `PRAGMA integrity_check`); err != nil {
		db.Close()
		return nil, fmt.Errorf("integrity check: %w", err)
	}
	if !strings.EqualFold(result, "ok") {
		db.Close()
		return nil, fmt.Errorf("integrity check failed: %s", result)
	}

	if err := migrate(ctx, db, logger); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func restoreBackup(path, backup string) error {
	// WAL and SHM files belong to the corrupted database; drop them.
	for _, suffix := range []string{"", "-wal", "-shm"} {
		_ = os.Remove(path + suffix)
	}
	data, err := os.ReadFile(backup)
	if err != nil {
		return fmt.Errorf("read backup: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write restored database: %w", err)
	}
	return nil
}

func (s *Store) logDegradation(ctx context.Context) {
	s.logger.Error("Store restored from backup; events after the backup point are lost",
		zap.String("path", s.path),
	)
}

// Backup writes a consistent copy of the database to <path>.bak using the
// sqlite backup API via VACUUM INTO.
func (s *Store) Backup(ctx context.Context) error {
	target := s.path + ".bak"
	// VACUUM INTO refuses to overwrite; replace atomically via a temp file.
	tmp := target + ".tmp"
	_ = os.Remove(tmp)
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf(`VACUUM INTO '%s'`, tmp)); err != nil {
		return fmt.Errorf("vacuum into backup: %w", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		return fmt.Errorf("replace backup: %w", err)
	}
	s.logger.Info("Store backup written", zap.String("target", target))
	return nil
}

// Healthy reports whether the store's circuit breaker is closed.
func (s *Store) Healthy() bool {
	return !s.db.IsOpen()
}

// Close closes the underlying database.
func (s *Store) Close() error {
	s.logger.Info("Closing store")
	return s.db.Close()
}
