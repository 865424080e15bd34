package store

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

// migration is one forward-only schema step. Never edit a shipped migration;
// append a new version instead.
type migration struct {
	Version int
	Name    string
	SQL     string
}

var migrations = []migration{
	{
		Version: 1,
		Name:    "core tables",
		SQL: `
CREATE TABLE IF NOT EXISTS contexts (
    id                TEXT PRIMARY KEY,
    scope             TEXT NOT NULL CHECK (scope IN ('session','project')),
    goal              TEXT NOT NULL,
    parent_id         TEXT REFERENCES contexts(id),
    compression_level TEXT NOT NULL DEFAULT 'active',
    token_budget      INTEGER NOT NULL,
    tokens_used       INTEGER NOT NULL DEFAULT 0,
    over_budget       INTEGER NOT NULL DEFAULT 0,
    completed         INTEGER NOT NULL DEFAULT 0,
    created_at        TIMESTAMP NOT NULL,
    last_active_at    TIMESTAMP NOT NULL,
    updated_at        TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS context_events (
    id          TEXT PRIMARY KEY,
    context_id  TEXT NOT NULL REFERENCES contexts(id),
    seq         INTEGER NOT NULL,
    kind        TEXT NOT NULL,
    importance  INTEGER NOT NULL CHECK (importance BETWEEN 0 AND 10),
    payload     TEXT,
    token_count INTEGER NOT NULL DEFAULT 0,
    compressed  INTEGER NOT NULL DEFAULT 0,
    created_at  TIMESTAMP NOT NULL,
    UNIQUE (context_id, seq)
);
CREATE INDEX IF NOT EXISTS idx_events_context_seq ON context_events(context_id, seq);
CREATE INDEX IF NOT EXISTS idx_events_importance ON context_events(context_id, importance);

CREATE TABLE IF NOT EXISTS agents (
    id           TEXT PRIMARY KEY,
    workflow_id  TEXT NOT NULL,
    context_id   TEXT NOT NULL REFERENCES contexts(id),
    role         TEXT NOT NULL,
    state        TEXT NOT NULL,
    progress     REAL NOT NULL DEFAULT 0,
    current_step TEXT,
    step_index   INTEGER NOT NULL DEFAULT 0,
    result       TEXT,
    error        TEXT,
    config       TEXT,
    created_at   TIMESTAMP NOT NULL,
    updated_at   TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_agents_workflow ON agents(workflow_id);

CREATE TABLE IF NOT EXISTS workflows (
    id            TEXT PRIMARY KEY,
    context_id    TEXT NOT NULL REFERENCES contexts(id),
    workflow_type TEXT NOT NULL,
    status        TEXT NOT NULL,
    handoff       TEXT,
    started_at    TIMESTAMP NOT NULL,
    ended_at      TIMESTAMP,
    failure_kind  TEXT
);
CREATE INDEX IF NOT EXISTS idx_workflows_context ON workflows(context_id);

CREATE TABLE IF NOT EXISTS resource_locks (
    name        TEXT PRIMARY KEY,
    holder      TEXT NOT NULL,
    acquired_at TIMESTAMP NOT NULL,
    expires_at  TIMESTAMP NOT NULL
);
`,
	},
	{
		Version: 2,
		Name:    "lessons and verifications",
		SQL: `
CREATE TABLE IF NOT EXISTS lessons (
    id              TEXT PRIMARY KEY,
    kind            TEXT NOT NULL CHECK (kind IN ('mistake','success','pattern')),
    agent_tag       TEXT NOT NULL,
    description     TEXT NOT NULL,
    prevention_rule TEXT NOT NULL,
    probe           TEXT,
    created_at      TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_lessons_agent_tag ON lessons(agent_tag);

CREATE TABLE IF NOT EXISTS verifications (
    id              TEXT PRIMARY KEY,
    task_id         TEXT NOT NULL,
    claimed_status  TEXT NOT NULL,
    verified_status TEXT NOT NULL,
    probe           TEXT NOT NULL,
    output          TEXT,
    discrepancy     INTEGER NOT NULL DEFAULT 0,
    agent_tag       TEXT,
    workflow_id     TEXT,
    created_at      TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_verifications_task ON verifications(task_id);
`,
	},
	{
		Version: 3,
		Name:    "external resources and archive index",
		SQL: `
CREATE TABLE IF NOT EXISTS external_resources (
    id          TEXT PRIMARY KEY,
    context_id  TEXT NOT NULL REFERENCES contexts(id),
    system      TEXT NOT NULL,
    kind        TEXT NOT NULL,
    external_id TEXT NOT NULL,
    url         TEXT,
    created_at  TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_external_resources_context ON external_resources(context_id);

CREATE TABLE IF NOT EXISTS archive_index (
    context_id  TEXT PRIMARY KEY REFERENCES contexts(id),
    level       TEXT NOT NULL,
    archived_at TIMESTAMP NOT NULL,
    event_count INTEGER NOT NULL
);
`,
	},
}

// migrate applies pending migrations, one transaction per version.
func migrate(ctx context.Context, db *sqlx.DB, logger *zap.Logger) error {
	if _, err := db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS schema_version (
    version    INTEGER PRIMARY KEY,
    name       TEXT NOT NULL,
    applied_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
)`); err != nil {
		return fmt.Errorf("create schema_version: %w", err)
	}

	var current int
	if err := db.GetContext(ctx, &current, `SELECT COALESCE(MAX(version), 0) FROM schema_version`); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for _, m := range migrations {
		if m.Version <= current {
			continue
		}
		tx, err := db.BeginTxx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.Version, err)
		}
		if _, err := tx.ExecContext(ctx, m.SQL); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("apply migration %d (%s): %w", m.Version, m.Name, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO schema_version (version, name) VALUES (?, ?)`, m.Version, m.Name); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
		logger.Info("Applied migration",
			zap.Int("version", m.Version),
			zap.String("name", m.Name),
		)
	}
	return nil
}
