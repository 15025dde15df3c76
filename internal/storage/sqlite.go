package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// OpenSQLite opens (and creates if needed) the SQLite database at path and
// ensures required tables exist.
func OpenSQLite(ctx context.Context, path string) (*sql.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is empty")
	}
	if path != ":memory:" {
		if err := ValidateLocalFilesystem(path, "sqlite database"); err != nil {
			return nil, err
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer keeps busy errors away; the workloads here are tiny.
	db.SetMaxOpenConns(1)

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := db.ExecContext(pctx, "PRAGMA busy_timeout = 5000;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy_timeout: %w", err)
	}
	if _, err := db.ExecContext(pctx, "PRAGMA journal_mode = WAL;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set journal_mode: %w", err)
	}
	if err := BootstrapSQLite(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// BootstrapSQLite creates tables/indexes if missing.
func BootstrapSQLite(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS dispatch_log (
  id             TEXT PRIMARY KEY,
  task_id        TEXT NOT NULL,
  project        TEXT NOT NULL,
  session        TEXT NOT NULL,
  instruction    TEXT NOT NULL,
  status         TEXT NOT NULL,
  success        INTEGER NOT NULL DEFAULT 0,
  result         TEXT,
  last_error     TEXT,
  auto_responds  INTEGER NOT NULL DEFAULT 0,
  started_at     TEXT NOT NULL,
  completed_at   TEXT NOT NULL,
  duration_ms    INTEGER NOT NULL DEFAULT 0
);`,
		`CREATE TABLE IF NOT EXISTS collector_events (
  event_id        TEXT PRIMARY KEY,
  idempotency_key TEXT NOT NULL UNIQUE,
  event_type      TEXT NOT NULL,
  task_id         TEXT NOT NULL,
  actor_id        TEXT NOT NULL,
  summary         TEXT,
  body            JSON NOT NULL,
  received_at     TEXT NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS dispatch_log_task_idx ON dispatch_log(task_id);`,
		`CREATE INDEX IF NOT EXISTS dispatch_log_completed_at_idx ON dispatch_log(completed_at);`,
		`CREATE INDEX IF NOT EXISTS collector_events_task_idx ON collector_events(task_id, received_at);`,
	}

	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap sqlite: %w", err)
		}
	}
	return nil
}
