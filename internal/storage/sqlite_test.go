package storage

import (
	"context"
	"path/filepath"
	"testing"
)

func TestOpenSQLiteBootstrapsTables(t *testing.T) {
	t.Parallel()

	dbPath := filepath.Join(t.TempDir(), "nested", "state.db")
	db, err := OpenSQLite(context.Background(), dbPath)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	for _, table := range []string{"dispatch_log", "collector_events"} {
		var name string
		if err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?;", table).Scan(&name); err != nil {
			t.Fatalf("table %q missing: %v", table, err)
		}
	}
}

func TestBootstrapSQLiteIsIdempotent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	db, err := OpenSQLite(ctx, filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if err := BootstrapSQLite(ctx, db); err != nil {
		t.Fatalf("second BootstrapSQLite: %v", err)
	}
}

func TestCollectorEventsRejectDuplicateKeys(t *testing.T) {
	t.Parallel()

	db, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "collector.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	insert := `INSERT INTO collector_events(event_id, idempotency_key, event_type, task_id, actor_id, body, received_at)
VALUES(?, ?, 'task_started', 'T1', 'w', '{}', '2025-01-01T00:00:00Z') ON CONFLICT(idempotency_key) DO NOTHING;`
	res, err := db.Exec(insert, "e1", "w:T1:task_started:1")
	if err != nil {
		t.Fatalf("first insert: %v", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		t.Fatalf("first insert affected %d rows, want 1", n)
	}
	res, err = db.Exec(insert, "e2", "w:T1:task_started:1")
	if err != nil {
		t.Fatalf("duplicate insert: %v", err)
	}
	if n, _ := res.RowsAffected(); n != 0 {
		t.Fatalf("duplicate insert affected %d rows, want 0", n)
	}
}
