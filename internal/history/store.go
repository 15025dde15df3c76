// Package history keeps the execution log of dispatched tasks in SQLite.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Entry is one finished dispatch.
type Entry struct {
	ID           string        `json:"id"`
	TaskID       string        `json:"task_id"`
	Project      string        `json:"project"`
	Session      string        `json:"session"`
	Instruction  string        `json:"instruction"`
	Status       string        `json:"status"`
	Success      bool          `json:"success"`
	Result       string        `json:"result,omitempty"`
	LastError    string        `json:"last_error,omitempty"`
	AutoResponds int           `json:"auto_responds"`
	StartedAt    time.Time     `json:"started_at"`
	CompletedAt  time.Time     `json:"completed_at"`
	Duration     time.Duration `json:"duration"`
}

// Fixed-width UTC timestamps sort correctly as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Record inserts e. A missing ID is generated.
func (s *Store) Record(ctx context.Context, e Entry) (string, error) {
	if e.TaskID == "" {
		return "", fmt.Errorf("task id is empty")
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO dispatch_log(id, task_id, project, session, instruction, status, success, result, last_error,
  auto_responds, started_at, completed_at, duration_ms)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		e.ID, e.TaskID, e.Project, e.Session, e.Instruction, e.Status, boolToInt(e.Success),
		nullable(e.Result), nullable(e.LastError), e.AutoResponds,
		e.StartedAt.UTC().Format(timeLayout), e.CompletedAt.UTC().Format(timeLayout),
		e.Duration.Milliseconds(),
	)
	if err != nil {
		return "", fmt.Errorf("insert dispatch log: %w", err)
	}
	return e.ID, nil
}

// Recent returns the newest entries first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 20
	}
	return s.query(ctx, `SELECT `+columns+` FROM dispatch_log ORDER BY completed_at DESC LIMIT ?;`, limit)
}

// ByTask returns every dispatch of taskID, oldest first.
func (s *Store) ByTask(ctx context.Context, taskID string) ([]Entry, error) {
	return s.query(ctx, `SELECT `+columns+` FROM dispatch_log WHERE task_id = ? ORDER BY completed_at ASC;`, taskID)
}

const columns = `id, task_id, project, session, instruction, status, success, result, last_error,
  auto_responds, started_at, completed_at, duration_ms`

func (s *Store) query(ctx context.Context, q string, args ...any) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query dispatch log: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e                  Entry
			success            int
			result, lastErr    sql.NullString
			started, completed string
			durationMS         int64
		)
		if err := rows.Scan(&e.ID, &e.TaskID, &e.Project, &e.Session, &e.Instruction, &e.Status, &success,
			&result, &lastErr, &e.AutoResponds, &started, &completed, &durationMS); err != nil {
			return nil, fmt.Errorf("scan dispatch log: %w", err)
		}
		e.Success = success != 0
		e.Result = result.String
		e.LastError = lastErr.String
		e.StartedAt, _ = time.Parse(timeLayout, started)
		e.CompletedAt, _ = time.Parse(timeLayout, completed)
		e.Duration = time.Duration(durationMS) * time.Millisecond
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate dispatch log: %w", err)
	}
	return out, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
