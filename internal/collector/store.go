package collector

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/bridge25/unmanned-manager/internal/protocol"
)

const receivedLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Record is one stored event.
type Record struct {
	EventID        string          `json:"event_id"`
	IdempotencyKey string          `json:"idempotency_key"`
	EventType      string          `json:"event_type"`
	TaskID         string          `json:"task_id"`
	ActorID        string          `json:"actor_id"`
	Summary        string          `json:"summary,omitempty"`
	Body           json.RawMessage `json:"body"`
	ReceivedAt     time.Time       `json:"received_at"`
}

// Store persists events once per idempotency key. Recently seen keys are
// answered from memory.
type Store struct {
	db   *sql.DB
	seen *lru.Cache[string, string]
	now  func() time.Time
}

func NewStore(db *sql.DB, cacheSize int) (*Store, error) {
	if cacheSize <= 0 {
		cacheSize = 4096
	}
	cache, err := lru.New[string, string](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("create dedupe cache: %w", err)
	}
	return &Store{db: db, seen: cache, now: time.Now}, nil
}

// Insert stores ev unless its idempotency key is already known. It returns
// the event ID assigned on first receipt.
func (s *Store) Insert(ctx context.Context, ev protocol.Event, body []byte) (eventID string, created bool, err error) {
	if id, ok := s.seen.Get(ev.IdempotencyKey); ok {
		return id, false, nil
	}

	id := uuid.NewString()
	res, err := s.db.ExecContext(ctx, `
INSERT INTO collector_events(event_id, idempotency_key, event_type, task_id, actor_id, summary, body, received_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(idempotency_key) DO NOTHING;`,
		id, ev.IdempotencyKey, string(ev.EventType), ev.TaskID, ev.ActorID, ev.Summary, string(body),
		s.now().UTC().Format(receivedLayout),
	)
	if err != nil {
		return "", false, fmt.Errorf("insert event: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return "", false, fmt.Errorf("insert event: %w", err)
	}
	if n == 0 {
		existing, err := s.lookup(ctx, ev.IdempotencyKey)
		if err != nil {
			return "", false, err
		}
		s.seen.Add(ev.IdempotencyKey, existing)
		return existing, false, nil
	}
	s.seen.Add(ev.IdempotencyKey, id)
	return id, true, nil
}

func (s *Store) lookup(ctx context.Context, key string) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `SELECT event_id FROM collector_events WHERE idempotency_key = ?;`, key).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("event %q vanished after conflict", key)
	}
	if err != nil {
		return "", fmt.Errorf("lookup event: %w", err)
	}
	return id, nil
}

// List returns stored events oldest first, optionally for one task.
func (s *Store) List(ctx context.Context, taskID string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 100
	}
	q := `SELECT event_id, idempotency_key, event_type, task_id, actor_id, summary, body, received_at
FROM collector_events`
	args := []any{}
	if taskID != "" {
		q += ` WHERE task_id = ?`
		args = append(args, taskID)
	}
	q += ` ORDER BY received_at ASC, event_id ASC LIMIT ?;`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			r        Record
			summary  sql.NullString
			body     string
			received string
		)
		if err := rows.Scan(&r.EventID, &r.IdempotencyKey, &r.EventType, &r.TaskID, &r.ActorID, &summary, &body, &received); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		r.Summary = summary.String
		r.Body = json.RawMessage(body)
		if r.ReceivedAt, err = time.Parse(receivedLayout, received); err != nil {
			return nil, fmt.Errorf("parse received_at: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Count returns the number of stored events.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM collector_events;`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return n, nil
}
