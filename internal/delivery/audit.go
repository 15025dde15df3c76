package delivery

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/bridge25/unmanned-manager/internal/protocol"
)

// Audit actions recorded per delivery step.
const (
	ActionSent          = "sent"
	ActionClientError   = "client_error"
	ActionAttemptFailed = "attempt_failed"
	ActionOutboxed4xx   = "outboxed_4xx"
	ActionOutboxed      = "outboxed"
)

// AuditRecord is one line of the delivery audit trail.
type AuditRecord struct {
	Timestamp      time.Time          `json:"timestamp"`
	Action         string             `json:"action"`
	EventType      protocol.EventType `json:"event_type"`
	TaskID         string             `json:"task_id"`
	IdempotencyKey string             `json:"idempotency_key"`
	Details        map[string]any     `json:"details,omitempty"`
}

// AuditLog appends NDJSON records to one file per UTC day.
type AuditLog struct {
	dir string
	now func() time.Time
	mu  sync.Mutex
}

// NewAuditLog writes under dir. The directory is created on first record.
func NewAuditLog(dir string) *AuditLog {
	return &AuditLog{dir: dir, now: time.Now}
}

// PathFor returns the file holding records for day t.
func (a *AuditLog) PathFor(t time.Time) string {
	return filepath.Join(a.dir, fmt.Sprintf("delivery_%s.jsonl", t.UTC().Format("20060102")))
}

// Record appends one line. Safe on a nil *AuditLog.
func (a *AuditLog) Record(action string, ev protocol.Event, details map[string]any) error {
	if a == nil {
		return nil
	}
	now := a.now().UTC()
	line, err := json.Marshal(AuditRecord{
		Timestamp:      now,
		Action:         action,
		EventType:      ev.EventType,
		TaskID:         ev.TaskID,
		IdempotencyKey: ev.IdempotencyKey,
		Details:        details,
	})
	if err != nil {
		return fmt.Errorf("encode audit record: %w", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if err := os.MkdirAll(a.dir, 0o755); err != nil {
		return fmt.Errorf("create audit directory: %w", err)
	}
	f, err := os.OpenFile(a.PathFor(now), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("write audit log: %w", err)
	}
	return nil
}
