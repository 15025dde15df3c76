package protocol

import (
	"encoding/json"
	"time"
)

// DefaultSchemaVersion is stamped on events that do not carry one.
const DefaultSchemaVersion = "1.0"

// EventType discriminates the payload variant carried by an Event.
type EventType string

const (
	EventTaskStarted   EventType = "task_started"
	EventTaskLog       EventType = "task_log"
	EventTaskCompleted EventType = "task_completed"
	EventTaskBlocked   EventType = "task_blocked"
)

// Event is the unit sent to the remote collector. Treat it as immutable once
// built; the delivery client and outbox copy it by value.
type Event struct {
	EventType      EventType `json:"event_type"`
	TaskID         string    `json:"task_id"`
	IdempotencyKey string    `json:"idempotency_key"`
	ActorID        string    `json:"actor_id"`
	Payload        Payload   `json:"payload"`
	NodeID         string    `json:"node_id,omitempty"`
	ProjectID      string    `json:"project_id,omitempty"`
	SessionID      string    `json:"session_id,omitempty"`
	Summary        string    `json:"summary,omitempty"`
	SchemaVersion  string    `json:"schema_version"`
	TraceID        string    `json:"trace_id,omitempty"`
}

// TaskStatus is the terminal status reported in a result descriptor.
type TaskStatus string

const (
	StatusCompleted TaskStatus = "completed"
	StatusFailed    TaskStatus = "failed"
	StatusTimeout   TaskStatus = "timeout"
	StatusCancelled TaskStatus = "cancelled"
)

// Valid reports whether s is one of the four result statuses.
func (s TaskStatus) Valid() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusTimeout, StatusCancelled:
		return true
	}
	return false
}

// Default values applied to task descriptors that omit them.
const (
	DefaultTaskTimeout = 300
	DefaultPriority    = "normal"
)

// TaskDescriptor is one pending unit of work in the mailbox.
type TaskDescriptor struct {
	TaskID      string         `json:"task_id"`
	Instruction string         `json:"instruction"`
	Project     string         `json:"project"`
	Timeout     int            `json:"timeout"` // seconds
	Priority    string         `json:"priority"`
	CreatedAt   time.Time      `json:"created_at"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// TimeoutDuration returns Timeout as a duration, falling back to the default.
func (t TaskDescriptor) TimeoutDuration() time.Duration {
	if t.Timeout <= 0 {
		return DefaultTaskTimeout * time.Second
	}
	return time.Duration(t.Timeout) * time.Second
}

// ResultDescriptor is written exactly once per task by the worker side.
// Result is kept raw: workers report either a string or a structured object.
type ResultDescriptor struct {
	TaskID          string          `json:"task_id"`
	Status          TaskStatus      `json:"status"`
	Result          json.RawMessage `json:"result,omitempty"`
	Error           string          `json:"error,omitempty"`
	CompletedAt     time.Time       `json:"completed_at"`
	DurationSeconds float64         `json:"duration_seconds"`
}

// ResultText returns the result as display text. String results are
// unquoted; anything else is returned as compact JSON.
func (r ResultDescriptor) ResultText() string {
	if len(r.Result) == 0 || string(r.Result) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(r.Result, &s); err == nil {
		return s
	}
	return string(r.Result)
}

// CurrentTask is the marker persisted while a claimed task is being processed.
type CurrentTask struct {
	TaskID      string         `json:"task_id"`
	Instruction string         `json:"instruction"`
	Project     string         `json:"project"`
	StartedAt   time.Time      `json:"started_at"`
	Timeout     int            `json:"timeout"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Collector response statuses.
const (
	CollectorCreated   = "created"
	CollectorDuplicate = "duplicate"
)

// CollectorResponse is the body returned by POST /jarvis/events.
type CollectorResponse struct {
	Status  string `json:"status"`
	EventID string `json:"event_id,omitempty"`
}

// Accepted reports whether the collector stored the event or already had it.
func (r CollectorResponse) Accepted() bool {
	return r.Status == CollectorCreated || r.Status == CollectorDuplicate
}
