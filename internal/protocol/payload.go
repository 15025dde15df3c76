package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Payload is the closed set of event payloads. Each lifecycle event type has
// one concrete variant; MetadataPayload carries anything else.
type Payload interface {
	EventType() EventType
}

// CompletionStatus is reported by the worker in a task_completed payload.
type CompletionStatus string

const (
	CompletionSuccess CompletionStatus = "success"
	CompletionPartial CompletionStatus = "partial"
	CompletionFailed  CompletionStatus = "failed"
)

// BlockerType categorizes a task_blocked payload.
type BlockerType string

const (
	BlockerError       BlockerType = "error"
	BlockerDependency  BlockerType = "dependency"
	BlockerInputNeeded BlockerType = "input_needed"
	BlockerExternal    BlockerType = "external"
)

// LogLevel is the severity carried by a task_log payload.
type LogLevel string

const (
	LevelDebug   LogLevel = "debug"
	LevelInfo    LogLevel = "info"
	LevelWarning LogLevel = "warning"
	LevelError   LogLevel = "error"
)

type StartedPayload struct {
	Description string    `json:"description"`
	StartedAt   time.Time `json:"started_at"`
}

func (StartedPayload) EventType() EventType { return EventTaskStarted }

type LogPayload struct {
	Level   LogLevel       `json:"level"`
	Message string         `json:"message"`
	Context map[string]any `json:"context"`
}

func (LogPayload) EventType() EventType { return EventTaskLog }

type CompletionResult struct {
	Status CompletionStatus `json:"status"`
	Data   map[string]any   `json:"data"`
}

// CompletedPayload carries a nil DurationSeconds when the task was never started.
type CompletedPayload struct {
	Result          CompletionResult `json:"result"`
	DurationSeconds *float64         `json:"duration_seconds"`
	CompletedAt     time.Time        `json:"completed_at"`
}

func (CompletedPayload) EventType() EventType { return EventTaskCompleted }

type BlockedPayload struct {
	Reason       string      `json:"reason"`
	BlockerType  BlockerType `json:"blocker_type"`
	ErrorDetails string      `json:"error_details,omitempty"`
	BlockedAt    time.Time   `json:"blocked_at"`
}

func (BlockedPayload) EventType() EventType { return EventTaskBlocked }

// MetadataPayload is the escape hatch for event types outside the lifecycle set.
type MetadataPayload struct {
	Kind   EventType
	Fields map[string]any
}

func (m MetadataPayload) EventType() EventType { return m.Kind }

func (m MetadataPayload) MarshalJSON() ([]byte, error) {
	if m.Fields == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m.Fields)
}

// DecodePayload decodes raw into the variant registered for t.
func DecodePayload(t EventType, raw json.RawMessage) (Payload, error) {
	if len(raw) == 0 || string(raw) == "null" {
		raw = json.RawMessage("{}")
	}
	var (
		p   Payload
		err error
	)
	switch t {
	case EventTaskStarted:
		var v StartedPayload
		err = json.Unmarshal(raw, &v)
		p = v
	case EventTaskLog:
		var v LogPayload
		err = json.Unmarshal(raw, &v)
		p = v
	case EventTaskCompleted:
		var v CompletedPayload
		err = json.Unmarshal(raw, &v)
		p = v
	case EventTaskBlocked:
		var v BlockedPayload
		err = json.Unmarshal(raw, &v)
		p = v
	default:
		fields := map[string]any{}
		err = json.Unmarshal(raw, &fields)
		p = MetadataPayload{Kind: t, Fields: fields}
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", t, err)
	}
	return p, nil
}

type eventWire struct {
	EventType      EventType       `json:"event_type"`
	TaskID         string          `json:"task_id"`
	IdempotencyKey string          `json:"idempotency_key"`
	ActorID        string          `json:"actor_id"`
	Payload        json.RawMessage `json:"payload"`
	NodeID         string          `json:"node_id,omitempty"`
	ProjectID      string          `json:"project_id,omitempty"`
	SessionID      string          `json:"session_id,omitempty"`
	Summary        string          `json:"summary,omitempty"`
	SchemaVersion  string          `json:"schema_version"`
	TraceID        string          `json:"trace_id,omitempty"`
}

// MarshalJSON writes the payload variant under "payload".
func (e Event) MarshalJSON() ([]byte, error) {
	payload := json.RawMessage("{}")
	if e.Payload != nil {
		raw, err := json.Marshal(e.Payload)
		if err != nil {
			return nil, fmt.Errorf("encode payload: %w", err)
		}
		payload = raw
	}
	return json.Marshal(eventWire{
		EventType:      e.EventType,
		TaskID:         e.TaskID,
		IdempotencyKey: e.IdempotencyKey,
		ActorID:        e.ActorID,
		Payload:        payload,
		NodeID:         e.NodeID,
		ProjectID:      e.ProjectID,
		SessionID:      e.SessionID,
		Summary:        e.Summary,
		SchemaVersion:  e.SchemaVersion,
		TraceID:        e.TraceID,
	})
}

// UnmarshalJSON picks the payload variant from event_type.
func (e *Event) UnmarshalJSON(data []byte) error {
	var w eventWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	p, err := DecodePayload(w.EventType, w.Payload)
	if err != nil {
		return err
	}
	*e = Event{
		EventType:      w.EventType,
		TaskID:         w.TaskID,
		IdempotencyKey: w.IdempotencyKey,
		ActorID:        w.ActorID,
		Payload:        p,
		NodeID:         w.NodeID,
		ProjectID:      w.ProjectID,
		SessionID:      w.SessionID,
		Summary:        w.Summary,
		SchemaVersion:  w.SchemaVersion,
		TraceID:        w.TraceID,
	}
	return nil
}
