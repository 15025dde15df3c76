package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Workers are not all Go; accept ISO-8601 timestamps with or without a zone.
var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// ParseTime parses a timestamp written by any worker. Naive timestamps are
// interpreted in local time. The result is normalized to UTC.
func ParseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range timeLayouts {
		if t, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}

// Validate checks that an event is deliverable.
func (e Event) Validate() error {
	if e.EventType == "" {
		return fmt.Errorf("event missing required field: event_type")
	}
	if e.TaskID == "" {
		return fmt.Errorf("event missing required field: task_id")
	}
	if e.IdempotencyKey == "" {
		return fmt.Errorf("event missing required field: idempotency_key")
	}
	if e.ActorID == "" {
		return fmt.Errorf("event missing required field: actor_id")
	}
	if e.Payload != nil && e.Payload.EventType() != e.EventType {
		return fmt.Errorf("payload variant %q does not match event_type %q", e.Payload.EventType(), e.EventType)
	}
	return nil
}

// DecodeEvent parses and validates an event body.
func DecodeEvent(data []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return Event{}, fmt.Errorf("failed to decode event: %w", err)
	}
	if err := e.Validate(); err != nil {
		return Event{}, err
	}
	if e.SchemaVersion == "" {
		e.SchemaVersion = DefaultSchemaVersion
	}
	return e, nil
}

type taskWire struct {
	TaskID      string         `json:"task_id"`
	Instruction string         `json:"instruction"`
	Project     string         `json:"project"`
	Timeout     *int           `json:"timeout"`
	Priority    string         `json:"priority"`
	CreatedAt   string         `json:"created_at"`
	Metadata    map[string]any `json:"metadata"`
}

// DecodeTaskDescriptor validates raw task file bytes and applies defaults.
func DecodeTaskDescriptor(data []byte) (TaskDescriptor, error) {
	if err := ValidateTaskJSON(data); err != nil {
		return TaskDescriptor{}, err
	}
	var w taskWire
	if err := json.Unmarshal(data, &w); err != nil {
		return TaskDescriptor{}, fmt.Errorf("failed to decode task: %w", err)
	}

	t := TaskDescriptor{
		TaskID:      w.TaskID,
		Instruction: w.Instruction,
		Project:     w.Project,
		Timeout:     DefaultTaskTimeout,
		Priority:    w.Priority,
		Metadata:    w.Metadata,
	}
	if w.Timeout != nil {
		t.Timeout = *w.Timeout
	}
	if t.Priority == "" {
		t.Priority = DefaultPriority
	}
	if w.CreatedAt != "" {
		ts, err := ParseTime(w.CreatedAt)
		if err != nil {
			return TaskDescriptor{}, fmt.Errorf("invalid created_at: %w", err)
		}
		t.CreatedAt = ts
	}
	return t, nil
}

type resultWire struct {
	TaskID          string          `json:"task_id"`
	Status          TaskStatus      `json:"status"`
	Result          json.RawMessage `json:"result"`
	Error           *string         `json:"error"`
	CompletedAt     string          `json:"completed_at"`
	DurationSeconds *float64        `json:"duration_seconds"`
}

// DecodeResultDescriptor validates raw result file bytes. Any error here means
// the file is not (yet) a usable result.
func DecodeResultDescriptor(data []byte) (ResultDescriptor, error) {
	if err := ValidateResultJSON(data); err != nil {
		return ResultDescriptor{}, err
	}
	var w resultWire
	if err := json.Unmarshal(data, &w); err != nil {
		return ResultDescriptor{}, fmt.Errorf("failed to decode result: %w", err)
	}

	r := ResultDescriptor{
		TaskID: w.TaskID,
		Status: w.Status,
	}
	if len(w.Result) > 0 && string(w.Result) != "null" {
		var buf bytes.Buffer
		if err := json.Compact(&buf, w.Result); err != nil {
			return ResultDescriptor{}, fmt.Errorf("invalid result field: %w", err)
		}
		r.Result = buf.Bytes()
	}
	if w.Error != nil {
		r.Error = *w.Error
	}
	if w.DurationSeconds != nil {
		r.DurationSeconds = *w.DurationSeconds
	}
	if w.CompletedAt != "" {
		ts, err := ParseTime(w.CompletedAt)
		if err != nil {
			return ResultDescriptor{}, fmt.Errorf("invalid completed_at: %w", err)
		}
		r.CompletedAt = ts
	}
	return r, nil
}

// EncodeResultDescriptor serializes a result the way DecodeResultDescriptor
// reads it back.
func EncodeResultDescriptor(r ResultDescriptor) ([]byte, error) {
	if r.TaskID == "" {
		return nil, fmt.Errorf("result missing required field: task_id")
	}
	if !r.Status.Valid() {
		return nil, fmt.Errorf("invalid status value: %q", r.Status)
	}
	if len(r.Result) > 0 && !json.Valid(r.Result) {
		return nil, fmt.Errorf("result field is not valid JSON")
	}
	r.CompletedAt = r.CompletedAt.UTC()
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("failed to encode result: %w", err)
	}
	return append(data, '\n'), nil
}

// EncodeTaskDescriptor serializes a task for the pending directory.
func EncodeTaskDescriptor(t TaskDescriptor) ([]byte, error) {
	if t.TaskID == "" {
		return nil, fmt.Errorf("task missing required field: task_id")
	}
	if t.Instruction == "" {
		return nil, fmt.Errorf("task missing required field: instruction")
	}
	t.CreatedAt = t.CreatedAt.UTC()
	data, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode task: %w", err)
	}
	return append(data, '\n'), nil
}
