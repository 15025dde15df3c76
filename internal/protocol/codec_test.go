package protocol

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventJSONSelectsPayloadVariant(t *testing.T) {
	started := time.Date(2025, 12, 16, 9, 30, 0, 0, time.UTC)
	tests := []struct {
		name  string
		event Event
	}{
		{
			name: "started",
			event: Event{
				EventType: EventTaskStarted, TaskID: "T1", IdempotencyKey: "w:T1:task_started:1", ActorID: "w",
				Payload:       StartedPayload{Description: "build", StartedAt: started},
				SchemaVersion: DefaultSchemaVersion, Summary: "start: build",
			},
		},
		{
			name: "log",
			event: Event{
				EventType: EventTaskLog, TaskID: "T1", IdempotencyKey: "w:T1:task_log:1:3", ActorID: "w",
				Payload:       LogPayload{Level: LevelWarning, Message: "slow", Context: map[string]any{"step": "lint"}},
				SchemaVersion: DefaultSchemaVersion,
			},
		},
		{
			name: "blocked",
			event: Event{
				EventType: EventTaskBlocked, TaskID: "T1", IdempotencyKey: "w:T1:task_blocked:1", ActorID: "w",
				Payload:       BlockedPayload{Reason: "boom", BlockerType: BlockerError, BlockedAt: started},
				SchemaVersion: DefaultSchemaVersion, NodeID: "N148",
			},
		},
		{
			name: "metadata",
			event: Event{
				EventType: "heartbeat", TaskID: "T1", IdempotencyKey: "w:T1:heartbeat:1", ActorID: "w",
				Payload:       MetadataPayload{Kind: "heartbeat", Fields: map[string]any{"ok": true}},
				SchemaVersion: DefaultSchemaVersion,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := json.Marshal(tt.event)
			require.NoError(t, err)

			got, err := DecodeEvent(data)
			require.NoError(t, err)
			assert.Equal(t, tt.event, got)
		})
	}
}

func TestCompletedPayloadNullDuration(t *testing.T) {
	ev := Event{
		EventType: EventTaskCompleted, TaskID: "T1", IdempotencyKey: "k", ActorID: "w",
		Payload: CompletedPayload{Result: CompletionResult{Status: CompletionSuccess, Data: map[string]any{"n": 1.0}}},
	}
	data, err := json.Marshal(ev)
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	payload := raw["payload"].(map[string]any)
	assert.Contains(t, payload, "duration_seconds")
	assert.Nil(t, payload["duration_seconds"])
	assert.Equal(t, "success", payload["result"].(map[string]any)["status"])
}

func TestEventValidate(t *testing.T) {
	base := Event{EventType: EventTaskLog, TaskID: "T1", IdempotencyKey: "k", ActorID: "w", Payload: LogPayload{}}
	require.NoError(t, base.Validate())

	missingKey := base
	missingKey.IdempotencyKey = ""
	assert.ErrorContains(t, missingKey.Validate(), "idempotency_key")

	mismatch := base
	mismatch.Payload = StartedPayload{}
	assert.ErrorContains(t, mismatch.Validate(), "does not match")

	_, err := DecodeEvent([]byte(`{"event_type":"task_log","task_id":"T1"}`))
	assert.Error(t, err)
}

func TestDecodeTaskDescriptorDefaults(t *testing.T) {
	data := []byte(`{"task_id":"a1b2c3d4","instruction":"run tests","project":"haedong","created_at":"2025-12-16T10:00:00.123456"}`)
	task, err := DecodeTaskDescriptor(data)
	require.NoError(t, err)

	assert.Equal(t, DefaultTaskTimeout, task.Timeout)
	assert.Equal(t, DefaultPriority, task.Priority)
	assert.Equal(t, 300*time.Second, task.TimeoutDuration())
	assert.False(t, task.CreatedAt.IsZero())
}

func TestDecodeTaskDescriptorRejectsMalformed(t *testing.T) {
	tests := map[string]string{
		"not json":           `{"task_id":`,
		"missing instr":      `{"task_id":"T1","project":"p"}`,
		"path in id":         `{"task_id":"../T1","instruction":"x","project":"p"}`,
		"negative timeout":   `{"task_id":"T1","instruction":"x","project":"p","timeout":-1}`,
		"fractional timeout": `{"task_id":"T1","instruction":"x","project":"p","timeout":1.5}`,
		"bad created_at":     `{"task_id":"T1","instruction":"x","project":"p","created_at":"yesterday"}`,
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeTaskDescriptor([]byte(body))
			assert.Error(t, err)
		})
	}
}

func TestResultDescriptorRoundTrip(t *testing.T) {
	want := ResultDescriptor{
		TaskID:          "T1",
		Status:          StatusCompleted,
		Result:          json.RawMessage(`{"summary":"done","files":2}`),
		CompletedAt:     time.Date(2025, 12, 16, 10, 0, 5, 250000000, time.UTC),
		DurationSeconds: 5.25,
	}
	data, err := EncodeResultDescriptor(want)
	require.NoError(t, err)

	got, err := DecodeResultDescriptor(data)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestDecodeResultDescriptorFromWorker(t *testing.T) {
	// The result-reporting contract asks for a string result and a naive timestamp is common.
	data := []byte(`{"task_id":"T1","status":"completed","result":"all green","completed_at":"2025-12-16T10:00:00","error":null}`)
	got, err := DecodeResultDescriptor(data)
	require.NoError(t, err)
	assert.Equal(t, "all green", got.ResultText())
	assert.Empty(t, got.Error)

	_, err = DecodeResultDescriptor([]byte(`{"task_id":"T1","status":"done"}`))
	assert.Error(t, err, "unknown status must be rejected")

	_, err = DecodeResultDescriptor([]byte(`{"task_id":"T1","stat`))
	assert.Error(t, err, "partial file must be rejected")
}

func TestEncodeResultDescriptorValidation(t *testing.T) {
	_, err := EncodeResultDescriptor(ResultDescriptor{Status: StatusFailed})
	assert.Error(t, err)
	_, err = EncodeResultDescriptor(ResultDescriptor{TaskID: "T1", Status: "weird"})
	assert.Error(t, err)
	_, err = EncodeResultDescriptor(ResultDescriptor{TaskID: "T1", Status: StatusFailed, Result: json.RawMessage(`{`)})
	assert.Error(t, err)
}

func TestParseTime(t *testing.T) {
	for _, s := range []string{
		"2025-12-16T10:00:00Z",
		"2025-12-16T10:00:00+09:00",
		"2025-12-16T10:00:00.123456",
		"2025-12-16 10:00:00",
	} {
		_, err := ParseTime(s)
		assert.NoError(t, err, s)
	}
	_, err := ParseTime("16/12/2025")
	assert.Error(t, err)
}
