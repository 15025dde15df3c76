package log

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"sync"
	"testing"
)

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(buf.Bytes(), &out); err != nil {
		t.Fatalf("Failed to decode JSON: %v", err)
	}
	return out
}

func TestSetupWriter(t *testing.T) {
	logger = nil
	once = *new(sync.Once)

	var buf bytes.Buffer
	SetupWriter(&buf, "warn", "json")
	if logger == nil {
		t.Fatal("Logger should not be nil")
	}

	Info("dropped")
	if buf.Len() != 0 {
		t.Fatalf("expected info to be filtered at warn level, got %q", buf.String())
	}
	Warn("kept", "key", "value")
	out := decodeLine(t, &buf)
	if out["msg"] != "kept" || out["key"] != "value" {
		t.Errorf("unexpected log line: %v", out)
	}

	// Second setup is ignored.
	var other bytes.Buffer
	SetupWriter(&other, "debug", "text")
	Warn("still first writer")
	if other.Len() != 0 {
		t.Errorf("expected second SetupWriter to be a no-op")
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARNING": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range tests {
		if got := parseLevel(in); got != want {
			t.Errorf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestContextHelpers(t *testing.T) {
	var buf bytes.Buffer
	logger = slog.New(slog.NewJSONHandler(&buf, nil))

	WithComponent("dispatch").Info("hello")
	out := decodeLine(t, &buf)
	if out["component"] != "dispatch" {
		t.Errorf("Expected component 'dispatch', got %v", out["component"])
	}

	buf.Reset()
	WithTask("T1").Info("task msg")
	out = decodeLine(t, &buf)
	if out["task_id"] != "T1" {
		t.Errorf("Expected task_id 'T1', got %v", out["task_id"])
	}

	buf.Reset()
	WithSession("haedong").Info("session msg")
	out = decodeLine(t, &buf)
	if out["session"] != "haedong" {
		t.Errorf("Expected session 'haedong', got %v", out["session"])
	}
}
