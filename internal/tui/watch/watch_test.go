package watch

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bridge25/unmanned-manager/internal/events"
	"github.com/bridge25/unmanned-manager/internal/history"
	"github.com/bridge25/unmanned-manager/internal/mailbox"
	"github.com/bridge25/unmanned-manager/internal/outbox"
	"github.com/bridge25/unmanned-manager/internal/protocol"
	"github.com/bridge25/unmanned-manager/internal/storage"
)

type staticSource struct {
	snap Snapshot
	err  error
}

func (s staticSource) Snapshot(context.Context) (Snapshot, error) { return s.snap, s.err }

func TestLocalSourceSnapshot(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	mb := mailbox.New(filepath.Join(dir, ".jarvis"))
	require.NoError(t, mb.EnsureDirs())
	_, err := mb.Enqueue(protocol.TaskDescriptor{TaskID: "W1", Project: "alpha", Instruction: "first"})
	require.NoError(t, err)
	_, err = mb.Enqueue(protocol.TaskDescriptor{TaskID: "W2", Project: "beta", Instruction: "second"})
	require.NoError(t, err)
	_, err = mb.PublishResult(protocol.ResultDescriptor{
		TaskID: "W0", Status: protocol.StatusCompleted, Result: json.RawMessage(`"done"`), CompletedAt: time.Now(),
	})
	require.NoError(t, err)

	ob := outbox.New(filepath.Join(dir, "outbox"), 3)
	_, err = ob.Save(protocol.Event{
		EventType: protocol.EventTaskLog, TaskID: "W1", IdempotencyKey: "w:W1:task_log:1:1", ActorID: "w",
		Payload: protocol.LogPayload{Level: protocol.LevelInfo, Message: "hi"},
	}, "connection refused")
	require.NoError(t, err)

	db, err := storage.OpenSQLite(ctx, filepath.Join(dir, "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	hist := history.NewStore(db)
	_, err = hist.Record(ctx, history.Entry{
		TaskID: "W0", Project: "alpha", Status: "completed", Success: true, Result: "done",
		StartedAt: time.Now().Add(-time.Second), CompletedAt: time.Now(), Duration: time.Second,
	})
	require.NoError(t, err)

	snap, err := LocalSource{Mailbox: mb, Outbox: ob, History: hist}.Snapshot(ctx)
	require.NoError(t, err)

	assert.Nil(t, snap.Current)
	require.Len(t, snap.Pending, 2)
	assert.Len(t, snap.Results, 1)
	assert.Equal(t, 1, snap.OutboxPending)
	assert.Equal(t, 0, snap.OutboxFailed)
	require.Len(t, snap.Recent, 1)
	assert.Equal(t, "W0", snap.Recent[0].TaskID)
}

func TestLocalSourceWithoutOptionalStores(t *testing.T) {
	mb := mailbox.New(filepath.Join(t.TempDir(), ".jarvis"))
	snap, err := LocalSource{Mailbox: mb}.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Empty(t, snap.Pending)
	assert.Empty(t, snap.Recent)
}

func TestTaskRowsOrderAndDedupe(t *testing.T) {
	now := time.Now()
	snap := Snapshot{
		TakenAt: now,
		Current: &protocol.CurrentTask{TaskID: "C1", Project: "alpha", Instruction: "busy\nwith  this", StartedAt: now.Add(-90 * time.Second)},
		Pending: []mailbox.PendingTask{
			{Task: protocol.TaskDescriptor{TaskID: "C1", Project: "alpha"}, ModTime: now},
			{Task: protocol.TaskDescriptor{TaskID: "P1", Project: "beta", Instruction: "next"}, ModTime: now.Add(-time.Minute)},
			{Err: errors.New("bad json"), ModTime: now},
		},
		Results: []protocol.ResultDescriptor{
			{TaskID: "C1", Status: protocol.StatusCompleted},
			{TaskID: "R1", Status: protocol.StatusFailed, Error: "boom"},
		},
	}

	rows := taskRows(snap, NewDefaultTheme())
	require.Len(t, rows, 4)
	assert.Equal(t, "C1", rows[0][1])
	assert.Equal(t, "running", rows[0][3])
	assert.Equal(t, "1m 30s", rows[0][4])
	assert.Equal(t, "busy with this", rows[0][5])
	assert.Equal(t, "P1", rows[1][1])
	assert.Equal(t, "malformed", rows[2][3])
	assert.Equal(t, "R1", rows[3][1])
	assert.Equal(t, "boom", rows[3][5])
}

func TestHistoryRowsShowErrorForFailures(t *testing.T) {
	snap := Snapshot{Recent: []history.Entry{
		{TaskID: "H1", Project: "alpha", Status: "completed", Success: true, Result: "ok", Duration: 2 * time.Second, AutoResponds: 1},
		{TaskID: "H2", Project: "alpha", Status: "timeout", LastError: "no result within 5m0s", Duration: 5 * time.Minute},
	}}
	rows := historyRows(snap, NewDefaultTheme())
	require.Len(t, rows, 2)
	assert.Equal(t, "ok", rows[0][6])
	assert.Equal(t, "1", rows[0][5])
	assert.Equal(t, "no result within 5m0s", rows[1][6])
	assert.Equal(t, "5m 0s", rows[1][4])
}

func TestReadStreamParsesFrames(t *testing.T) {
	stream := strings.Join([]string{
		": keep-alive",
		"",
		"id: 7",
		"event: dispatch.result",
		`data: {"task_id":"S1","status":"completed"}`,
		"",
		"id: 8",
		"event: outbox.swept",
		`data: {"success":1,"failed":0,"pending":0}`,
		"",
	}, "\n")

	ch := make(chan events.Event, 4)
	last := readStream(bufio.NewScanner(strings.NewReader(stream)), 3, ch)
	close(ch)

	var got []events.Event
	for e := range ch {
		got = append(got, e)
	}
	require.Len(t, got, 2)
	assert.Equal(t, int64(8), last)
	assert.Equal(t, events.DispatchResult, got[0].Type)
	assert.Equal(t, "[S1] completed", describeEvent(got[0]))
	assert.Equal(t, "ok=1 failed=0 pending=0", describeEvent(got[1]))
}

func TestModelAppliesSnapshot(t *testing.T) {
	src := staticSource{snap: Snapshot{
		TakenAt: time.Now(),
		Pending: []mailbox.PendingTask{{Task: protocol.TaskDescriptor{TaskID: "M1", Project: "alpha", Instruction: "look"}, ModTime: time.Now()}},
		OutboxPending: 2,
		OutboxFailed:  1,
	}}
	var tm tea.Model = New(Options{Source: src})
	tm, _ = tm.Update(tea.WindowSizeMsg{Width: 120, Height: 40})

	msg := loadSnapshot(src)()
	tm, cmd := tm.Update(msg)
	assert.NotNil(t, cmd, "a refresh is scheduled")

	view := tm.View()
	assert.Contains(t, view, "M1")
	assert.Contains(t, view, "TASKS (1 pending)")
	assert.Contains(t, view, "2 pending")
	assert.Contains(t, view, "1 failed")
	assert.NotContains(t, view, "EVENT STREAM", "no collector configured")
}

func TestModelShowsSourceError(t *testing.T) {
	src := staticSource{err: errors.New("mailbox unreadable")}
	var tm tea.Model = New(Options{Source: src})
	tm, _ = tm.Update(tea.WindowSizeMsg{Width: 100, Height: 30})
	tm, _ = tm.Update(loadSnapshot(src)())
	assert.Contains(t, tm.View(), "mailbox unreadable")
}

func TestModelEventLogIsBounded(t *testing.T) {
	var tm tea.Model = New(Options{Source: staticSource{}, CollectorURL: "http://127.0.0.1:1"})
	tm, _ = tm.Update(tea.WindowSizeMsg{Width: 120, Height: 40})
	for i := 1; i <= maxEventLog+5; i++ {
		tm, _ = tm.Update(eventMsg(events.Event{ID: int64(i), Type: events.CollectorReceived, At: time.Now(), Data: []byte(`{}`)}))
	}
	m := tm.(Model)
	assert.Len(t, m.eventLog, maxEventLog)
	assert.Equal(t, int64(maxEventLog+5), m.lastID)
	assert.True(t, m.collector.Connected)
	assert.Contains(t, m.View(), "EVENT STREAM")
}
