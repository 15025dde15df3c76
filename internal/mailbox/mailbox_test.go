package mailbox

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bridge25/unmanned-manager/internal/log"
	"github.com/bridge25/unmanned-manager/internal/protocol"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR")
	os.Exit(m.Run())
}

func newTestMailbox(t *testing.T) *Mailbox {
	t.Helper()
	return New(filepath.Join(t.TempDir(), ".jarvis"))
}

func TestEnqueueAppliesDefaults(t *testing.T) {
	mb := newTestMailbox(t)

	task, err := mb.Enqueue(protocol.TaskDescriptor{TaskID: "a1b2c3d4", Instruction: "run tests", Project: "haedong"})
	require.NoError(t, err)
	assert.Equal(t, protocol.DefaultTaskTimeout, task.Timeout)
	assert.Equal(t, protocol.DefaultPriority, task.Priority)
	assert.False(t, task.CreatedAt.IsZero())
	assert.FileExists(t, mb.TaskPath("a1b2c3d4"))

	_, err = mb.Enqueue(protocol.TaskDescriptor{TaskID: "a1b2c3d4", Instruction: "again"})
	assert.ErrorIs(t, err, ErrTaskExists)
}

func TestEnqueueRejectsUnsafeIDs(t *testing.T) {
	mb := newTestMailbox(t)
	for _, id := range []string{"", "..", "../escape", "a/b", "a b"} {
		_, err := mb.Enqueue(protocol.TaskDescriptor{TaskID: id, Instruction: "x"})
		assert.ErrorIs(t, err, ErrInvalidTaskID, id)
	}
	_, err := mb.Enqueue(protocol.TaskDescriptor{TaskID: "ok", Instruction: ""})
	assert.Error(t, err)
}

func TestClaimOldestFirstAndCommit(t *testing.T) {
	mb := newTestMailbox(t)
	base := time.Now().Add(-time.Hour)
	for i, id := range []string{"zeta", "alpha", "mid"} {
		_, err := mb.Enqueue(protocol.TaskDescriptor{TaskID: id, Instruction: "do " + id, Project: "p"})
		require.NoError(t, err)
		mt := base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, os.Chtimes(mb.TaskPath(id), mt, mt))
	}

	var order []string
	for {
		task, err := mb.Claim()
		require.NoError(t, err)
		if task == nil {
			break
		}
		order = append(order, task.TaskID)
		require.NoError(t, mb.CommitClaim(task.TaskID))
	}
	assert.Equal(t, []string{"zeta", "alpha", "mid"}, order)
}

func TestClaimSkipsMalformedFiles(t *testing.T) {
	mb := newTestMailbox(t)
	require.NoError(t, mb.EnsureDirs())

	old := time.Now().Add(-time.Hour)
	bad := map[string]string{
		"task_broken.json":   `{"task_id":`,
		"task_noinstr.json":  `{"task_id":"noinstr","project":"p"}`,
		"task_mismatch.json": `{"task_id":"other","instruction":"x","project":"p"}`,
	}
	for name, body := range bad {
		path := filepath.Join(mb.TasksDir(), name)
		require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
		require.NoError(t, os.Chtimes(path, old, old))
	}
	_, err := mb.Enqueue(protocol.TaskDescriptor{TaskID: "good", Instruction: "x", Project: "p"})
	require.NoError(t, err)

	task, err := mb.Claim()
	require.NoError(t, err)
	require.NotNil(t, task)
	assert.Equal(t, "good", task.TaskID)

	pending, err := mb.Pending()
	require.NoError(t, err)
	assert.Len(t, pending, 4)
	malformed := 0
	for _, pt := range pending {
		if pt.Err != nil {
			malformed++
			assert.ErrorIs(t, pt.Err, ErrMalformed)
		}
	}
	assert.Equal(t, 3, malformed)

	for name := range bad {
		assert.FileExists(t, filepath.Join(mb.TasksDir(), name), "malformed files are left in place")
	}
}

func TestCommitClaimIsExactlyOnce(t *testing.T) {
	mb := newTestMailbox(t)
	_, err := mb.Enqueue(protocol.TaskDescriptor{TaskID: "T1", Instruction: "x", Project: "p"})
	require.NoError(t, err)

	var (
		wg      sync.WaitGroup
		winners atomic.Int32
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			task, err := mb.Claim()
			if err != nil || task == nil {
				return
			}
			switch err := mb.CommitClaim(task.TaskID); {
			case err == nil:
				winners.Add(1)
			case errors.Is(err, ErrAlreadyClaimed):
			default:
				t.Errorf("unexpected commit error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, winners.Load())
	task, err := mb.Claim()
	require.NoError(t, err)
	assert.Nil(t, task)
	assert.ErrorIs(t, mb.CommitClaim("T1"), ErrAlreadyClaimed)
}

func TestPublishThenReadResultRoundTrip(t *testing.T) {
	mb := newTestMailbox(t)
	want := protocol.ResultDescriptor{
		TaskID:          "T1",
		Status:          protocol.StatusCompleted,
		Result:          json.RawMessage(`"all green"`),
		CompletedAt:     time.Date(2025, 12, 16, 10, 0, 0, 0, time.UTC),
		DurationSeconds: 12.5,
	}

	path, err := mb.PublishResult(want)
	require.NoError(t, err)
	assert.Equal(t, mb.ResultPath("T1"), path)

	got, err := mb.ReadResult("T1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, want, *got)

	// Reads are non-destructive.
	again, err := mb.ReadResult("T1")
	require.NoError(t, err)
	assert.Equal(t, got, again)

	entries, err := os.ReadDir(mb.ResultsDir())
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestReadResultAbsentAndMalformed(t *testing.T) {
	mb := newTestMailbox(t)

	r, err := mb.ReadResult("missing")
	require.NoError(t, err)
	assert.Nil(t, r)

	require.NoError(t, mb.EnsureDirs())
	require.NoError(t, os.WriteFile(mb.ResultPath("partial"), []byte(`{"task_id":"partial","sta`), 0o644))
	_, err = mb.ReadResult("partial")
	assert.ErrorIs(t, err, ErrMalformed)

	require.NoError(t, os.WriteFile(mb.ResultPath("wrongid"), []byte(`{"task_id":"x","status":"completed"}`), 0o644))
	_, err = mb.ReadResult("wrongid")
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = mb.ReadResult("../etc")
	assert.ErrorIs(t, err, ErrInvalidTaskID)
}

func TestResultsNewestFirst(t *testing.T) {
	mb := newTestMailbox(t)
	base := time.Date(2025, 12, 16, 10, 0, 0, 0, time.UTC)
	for i, id := range []string{"a", "b", "c"} {
		_, err := mb.PublishResult(protocol.ResultDescriptor{TaskID: id, Status: protocol.StatusCompleted, CompletedAt: base.Add(time.Duration(i) * time.Minute)})
		require.NoError(t, err)
	}
	require.NoError(t, os.WriteFile(mb.ResultPath("junk"), []byte(`nope`), 0o644))

	results, err := mb.Results()
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, "c", results[0].TaskID)
	assert.Equal(t, "a", results[2].TaskID)
}

func TestCurrentTaskMarker(t *testing.T) {
	mb := newTestMailbox(t)

	cur, err := mb.Current()
	require.NoError(t, err)
	assert.Nil(t, cur)

	task := protocol.TaskDescriptor{TaskID: "T1", Instruction: "x", Project: "p", Timeout: 60, Metadata: map[string]any{"k": "v"}}
	saved, err := mb.SaveCurrent(task)
	require.NoError(t, err)

	cur, err = mb.Current()
	require.NoError(t, err)
	require.NotNil(t, cur)
	assert.Equal(t, "T1", cur.TaskID)
	assert.Equal(t, 60, cur.Timeout)
	assert.Equal(t, "v", cur.Metadata["k"])
	assert.True(t, saved.StartedAt.Equal(cur.StartedAt))

	require.NoError(t, mb.ClearCurrent())
	require.NoError(t, mb.ClearCurrent(), "clearing twice is fine")
	cur, err = mb.Current()
	require.NoError(t, err)
	assert.Nil(t, cur)

	require.NoError(t, os.WriteFile(mb.CurrentPath(), []byte(`{}`), 0o644))
	_, err = mb.Current()
	assert.ErrorIs(t, err, ErrMalformed)
}
