package outbox

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bridge25/unmanned-manager/internal/lock"
	"github.com/bridge25/unmanned-manager/internal/log"
	"github.com/bridge25/unmanned-manager/internal/protocol"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR")
	os.Exit(m.Run())
}

type fakeSender struct {
	mu    sync.Mutex
	calls []protocol.Event
	resp  protocol.CollectorResponse
	err   error
}

func (f *fakeSender) Post(_ context.Context, ev protocol.Event) (protocol.CollectorResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, ev)
	return f.resp, f.err
}

func testEvent(key string) protocol.Event {
	return protocol.Event{
		EventType:      protocol.EventTaskLog,
		TaskID:         "T1",
		IdempotencyKey: key,
		ActorID:        "w",
		Payload:        protocol.LogPayload{Level: protocol.LevelInfo, Message: "hi"},
		SchemaVersion:  protocol.DefaultSchemaVersion,
	}
}

func fixedClock() func() time.Time {
	ts := time.Date(2025, 12, 16, 10, 0, 0, 123456000, time.UTC)
	return func() time.Time { return ts }
}

func TestSaveWritesPendingEntry(t *testing.T) {
	s := New(t.TempDir(), 3, WithClock(fixedClock()))

	path, err := s.Save(testEvent("w:T1:task_log:1:1"), "connection refused")
	require.NoError(t, err)

	assert.Equal(t, "20251216_100000_123456_w_T1_task_log_1_1.json", filepath.Base(path))
	assert.DirExists(t, s.FailedDir())

	entry, err := s.Load(path)
	require.NoError(t, err)
	assert.Equal(t, 0, entry.RetryCount)
	assert.Equal(t, "connection refused", entry.Error)
	assert.Equal(t, testEvent("w:T1:task_log:1:1"), entry.Event)

	pending, err := s.Pending()
	require.NoError(t, err)
	assert.Equal(t, []string{path}, pending)
}

func TestPendingOnMissingDirectory(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "never-created"), 3)
	pending, err := s.Pending()
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestSweepDeliversAndRemoves(t *testing.T) {
	s := New(t.TempDir(), 3)
	for _, key := range []string{"k1", "k2", "k3"} {
		_, err := s.Save(testEvent(key), "down")
		require.NoError(t, err)
	}

	sender := &fakeSender{resp: protocol.CollectorResponse{Status: protocol.CollectorDuplicate}}
	stats, err := s.Sweep(context.Background(), sender)
	require.NoError(t, err)

	assert.Equal(t, Stats{Success: 3}, stats)
	assert.Len(t, sender.calls, 3)
	pending, _ := s.Pending()
	assert.Empty(t, pending)
}

func TestSweepFailureIncrementsRetryCount(t *testing.T) {
	s := New(t.TempDir(), 3)
	path, err := s.Save(testEvent("k1"), "down")
	require.NoError(t, err)

	sender := &fakeSender{err: errors.New("collector unavailable")}
	stats, err := s.Sweep(context.Background(), sender)
	require.NoError(t, err)
	assert.Equal(t, Stats{Failed: 1}, stats)

	entry, err := s.Load(path)
	require.NoError(t, err)
	assert.Equal(t, 1, entry.RetryCount)
	assert.Equal(t, "collector unavailable", entry.LastError)
	require.NotNil(t, entry.LastRetry)
	assert.Equal(t, "down", entry.Error, "original error is preserved")
}

func TestSweepUnexpectedStatusCountsAsFailure(t *testing.T) {
	s := New(t.TempDir(), 3)
	path, err := s.Save(testEvent("k1"), "down")
	require.NoError(t, err)

	stats, err := s.Sweep(context.Background(), &fakeSender{resp: protocol.CollectorResponse{Status: "queued"}})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Failed)

	entry, err := s.Load(path)
	require.NoError(t, err)
	assert.Contains(t, entry.LastError, "queued")
}

func TestSweepMovesExhaustedEntriesToFailed(t *testing.T) {
	s := New(t.TempDir(), 2)
	path, err := s.Save(testEvent("k1"), "down")
	require.NoError(t, err)

	sender := &fakeSender{err: errors.New("still down")}
	for i := 0; i < 2; i++ {
		stats, err := s.Sweep(context.Background(), sender)
		require.NoError(t, err)
		assert.Equal(t, Stats{Failed: 1}, stats)
	}

	stats, err := s.Sweep(context.Background(), sender)
	require.NoError(t, err)
	assert.Equal(t, Stats{Skipped: 1}, stats)
	assert.Len(t, sender.calls, 2, "exhausted entry must not be re-sent")

	assert.NoFileExists(t, path)
	failed, err := s.Failed()
	require.NoError(t, err)
	require.Len(t, failed, 1)

	entry, err := s.Load(failed[0])
	require.NoError(t, err)
	assert.Equal(t, 2, entry.RetryCount)
}

func TestSweepQuarantinesCorruptEntries(t *testing.T) {
	s := New(t.TempDir(), 3)
	require.NoError(t, os.MkdirAll(s.PendingDir(), 0o755))
	bad := filepath.Join(s.PendingDir(), "20250101_000000_000000_bad.json")
	require.NoError(t, os.WriteFile(bad, []byte(`{"event":`), 0o644))
	good, err := s.Save(testEvent("k1"), "down")
	require.NoError(t, err)

	sender := &fakeSender{resp: protocol.CollectorResponse{Status: protocol.CollectorCreated}}
	stats, err := s.Sweep(context.Background(), sender)
	require.NoError(t, err)

	assert.Equal(t, Stats{Success: 1, Corrupt: 1}, stats)
	assert.NoFileExists(t, good)
	assert.FileExists(t, filepath.Join(s.FailedDir(), filepath.Base(bad)))
}

func TestSweepIgnoresTempFiles(t *testing.T) {
	s := New(t.TempDir(), 3)
	require.NoError(t, os.MkdirAll(s.PendingDir(), 0o755))
	tmp := filepath.Join(s.PendingDir(), ".x.json.tmp.1.ab")
	require.NoError(t, os.WriteFile(tmp, []byte(`{`), 0o644))

	stats, err := s.Sweep(context.Background(), &fakeSender{})
	require.NoError(t, err)
	assert.Equal(t, Stats{}, stats)
	assert.FileExists(t, tmp)
}

func TestSweepSkipsWhenAnotherProcessHoldsLock(t *testing.T) {
	s := New(t.TempDir(), 3)
	_, err := s.Save(testEvent("k1"), "down")
	require.NoError(t, err)

	held, err := lock.TryAcquire(filepath.Join(s.Root(), sweepLock))
	require.NoError(t, err)
	defer held.Release()

	sender := &fakeSender{resp: protocol.CollectorResponse{Status: protocol.CollectorCreated}}
	stats, err := s.Sweep(context.Background(), sender)
	require.NoError(t, err)
	assert.Equal(t, Stats{}, stats)
	assert.Empty(t, sender.calls)
}

func TestSweepStopsOnCancelledContext(t *testing.T) {
	s := New(t.TempDir(), 3)
	_, err := s.Save(testEvent("k1"), "down")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	sender := &fakeSender{}
	_, err = s.Sweep(ctx, sender)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, sender.calls)
}

func TestConcurrentSweepsSendEachEntryOnce(t *testing.T) {
	s := New(t.TempDir(), 3)
	for i := 0; i < 5; i++ {
		_, err := s.Save(testEvent(strings.Repeat("k", i+1)), "down")
		require.NoError(t, err)
	}

	sender := &fakeSender{resp: protocol.CollectorResponse{Status: protocol.CollectorCreated}}
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = s.Sweep(context.Background(), sender)
		}()
	}
	wg.Wait()

	assert.Len(t, sender.calls, 5)
}
