package dispatch

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bridge25/unmanned-manager/internal/delivery"
	"github.com/bridge25/unmanned-manager/internal/events"
	"github.com/bridge25/unmanned-manager/internal/mailbox"
	"github.com/bridge25/unmanned-manager/internal/protocol"
	"github.com/bridge25/unmanned-manager/internal/session/mocks"
)

type recordingSender struct {
	mu     sync.Mutex
	events []protocol.Event
}

func (s *recordingSender) Send(_ context.Context, ev protocol.Event) (delivery.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return delivery.Result{Outcome: delivery.OutcomeCreated}, nil
}

func (s *recordingSender) types() []protocol.EventType {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []protocol.EventType
	for _, ev := range s.events {
		out = append(out, ev.EventType)
	}
	return out
}

func setupTestRunner(t *testing.T, host *mocks.MockHost) (*Runner, *mailbox.Mailbox, *recordingSender, string) {
	t.Helper()
	d, dir := setupTestDispatcher(t, host)
	central := mailbox.New(filepath.Join(t.TempDir(), ".jarvis"))
	if err := central.EnsureDirs(); err != nil {
		t.Fatalf("failed to create mailbox: %v", err)
	}
	sender := &recordingSender{}
	r := NewRunner(central, d, sender, RunnerOptions{
		Interval: 5 * time.Millisecond,
		ActorID:  "unmanned-test",
		Hub:      events.NewHub(16),
	})
	return r, central, sender, dir
}

func TestRunOnceEmptyMailbox(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	r, _, sender, _ := setupTestRunner(t, mocks.NewMockHost(ctrl))
	took, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.False(t, took)
	assert.Empty(t, sender.types())
}

func TestRunOnceCompletesTask(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	host := mocks.NewMockHost(ctrl)
	expectAlive(host)
	host.EXPECT().SendKey(gomock.Any(), testSession, "Enter").Return(nil)
	host.EXPECT().Capture(gomock.Any(), gomock.Any(), gomock.Any()).Return("", nil).AnyTimes()
	r, central, sender, dir := setupTestRunner(t, host)

	host.EXPECT().SendText(gomock.Any(), testSession, gomock.Any()).DoAndReturn(
		func(context.Context, string, string) error {
			// The marker is durable before the session sees the task.
			ct, err := central.Current()
			if err != nil || ct == nil || ct.TaskID != "R1" {
				t.Errorf("current marker missing during dispatch: %v %v", ct, err)
			}
			publishResult(t, dir, "R1", "shipped")
			return nil
		})

	_, err := central.Enqueue(protocol.TaskDescriptor{TaskID: "R1", Project: "alpha", Instruction: "ship it"})
	require.NoError(t, err)

	took, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, took)

	_, statErr := os.Stat(central.TaskPath("R1"))
	assert.True(t, os.IsNotExist(statErr), "claimed task file is removed")
	ct, err := central.Current()
	require.NoError(t, err)
	assert.Nil(t, ct)

	assert.Equal(t, []protocol.EventType{protocol.EventTaskStarted, protocol.EventTaskCompleted}, sender.types())
	completed := sender.events[1].Payload.(protocol.CompletedPayload)
	assert.Equal(t, protocol.CompletionSuccess, completed.Result.Status)
	assert.Equal(t, "shipped", completed.Result.Data["result"])
	assert.Equal(t, "unmanned-test", sender.events[1].ActorID)
}

func TestRunOnceTimeoutReportsBlocked(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	host := mocks.NewMockHost(ctrl)
	expectAlive(host)
	host.EXPECT().SendText(gomock.Any(), testSession, gomock.Any()).Return(nil)
	host.EXPECT().SendKey(gomock.Any(), testSession, "Enter").Return(nil)
	host.EXPECT().Capture(gomock.Any(), gomock.Any(), gomock.Any()).Return("", nil).AnyTimes()
	r, central, sender, _ := setupTestRunner(t, host)

	_, err := central.Enqueue(protocol.TaskDescriptor{TaskID: "R2", Project: "alpha", Instruction: "never answers"})
	require.NoError(t, err)
	r.dispatcher.opts.DefaultTimeout = 40 * time.Millisecond

	// Timeout 0 in the descriptor means "use the dispatcher default".
	task, err := central.Claim()
	require.NoError(t, err)
	require.NotNil(t, task)
	task.Timeout = 0
	r.execute(context.Background(), *task)

	assert.Equal(t, []protocol.EventType{protocol.EventTaskStarted, protocol.EventTaskBlocked}, sender.types())
	blocked := sender.events[1].Payload.(protocol.BlockedPayload)
	assert.Equal(t, protocol.BlockerExternal, blocked.BlockerType)
}

func TestRecoverAcceptsExistingResult(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	r, central, sender, dir := setupTestRunner(t, mocks.NewMockHost(ctrl))

	_, err := central.SaveCurrent(protocol.TaskDescriptor{TaskID: "R3", Project: "alpha", Instruction: "x", Timeout: 60})
	require.NoError(t, err)
	publishResult(t, dir, "R3", "done before crash")

	require.NoError(t, r.Recover(context.Background()))

	ct, err := central.Current()
	require.NoError(t, err)
	assert.Nil(t, ct)
	assert.Empty(t, sender.types(), "nothing is re-sent for a finished task")
}

func TestRecoverRedispatchesInterruptedTask(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	host := mocks.NewMockHost(ctrl)
	expectAlive(host)
	host.EXPECT().SendKey(gomock.Any(), testSession, "Enter").Return(nil)
	host.EXPECT().Capture(gomock.Any(), gomock.Any(), gomock.Any()).Return("", nil).AnyTimes()
	r, central, sender, dir := setupTestRunner(t, host)
	host.EXPECT().SendText(gomock.Any(), testSession, gomock.Any()).DoAndReturn(
		func(context.Context, string, string) error {
			publishResult(t, dir, "R4", "second try")
			return nil
		})

	_, err := central.SaveCurrent(protocol.TaskDescriptor{TaskID: "R4", Project: "alpha", Instruction: "resume me", Timeout: 5})
	require.NoError(t, err)

	require.NoError(t, r.Recover(context.Background()))

	ct, err := central.Current()
	require.NoError(t, err)
	assert.Nil(t, ct)
	assert.Equal(t, []protocol.EventType{protocol.EventTaskStarted, protocol.EventTaskCompleted}, sender.types())
}

func TestRecoverMovesCorruptMarkerAside(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	r, central, _, _ := setupTestRunner(t, mocks.NewMockHost(ctrl))
	require.NoError(t, os.WriteFile(central.CurrentPath(), []byte("{not json"), 0o644))

	require.NoError(t, r.Recover(context.Background()))

	_, err := os.Stat(central.CurrentPath())
	assert.True(t, os.IsNotExist(err))
	aside, _ := filepath.Glob(central.CurrentPath() + ".corrupt-*")
	assert.Len(t, aside, 1)
}

func TestRunnerShutdownLeavesTaskCurrent(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	host := mocks.NewMockHost(ctrl)
	expectAlive(host)
	host.EXPECT().SendText(gomock.Any(), testSession, gomock.Any()).Return(nil)
	host.EXPECT().SendKey(gomock.Any(), testSession, "Enter").Return(nil)
	host.EXPECT().Capture(gomock.Any(), gomock.Any(), gomock.Any()).Return("", nil).AnyTimes()
	r, central, _, _ := setupTestRunner(t, host)

	_, err := central.Enqueue(protocol.TaskDescriptor{TaskID: "R5", Project: "alpha", Instruction: "slow", Timeout: 60})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err = r.Start(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	ct, err := central.Current()
	require.NoError(t, err)
	require.NotNil(t, ct, "interrupted task stays current for recovery")
	assert.Equal(t, "R5", ct.TaskID)
}
