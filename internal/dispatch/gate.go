package dispatch

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/bridge25/unmanned-manager/internal/idempotency"
	"github.com/bridge25/unmanned-manager/internal/lock"
)

const lockPoll = 100 * time.Millisecond

// lockSession serializes work on one session. Waiting honors ctx.
func (d *Dispatcher) lockSession(ctx context.Context, name string) (func(), error) {
	d.mu.Lock()
	gate, ok := d.gates[name]
	if !ok {
		gate = make(chan struct{}, 1)
		d.gates[name] = gate
	}
	d.mu.Unlock()

	select {
	case gate <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	var fl *lock.FileLock
	if d.opts.LockDir != "" {
		path := filepath.Join(d.opts.LockDir, idempotency.FileSafe(name)+".lock")
		var err error
		fl, err = lock.Acquire(ctx, path, lockPoll)
		if err != nil {
			<-gate
			return nil, fmt.Errorf("session %s lock: %w", name, err)
		}
	}

	return func() {
		if err := fl.Release(); err != nil {
			d.logger.Warn("failed to release session lock", "session", name, "error", err)
		}
		<-gate
	}, nil
}

// claimTask marks taskID in flight. It fails if another dispatch holds it.
func (d *Dispatcher) claimTask(taskID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, busy := d.inflight[taskID]; busy {
		return fmt.Errorf("%w: %s", ErrTaskInFlight, taskID)
	}
	d.inflight[taskID] = struct{}{}
	return nil
}

func (d *Dispatcher) releaseTask(taskID string) {
	d.mu.Lock()
	delete(d.inflight, taskID)
	d.mu.Unlock()
}

// holdSession keeps an injected ticket's session locked until releaseHeld is
// called for it or the ticket's deadline passes.
func (d *Dispatcher) holdSession(t Ticket, release func()) {
	var once sync.Once
	var timer *time.Timer
	free := func() {
		once.Do(func() {
			d.mu.Lock()
			delete(d.held, t.TaskID)
			d.mu.Unlock()
			release()
		})
	}

	d.mu.Lock()
	d.held[t.TaskID] = func() {
		timer.Stop()
		free()
	}
	timer = time.AfterFunc(t.Deadline().Sub(d.now()), free)
	d.mu.Unlock()
}

// releaseHeld frees the session held for taskID, if any.
func (d *Dispatcher) releaseHeld(taskID string) {
	d.mu.Lock()
	free, ok := d.held[taskID]
	d.mu.Unlock()
	if ok {
		free()
	}
}
