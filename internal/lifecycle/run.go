package lifecycle

import (
	"context"
	"fmt"
	"runtime/debug"

	"github.com/bridge25/unmanned-manager/internal/protocol"
)

// Run executes body inside a task scope. A panic or returned error that
// leaves the task without a terminal event is reported as blocked; the error
// is then returned unchanged and a panic is re-raised with its original value.
// A body that returns cleanly without completing the task produces a warning
// log event.
func Run(ctx context.Context, sender Sender, opts Options, body func(context.Context, *Emitter) error) (err error) {
	em := New(sender, opts)
	finalCtx := context.WithoutCancel(ctx)

	defer func() {
		if r := recover(); r != nil {
			em.reportFault(finalCtx, fmt.Sprint(r), fmt.Sprintf("panic: %v\n\n%s", r, debug.Stack()))
			panic(r)
		}
		if err != nil {
			em.reportFault(finalCtx, err.Error(), fmt.Sprintf("%+v", err))
			return
		}
		if !em.State().Terminal() {
			_, _ = em.Log(finalCtx, protocol.LevelWarning, "task exited without calling complete or blocked", nil)
		}
	}()

	return body(ctx, em)
}

// reportFault never panics and never returns an error; the fault being
// propagated takes precedence.
func (e *Emitter) reportFault(ctx context.Context, reason, details string) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("blocked event panicked during fault handling", "panic", r)
		}
	}()
	if e.State().Terminal() {
		return
	}
	_, _ = e.Blocked(ctx, reason, protocol.BlockerError, details)
}
