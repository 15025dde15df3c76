package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/bridge25/unmanned-manager/internal/events"
	"github.com/bridge25/unmanned-manager/internal/lifecycle"
	"github.com/bridge25/unmanned-manager/internal/log"
	"github.com/bridge25/unmanned-manager/internal/mailbox"
	"github.com/bridge25/unmanned-manager/internal/protocol"
)

// RunnerOptions configure a Runner.
type RunnerOptions struct {
	Interval time.Duration
	// ActorID and NodeID stamp lifecycle events.
	ActorID string
	NodeID  string
	Hub     *events.Hub
}

// Runner feeds tasks from the central mailbox to the dispatcher, one at a
// time. Only one runner may serve a mailbox.
type Runner struct {
	mailbox    *mailbox.Mailbox
	dispatcher *Dispatcher
	sender     lifecycle.Sender
	opts       RunnerOptions
	logger     *slog.Logger
}

// NewRunner creates a runner. A nil sender disables lifecycle events.
func NewRunner(mb *mailbox.Mailbox, d *Dispatcher, sender lifecycle.Sender, opts RunnerOptions) *Runner {
	if opts.Interval <= 0 {
		opts.Interval = 2 * time.Second
	}
	return &Runner{
		mailbox:    mb,
		dispatcher: d,
		sender:     sender,
		opts:       opts,
		logger:     log.WithComponent("runner"),
	}
}

// Start recovers any interrupted task and then polls the mailbox until ctx
// is done.
func (r *Runner) Start(ctx context.Context) error {
	r.logger.Info("runner started", "mailbox", r.mailbox.Root())
	defer r.logger.Info("runner stopped")

	if err := r.mailbox.EnsureDirs(); err != nil {
		return err
	}
	if err := r.Recover(ctx); err != nil {
		r.logger.Error("recovery failed", "error", err)
	}

	ticker := time.NewTicker(r.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := r.RunOnce(ctx); err != nil {
				r.logger.Error("failed to process task", "error", err)
			}
		}
	}
}

// RunOnce processes the oldest pending task, if any. It reports whether a
// task was taken.
func (r *Runner) RunOnce(ctx context.Context) (bool, error) {
	task, err := r.mailbox.Claim()
	if err != nil {
		return false, fmt.Errorf("claim: %w", err)
	}
	if task == nil {
		return false, nil
	}

	// The marker must exist before the pending file goes away.
	if _, err := r.mailbox.SaveCurrent(*task); err != nil {
		return false, err
	}
	if err := r.mailbox.CommitClaim(task.TaskID); err != nil {
		_ = r.mailbox.ClearCurrent()
		if errors.Is(err, mailbox.ErrAlreadyClaimed) {
			return false, nil
		}
		return false, err
	}

	r.logger.Info("claimed task", "task_id", task.TaskID, "project", task.Project)
	r.opts.Hub.Publish(events.RunnerClaimed, map[string]any{"task_id": task.TaskID, "project": task.Project})

	r.execute(ctx, *task)
	return true, nil
}

// Recover finishes a task left current by an interrupted run. A result that
// already exists is accepted; otherwise the task is dispatched again.
func (r *Runner) Recover(ctx context.Context) error {
	ct, err := r.mailbox.Current()
	if err != nil {
		if !errors.Is(err, mailbox.ErrMalformed) {
			return err
		}
		aside := fmt.Sprintf("%s.corrupt-%d", r.mailbox.CurrentPath(), time.Now().UnixNano())
		r.logger.Error("current task marker is unreadable, moving aside", "path", aside, "error", err)
		return os.Rename(r.mailbox.CurrentPath(), aside)
	}
	if ct == nil {
		return nil
	}

	logger := log.WithTask(ct.TaskID).With("component", "runner", "project", ct.Project)
	res, err := r.dispatcher.ResultFor(ct.Project, ct.TaskID)
	if err != nil && !errors.Is(err, mailbox.ErrMalformed) {
		logger.Warn("could not check for existing result", "error", err)
	}
	if res != nil {
		logger.Info("recovered finished task", "status", res.Status)
		r.opts.Hub.Publish(events.RunnerRecovered, map[string]any{"task_id": ct.TaskID, "status": res.Status, "redispatched": false})
		return r.mailbox.ClearCurrent()
	}

	logger.Warn("re-dispatching interrupted task")
	r.opts.Hub.Publish(events.RunnerRecovered, map[string]any{"task_id": ct.TaskID, "redispatched": true})
	r.execute(ctx, protocol.TaskDescriptor{
		TaskID:      ct.TaskID,
		Instruction: ct.Instruction,
		Project:     ct.Project,
		Timeout:     ct.Timeout,
		CreatedAt:   ct.StartedAt,
		Metadata:    ct.Metadata,
	})
	return nil
}

// execute dispatches one task and reports it. The current marker is cleared
// unless the runner itself is shutting down, so recovery picks it up later.
func (r *Runner) execute(ctx context.Context, task protocol.TaskDescriptor) {
	logger := log.WithTask(task.TaskID).With("component", "runner", "project", task.Project)

	var out Outcome
	if r.sender == nil {
		out = r.dispatcher.Dispatch(ctx, task)
	} else {
		opts := lifecycle.Options{
			TaskID:    task.TaskID,
			ActorID:   r.opts.ActorID,
			NodeID:    r.opts.NodeID,
			ProjectID: task.Project,
		}
		err := lifecycle.Run(ctx, r.sender, opts, func(ctx context.Context, em *lifecycle.Emitter) error {
			if _, err := em.Start(ctx, describe(task.Instruction)); err != nil {
				logger.Warn("failed to report start", "error", err)
			}
			out = r.dispatcher.Dispatch(ctx, task)
			r.report(ctx, em, out)
			return nil
		})
		if err != nil {
			logger.Error("task scope failed", "error", err)
		}
	}

	if out.Status == protocol.StatusCancelled && ctx.Err() != nil {
		logger.Info("left task current for recovery")
		return
	}
	if err := r.mailbox.ClearCurrent(); err != nil {
		logger.Error("failed to clear current task", "error", err)
	}
}

// report maps a dispatch outcome onto the task's terminal lifecycle event.
func (r *Runner) report(ctx context.Context, em *lifecycle.Emitter, out Outcome) {
	var err error
	switch {
	case out.Success:
		data := map[string]any{"result": out.Result.ResultText(), "auto_responds": out.AutoResponds}
		_, err = em.Complete(ctx, protocol.CompletionSuccess, data, "")
	case out.Result != nil:
		data := map[string]any{"error": out.Result.Error, "status": string(out.Result.Status)}
		_, err = em.Complete(ctx, protocol.CompletionFailed, data, "")
	case out.Status == protocol.StatusTimeout:
		_, err = em.Blocked(ctx, out.Error, protocol.BlockerExternal, fmt.Sprintf("session %s, %d prompts answered", out.Session, out.AutoResponds))
	default:
		_, err = em.Blocked(ctx, out.Error, protocol.BlockerError, "")
	}
	if err != nil {
		log.WithTask(out.TaskID).Warn("failed to report task outcome", "error", err)
	}
}

func describe(instruction string) string {
	const maxLen = 200
	r := []rune(instruction)
	if len(r) <= maxLen {
		return instruction
	}
	return string(r[:maxLen]) + "..."
}
