package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bridge25/unmanned-manager/internal/events"
	"github.com/bridge25/unmanned-manager/internal/history"
	"github.com/bridge25/unmanned-manager/internal/log"
	"github.com/bridge25/unmanned-manager/internal/mailbox"
	"github.com/bridge25/unmanned-manager/internal/metrics"
	"github.com/bridge25/unmanned-manager/internal/prompt"
	"github.com/bridge25/unmanned-manager/internal/protocol"
	"github.com/bridge25/unmanned-manager/internal/session"
	"github.com/google/uuid"
)

var (
	ErrTaskInFlight       = errors.New("task already in flight")
	ErrSessionUnavailable = errors.New("session unavailable")
	ErrUnknownProject     = session.ErrUnknownProject
)

// Outcome is the caller-facing result of one dispatch.
type Outcome struct {
	TaskID       string                     `json:"task_id"`
	Project      string                     `json:"project"`
	Session      string                     `json:"session"`
	Status       protocol.TaskStatus        `json:"status"`
	Success      bool                       `json:"success"`
	Result       *protocol.ResultDescriptor `json:"result,omitempty"`
	Error        string                     `json:"error,omitempty"`
	Err          error                      `json:"-"`
	AutoResponds int                        `json:"auto_responds"`
	StartedAt    time.Time                  `json:"started_at"`
	Duration     time.Duration              `json:"duration"`
}

// Ticket identifies an injected task whose result has not been collected.
type Ticket struct {
	TaskID      string        `json:"task_id"`
	Project     string        `json:"project"`
	Session     string        `json:"session"`
	Instruction string        `json:"instruction"`
	ResultPath  string        `json:"result_path"`
	InjectedAt  time.Time     `json:"injected_at"`
	Timeout     time.Duration `json:"timeout"`

	mailbox *mailbox.Mailbox
}

// Deadline is when waiting for the ticket's result gives up.
func (t Ticket) Deadline() time.Time { return t.InjectedAt.Add(t.Timeout) }

type Option func(*Dispatcher)

func WithHub(h *events.Hub) Option { return func(d *Dispatcher) { d.hub = h } }

func WithHistory(s *history.Store) Option { return func(d *Dispatcher) { d.history = s } }

func WithMetrics(m *metrics.Metrics) Option { return func(d *Dispatcher) { d.metrics = m } }

// WithClock replaces the wall clock used for deadlines and prompt intervals.
func WithClock(now func() time.Time) Option { return func(d *Dispatcher) { d.now = now } }

// Dispatcher injects tasks into sessions and collects their results.
type Dispatcher struct {
	registry *session.Registry
	rules    *prompt.RuleSet
	opts     Options
	hub      *events.Hub
	history  *history.Store
	metrics  *metrics.Metrics
	logger   *slog.Logger
	now      func() time.Time

	mu       sync.Mutex
	inflight map[string]struct{}
	gates    map[string]chan struct{}
	held     map[string]func() // session releases owned by injected tickets
}

// New creates a dispatcher. A nil rules set disables prompt answering.
func New(registry *session.Registry, rules *prompt.RuleSet, opts Options, options ...Option) *Dispatcher {
	d := &Dispatcher{
		registry: registry,
		rules:    rules,
		opts:     opts.withDefaults(),
		logger:   log.WithComponent("dispatch"),
		now:      time.Now,
		inflight: make(map[string]struct{}),
		gates:    make(map[string]chan struct{}),
		held:     make(map[string]func()),
	}
	for _, o := range options {
		o(d)
	}
	return d
}

// NewTaskID returns a short random task identifier.
func NewTaskID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// Dispatch injects task and blocks until its result arrives, the timeout
// passes, or ctx is cancelled. The session stays locked for the whole call.
// An empty TaskID is generated.
func (d *Dispatcher) Dispatch(ctx context.Context, task protocol.TaskDescriptor, opts ...CallOption) Outcome {
	call := d.callOptions(task, opts)
	if task.TaskID == "" {
		task.TaskID = NewTaskID()
	}
	out := Outcome{TaskID: task.TaskID, Project: task.Project, StartedAt: d.now()}

	if err := d.claimTask(task.TaskID); err != nil {
		return fail(out, err)
	}
	defer d.releaseTask(task.TaskID)

	ticket, release, err := d.inject(ctx, task, call)
	if err != nil {
		out.Project, out.Session = ticket.Project, ticket.Session
		return d.finish(ctx, failOrCancel(ctx, out, err), task.Instruction)
	}
	defer release()

	return d.finish(ctx, d.await(ctx, ticket, out), task.Instruction)
}

// Inject types task into its session and returns without waiting. The
// session stays locked in this process until Wait returns for the ticket or
// its deadline passes, so nothing else is typed into it meanwhile.
func (d *Dispatcher) Inject(ctx context.Context, task protocol.TaskDescriptor, opts ...CallOption) (Ticket, error) {
	call := d.callOptions(task, opts)
	if task.TaskID == "" {
		task.TaskID = NewTaskID()
	}
	if err := d.claimTask(task.TaskID); err != nil {
		return Ticket{TaskID: task.TaskID}, err
	}
	defer d.releaseTask(task.TaskID)

	ticket, release, err := d.inject(ctx, task, call)
	if err != nil {
		return ticket, err
	}
	d.holdSession(ticket, release)
	return ticket, nil
}

// Wait collects the result for a ticket returned by Inject or TicketFor.
func (d *Dispatcher) Wait(ctx context.Context, t Ticket) Outcome {
	out := Outcome{TaskID: t.TaskID, Project: t.Project, Session: t.Session, StartedAt: t.InjectedAt}
	if err := d.claimTask(t.TaskID); err != nil {
		return fail(out, err)
	}
	defer d.releaseTask(t.TaskID)
	defer d.releaseHeld(t.TaskID)
	return d.finish(ctx, d.await(ctx, t, out), t.Instruction)
}

// TicketFor rebuilds a ticket for a task injected earlier, possibly by
// another process. The deadline counts from now.
func (d *Dispatcher) TicketFor(project, taskID string, timeout time.Duration) (Ticket, error) {
	if !mailbox.ValidTaskID(taskID) {
		return Ticket{}, fmt.Errorf("%w: %q", mailbox.ErrInvalidTaskID, taskID)
	}
	h, err := d.registry.Lookup(project)
	if err != nil {
		return Ticket{}, err
	}
	if timeout <= 0 {
		timeout = d.opts.DefaultTimeout
	}
	mb := d.mailboxFor(h)
	return Ticket{
		TaskID:     taskID,
		Project:    h.Project,
		Session:    h.Session,
		ResultPath: mb.ResultPath(taskID),
		InjectedAt: d.now(),
		Timeout:    timeout,
		mailbox:    mb,
	}, nil
}

// ResultFor reads a task's result from its project mailbox. A missing result
// is (nil, nil).
func (d *Dispatcher) ResultFor(project, taskID string) (*protocol.ResultDescriptor, error) {
	h, err := d.registry.Lookup(project)
	if err != nil {
		return nil, err
	}
	return d.mailboxFor(h).ReadResult(taskID)
}

func (d *Dispatcher) callOptions(task protocol.TaskDescriptor, opts []CallOption) callOptions {
	c := callOptions{timeout: task.TimeoutDuration()}
	if task.Timeout <= 0 {
		c.timeout = d.opts.DefaultTimeout
	}
	for _, o := range opts {
		o(&c)
	}
	if c.timeout <= 0 {
		c.timeout = d.opts.DefaultTimeout
	}
	return c
}

func (d *Dispatcher) mailboxFor(h session.Handle) *mailbox.Mailbox {
	return mailbox.New(filepath.Join(h.Dir, d.opts.MailboxSubdir))
}

// inject resolves and locks the session, then types the instruction. On
// success the caller owns release.
func (d *Dispatcher) inject(ctx context.Context, task protocol.TaskDescriptor, call callOptions) (Ticket, func(), error) {
	ticket := Ticket{TaskID: task.TaskID, Project: task.Project, Instruction: task.Instruction, Timeout: call.timeout}
	if !mailbox.ValidTaskID(task.TaskID) {
		return ticket, nil, fmt.Errorf("%w: %q", mailbox.ErrInvalidTaskID, task.TaskID)
	}
	if strings.TrimSpace(task.Instruction) == "" {
		return ticket, nil, fmt.Errorf("task %s has an empty instruction", task.TaskID)
	}

	h, err := d.registry.Lookup(task.Project)
	if err != nil {
		return ticket, nil, err
	}
	ticket.Project, ticket.Session = h.Project, h.Session

	release, err := d.lockSession(ctx, h.Session)
	if err != nil {
		return ticket, nil, err
	}
	ok := false
	defer func() {
		if !ok {
			release()
		}
	}()

	// The session may have died while we waited for the lock.
	h, err = d.registry.Refresh(ctx, h)
	if err != nil {
		return ticket, nil, fmt.Errorf("%w: %v", ErrSessionUnavailable, err)
	}
	if !h.Exists {
		return ticket, nil, fmt.Errorf("%w: %s is not running", ErrSessionUnavailable, h.Session)
	}

	mb := d.mailboxFor(h)
	if err := mb.EnsureDirs(); err != nil {
		return ticket, nil, err
	}
	ticket.mailbox = mb
	ticket.ResultPath = mb.ResultPath(task.TaskID)
	d.setAsideStale(ticket)

	logger := log.WithTask(task.TaskID).With("component", "dispatch", "session", h.Session)
	host := d.registry.Host()
	text := composeInstruction(task.Instruction, call.prior, task.TaskID, ticket.ResultPath)
	if err := host.SendText(ctx, h.Session, text); err != nil {
		return ticket, nil, fmt.Errorf("%w: send instruction: %v", ErrSessionUnavailable, err)
	}
	if err := sleepCtx(ctx, d.opts.InjectSettle); err != nil {
		return ticket, nil, err
	}
	if err := d.opts.Activation.Press(ctx, host, h.Session); err != nil {
		return ticket, nil, fmt.Errorf("%w: activate: %v", ErrSessionUnavailable, err)
	}

	ticket.InjectedAt = d.now()
	logger.Info("instruction injected", "project", h.Project, "timeout", call.timeout)
	d.hub.Publish(events.DispatchInjected, map[string]any{
		"task_id": task.TaskID,
		"project": h.Project,
		"session": h.Session,
		"timeout": call.timeout.Seconds(),
	})

	ok = true
	return ticket, release, nil
}

// setAsideStale renames a result left by an earlier run with the same task
// ID so it cannot be mistaken for this run's answer.
func (d *Dispatcher) setAsideStale(t Ticket) {
	if _, err := os.Stat(t.ResultPath); err != nil {
		return
	}
	stale := fmt.Sprintf("%s.stale-%d", t.ResultPath, d.now().UnixNano())
	if err := os.Rename(t.ResultPath, stale); err != nil {
		d.logger.Warn("failed to set aside stale result", "task_id", t.TaskID, "error", err)
		return
	}
	d.logger.Warn("set aside stale result", "task_id", t.TaskID, "path", stale)
}

// await polls for the result and answers prompts until the deadline.
func (d *Dispatcher) await(ctx context.Context, t Ticket, out Outcome) Outcome {
	out.Project, out.Session = t.Project, t.Session
	if t.mailbox == nil {
		return fail(out, fmt.Errorf("ticket for %s has no mailbox", t.TaskID))
	}

	logger := log.WithTask(t.TaskID).With("component", "dispatch", "session", t.Session)
	deadline := t.Deadline()
	lastCheck := t.InjectedAt

	for {
		res, readErr := t.mailbox.ReadResult(t.TaskID)
		if readErr == nil && res != nil {
			out.Result = res
			out.Status = res.Status
			out.Success = res.Status == protocol.StatusCompleted
			out.Error = res.Error
			return out
		}

		now := d.now()
		if !now.Before(deadline) {
			out.Status = protocol.StatusTimeout
			out.Error = fmt.Sprintf("no result within %s", t.Timeout)
			out.Err = errors.New(out.Error)
			return out
		}

		if readErr != nil {
			logger.Debug("result not readable yet", "error", readErr)
			if err := sleepCtx(ctx, d.opts.ParseRetryDelay); err != nil {
				return cancelled(out, err)
			}
			continue
		}

		if d.rules != nil && out.AutoResponds < d.opts.MaxAutoResponds &&
			now.Sub(lastCheck) >= d.opts.PromptCheckInterval {
			lastCheck = now
			attempted, err := d.answerPrompt(ctx, t, logger)
			if attempted {
				out.AutoResponds++
			}
			if err != nil {
				if ctx.Err() != nil {
					return cancelled(out, ctx.Err())
				}
				logger.Warn("prompt check failed", "error", err, "auto_responds", out.AutoResponds)
			}
			if attempted {
				if err := sleepCtx(ctx, d.opts.AnswerSettle); err != nil {
					return cancelled(out, err)
				}
				continue
			}
		}

		wait := d.opts.PollInterval
		if remaining := deadline.Sub(now); remaining < wait {
			wait = remaining
		}
		if err := sleepCtx(ctx, wait); err != nil {
			return cancelled(out, err)
		}
	}
}

// answerPrompt captures the screen and answers a recognized prompt. It
// reports true once it has started typing, even if a later keystroke fails,
// so every answer counts against MaxAutoResponds. It reports false without
// typing anything when the result appeared meanwhile.
func (d *Dispatcher) answerPrompt(ctx context.Context, t Ticket, logger *slog.Logger) (bool, error) {
	host := d.registry.Host()
	screen, err := host.Capture(ctx, t.Session, d.opts.CaptureLines)
	if err != nil {
		return false, fmt.Errorf("capture: %w", err)
	}
	m, found := d.rules.Detect(screen)
	if !found {
		return false, nil
	}
	if res, _ := t.mailbox.ReadResult(t.TaskID); res != nil {
		return false, nil
	}

	if m.Response != "" {
		if err := host.SendText(ctx, t.Session, m.Response); err != nil {
			return true, fmt.Errorf("send response: %w", err)
		}
		if err := sleepCtx(ctx, d.opts.ResponseDelay); err != nil {
			return true, err
		}
	}
	if err := d.opts.Activation.Press(ctx, host, t.Session); err != nil {
		return true, fmt.Errorf("activate response: %w", err)
	}

	logger.Info("answered prompt", "rule", m.Rule, "pattern", m.Pattern)
	d.metrics.AutoRespond(m.Rule)
	d.hub.Publish(events.DispatchPromptAnswered, map[string]any{
		"task_id":  t.TaskID,
		"session":  t.Session,
		"rule":     m.Rule,
		"response": m.Response,
	})
	return true, nil
}

// finish logs, counts and records a completed dispatch.
func (d *Dispatcher) finish(ctx context.Context, out Outcome, instruction string) Outcome {
	out.Duration = d.now().Sub(out.StartedAt)
	logger := log.WithTask(out.TaskID).With("component", "dispatch", "project", out.Project, "session", out.Session)

	eventType := events.DispatchFailed
	switch {
	case out.Result != nil:
		eventType = events.DispatchResult
		logger.Info("dispatch finished", "status", out.Status, "auto_responds", out.AutoResponds, "duration", out.Duration)
	case out.Status == protocol.StatusTimeout:
		eventType = events.DispatchTimeout
		logger.Warn("dispatch timed out", "auto_responds", out.AutoResponds, "duration", out.Duration)
	default:
		logger.Error("dispatch failed", "status", out.Status, "error", out.Error)
	}

	d.metrics.DispatchOutcome(string(out.Status), out.Duration)
	d.hub.Publish(eventType, out)

	if d.history != nil {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		entry := history.Entry{
			TaskID:       out.TaskID,
			Project:      out.Project,
			Session:      out.Session,
			Instruction:  instruction,
			Status:       string(out.Status),
			Success:      out.Success,
			LastError:    out.Error,
			AutoResponds: out.AutoResponds,
			StartedAt:    out.StartedAt,
			CompletedAt:  out.StartedAt.Add(out.Duration),
			Duration:     out.Duration,
		}
		if out.Result != nil {
			entry.Result = out.Result.ResultText()
		}
		if _, err := d.history.Record(rctx, entry); err != nil {
			logger.Warn("failed to record dispatch history", "error", err)
		}
	}
	return out
}

func fail(out Outcome, err error) Outcome {
	out.Status = protocol.StatusFailed
	out.Success = false
	out.Err = err
	out.Error = err.Error()
	return out
}

func cancelled(out Outcome, err error) Outcome {
	out = fail(out, err)
	out.Status = protocol.StatusCancelled
	return out
}

func failOrCancel(ctx context.Context, out Outcome, err error) Outcome {
	if ctx.Err() != nil {
		return cancelled(out, err)
	}
	return fail(out, err)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
