// Package lifecycle emits the start/log/complete/blocked event stream of a
// single task and enforces its state machine: start happens at most once, and
// exactly one of complete or blocked may end the task.
package lifecycle

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/bridge25/unmanned-manager/internal/delivery"
	"github.com/bridge25/unmanned-manager/internal/idempotency"
	"github.com/bridge25/unmanned-manager/internal/log"
	"github.com/bridge25/unmanned-manager/internal/protocol"
)

// State is the in-memory lifecycle position of one task.
type State int

const (
	NotStarted State = iota
	Started
	Completed
	Blocked
)

func (s State) String() string {
	switch s {
	case NotStarted:
		return "not_started"
	case Started:
		return "started"
	case Completed:
		return "completed"
	case Blocked:
		return "blocked"
	}
	return "unknown"
}

// Terminal reports whether no further complete/blocked call will be sent.
func (s State) Terminal() bool { return s == Completed || s == Blocked }

// Sender delivers one event. *delivery.Client implements it.
type Sender interface {
	Send(ctx context.Context, ev protocol.Event) (delivery.Result, error)
}

// Options identify the task and where its events come from.
type Options struct {
	TaskID    string
	ActorID   string
	NodeID    string
	ProjectID string
	SessionID string
	TraceID   string

	// Keys and Now default to the wall clock.
	Keys *idempotency.Generator
	Now  func() time.Time
}

// Emitter is safe for concurrent use, though a task normally drives it from
// one goroutine.
type Emitter struct {
	sender Sender
	opts   Options
	logger *slog.Logger

	mu        sync.Mutex
	state     State
	startedAt time.Time
	logSeq    int
}

// New returns an emitter in the NotStarted state.
func New(sender Sender, opts Options) *Emitter {
	if opts.Keys == nil {
		opts.Keys = idempotency.New()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.ActorID == "" {
		opts.ActorID = "unknown"
	}
	return &Emitter{
		sender: sender,
		opts:   opts,
		logger: log.WithTask(opts.TaskID).With("component", "lifecycle"),
	}
}

// State returns the current lifecycle state.
func (e *Emitter) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

var skipped = delivery.Result{Outcome: delivery.OutcomeSkipped}

// Start sends task_started. A second call is skipped.
func (e *Emitter) Start(ctx context.Context, description string) (delivery.Result, error) {
	e.mu.Lock()
	if e.state != NotStarted {
		state := e.state
		e.mu.Unlock()
		e.logger.Warn("start called again, skipping", "state", state.String())
		return skipped, nil
	}
	e.state = Started
	e.startedAt = e.opts.Now()
	started := e.startedAt
	e.mu.Unlock()

	return e.send(ctx, protocol.EventTaskStarted, protocol.StartedPayload{
		Description: description,
		StartedAt:   started.UTC(),
	}, "start: "+description, 0)
}

// Log sends task_log regardless of state. Each call gets its own sequence
// number so lines within one second stay distinct.
func (e *Emitter) Log(ctx context.Context, level protocol.LogLevel, message string, fields map[string]any) (delivery.Result, error) {
	if level == "" {
		level = protocol.LevelInfo
	}
	e.mu.Lock()
	e.logSeq++
	seq := e.logSeq
	e.mu.Unlock()

	return e.send(ctx, protocol.EventTaskLog, protocol.LogPayload{
		Level:   level,
		Message: message,
		Context: fields,
	}, "", seq)
}

// Complete sends task_completed. After any terminal call it is skipped.
// duration_seconds is null when Start was never called.
func (e *Emitter) Complete(ctx context.Context, status protocol.CompletionStatus, data map[string]any, summary string) (delivery.Result, error) {
	if status == "" {
		status = protocol.CompletionSuccess
	}
	e.mu.Lock()
	if e.state.Terminal() {
		state := e.state
		e.mu.Unlock()
		e.logger.Warn("complete called after terminal state, skipping", "state", state.String())
		return skipped, nil
	}
	e.state = Completed
	now := e.opts.Now()
	var duration *float64
	if !e.startedAt.IsZero() {
		d := now.Sub(e.startedAt).Seconds()
		duration = &d
	}
	e.mu.Unlock()

	if summary == "" {
		summary = "completed (" + string(status) + ")"
	}
	return e.send(ctx, protocol.EventTaskCompleted, protocol.CompletedPayload{
		Result:          protocol.CompletionResult{Status: status, Data: data},
		DurationSeconds: duration,
		CompletedAt:     now.UTC(),
	}, summary, 0)
}

// Blocked sends task_blocked. After any terminal call it is skipped.
func (e *Emitter) Blocked(ctx context.Context, reason string, blocker protocol.BlockerType, details string) (delivery.Result, error) {
	if blocker == "" {
		blocker = protocol.BlockerError
	}
	e.mu.Lock()
	if e.state.Terminal() {
		state := e.state
		e.mu.Unlock()
		e.logger.Warn("blocked called after terminal state, skipping", "state", state.String())
		return skipped, nil
	}
	e.state = Blocked
	now := e.opts.Now()
	e.mu.Unlock()

	return e.send(ctx, protocol.EventTaskBlocked, protocol.BlockedPayload{
		Reason:       reason,
		BlockerType:  blocker,
		ErrorDetails: details,
		BlockedAt:    now.UTC(),
	}, "blocker: "+reason, 0)
}

func (e *Emitter) send(ctx context.Context, kind protocol.EventType, payload protocol.Payload, summary string, seq int) (delivery.Result, error) {
	key := e.opts.Keys.Key(e.opts.ActorID, e.opts.TaskID, string(kind))
	if seq > 0 {
		key = e.opts.Keys.SequencedKey(e.opts.ActorID, e.opts.TaskID, string(kind), seq)
	}
	ev := protocol.Event{
		EventType:      kind,
		TaskID:         e.opts.TaskID,
		IdempotencyKey: key,
		ActorID:        e.opts.ActorID,
		Payload:        payload,
		NodeID:         e.opts.NodeID,
		ProjectID:      e.opts.ProjectID,
		SessionID:      e.opts.SessionID,
		Summary:        summary,
		TraceID:        e.opts.TraceID,
	}
	res, err := e.sender.Send(ctx, ev)
	if err != nil {
		e.logger.Error("lifecycle event not delivered", "event_type", kind, "error", err)
	}
	return res, err
}
