// Package delivery sends task lifecycle events to the collector. Transient
// failures are retried with exponential backoff; an event that still cannot
// be delivered lands in the outbox, so callers never lose an event to a
// collector outage.
package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bridge25/unmanned-manager/internal/config"
	"github.com/bridge25/unmanned-manager/internal/log"
	"github.com/bridge25/unmanned-manager/internal/metrics"
	"github.com/bridge25/unmanned-manager/internal/protocol"
)

// Outcome is how a Send finished.
type Outcome string

const (
	OutcomeCreated   Outcome = "created"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeOutboxed  Outcome = "outboxed"
	// OutcomeSkipped is reported by callers that decided not to send at all.
	OutcomeSkipped Outcome = "skipped"
)

// Result describes a completed Send.
type Result struct {
	Outcome    Outcome
	EventID    string
	OutboxPath string
	// StatusCode is set when the collector answered with a client error.
	StatusCode int
}

// Outbox persists events that could not be delivered.
type Outbox interface {
	Save(ev protocol.Event, lastErr string) (string, error)
}

// Client delivers events with retry and outbox fallback. It is safe for
// concurrent use.
type Client struct {
	transport     Transport
	outbox        Outbox
	audit         *AuditLog
	metrics       *metrics.Metrics
	maxRetries    int
	backoffBase   time.Duration
	strict        bool
	schemaVersion string
	payloadMax    int
	sleep         func(ctx context.Context, d time.Duration) error
	logger        *slog.Logger
}

// Option customizes a Client.
type Option func(*Client)

// WithAuditLog records each delivery step.
func WithAuditLog(a *AuditLog) Option {
	return func(c *Client) { c.audit = a }
}

// WithMetrics counts attempts and outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// WithSleep replaces the backoff sleeper.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Client) { c.sleep = fn }
}

// NewClient builds a client from the delivery settings.
func NewClient(cfg config.DeliveryConfig, transport Transport, outbox Outbox, opts ...Option) *Client {
	c := &Client{
		transport:     transport,
		outbox:        outbox,
		maxRetries:    cfg.MaxRetries,
		backoffBase:   cfg.BackoffBase,
		strict:        cfg.Strict,
		schemaVersion: cfg.SchemaVersion,
		payloadMax:    cfg.PayloadMaxBytes,
		sleep:         sleepContext,
		logger:        log.WithComponent("delivery"),
	}
	if c.maxRetries < 1 {
		c.maxRetries = 1
	}
	if c.schemaVersion == "" {
		c.schemaVersion = protocol.DefaultSchemaVersion
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Send delivers ev. Exhausted retries, a cancelled context and (outside
// strict mode) client errors all end with the event in the outbox and a nil
// error. An error is returned only for invalid events, strict-mode client
// errors, or when the outbox itself cannot be written.
func (c *Client) Send(ctx context.Context, ev protocol.Event) (Result, error) {
	if ev.SchemaVersion == "" {
		ev.SchemaVersion = c.schemaVersion
	}
	if err := ev.Validate(); err != nil {
		return Result{}, err
	}
	logger := c.logger.With("task_id", ev.TaskID, "event_type", ev.EventType, "idempotency_key", ev.IdempotencyKey)
	c.checkSize(ev, logger)

	var lastErr error
	for attempt := 0; attempt < c.maxRetries; attempt++ {
		resp, err := c.transport.Post(ctx, ev)
		if err == nil {
			c.metrics.DeliveryAttempt("ok")
			return c.delivered(ev, resp, logger), nil
		}

		var se *StatusError
		if errors.As(err, &se) && se.ClientFault() {
			c.metrics.DeliveryAttempt("client_error")
			return c.rejected(ev, se, logger)
		}

		lastErr = err
		c.metrics.DeliveryAttempt("error")
		c.record(ActionAttemptFailed, ev, map[string]any{"attempt": attempt + 1, "error": err.Error()})
		logger.Debug("delivery attempt failed", "attempt", attempt+1, "error", err)

		if ctx.Err() != nil {
			break
		}
		if attempt < c.maxRetries-1 {
			if err := c.sleep(ctx, c.backoff(attempt)); err != nil {
				break
			}
		}
	}

	path, err := c.outbox.Save(ev, lastErr.Error())
	if err != nil {
		c.metrics.DeliveryOutcome("error")
		return Result{}, fmt.Errorf("event %s undeliverable (%v) and outbox write failed: %w", ev.IdempotencyKey, lastErr, err)
	}
	c.record(ActionOutboxed, ev, map[string]any{"error": lastErr.Error(), "path": path})
	c.metrics.DeliveryOutcome(string(OutcomeOutboxed))
	logger.Warn("event outboxed after failed delivery", "path", path, "error", lastErr)
	return Result{Outcome: OutcomeOutboxed, OutboxPath: path}, nil
}

func (c *Client) delivered(ev protocol.Event, resp protocol.CollectorResponse, logger *slog.Logger) Result {
	outcome := OutcomeCreated
	if resp.Status == protocol.CollectorDuplicate {
		outcome = OutcomeDuplicate
	}
	c.record(ActionSent, ev, map[string]any{"status": string(outcome), "event_id": resp.EventID})
	c.metrics.DeliveryOutcome(string(outcome))
	logger.Debug("event delivered", "status", outcome, "event_id", resp.EventID)
	return Result{Outcome: outcome, EventID: resp.EventID}
}

func (c *Client) rejected(ev protocol.Event, se *StatusError, logger *slog.Logger) (Result, error) {
	c.record(ActionClientError, ev, map[string]any{"code": se.StatusCode, "body": se.Body})
	if c.strict {
		c.metrics.DeliveryOutcome("error")
		return Result{StatusCode: se.StatusCode}, fmt.Errorf("deliver %s: %w", ev.IdempotencyKey, se)
	}

	path, err := c.outbox.Save(ev, se.Error())
	if err != nil {
		c.metrics.DeliveryOutcome("error")
		return Result{StatusCode: se.StatusCode}, fmt.Errorf("event %s rejected (%v) and outbox write failed: %w", ev.IdempotencyKey, se, err)
	}
	c.record(ActionOutboxed4xx, ev, map[string]any{"code": se.StatusCode, "path": path})
	c.metrics.DeliveryOutcome(string(OutcomeOutboxed))
	logger.Warn("collector rejected event, outboxed", "code", se.StatusCode, "path", path)
	return Result{Outcome: OutcomeOutboxed, OutboxPath: path, StatusCode: se.StatusCode}, nil
}

// backoff returns base * 2^attempt.
func (c *Client) backoff(attempt int) time.Duration {
	return c.backoffBase * time.Duration(1<<attempt)
}

func (c *Client) checkSize(ev protocol.Event, logger *slog.Logger) {
	if c.payloadMax <= 0 {
		return
	}
	data, err := json.Marshal(ev)
	if err == nil && len(data) > c.payloadMax {
		logger.Warn("event exceeds payload size limit", "bytes", len(data), "limit", c.payloadMax)
	}
}

func (c *Client) record(action string, ev protocol.Event, details map[string]any) {
	if err := c.audit.Record(action, ev, details); err != nil {
		c.logger.Warn("audit log write failed", "error", err)
	}
}

// Post satisfies outbox.Sender so a sweep re-sends through the same transport
// without re-entering the retry loop.
func (c *Client) Post(ctx context.Context, ev protocol.Event) (protocol.CollectorResponse, error) {
	resp, err := c.transport.Post(ctx, ev)
	if err != nil {
		c.metrics.DeliveryAttempt("error")
		return resp, err
	}
	c.metrics.DeliveryAttempt("ok")
	c.record(ActionSent, ev, map[string]any{"status": resp.Status, "event_id": resp.EventID, "source": "outbox"})
	return resp, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
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
