// Package sweeper re-delivers outboxed events on a fixed interval.
package sweeper

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"

	"github.com/bridge25/unmanned-manager/internal/events"
	"github.com/bridge25/unmanned-manager/internal/outbox"
)

const jobName = "outbox-sweep"

// Sweeper runs outbox sweeps in the background. Runs never overlap; a run
// that is still going when the next is due pushes the schedule back.
type Sweeper struct {
	store    OutboxService
	sender   outbox.Sender
	interval time.Duration
	events   *events.Hub
	logger   *slog.Logger

	mu    sync.Mutex
	sched gocron.Scheduler
}

// New creates a sweeper. It does nothing until Start.
func New(store OutboxService, sender outbox.Sender, interval time.Duration, hub *events.Hub, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{
		store:    store,
		sender:   sender,
		interval: interval,
		events:   hub,
		logger:   logger.With("component", "sweeper"),
	}
}

// Start schedules sweeps every interval, the first one immediately. Sweeps
// use ctx; cancelling it aborts a sweep in progress but does not stop the
// schedule, use Stop for that.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sched != nil {
		return fmt.Errorf("sweeper already started")
	}

	sched, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("failed to create gocron scheduler: %w", err)
	}
	_, err = sched.NewJob(
		gocron.DurationJob(s.interval),
		gocron.NewTask(func() {
			if ctx.Err() != nil {
				return
			}
			_, _ = s.RunOnce(ctx)
		}),
		gocron.WithName(jobName),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithStartAt(gocron.WithStartImmediately()),
	)
	if err != nil {
		_ = sched.Shutdown()
		return fmt.Errorf("failed to schedule outbox sweep: %w", err)
	}

	sched.Start()
	s.sched = sched
	s.logger.Info("sweeper started", "interval", s.interval)
	return nil
}

// Stop cancels the schedule and waits for a running sweep to finish.
func (s *Sweeper) Stop() error {
	s.mu.Lock()
	sched := s.sched
	s.sched = nil
	s.mu.Unlock()

	if sched == nil {
		return nil
	}
	if err := sched.Shutdown(); err != nil {
		return fmt.Errorf("failed to shut down gocron scheduler: %w", err)
	}
	s.logger.Info("sweeper stopped")
	return nil
}

// RunOnce performs one sweep and reports it.
func (s *Sweeper) RunOnce(ctx context.Context) (outbox.Stats, error) {
	stats, err := s.store.Sweep(ctx, s.sender)
	if err != nil {
		s.logger.Error("outbox sweep failed", "error", err)
		return stats, err
	}

	if stats.Total() == 0 {
		s.logger.Debug("outbox sweep found nothing to do")
		return stats, nil
	}

	pending, perr := s.store.Pending()
	if perr != nil {
		s.logger.Warn("failed to count pending entries", "error", perr)
	}
	s.logger.Info("outbox sweep finished",
		"success", stats.Success,
		"failed", stats.Failed,
		"skipped", stats.Skipped,
		"corrupt", stats.Corrupt,
		"pending", len(pending),
	)
	s.events.Publish(events.OutboxSwept, map[string]any{
		"success": stats.Success,
		"failed":  stats.Failed,
		"skipped": stats.Skipped,
		"corrupt": stats.Corrupt,
		"pending": len(pending),
	})
	return stats, nil
}
