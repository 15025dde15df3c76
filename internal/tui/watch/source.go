package watch

import (
	"context"
	"fmt"
	"time"

	"github.com/bridge25/unmanned-manager/internal/history"
	"github.com/bridge25/unmanned-manager/internal/mailbox"
	"github.com/bridge25/unmanned-manager/internal/outbox"
	"github.com/bridge25/unmanned-manager/internal/protocol"
)

// Snapshot is everything the dashboard renders from local state.
type Snapshot struct {
	Current       *protocol.CurrentTask
	Pending       []mailbox.PendingTask
	Results       []protocol.ResultDescriptor
	OutboxPending int
	OutboxFailed  int
	Recent        []history.Entry
	TakenAt       time.Time
}

// Source produces snapshots.
type Source interface {
	Snapshot(ctx context.Context) (Snapshot, error)
}

// LocalSource reads the mailbox, the outbox and the dispatch history
// directly. Outbox and History may be nil.
type LocalSource struct {
	Mailbox *mailbox.Mailbox
	Outbox  *outbox.Store
	History *history.Store
	Limit   int
}

func (s LocalSource) Snapshot(ctx context.Context) (Snapshot, error) {
	limit := s.Limit
	if limit <= 0 {
		limit = 10
	}
	snap := Snapshot{TakenAt: time.Now()}

	var err error
	if snap.Current, err = s.Mailbox.Current(); err != nil {
		return snap, fmt.Errorf("current task: %w", err)
	}
	if snap.Pending, err = s.Mailbox.Pending(); err != nil {
		return snap, fmt.Errorf("pending tasks: %w", err)
	}
	results, err := s.Mailbox.Results()
	if err != nil {
		return snap, fmt.Errorf("results: %w", err)
	}
	if len(results) > limit {
		results = results[:limit]
	}
	snap.Results = results

	if s.Outbox != nil {
		pending, err := s.Outbox.Pending()
		if err != nil {
			return snap, fmt.Errorf("outbox pending: %w", err)
		}
		failed, err := s.Outbox.Failed()
		if err != nil {
			return snap, fmt.Errorf("outbox failed: %w", err)
		}
		snap.OutboxPending, snap.OutboxFailed = len(pending), len(failed)
	}

	if s.History != nil {
		if snap.Recent, err = s.History.Recent(ctx, limit); err != nil {
			return snap, fmt.Errorf("history: %w", err)
		}
	}
	return snap, nil
}
