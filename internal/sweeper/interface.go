package sweeper

import (
	"context"

	"github.com/bridge25/unmanned-manager/internal/outbox"
)

//go:generate mockgen -destination=mocks/mock_outbox.go -package=mocks github.com/bridge25/unmanned-manager/internal/sweeper OutboxService

// OutboxService is the part of the outbox store the sweeper drives.
type OutboxService interface {
	Sweep(ctx context.Context, sender outbox.Sender) (outbox.Stats, error)
	Pending() ([]string, error)
}
