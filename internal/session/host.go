package session

import (
	"context"
	"time"
)

//go:generate mockgen -destination=mocks/mock_host.go -package=mocks github.com/bridge25/unmanned-manager/internal/session Host

// Host is the interactive-session backend. Workers run inside its sessions;
// the only ways in are typed text and keys, the only way out is the screen.
type Host interface {
	// ListSessions returns the names of live sessions.
	ListSessions(ctx context.Context) ([]string, error)
	// NewSession starts a detached session named name in dir.
	NewSession(ctx context.Context, name, dir string) error
	// SendText types text literally, without pressing any key afterwards.
	SendText(ctx context.Context, target, text string) error
	// SendKey presses a named key such as "Enter" or "Escape".
	SendKey(ctx context.Context, target, key string) error
	// Capture returns the last lines of visible output with escape
	// sequences removed. It does not disturb the session.
	Capture(ctx context.Context, target string, lines int) (string, error)
}

// Activation is the key sequence that submits typed input, with a pause
// between keys. Some workers need Enter twice.
type Activation struct {
	Keys  []string
	Delay time.Duration
}

// Press sends the activation keys to target.
func (a Activation) Press(ctx context.Context, h Host, target string) error {
	for i, key := range a.Keys {
		if i > 0 && a.Delay > 0 {
			if err := sleep(ctx, a.Delay); err != nil {
				return err
			}
		}
		if err := h.SendKey(ctx, target, key); err != nil {
			return err
		}
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
