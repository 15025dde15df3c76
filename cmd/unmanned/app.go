package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/bridge25/unmanned-manager/internal/config"
	"github.com/bridge25/unmanned-manager/internal/delivery"
	"github.com/bridge25/unmanned-manager/internal/dispatch"
	"github.com/bridge25/unmanned-manager/internal/events"
	"github.com/bridge25/unmanned-manager/internal/history"
	"github.com/bridge25/unmanned-manager/internal/log"
	"github.com/bridge25/unmanned-manager/internal/mailbox"
	"github.com/bridge25/unmanned-manager/internal/metrics"
	"github.com/bridge25/unmanned-manager/internal/outbox"
	"github.com/bridge25/unmanned-manager/internal/prompt"
	"github.com/bridge25/unmanned-manager/internal/session"
	"github.com/bridge25/unmanned-manager/internal/storage"
)

// globals is shared by every command of one invocation.
type globals struct {
	configPath string
	cfg        *config.Config
}

// load resolves and loads the config once. Without an explicit path and with
// nothing discovered, defaults plus environment overrides are used.
func (g *globals) load() (*config.Config, error) {
	if g.cfg != nil {
		return g.cfg, nil
	}
	path := g.configPath
	if path == "" {
		if discovered, err := config.DiscoverConfigPath(); err == nil {
			path = discovered
		} else if os.Getenv(config.EnvConfig) != "" {
			return nil, err
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	log.SetupWriter(os.Stderr, cfg.Service.LogLevel, cfg.Service.LogFormat)
	g.cfg = cfg
	return cfg, nil
}

func (g *globals) mailbox() *mailbox.Mailbox {
	return mailbox.New(g.cfg.Mailbox.Dir)
}

func (g *globals) outbox() *outbox.Store {
	return outbox.New(g.cfg.Delivery.OutboxPath, g.cfg.Delivery.MaxRetries, outbox.WithMetrics(metrics.Default()))
}

func (g *globals) deliveryClient(ob *outbox.Store) *delivery.Client {
	dc := g.cfg.Delivery
	opts := []delivery.Option{delivery.WithMetrics(metrics.Default())}
	if dc.LogPath != "" {
		opts = append(opts, delivery.WithAuditLog(delivery.NewAuditLog(dc.LogPath)))
	}
	return delivery.NewClient(dc, delivery.NewHTTPTransport(dc.APIBaseURL, dc.APIKey, dc.Timeout), ob, opts...)
}

func (g *globals) host() *session.TmuxHost {
	return session.NewTmuxHost(g.cfg.Dispatch.TmuxCommandTimeout)
}

func (g *globals) registry() *session.Registry {
	return session.NewRegistry(g.host(), g.cfg.Projects)
}

func (g *globals) openState(ctx context.Context) (*sql.DB, error) {
	db, err := storage.OpenSQLite(ctx, g.cfg.State.Path)
	if err != nil {
		return nil, fmt.Errorf("open state database %s: %w", g.cfg.State.Path, err)
	}
	return db, nil
}

// dispatcher wires a Dispatcher that records history in db when it is set.
func (g *globals) dispatcher(db *sql.DB, hub *events.Hub) (*dispatch.Dispatcher, error) {
	rules, err := prompt.FromConfig(g.cfg.Prompts)
	if err != nil {
		return nil, fmt.Errorf("prompt rules: %w", err)
	}
	opts := []dispatch.Option{dispatch.WithHub(hub), dispatch.WithMetrics(metrics.Default())}
	if db != nil {
		opts = append(opts, dispatch.WithHistory(history.NewStore(db)))
	}
	return dispatch.New(g.registry(), rules, dispatch.OptionsFromConfig(g.cfg), opts...), nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}
