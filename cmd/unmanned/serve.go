package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/bridge25/unmanned-manager/internal/config"
	"github.com/bridge25/unmanned-manager/internal/dispatch"
	"github.com/bridge25/unmanned-manager/internal/events"
	"github.com/bridge25/unmanned-manager/internal/lock"
	"github.com/bridge25/unmanned-manager/internal/log"
	"github.com/bridge25/unmanned-manager/internal/metrics"
	"github.com/bridge25/unmanned-manager/internal/storage"
	"github.com/bridge25/unmanned-manager/internal/sweeper"
)

func newServeCmd(g *globals) *cobra.Command {
	var withCollector bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the mailbox runner and the outbox sweeper",
		Long: `Runs until interrupted:
  - the runner, which takes tasks from the central mailbox one at a time,
    dispatches them and reports their lifecycle to the collector
  - the sweeper, which re-sends outboxed events every delivery.sweep_interval
  - the metrics listener, when metrics.enabled is set
  - an embedded collector, with --with-collector

Only one serve process may own a state directory.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := g.load()
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), g, cfg, withCollector)
		},
	}
	cmd.Flags().BoolVar(&withCollector, "with-collector", false, "Also serve the collector API on collector.listen")
	return cmd
}

func pidLockPath(cfg *config.Config) string {
	base := filepath.Base(cfg.State.Path)
	return filepath.Join(filepath.Dir(cfg.State.Path), strings.TrimSuffix(base, filepath.Ext(base))+".pid")
}

func runServe(parent context.Context, g *globals, cfg *config.Config, withCollector bool) error {
	logger := log.WithComponent("main")
	logger.Info("unmanned starting", "version", version, "config", cfg.SourcePath)

	pidPath := pidLockPath(cfg)
	pidLock, err := lock.AcquirePIDLock(pidPath)
	if err != nil {
		return fmt.Errorf("acquire PID lock %s (another instance may be running): %w", pidPath, err)
	}
	defer pidLock.Release()
	logger.Info("acquired PID lock", "path", pidPath)

	ctx, stop := signalContext(parent)
	defer stop()

	db, err := g.openState(ctx)
	if err != nil {
		return err
	}
	defer db.Close()
	logger.Info("database opened", "path", cfg.State.Path)

	hub := events.NewHub(256)
	d, err := g.dispatcher(db, hub)
	if err != nil {
		return err
	}
	ob := g.outbox()
	client := g.deliveryClient(ob)

	runner := dispatch.NewRunner(g.mailbox(), d, client, dispatch.RunnerOptions{
		Interval: cfg.Dispatch.RunnerInterval,
		ActorID:  cfg.Service.ActorID,
		Hub:      hub,
	})
	sw := sweeper.New(ob, client, cfg.Delivery.SweepInterval, hub, log.WithComponent("sweeper"))

	eg, ctx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		return ignoreCancel(runner.Start(ctx))
	})

	if cfg.Delivery.SweepInterval > 0 {
		if err := sw.Start(ctx); err != nil {
			return fmt.Errorf("sweeper: %w", err)
		}
		eg.Go(func() error {
			<-ctx.Done()
			return sw.Stop()
		})
	}

	if cfg.Metrics.Enabled {
		eg.Go(func() error {
			return ignoreCancel(serveMetrics(ctx, cfg.Metrics.Listen, log.WithComponent("metrics")))
		})
	}

	if withCollector {
		cdb, err := storage.OpenSQLite(ctx, cfg.Collector.DBPath)
		if err != nil {
			return fmt.Errorf("open collector database: %w", err)
		}
		defer cdb.Close()
		srv, err := newCollectorServer(cfg, cdb, hub)
		if err != nil {
			return err
		}
		eg.Go(func() error {
			return ignoreCancel(srv.Start(ctx))
		})
	}

	logger.Info("unmanned running (press Ctrl+C to stop)",
		"mailbox", cfg.Mailbox.Dir, "sweep_interval", cfg.Delivery.SweepInterval,
		"metrics", cfg.Metrics.Enabled, "collector", withCollector)

	if err := eg.Wait(); err != nil {
		logger.Error("component failed", "error", err)
		return err
	}
	logger.Info("unmanned stopped")
	return nil
}

// serveMetrics exposes /metrics and /healthz until ctx is done.
func serveMetrics(ctx context.Context, listen string, logger *slog.Logger) error {
	r := chi.NewRouter()
	r.Handle("/metrics", metrics.Handler(prometheus.DefaultGatherer))
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	srv := &http.Server{Addr: listen, Handler: r, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	logger.Info("metrics listening", "listen", listen)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("metrics shutdown: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("metrics server: %w", err)
	}
}

func ignoreCancel(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}
