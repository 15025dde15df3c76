package main

import (
	"database/sql"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/bridge25/unmanned-manager/internal/collector"
	"github.com/bridge25/unmanned-manager/internal/config"
	"github.com/bridge25/unmanned-manager/internal/events"
	"github.com/bridge25/unmanned-manager/internal/log"
	"github.com/bridge25/unmanned-manager/internal/metrics"
	"github.com/bridge25/unmanned-manager/internal/storage"
)

func newCollectorCmd(g *globals) *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "collector",
		Short: "Run the event collector API",
		Long: `Accepts lifecycle events on POST /jarvis/events, deduplicating by
idempotency key, lists them on GET /jarvis/events and streams live
activity on GET /jarvis/stream.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := g.load()
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.Collector.Listen = listen
			}
			ctx, stop := signalContext(cmd.Context())
			defer stop()

			db, err := storage.OpenSQLite(ctx, cfg.Collector.DBPath)
			if err != nil {
				return fmt.Errorf("open collector database: %w", err)
			}
			defer db.Close()

			srv, err := newCollectorServer(cfg, db, events.NewHub(256))
			if err != nil {
				return err
			}
			return ignoreCancel(srv.Start(ctx))
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "Listen address (default: collector.listen)")
	return cmd
}

func newCollectorServer(cfg *config.Config, db *sql.DB, hub *events.Hub) (*collector.Server, error) {
	store, err := collector.NewStore(db, cfg.Collector.DedupeCacheSize)
	if err != nil {
		return nil, fmt.Errorf("collector store: %w", err)
	}
	return collector.New(collector.Config{
		Listen: cfg.Collector.Listen,
		APIKey: cfg.Collector.APIKey,
	}, store, hub, metrics.Default(), prometheus.DefaultGatherer, log.WithComponent("collector")), nil
}
