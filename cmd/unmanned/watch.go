package main

import (
	"fmt"
	"os"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/bridge25/unmanned-manager/internal/config"
	"github.com/bridge25/unmanned-manager/internal/history"
	"github.com/bridge25/unmanned-manager/internal/log"
	"github.com/bridge25/unmanned-manager/internal/tui/watch"
)

func newWatchCmd(g *globals) *cobra.Command {
	var (
		collectorURL string
		apiKey       string
		refresh      time.Duration
		limit        int
	)
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Live dashboard of the mailbox, outbox and recent dispatches",
		Long: `Shows the task in progress, pending tasks, results, the outbox backlog and
recent dispatch history, refreshed every --refresh. With --collector-url the
collector's health and event stream are shown as well.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := g.load()
			if err != nil {
				return err
			}
			if apiKey == "" {
				apiKey = cfg.Collector.APIKey
			}

			src := watch.LocalSource{Mailbox: g.mailbox(), Outbox: g.outbox(), Limit: limit}
			if _, statErr := os.Stat(cfg.State.Path); statErr == nil {
				db, err := g.openState(cmd.Context())
				if err != nil {
					return err
				}
				defer db.Close()
				src.History = history.NewStore(db)
			} else {
				log.WithComponent("watch").Debug("no state database; history hidden", "path", cfg.State.Path)
			}

			m := watch.New(watch.Options{
				Source:       src,
				Refresh:      refresh,
				CollectorURL: collectorURL,
				APIKey:       apiKey,
			})
			if _, err := tea.NewProgram(m).Run(); err != nil {
				return fmt.Errorf("TUI error: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&collectorURL, "collector-url", "", "Collector base URL for the live event stream")
	cmd.Flags().StringVar(&apiKey, "api-key", os.Getenv(config.EnvAPIKey), "Collector API key (default: collector.api_key)")
	cmd.Flags().DurationVar(&refresh, "refresh", 2*time.Second, "Local state refresh interval")
	cmd.Flags().IntVar(&limit, "limit", 10, "Results and history rows to show")
	return cmd
}
