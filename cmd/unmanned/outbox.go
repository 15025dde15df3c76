package main

import (
	"fmt"
	"path/filepath"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/bridge25/unmanned-manager/internal/log"
	"github.com/bridge25/unmanned-manager/internal/outbox"
	"github.com/bridge25/unmanned-manager/internal/sweeper"
)

func newOutboxCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "outbox",
		Short: "Inspect and re-send undelivered events",
	}
	cmd.AddCommand(newOutboxStatusCmd(g), newOutboxSweepCmd(g))
	return cmd
}

type outboxEntryView struct {
	File       string `json:"file"`
	TaskID     string `json:"task_id,omitempty"`
	EventType  string `json:"event_type,omitempty"`
	RetryCount int    `json:"retry_count"`
	LastError  string `json:"last_error,omitempty"`
}

type outboxStatus struct {
	Root    string            `json:"root"`
	Pending []outboxEntryView `json:"pending"`
	Failed  []outboxEntryView `json:"failed"`
}

func newOutboxStatusCmd(g *globals) *cobra.Command {
	var (
		jsonOut bool
		verbose bool
	)
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Count pending and failed outbox entries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if _, err := g.load(); err != nil {
				return err
			}
			ob := g.outbox()
			pending, err := ob.Pending()
			if err != nil {
				return err
			}
			failed, err := ob.Failed()
			if err != nil {
				return err
			}
			st := outboxStatus{Root: ob.Root(), Pending: describeEntries(ob, pending), Failed: describeEntries(ob, failed)}

			out := cmd.OutOrStdout()
			if jsonOut {
				return writeJSON(out, st)
			}
			fmt.Fprintf(out, "Outbox %s: %d pending, %d failed\n", st.Root, len(st.Pending), len(st.Failed))
			if !verbose {
				return nil
			}
			tw := tabwriter.NewWriter(out, 0, 2, 2, ' ', 0)
			fmt.Fprintln(tw, "STATE\tFILE\tTASK\tEVENT\tRETRIES\tLAST ERROR")
			for _, group := range []struct {
				state   string
				entries []outboxEntryView
			}{{"pending", st.Pending}, {"failed", st.Failed}} {
				for _, e := range group.entries {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\n", group.state, e.File, e.TaskID, e.EventType, e.RetryCount, truncate(e.LastError, 50))
				}
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Output as JSON")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "List every entry")
	return cmd
}

func describeEntries(ob *outbox.Store, paths []string) []outboxEntryView {
	views := make([]outboxEntryView, 0, len(paths))
	for _, p := range paths {
		v := outboxEntryView{File: filepath.Base(p)}
		if e, err := ob.Load(p); err == nil {
			v.TaskID = e.Event.TaskID
			v.EventType = string(e.Event.EventType)
			v.RetryCount = e.RetryCount
			v.LastError = e.LastError
			if v.LastError == "" {
				v.LastError = e.Error
			}
		} else {
			v.LastError = err.Error()
		}
		views = append(views, v)
	}
	return views
}

func newOutboxSweepCmd(g *globals) *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Re-send pending outbox entries once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if _, err := g.load(); err != nil {
				return err
			}
			ctx, stop := signalContext(cmd.Context())
			defer stop()

			ob := g.outbox()
			s := sweeper.New(ob, g.deliveryClient(ob), 0, nil, log.WithComponent("sweeper"))
			stats, err := s.RunOnce(ctx)
			if err != nil {
				return err
			}
			pending, err := ob.Pending()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if jsonOut {
				return writeJSON(out, map[string]any{"stats": stats, "pending": len(pending)})
			}
			fmt.Fprintf(out, "Swept %d: %d delivered, %d failed, %d gave up, %d corrupt; %d still pending\n",
				stats.Total(), stats.Success, stats.Failed, stats.Skipped, stats.Corrupt, len(pending))
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Output as JSON")
	return cmd
}
