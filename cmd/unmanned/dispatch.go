package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/bridge25/unmanned-manager/internal/dispatch"
	"github.com/bridge25/unmanned-manager/internal/events"
	"github.com/bridge25/unmanned-manager/internal/log"
	"github.com/bridge25/unmanned-manager/internal/protocol"
)

type dispatchFlags struct {
	taskID      string
	timeout     time.Duration
	prior       string
	priorFile   string
	async       bool
	noHistory   bool
	jsonOut     bool
	quietEvents bool
}

func newDispatchCmd(g *globals) *cobra.Command {
	var f dispatchFlags
	cmd := &cobra.Command{
		Use:   "dispatch <project> <instruction...>",
		Short: "Send an instruction to a project's session and wait for its result",
		Long: `Types the instruction into the project's worker session together with
instructions for reporting the result, then polls the project mailbox until
the result file appears or the timeout passes. Routine confirmation prompts
are answered automatically while waiting.

Examples:
  unmanned dispatch alpha "run the test suite and summarize failures"
  unmanned dispatch a --timeout 10m --context-file notes.md "continue the refactor"
  unmanned dispatch alpha --async "regenerate the docs"`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDispatch(cmd, g, f, args[0], strings.Join(args[1:], " "))
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&f.taskID, "task-id", "", "Task ID (default: generated)")
	fl.DurationVar(&f.timeout, "timeout", 0, "How long to wait for the result (default: dispatch.default_timeout)")
	fl.StringVar(&f.prior, "context", "", "Earlier conversation to prepend to the instruction")
	fl.StringVar(&f.priorFile, "context-file", "", "Read --context from a file")
	fl.BoolVar(&f.async, "async", false, "Return right after injection; collect the result later with 'unmanned wait'")
	fl.BoolVar(&f.noHistory, "no-history", false, "Do not record the outcome in the state database")
	fl.BoolVar(&f.jsonOut, "json", false, "Print the outcome as JSON")
	fl.BoolVarP(&f.quietEvents, "quiet", "q", false, "Do not print progress events")
	return cmd
}

func runDispatch(cmd *cobra.Command, g *globals, f dispatchFlags, project, instruction string) error {
	if _, err := g.load(); err != nil {
		return err
	}
	if f.priorFile != "" {
		data, err := os.ReadFile(f.priorFile)
		if err != nil {
			return fmt.Errorf("read context file: %w", err)
		}
		f.prior = string(data)
	}

	ctx, stop := signalContext(cmd.Context())
	defer stop()

	var db *sql.DB
	if !f.noHistory {
		var err error
		if db, err = g.openState(ctx); err != nil {
			log.WithComponent("cli").Warn("history disabled", "error", err)
		} else {
			defer db.Close()
		}
	}

	hub := events.NewHub(64)
	if !f.quietEvents {
		done := printProgress(hub, cmd.ErrOrStderr())
		defer done()
	}

	d, err := g.dispatcher(db, hub)
	if err != nil {
		return err
	}

	taskID := f.taskID
	if taskID == "" {
		taskID = dispatch.NewTaskID()
	}
	task := protocol.TaskDescriptor{
		TaskID:      taskID,
		Project:     project,
		Instruction: instruction,
		CreatedAt:   time.Now().UTC(),
	}
	var opts []dispatch.CallOption
	if f.timeout > 0 {
		opts = append(opts, dispatch.WithTimeout(f.timeout))
	}
	if f.prior != "" {
		opts = append(opts, dispatch.WithPriorContext(f.prior))
	}

	out := cmd.OutOrStdout()
	if f.async {
		ticket, err := d.Inject(ctx, task, opts...)
		if err != nil {
			return err
		}
		if f.jsonOut {
			return writeJSON(out, ticket)
		}
		fmt.Fprintf(out, "Dispatched %s to %s (session %s)\n", ticket.TaskID, ticket.Project, ticket.Session)
		fmt.Fprintf(out, "Result file: %s\n", ticket.ResultPath)
		fmt.Fprintf(out, "Collect with: unmanned wait %s %s\n", ticket.Project, ticket.TaskID)
		return nil
	}

	return reportOutcome(out, d.Dispatch(ctx, task, opts...), f.jsonOut)
}

func newWaitCmd(g *globals) *cobra.Command {
	var (
		timeout time.Duration
		jsonOut bool
		peek    bool
	)
	cmd := &cobra.Command{
		Use:   "wait <project> <task-id>",
		Short: "Wait for the result of a task dispatched with --async",
		Long: `Polls the project mailbox for the task's result, answering prompts like
'dispatch' does. The timeout counts from now. With --peek the result is
printed if present and nothing is waited for.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := g.load(); err != nil {
				return err
			}
			ctx, stop := signalContext(cmd.Context())
			defer stop()

			db, err := g.openState(ctx)
			if err != nil {
				log.WithComponent("cli").Warn("history disabled", "error", err)
				db = nil
			} else {
				defer db.Close()
			}
			hub := events.NewHub(64)
			done := printProgress(hub, cmd.ErrOrStderr())
			defer done()

			d, err := g.dispatcher(db, hub)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if peek {
				res, err := d.ResultFor(args[0], args[1])
				if err != nil {
					return err
				}
				if res == nil {
					return fmt.Errorf("no result for %s yet", args[1])
				}
				if jsonOut {
					return writeJSON(out, res)
				}
				fmt.Fprintln(out, res.ResultText())
				return nil
			}

			ticket, err := d.TicketFor(args[0], args[1], timeout)
			if err != nil {
				return err
			}
			return reportOutcome(out, d.Wait(ctx, ticket), jsonOut)
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "How long to wait (default: dispatch.default_timeout)")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Print the outcome as JSON")
	cmd.Flags().BoolVar(&peek, "peek", false, "Print the result if present without waiting")
	return cmd
}

// errDispatchFailed is returned after the outcome has been printed.
var errDispatchFailed = errors.New("dispatch did not succeed")

func reportOutcome(w io.Writer, o dispatch.Outcome, jsonOut bool) error {
	if jsonOut {
		if err := writeJSON(w, o); err != nil {
			return err
		}
	} else {
		writeOutcome(w, o)
	}
	if !o.Success {
		if o.Err != nil {
			return fmt.Errorf("%w: %v", errDispatchFailed, o.Err)
		}
		return fmt.Errorf("%w: %s", errDispatchFailed, o.Status)
	}
	return nil
}

func writeOutcome(w io.Writer, o dispatch.Outcome) {
	fmt.Fprintf(w, "[%s] %s -> %s (%s)\n", o.Status, o.TaskID, o.Project, o.Duration.Round(time.Second))
	if o.AutoResponds > 0 {
		fmt.Fprintf(w, "Answered %d prompt(s)\n", o.AutoResponds)
	}
	if o.Error != "" {
		fmt.Fprintf(w, "Error: %s\n", o.Error)
	}
	if o.Result != nil {
		if text := o.Result.ResultText(); text != "" {
			fmt.Fprintln(w, strings.Repeat("-", 60))
			fmt.Fprintln(w, text)
			fmt.Fprintln(w, strings.Repeat("-", 60))
		}
	}
}

// printProgress writes hub events as one-line progress notes until the
// returned function is called.
func printProgress(hub *events.Hub, w io.Writer) func() {
	ch, cancel := hub.Subscribe()
	ctx, stop := context.WithCancel(context.Background())
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-ch:
				if !ok {
					return
				}
				fmt.Fprintf(w, "%s %s %s\n", ev.At.Format("15:04:05"), ev.Type, progressDetail(ev))
			}
		}
	}()
	return func() {
		stop()
		cancel()
		<-finished
	}
}

func progressDetail(ev events.Event) string {
	var data map[string]any
	if err := json.Unmarshal(ev.Data, &data); err != nil {
		return ""
	}
	var parts []string
	for _, k := range []string{"task_id", "session", "rule", "status"} {
		if v, ok := data[k].(string); ok && v != "" {
			parts = append(parts, k+"="+v)
		}
	}
	return strings.Join(parts, " ")
}
