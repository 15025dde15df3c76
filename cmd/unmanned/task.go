package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/bridge25/unmanned-manager/internal/dispatch"
	"github.com/bridge25/unmanned-manager/internal/mailbox"
	"github.com/bridge25/unmanned-manager/internal/protocol"
)

func newTaskCmd(g *globals) *cobra.Command {
	var mailboxDir string
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Work with the file mailbox",
		Long: `Queue tasks for the serve runner, and the worker-side hooks that pick up
the next task and report its result.

Examples:
  unmanned task enqueue alpha "update the changelog"
  unmanned task next            # worker hook: claim and print the next task
  unmanned task complete --result "changelog updated"
  unmanned task fail --error "tests are red"`,
	}
	cmd.PersistentFlags().StringVar(&mailboxDir, "mailbox", "", "Mailbox directory (default: mailbox.dir)")

	open := func() (*mailbox.Mailbox, error) {
		if _, err := g.load(); err != nil {
			return nil, err
		}
		if mailboxDir != "" {
			return mailbox.New(mailboxDir), nil
		}
		return g.mailbox(), nil
	}

	cmd.AddCommand(
		newTaskEnqueueCmd(open),
		newTaskListCmd(open),
		newTaskNextCmd(open),
		newTaskFinishCmd(open, true),
		newTaskFinishCmd(open, false),
		newTaskStatusCmd(open),
	)
	return cmd
}

type mailboxOpener func() (*mailbox.Mailbox, error)

func newTaskEnqueueCmd(open mailboxOpener) *cobra.Command {
	var (
		taskID   string
		timeout  time.Duration
		priority string
		metadata []string
	)
	cmd := &cobra.Command{
		Use:   "enqueue <project> <instruction...>",
		Short: "Queue a task for the runner",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			mb, err := open()
			if err != nil {
				return err
			}
			if taskID == "" {
				taskID = dispatch.NewTaskID()
			}
			meta, err := parseMetadata(metadata)
			if err != nil {
				return err
			}
			t, err := mb.Enqueue(protocol.TaskDescriptor{
				TaskID:      taskID,
				Project:     args[0],
				Instruction: strings.Join(args[1:], " "),
				Timeout:     int(timeout / time.Second),
				Priority:    priority,
				Metadata:    meta,
			})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), t.TaskID)
			return nil
		},
	}
	cmd.Flags().StringVar(&taskID, "task-id", "", "Task ID (default: generated)")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Result timeout, whole seconds")
	cmd.Flags().StringVar(&priority, "priority", "", "Priority label")
	cmd.Flags().StringArrayVar(&metadata, "meta", nil, "Metadata as key=value (repeatable)")
	return cmd
}

func parseMetadata(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]any, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return nil, fmt.Errorf("metadata %q is not key=value", p)
		}
		out[strings.TrimSpace(k)] = v
	}
	return out, nil
}

func newTaskListCmd(open mailboxOpener) *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the current task and pending tasks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			mb, err := open()
			if err != nil {
				return err
			}
			current, err := mb.Current()
			if err != nil {
				return err
			}
			pending, err := mb.Pending()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if jsonOut {
				type row struct {
					Path  string                   `json:"path"`
					Task  *protocol.TaskDescriptor `json:"task,omitempty"`
					Error string                   `json:"error,omitempty"`
				}
				rows := make([]row, 0, len(pending))
				for _, p := range pending {
					r := row{Path: p.Path}
					if p.Err != nil {
						r.Error = p.Err.Error()
					} else {
						task := p.Task
						r.Task = &task
					}
					rows = append(rows, r)
				}
				return writeJSON(out, map[string]any{"current": current, "pending": rows})
			}

			if current != nil {
				fmt.Fprintf(out, "Current: %s (%s) since %s\n", current.TaskID, current.Project, current.StartedAt.Format(time.RFC3339))
			}
			if len(pending) == 0 {
				fmt.Fprintln(out, "No pending tasks.")
				return nil
			}
			tw := tabwriter.NewWriter(out, 0, 2, 2, ' ', 0)
			fmt.Fprintln(tw, "TASK\tPROJECT\tPRIORITY\tQUEUED\tINSTRUCTION")
			for _, p := range pending {
				if p.Err != nil {
					fmt.Fprintf(tw, "-\t-\t-\t%s\t%v\n", p.ModTime.Format(time.RFC3339), p.Err)
					continue
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", p.Task.TaskID, p.Task.Project, p.Task.Priority,
					p.ModTime.Format(time.RFC3339), truncate(p.Task.Instruction, 60))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Output as JSON")
	return cmd
}

func newTaskNextCmd(open mailboxOpener) *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "next",
		Short: "Claim the next pending task and print it (worker hook)",
		Long: `Prints a reminder when a task is already in progress. Otherwise claims the
oldest pending task, records it as the current task and prints its context.
Prints nothing when there is no work.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			mb, err := open()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			current, err := mb.Current()
			if err != nil {
				return err
			}
			if current != nil {
				fmt.Fprintf(out, "[unmanned] task in progress: %s\n", current.TaskID)
				return nil
			}

			for {
				task, err := mb.Claim()
				if err != nil || task == nil {
					return err
				}
				if _, err := mb.SaveCurrent(*task); err != nil {
					return err
				}
				if err := mb.CommitClaim(task.TaskID); err != nil {
					_ = mb.ClearCurrent()
					if errors.Is(err, mailbox.ErrAlreadyClaimed) {
						continue
					}
					return err
				}
				if jsonOut {
					return writeJSON(out, task)
				}
				writeTaskContext(out, *task)
				return nil
			}
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Print the task descriptor as JSON")
	return cmd
}

func writeTaskContext(w io.Writer, t protocol.TaskDescriptor) {
	fmt.Fprintln(w, "[Orchestrator task]")
	fmt.Fprintln(w)
	fmt.Fprintf(w, "Task ID:  %s\n", t.TaskID)
	fmt.Fprintf(w, "Project:  %s\n", t.Project)
	fmt.Fprintf(w, "Timeout:  %ds\n", t.Timeout)
	fmt.Fprintf(w, "Priority: %s\n", t.Priority)
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Instruction:")
	fmt.Fprintln(w, "```")
	fmt.Fprintln(w, t.Instruction)
	fmt.Fprintln(w, "```")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "When done run `unmanned task complete --result ...`, or `unmanned task fail --error ...` if it cannot be done.")
	if len(t.Metadata) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "Metadata:")
		for k, v := range t.Metadata {
			fmt.Fprintf(w, "  - %s: %v\n", k, v)
		}
	}
}

// newTaskFinishCmd builds "complete" (success) or "fail".
func newTaskFinishCmd(open mailboxOpener, success bool) *cobra.Command {
	var (
		taskID  string
		text    string
		asJSON  bool
		message string
	)
	use, short := "fail", "Publish a failure for the current task and clear it"
	if success {
		use, short = "complete", "Publish the result of the current task and clear it"
	}
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			mb, err := open()
			if err != nil {
				return err
			}
			current, err := mb.Current()
			if err != nil && !errors.Is(err, mailbox.ErrMalformed) {
				return err
			}
			id := taskID
			if id == "" {
				if current == nil {
					return errors.New("no current task; pass --task-id")
				}
				id = current.TaskID
			}

			res := protocol.ResultDescriptor{TaskID: id, CompletedAt: time.Now().UTC()}
			if current != nil && current.TaskID == id && !current.StartedAt.IsZero() {
				res.DurationSeconds = time.Since(current.StartedAt).Seconds()
			}
			if success {
				res.Status = protocol.StatusCompleted
				if res.Result, err = resultPayload(text, asJSON); err != nil {
					return err
				}
			} else {
				res.Status = protocol.StatusFailed
				res.Error = message
				if res.Error == "" {
					res.Error = "failed without a reason"
				}
			}

			path, err := mb.PublishResult(res)
			if err != nil {
				return err
			}
			if current != nil && current.TaskID == id {
				if err := mb.ClearCurrent(); err != nil {
					return err
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "[%s] %s -> %s\n", res.Status, id, path)
			return nil
		},
	}
	cmd.Flags().StringVar(&taskID, "task-id", "", "Task ID (default: the current task)")
	if success {
		cmd.Flags().StringVar(&text, "result", "", "Result text")
		cmd.Flags().BoolVar(&asJSON, "json-result", false, "Treat --result as a JSON value")
	} else {
		cmd.Flags().StringVar(&message, "error", "", "Why the task failed")
	}
	return cmd
}

func resultPayload(text string, asJSON bool) (json.RawMessage, error) {
	if asJSON {
		if !json.Valid([]byte(text)) {
			return nil, errors.New("--result is not valid JSON")
		}
		return json.RawMessage(text), nil
	}
	data, err := json.Marshal(text)
	if err != nil {
		return nil, err
	}
	return data, nil
}

func newTaskStatusCmd(open mailboxOpener) *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "status <task-id>",
		Short: "Show whether a task is pending, current or finished",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mb, err := open()
			if err != nil {
				return err
			}
			st, err := lookupTask(mb, args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if jsonOut {
				return writeJSON(out, st)
			}
			fmt.Fprintf(out, "%s: %s\n", st.TaskID, st.State)
			if st.Result != nil {
				if st.Result.Error != "" {
					fmt.Fprintf(out, "Error: %s\n", st.Result.Error)
				}
				if text := st.Result.ResultText(); text != "" {
					fmt.Fprintln(out, text)
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Output as JSON")
	return cmd
}

type taskState struct {
	TaskID string                     `json:"task_id"`
	State  string                     `json:"state"`
	Result *protocol.ResultDescriptor `json:"result,omitempty"`
}

// lookupTask prefers a published result over the current marker, and the
// marker over a pending file.
func lookupTask(mb *mailbox.Mailbox, id string) (taskState, error) {
	st := taskState{TaskID: id, State: "unknown"}
	res, err := mb.ReadResult(id)
	if err != nil && !errors.Is(err, mailbox.ErrMalformed) {
		return st, err
	}
	if res != nil {
		st.State, st.Result = string(res.Status), res
		return st, nil
	}
	if current, err := mb.Current(); err == nil && current != nil && current.TaskID == id {
		st.State = "running"
		return st, nil
	}
	pending, err := mb.Pending()
	if err != nil {
		return st, err
	}
	for _, p := range pending {
		if p.Err == nil && p.Task.TaskID == id {
			st.State = "pending"
			break
		}
	}
	return st, nil
}

func truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
