package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/bridge25/unmanned-manager/internal/session"
)

func newSessionCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Manage worker sessions",
	}
	cmd.AddCommand(newSessionListCmd(g), newSessionCreateCmd(g), newSessionCaptureCmd(g))
	return cmd
}

func newSessionListCmd(g *globals) *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List configured projects and whether their sessions are running",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if _, err := g.load(); err != nil {
				return err
			}
			handles, err := g.registry().List(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if jsonOut {
				return writeJSON(out, handles)
			}
			tw := tabwriter.NewWriter(out, 0, 2, 2, ' ', 0)
			fmt.Fprintln(tw, "PROJECT\tSESSION\tRUNNING\tDIR")
			for _, h := range handles {
				fmt.Fprintf(tw, "%s\t%s\t%t\t%s\n", h.Project, h.Session, h.Exists, h.Dir)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Output as JSON")
	return cmd
}

func newSessionCreateCmd(g *globals) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "create [project...]",
		Short: "Start sessions for projects that are not running",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.load()
			if err != nil {
				return err
			}
			if all {
				args = args[:0]
				for name := range cfg.Projects {
					args = append(args, name)
				}
			}
			if len(args) == 0 {
				return fmt.Errorf("name a project or pass --all")
			}

			reg := g.registry()
			out := cmd.OutOrStdout()
			var failed int
			for _, p := range args {
				h, created, err := reg.Create(cmd.Context(), p)
				switch {
				case err != nil:
					failed++
					fmt.Fprintf(out, "FAIL %s: %v\n", p, err)
				case created:
					fmt.Fprintf(out, "OK   %s: started %s\n", h.Project, h.Session)
				default:
					fmt.Fprintf(out, "OK   %s: %s already running\n", h.Project, h.Session)
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d session(s) could not be created", failed)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "Create sessions for every configured project")
	return cmd
}

func newSessionCaptureCmd(g *globals) *cobra.Command {
	var lines int
	cmd := &cobra.Command{
		Use:   "capture <project>",
		Short: "Print the visible output of a project's session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.load()
			if err != nil {
				return err
			}
			reg := g.registry()
			h, err := reg.Resolve(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if !h.Exists {
				return fmt.Errorf("%w: %s", session.ErrNoSession, h.Session)
			}
			if lines <= 0 {
				lines = cfg.Dispatch.CaptureLines
			}
			text, err := reg.Host().Capture(cmd.Context(), h.Session, lines)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), session.StripANSI(text))
			return nil
		},
	}
	cmd.Flags().IntVarP(&lines, "lines", "n", 0, "Lines of scrollback (default: dispatch.capture_lines)")
	return cmd
}
