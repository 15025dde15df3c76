package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/bridge25/unmanned-manager/internal/config"
	"github.com/bridge25/unmanned-manager/internal/doctor"
)

var errInvalidConfig = errors.New("configuration invalid")

func newDoctorCmd(g *globals) *cobra.Command {
	var (
		jsonOut bool
		offline bool
	)
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check configuration, session host and outbox backlog",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := g.load()
			if err != nil {
				return err
			}
			var opts []doctor.Option
			if !offline {
				opts = append(opts, doctor.WithHost(g.host()), doctor.WithBacklog(g.outbox()))
			}
			return printValidation(cmd, doctor.New(cfg, opts...).Validate(), jsonOut)
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Output as JSON")
	cmd.Flags().BoolVar(&offline, "offline", false, "Skip the session host and outbox checks")
	return cmd
}

func printValidation(cmd *cobra.Command, r *doctor.Result, jsonOut bool) error {
	out := cmd.OutOrStdout()
	if jsonOut {
		text, err := doctor.FormatJSON(r)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, text)
	} else {
		fmt.Fprint(out, doctor.FormatHuman(r))
	}
	if !r.Valid {
		return errInvalidConfig
	}
	return nil
}

func newConfigCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Validate and lock configuration",
	}
	cmd.AddCommand(newConfigCheckCmd(g), newConfigLockCmd(g), newConfigShowCmd(g))
	return cmd
}

func newConfigCheckCmd(g *globals) *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Validate the configuration without touching the environment",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := g.load()
			if err != nil {
				return err
			}
			return printValidation(cmd, doctor.New(cfg).Validate(), jsonOut)
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Output as JSON")
	return cmd
}

func newConfigLockCmd(g *globals) *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "lock",
		Short: "Record BLAKE3 checksums of the config and its includes",
		Long: `Writes a checksum manifest next to the config file. Once it exists, the
config refuses to load if any locked file changes. Re-run after editing.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := g.configPath
			if path == "" {
				discovered, err := config.DiscoverConfigPath()
				if err != nil {
					return err
				}
				path = discovered
			}
			report, err := config.Lock(path, dryRun)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, f := range report.Files {
				fmt.Fprintf(out, "  %s  %s\n", f.Hash, f.Filename)
			}
			if report.Written {
				fmt.Fprintf(out, "Wrote %s\n", report.ChecksumPath)
			} else {
				fmt.Fprintf(out, "Dry run: %s not written\n", report.ChecksumPath)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Print hashes without writing the manifest")
	return cmd
}

func newConfigShowCmd(g *globals) *cobra.Command {
	var showSecrets bool
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := g.load()
			if err != nil {
				return err
			}
			view := *cfg
			if !showSecrets {
				view.Delivery.APIKey = redact(view.Delivery.APIKey)
				view.Collector.APIKey = redact(view.Collector.APIKey)
			}
			data, err := yaml.Marshal(&view)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
	cmd.Flags().BoolVar(&showSecrets, "show-secrets", false, "Do not redact API keys")
	return cmd
}

func redact(s string) string {
	if s == "" {
		return ""
	}
	return "********"
}
