// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/lookout/pkg/analyzer"
	"github.com/AleutianAI/lookout/services/lookout/config"
	"github.com/AleutianAI/lookout/services/lookout/examples"
)

const defaultConfigPath = "~/.config/lookout/analyzer.yaml"

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "lookout",
		Short:         "Host lookout analyzers",
		Long:          "lookout runs analyzers that train on pushes and comment on reviews.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Configuration file with option defaults.")

	// --- Run ---
	runCmd := &cobra.Command{
		Use:   "run [analyzer...]",
		Short: "Launch the service with the given analyzers (all built-ins if none)",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := config.Load(configPath, cmd.Flags())
			if err != nil {
				return err
			}
			if len(args) > 0 {
				s.Analyzers = args
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runService(ctx, s, cmd.ErrOrStderr())
		},
	}
	config.RegisterFlags(runCmd.Flags())

	// --- Init ---
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize the model repository",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := config.Load(configPath, cmd.Flags())
			if err != nil {
				return err
			}
			return initRepository(cmd.Context(), s, cmd.ErrOrStderr())
		},
	}
	config.RegisterFlags(initCmd.Flags())

	// --- List ---
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "Print the built-in analyzers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return listAnalyzers(cmd.OutOrStdout(), examples.Registry())
		},
	}

	// --- Config ---
	var force bool
	configCmd := &cobra.Command{
		Use:   "config [path]",
		Short: "Write the default configuration file",
		Long:  "Write the default configuration as YAML to path (default " + defaultConfigPath + "). Use - for stdout.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := defaultConfigPath
			if len(args) == 1 {
				path = args[0]
			}
			return writeConfig(cmd.OutOrStdout(), path, force)
		},
	}
	configCmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing file.")

	root.AddCommand(runCmd, initCmd, listCmd, configCmd)
	return root
}

// listAnalyzers prints name, version and description of each registration.
func listAnalyzers(w io.Writer, regs []analyzer.Registration) error {
	for i, reg := range regs {
		if i > 0 {
			if _, err := fmt.Fprintln(w); err != nil {
				return err
			}
		}
		id := reg.Identity()
		if _, err := fmt.Fprintf(w, "%s\n\t%d\n\t%s\n", id.Name, id.Version, analyzer.Describe(reg)); err != nil {
			return err
		}
	}
	return nil
}

// errConfigExists is returned by writeConfig when the file exists and
// force is false.
var errConfigExists = errors.New("config file already exists (use --force to overwrite)")

func writeConfig(stdout io.Writer, path string, force bool) error {
	if path == "-" {
		return config.Encode(stdout, config.Default())
	}
	if !force {
		if _, err := os.Stat(config.ExpandPath(path)); err == nil {
			return fmt.Errorf("%w: %s", errConfigExists, path)
		}
	}
	if err := config.WriteDefault(path); err != nil {
		return err
	}
	_, err := fmt.Fprintf(stdout, "Wrote %s\n", config.ExpandPath(path))
	return err
}
