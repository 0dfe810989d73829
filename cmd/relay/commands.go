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
	"fmt"
	"io"
	"log/slog"

	"github.com/AleutianAI/AleutianRelay/pkg/logging"
	"github.com/AleutianAI/AleutianRelay/services/relay"
	"github.com/AleutianAI/AleutianRelay/services/relay/config"
	"github.com/AleutianAI/AleutianRelay/services/relay/handlers"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
)

const defaultEnvFile = ".env"

// exitError carries a process exit status through cobra. Its message has
// already been printed.
type exitError struct {
	code int
}

func (e *exitError) Error() string {
	return fmt.Sprintf("exit status %d", e.code)
}

// cliFlags holds the values bound to persistent flags.
type cliFlags struct {
	configFile string
	envFile    string
	port       int
}

// newRootCmd builds the command tree.
//
// # Description
//
// The root command serves. check-env runs only the environment guard.
// lookupEnv is injected so tests never touch the process environment.
func newRootCmd(lookupEnv func(string) (string, bool)) *cobra.Command {
	flags := &cliFlags{}

	root := &cobra.Command{
		Use:           "relay",
		Short:         "Relay browser chat messages to a hosted assistant over SSE",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, flags, lookupEnv)
		},
	}

	root.PersistentFlags().StringVar(&flags.configFile, "config", "", "optional YAML config file")
	root.PersistentFlags().StringVar(&flags.envFile, "env-file", defaultEnvFile, "dotenv file to load; the default is skipped when absent")
	root.Flags().IntVar(&flags.port, "port", 0, "listen port, overrides PORT")

	root.AddCommand(&cobra.Command{
		Use:   "check-env",
		Short: "Verify that the required environment variables are set",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, flags, lookupEnv)
			if err != nil {
				return err
			}
			if err := guard(cfg, cmd.ErrOrStderr()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Environment OK")
			return nil
		},
	})

	return root
}

// runServe loads configuration, installs logging and runs the relay until
// it is signalled to stop.
func runServe(cmd *cobra.Command, flags *cliFlags, lookupEnv func(string) (string, bool)) error {
	cfg, err := loadConfig(cmd, flags, lookupEnv)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("port") {
		if flags.port < 1 || flags.port > 65535 {
			return fmt.Errorf("--port must be between 1 and 65535, got %d", flags.port)
		}
		cfg.Port = flags.port
	}
	if err := guard(cfg, cmd.ErrOrStderr()); err != nil {
		return err
	}

	level, err := logging.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	logger, err := logging.New(logging.Config{
		Level:      level,
		Format:     logging.Format(cfg.LogFormat),
		LogDir:     cfg.LogDir,
		Service:    handlers.ServiceName,
		FilePrefix: "relay",
		Output:     cmd.ErrOrStderr(),
	})
	if err != nil {
		return err
	}
	defer logger.Close()
	logger.Install()

	if level != logging.LevelDebug {
		gin.SetMode(gin.ReleaseMode)
	}

	svc, err := relay.New(cfg, nil)
	if err != nil {
		slog.Error("Failed to create relay", "error", err)
		return err
	}
	return svc.Run(cmd.Context())
}

func loadConfig(cmd *cobra.Command, flags *cliFlags, lookupEnv func(string) (string, bool)) (config.Config, error) {
	return config.Load(config.LoadOptions{
		ConfigFile:      flags.configFile,
		EnvFile:         flags.envFile,
		EnvFileOptional: !cmd.Flags().Changed("env-file"),
		LookupEnv:       lookupEnv,
	})
}

// guard prints one line per missing required key and fails with status 1.
func guard(cfg config.Config, stderr io.Writer) error {
	result := cfg.Validate()
	if result.OK() {
		return nil
	}
	for _, line := range result.Diagnostics() {
		fmt.Fprintln(stderr, line)
	}
	return &exitError{code: 1}
}
