// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/holomush/membergate/internal/config"
	"github.com/holomush/membergate/internal/xdg"
)

// Global flags available to all subcommands.
var configFile string

// NewRootCmd creates the root command for the membergate CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "membergate",
		Short: "membergate - authorization and throttling for community administration",
		Long: `membergate decides who may change member accounts, roles, settings
and community content, caps how often they may do so each day, and keeps an
audit record of every accepted change.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&configFile, "config", "", "config file path (default: XDG_CONFIG_HOME/membergate/config.yaml)")
	config.RegisterFlags(cmd.PersistentFlags())

	cmd.AddCommand(NewServeCmd())
	cmd.AddCommand(NewMigrateCmd())
	cmd.AddCommand(NewCheckCmd())
	cmd.AddCommand(NewRolesCmd())
	cmd.AddCommand(NewAuditCmd())
	cmd.AddCommand(NewConfigCmd())

	return cmd
}

// loadConfig reads the config file and applies changed flags. The default
// file may be absent; an explicit --config must exist.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	path, explicit := configFile, configFile != ""
	if !explicit {
		path = xdg.ConfigFile()
	}

	cfg, err := config.Load(path, explicit, cmd.Flags())
	if err != nil {
		return config.Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

// errMissingDatabaseURL is returned by every command that needs Postgres.
func errMissingDatabaseURL() error {
	return oops.Code(config.CodeInvalid).
		With("key", "database.url").
		Errorf("database.url or DATABASE_URL is required")
}
