// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/holomush/membergate/internal/audit"
	"github.com/holomush/membergate/internal/store"
)

// openAuditWriter connects the audit writer. Tests replace it.
var openAuditWriter = func(ctx context.Context, databaseURL string) (audit.Writer, func(), error) {
	pool, err := store.Connect(ctx, databaseURL)
	if err != nil {
		return nil, nil, err
	}
	return audit.NewPostgresWriter(pool), pool.Close, nil
}

// NewAuditCmd creates the audit command group.
func NewAuditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Maintain the audit trail",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "replay",
		Short: "Re-send audit entries spooled while the database was unavailable",
		Args:  cobra.NoArgs,
		RunE:  runAuditReplay,
	})
	return cmd
}

func runAuditReplay(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cfg.Database.URL == "" {
		return errMissingDatabaseURL()
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	writer, closeFn, err := openAuditWriter(ctx, cfg.Database.URL)
	if err != nil {
		return err
	}
	defer closeFn()

	recorder := audit.NewRecorder(writer, audit.WithWALPath(cfg.Audit.WALPath))
	defer func() {
		if err := recorder.Close(); err != nil {
			cmd.PrintErrf("warning: closing recorder: %v\n", err)
		}
	}()

	n, err := recorder.ReplayWAL(ctx)
	cmd.Printf("Replayed %d audit entr%s from %s\n", n, plural(n, "y", "ies"), recorder.WALPath())
	return err
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
