// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"context"
	"os"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/holomush/membergate/internal/role"
	"github.com/holomush/membergate/internal/rolefile"
	"github.com/holomush/membergate/internal/store"
)

// roleImporter writes imported roles. *store.RoleRepository satisfies it.
type roleImporter interface {
	UpsertRoles(ctx context.Context, roles []role.Role) error
}

// openRoleImporter connects to the database. Tests replace it.
var openRoleImporter = func(ctx context.Context, databaseURL string) (roleImporter, func(), error) {
	pool, err := store.Connect(ctx, databaseURL)
	if err != nil {
		return nil, nil, err
	}
	return store.New(pool).Roles, pool.Close, nil
}

// importConfig holds the flags of roles import.
type importConfig struct {
	only   []string
	dryRun bool
}

// NewRolesCmd creates the roles command group.
func NewRolesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "roles",
		Short: "Seed and describe role definitions",
	}
	cmd.AddCommand(newRolesImportCmd())
	cmd.AddCommand(&cobra.Command{
		Use:   "schema",
		Short: "Print the JSON Schema of role import files",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			data, err := rolefile.GenerateSchema()
			if err != nil {
				return err
			}
			cmd.Println(string(data))
			return nil
		},
	})
	return cmd
}

func newRolesImportCmd() *cobra.Command {
	cfg := &importConfig{}

	cmd := &cobra.Command{
		Use:   "import FILE",
		Short: "Import role definitions from a YAML file",
		Long: `Validate FILE against the role file schema and upsert its roles in one
transaction. Running services pick the change up from the change notification.
Imports bypass the guard and are meant for bootstrapping.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRolesImport(cmd, args[0], cfg)
		},
	}

	cmd.Flags().StringSliceVar(&cfg.only, "only", nil, "import only roles whose name matches this glob (repeatable)")
	cmd.Flags().BoolVar(&cfg.dryRun, "dry-run", false, "validate and list the roles without writing")

	return cmd
}

func runRolesImport(cmd *cobra.Command, path string, cfg *importConfig) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return oops.Code("ROLE_FILE_UNREADABLE").With("path", path).Wrap(err)
	}
	f, err := rolefile.Parse(data)
	if err != nil {
		return err
	}
	roles, err := f.Select(cfg.only...)
	if err != nil {
		return err
	}
	if len(roles) == 0 {
		cmd.Println("No roles selected")
		return nil
	}

	for _, r := range roles {
		cmd.Printf("  %-20s rank %4d%s\n", r.Name, r.Rank, roleMarkers(r))
	}
	if cfg.dryRun {
		cmd.Printf("%d role(s) valid (dry run)\n", len(roles))
		return nil
	}

	appCfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if appCfg.Database.URL == "" {
		return errMissingDatabaseURL()
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	importer, closeFn, err := openRoleImporter(ctx, appCfg.Database.URL)
	if err != nil {
		return err
	}
	defer closeFn()

	if err := importer.UpsertRoles(ctx, roles); err != nil {
		return err
	}
	cmd.Printf("Imported %d role(s)\n", len(roles))
	return nil
}

func roleMarkers(r role.Role) string {
	var s string
	if r.SuperuserTier {
		s += " [superuser]"
	}
	if r.Locked {
		s += " [locked]"
	}
	return s
}
