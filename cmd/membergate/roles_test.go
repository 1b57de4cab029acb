// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/holomush/membergate/internal/role"
	"github.com/holomush/membergate/pkg/errutil"
)

const roleFile = `
version: 1.0.0
roles:
  - name: Member
    rank: 0
  - name: Moderator
    rank: 500
    daily_quota:
      status_change: 3
  - name: Mentor
    rank: 300
  - name: Developer
    rank: 1000
    locked: true
    superuser_tier: true
`

type captureImporter struct {
	roles []role.Role
	err   error
}

func (c *captureImporter) UpsertRoles(_ context.Context, roles []role.Role) error {
	c.roles = roles
	return c.err
}

func writeRoleFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "roles.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func useImporter(t *testing.T, imp *captureImporter) {
	t.Helper()
	orig := openRoleImporter
	openRoleImporter = func(context.Context, string) (roleImporter, func(), error) {
		return imp, func() {}, nil
	}
	t.Cleanup(func() { openRoleImporter = orig })
}

func TestRolesImport_DryRun(t *testing.T) {
	imp := &captureImporter{}
	useImporter(t, imp)

	output, err := execute(t, "roles", "import", writeRoleFile(t, roleFile), "--dry-run")
	require.NoError(t, err)
	assert.Contains(t, output, "Developer")
	assert.Contains(t, output, "[superuser] [locked]")
	assert.Contains(t, output, "4 role(s) valid (dry run)")
	assert.Nil(t, imp.roles, "dry run never writes")
}

func TestRolesImport_OnlyMatchingRoles(t *testing.T) {
	imp := &captureImporter{}
	useImporter(t, imp)

	output, err := execute(t, "--database-url", "postgres://localhost/membergate",
		"roles", "import", writeRoleFile(t, roleFile), "--only", "Men*", "--only", "Dev*")
	require.NoError(t, err)
	assert.Contains(t, output, "Imported 2 role(s)")

	names := make([]string, len(imp.roles))
	for i, r := range imp.roles {
		names[i] = r.Name
		assert.NotEmpty(t, r.ID, "imported roles get an id")
	}
	assert.Equal(t, []string{"Mentor", "Developer"}, names)
}

func TestRolesImport_NothingSelected(t *testing.T) {
	output, err := execute(t, "roles", "import", writeRoleFile(t, roleFile), "--only", "Nobody")
	require.NoError(t, err)
	assert.Contains(t, output, "No roles selected")
}

func TestRolesImport_RequiresDatabaseURL(t *testing.T) {
	useImporter(t, &captureImporter{})
	_, err := execute(t, "roles", "import", writeRoleFile(t, roleFile))
	require.Error(t, err)
	errutil.AssertErrorCode(t, err, "CONFIG_INVALID")
}

func TestRolesImport_RejectsInvalidFile(t *testing.T) {
	_, err := execute(t, "roles", "import", writeRoleFile(t, `
version: 1.0.0
roles:
  - name: Odd
    rank: 505
`), "--dry-run")
	require.Error(t, err)
	errutil.AssertErrorCode(t, err, "ROLE_FILE_INVALID")
}

func TestRolesImport_PropagatesWriteError(t *testing.T) {
	useImporter(t, &captureImporter{err: errors.New("duplicate role name")})
	_, err := execute(t, "--database-url", "postgres://localhost/membergate",
		"roles", "import", writeRoleFile(t, roleFile))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate role name")
}

func TestRolesSchema(t *testing.T) {
	output, err := execute(t, "roles", "schema")
	require.NoError(t, err)
	assert.Contains(t, output, "membergate-roles.schema.json")
}
