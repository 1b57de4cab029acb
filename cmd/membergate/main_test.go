// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/holomush/membergate/pkg/errutil"
)

// execute runs the root command in an isolated environment.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("XDG_STATE_HOME", t.TempDir())
	t.Setenv("DATABASE_URL", "")
	configFile = ""

	cmd := NewRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

func TestRootCommand_HasExpectedSubcommands(t *testing.T) {
	output, err := execute(t, "--help")
	require.NoError(t, err)

	for _, sub := range []string{"serve", "migrate", "check", "roles", "audit", "config"} {
		assert.Contains(t, output, sub, "Help missing %q command", sub)
	}
}

func TestRootCommand_ConfigFlag(t *testing.T) {
	tests := []struct {
		name     string
		args     []string
		wantFlag string
	}{
		{
			name:     "separate value",
			args:     []string{"--config", "/path/to/config.yaml", "--help"},
			wantFlag: "/path/to/config.yaml",
		},
		{
			name:     "with equals",
			args:     []string{"--config=/etc/membergate.yaml", "--help"},
			wantFlag: "/etc/membergate.yaml",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			configFile = ""
			cmd := NewRootCmd()
			cmd.SetOut(new(bytes.Buffer))
			cmd.SetArgs(tt.args)

			require.NoError(t, cmd.Execute())
			assert.Equal(t, tt.wantFlag, configFile)
		})
	}
}

func TestRootCommand_VersionFlag(t *testing.T) {
	cmd := NewRootCmd()
	cmd.Version = "test-version"
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"--version"})

	require.NoError(t, cmd.Execute())
	assert.Contains(t, buf.String(), "test-version")
}

func TestLoadConfig_ExplicitFileMustExist(t *testing.T) {
	_, err := execute(t, "--config", filepath.Join(t.TempDir(), "missing.yaml"), "config", "show")
	require.Error(t, err)
	errutil.AssertErrorCode(t, err, "CONFIG_INVALID")
}

func TestLoadConfig_FileAndFlags(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
log:
  format: text
quota:
  timezone: Europe/Berlin
  defaults:
    status_change: 4
`), 0o600))

	output, err := execute(t, "--config", path, "--log-level", "debug", "config", "show")
	require.NoError(t, err)
	assert.Contains(t, output, `"format": "text"`)
	assert.Contains(t, output, `"level": "debug"`)
	assert.Contains(t, output, `"timezone": "Europe/Berlin"`)
	assert.Contains(t, output, `"status_change": 4`)
}

func TestLoadConfig_InvalidValueRejected(t *testing.T) {
	_, err := execute(t, "--quota-store", "etcd", "config", "show")
	require.Error(t, err)
	errutil.AssertErrorContext(t, err, "key", "quota.store")
}

func TestConfigShow_RedactsSecrets(t *testing.T) {
	output, err := execute(t, "--database-url", "postgres://user:secret@db/membergate", "config", "show")
	require.NoError(t, err)
	assert.NotContains(t, output, "secret")
	assert.Contains(t, output, "<redacted>")
}

func TestConfigSchema(t *testing.T) {
	output, err := execute(t, "config", "schema")
	require.NoError(t, err)
	assert.Contains(t, output, "membergate-config.schema.json")
	assert.Contains(t, output, "quota")
}
