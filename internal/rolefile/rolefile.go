// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package rolefile reads role import files.
package rolefile

import (
	"github.com/Masterminds/semver/v3"
	"github.com/gobwas/glob"
	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
	"gopkg.in/yaml.v3"

	"github.com/holomush/membergate/internal/role"
)

// CodeInvalid marks a rejected import file.
const CodeInvalid = "ROLE_FILE_INVALID"

// SupportedVersions is the range of file format versions Parse accepts.
const SupportedVersions = "^1.0.0"

// File is a parsed role import file.
type File struct {
	Version string      `yaml:"version" json:"version" jsonschema:"required"`
	Roles   []role.Role `yaml:"roles" json:"roles" jsonschema:"required"`
}

// Parse validates data against the file schema and the role rules, and
// assigns a ULID to every role without an id.
func Parse(data []byte) (File, error) {
	if err := ValidateSchema(data); err != nil {
		return File{}, err
	}

	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return File{}, oops.In("rolefile").Code(CodeInvalid).Wrapf(err, "invalid YAML")
	}
	if err := checkVersion(f.Version); err != nil {
		return File{}, err
	}

	for i := range f.Roles {
		if f.Roles[i].ID == "" {
			f.Roles[i].ID = ulid.Make().String()
		}
		if f.Roles[i].Color == "" {
			f.Roles[i].Color = role.DefaultColor
		}
	}
	if _, err := role.NewSnapshot(f.Roles, 0); err != nil {
		return File{}, oops.In("rolefile").Code(CodeInvalid).With("cause", err.Error()).Errorf("invalid roles: %s", err.Error())
	}
	return f, nil
}

func checkVersion(v string) error {
	version, err := semver.NewVersion(v)
	if err != nil {
		return oops.In("rolefile").Code(CodeInvalid).With("version", v).Errorf("version %q is not semantic", v)
	}
	constraint, err := semver.NewConstraint(SupportedVersions)
	if err != nil {
		return oops.In("rolefile").Wrap(err)
	}
	if !constraint.Check(version) {
		return oops.In("rolefile").Code(CodeInvalid).
			With("version", v).
			With("supported", SupportedVersions).
			Errorf("file version %s is not supported, want %s", version, SupportedVersions)
	}
	return nil
}

// Select returns the roles whose name matches any pattern. No patterns
// selects every role.
func (f File) Select(patterns ...string) ([]role.Role, error) {
	if len(patterns) == 0 {
		return f.Roles, nil
	}
	globs := make([]glob.Glob, len(patterns))
	for i, p := range patterns {
		g, err := glob.Compile(p)
		if err != nil {
			return nil, oops.In("rolefile").Code(CodeInvalid).With("pattern", p).Wrap(err)
		}
		globs[i] = g
	}

	var out []role.Role
	for _, r := range f.Roles {
		for _, g := range globs {
			if g.Match(r.Name) {
				out = append(out, r)
				break
			}
		}
	}
	return out, nil
}
