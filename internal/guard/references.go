// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package guard

import (
	"context"
	"strings"

	"github.com/holomush/membergate/internal/role"
	"github.com/holomush/membergate/internal/settings"
)

// CheckRoleReferences fails with CONFLICT while any account carries roleName
// or any settings field names it. It applies to every actor.
func (g *Guard) CheckRoleReferences(ctx context.Context, roleName string) error {
	n, err := g.refs.CountMembersWithRole(ctx, roleName)
	if err != nil {
		return ErrInternal("count role references", err)
	}

	var refs []string
	if n > 0 {
		refs = append(refs, "members")
	}
	for _, f := range g.policy.References(roleName) {
		refs = append(refs, "settings."+f.Key())
	}
	if len(refs) > 0 {
		return ErrConflict(roleName, refs)
	}
	return nil
}

// checkIntegrity guards renames and deletes of referenced roles.
func (g *Guard) checkIntegrity(ctx context.Context, m Mutation) error {
	if m.Target.Kind != EntityRole || m.Target.Name == "" {
		return nil
	}
	for _, c := range m.Changes {
		if c.Op == OpDelete || (c.Op == OpUpdate && c.Field() == "name") {
			return g.CheckRoleReferences(ctx, m.Target.Name)
		}
	}
	return nil
}

// ValidateRoleDefinition checks r on its own and against the current
// directory: the name, compared ignoring case, must not belong to a
// different role.
func (g *Guard) ValidateRoleDefinition(r role.Role) error {
	if err := r.Validate(); err != nil {
		return err
	}
	if existing, ok := g.roles.Snapshot().LookupFold(r.Name); ok && existing.ID != r.ID {
		return ErrValidation("name", "a role with this name already exists")
	}
	return nil
}

// validateChange checks the requested value of c before authorization.
func (g *Guard) validateChange(snap *role.Snapshot, target Target, c FieldChange) error {
	switch target.Kind {
	case EntityMember:
		return validateMemberChange(c)
	case EntityRole:
		return validateRoleChange(snap, target, c)
	case EntitySettings:
		return validateSettingsChange(snap, c)
	}
	return nil
}

func validateMemberChange(c FieldChange) error {
	switch c.Field() {
	case "username":
		if s, ok := c.New.(string); !ok || strings.TrimSpace(s) == "" {
			return ErrValidation("username", "username is required")
		}
	case "status":
		switch Status(stringOf(c.New)) {
		case StatusActive, StatusInactive, StatusSuspended:
		default:
			return ErrValidation("status", "unknown account status")
		}
	}
	return nil
}

func validateRoleChange(snap *role.Snapshot, target Target, c FieldChange) error {
	switch c.Op {
	case OpDelete:
		return nil
	case OpCreate:
		values, _ := c.New.(map[string]any)
		r, err := ApplyRoleValues(role.Role{}, values)
		if err != nil {
			return err
		}
		if err := r.Validate(); err != nil {
			return err
		}
		if _, exists := snap.LookupFold(r.Name); exists {
			return ErrValidation("name", "a role with this name already exists")
		}
		return nil
	}

	current, ok := snap.Lookup(target.Name)
	if !ok {
		return ErrValidation("name", "unknown role")
	}
	next, err := ApplyRoleValues(current, map[string]any{c.Field(): c.New})
	if err != nil {
		return err
	}
	if err := next.Validate(); err != nil {
		return err
	}
	if c.Field() == "name" && next.Name != current.Name {
		if other, exists := snap.LookupFold(next.Name); exists && other.Name != current.Name {
			return ErrValidation("name", "a role with this name already exists")
		}
	}
	return nil
}

func validateSettingsChange(snap *role.Snapshot, c FieldChange) error {
	f, err := settings.ParseField(c.Field())
	if err != nil {
		return err
	}
	if _, err := (settings.Record{}).Set(f, c.New); err != nil {
		return err
	}
	if f.NamesRole() {
		if _, ok := snap.Lookup(stringOf(c.New)); !ok {
			return ErrValidation(f.Key(), "unknown role")
		}
	}
	return nil
}

func stringOf(v any) string {
	s, _ := v.(string)
	return s
}
