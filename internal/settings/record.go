// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package settings holds the singleton policy settings: per-capability
// thresholds named by role, and feature toggles.
package settings

import (
	"fmt"
	"time"

	"github.com/samber/oops"
)

// DefaultThresholdRole is the role every threshold names when no settings
// have been saved.
const DefaultThresholdRole = "Developer"

// Record is one version of the settings.
type Record struct {
	EditUsernameRole     string `json:"min_role_to_edit_member_username"`
	EditPasswordHashRole string `json:"min_role_to_edit_member_password_hash"`
	EditRoleRole         string `json:"min_role_to_edit_member_role"`
	EditStatusRole       string `json:"min_role_to_edit_member_status"`
	DeleteMemberRole     string `json:"min_role_to_delete_member"`
	ManageRoleRole       string `json:"min_role_to_manage_role"`
	DeleteRoleRole       string `json:"min_role_to_delete_role"`
	EditSettingsRole     string `json:"min_role_to_edit_settings"`
	ViewPasswordHashRole string `json:"min_role_to_view_member_password_hash"`
	ViewCountryRole      string `json:"min_role_to_view_member_country"`

	AllowMemberRegistration bool `json:"allow_member_registration"`
	AllowMapSubmission      bool `json:"allow_map_submission"`
	AllowTankSubmission     bool `json:"allow_tank_submission"`

	LastUpdatedBy string    `json:"last_updated_by"`
	LastUpdatedAt time.Time `json:"last_updated_at"`
}

// DefaultRecord returns the settings used before any have been saved.
func DefaultRecord() Record {
	return Record{
		EditUsernameRole:        DefaultThresholdRole,
		EditPasswordHashRole:    DefaultThresholdRole,
		EditRoleRole:            DefaultThresholdRole,
		EditStatusRole:          DefaultThresholdRole,
		DeleteMemberRole:        DefaultThresholdRole,
		ManageRoleRole:          DefaultThresholdRole,
		DeleteRoleRole:          DefaultThresholdRole,
		EditSettingsRole:        DefaultThresholdRole,
		ViewPasswordHashRole:    DefaultThresholdRole,
		ViewCountryRole:         DefaultThresholdRole,
		AllowMemberRegistration: true,
		AllowMapSubmission:      true,
		AllowTankSubmission:     true,
	}
}

// Field is one editable settings field.
type Field int

// Settings fields.
const (
	FieldUnknown Field = iota
	FieldEditUsernameRole
	FieldEditPasswordHashRole
	FieldEditRoleRole
	FieldEditStatusRole
	FieldDeleteMemberRole
	FieldManageRoleRole
	FieldDeleteRoleRole
	FieldEditSettingsRole
	FieldViewPasswordHashRole
	FieldViewCountryRole
	FieldAllowMemberRegistration
	FieldAllowMapSubmission
	FieldAllowTankSubmission
)

var fieldKeys = [...]string{
	FieldUnknown:                 "",
	FieldEditUsernameRole:        "min_role_to_edit_member_username",
	FieldEditPasswordHashRole:    "min_role_to_edit_member_password_hash",
	FieldEditRoleRole:            "min_role_to_edit_member_role",
	FieldEditStatusRole:          "min_role_to_edit_member_status",
	FieldDeleteMemberRole:        "min_role_to_delete_member",
	FieldManageRoleRole:          "min_role_to_manage_role",
	FieldDeleteRoleRole:          "min_role_to_delete_role",
	FieldEditSettingsRole:        "min_role_to_edit_settings",
	FieldViewPasswordHashRole:    "min_role_to_view_member_password_hash",
	FieldViewCountryRole:         "min_role_to_view_member_country",
	FieldAllowMemberRegistration: "allow_member_registration",
	FieldAllowMapSubmission:      "allow_map_submission",
	FieldAllowTankSubmission:     "allow_tank_submission",
}

// Key returns the field's stored name.
func (f Field) Key() string {
	if f > FieldUnknown && int(f) < len(fieldKeys) {
		return fieldKeys[f]
	}
	return fmt.Sprintf("unknown(%d)", int(f))
}

func (f Field) String() string { return f.Key() }

// ParseField resolves a stored field name.
func ParseField(key string) (Field, error) {
	for i, k := range fieldKeys {
		if i > 0 && k == key {
			return Field(i), nil
		}
	}
	return FieldUnknown, oops.In("settings").Code("UNKNOWN_FIELD").With("field", key).
		Errorf("unknown settings field %q", key)
}

// AllFields returns every settings field.
func AllFields() []Field {
	out := make([]Field, 0, len(fieldKeys)-1)
	for f := FieldEditUsernameRole; f <= FieldAllowTankSubmission; f++ {
		out = append(out, f)
	}
	return out
}

// Sensitive reports whether only the superuser may change f.
func (f Field) Sensitive() bool {
	switch f {
	case FieldEditUsernameRole, FieldEditPasswordHashRole, FieldDeleteMemberRole,
		FieldManageRoleRole, FieldDeleteRoleRole, FieldEditSettingsRole:
		return true
	default:
		return false
	}
}

// NamesRole reports whether f holds a role name.
func (f Field) NamesRole() bool {
	return f >= FieldEditUsernameRole && f <= FieldViewCountryRole
}

// Get returns the value of f.
func (r Record) Get(f Field) any {
	switch f {
	case FieldEditUsernameRole:
		return r.EditUsernameRole
	case FieldEditPasswordHashRole:
		return r.EditPasswordHashRole
	case FieldEditRoleRole:
		return r.EditRoleRole
	case FieldEditStatusRole:
		return r.EditStatusRole
	case FieldDeleteMemberRole:
		return r.DeleteMemberRole
	case FieldManageRoleRole:
		return r.ManageRoleRole
	case FieldDeleteRoleRole:
		return r.DeleteRoleRole
	case FieldEditSettingsRole:
		return r.EditSettingsRole
	case FieldViewPasswordHashRole:
		return r.ViewPasswordHashRole
	case FieldViewCountryRole:
		return r.ViewCountryRole
	case FieldAllowMemberRegistration:
		return r.AllowMemberRegistration
	case FieldAllowMapSubmission:
		return r.AllowMapSubmission
	case FieldAllowTankSubmission:
		return r.AllowTankSubmission
	default:
		return nil
	}
}

// Set returns a copy of r with f set to v. Role fields take a string, toggles
// a bool.
func (r Record) Set(f Field, v any) (Record, error) {
	if f.NamesRole() {
		s, ok := v.(string)
		if !ok {
			return r, typeError(f, "string", v)
		}
		switch f {
		case FieldEditUsernameRole:
			r.EditUsernameRole = s
		case FieldEditPasswordHashRole:
			r.EditPasswordHashRole = s
		case FieldEditRoleRole:
			r.EditRoleRole = s
		case FieldEditStatusRole:
			r.EditStatusRole = s
		case FieldDeleteMemberRole:
			r.DeleteMemberRole = s
		case FieldManageRoleRole:
			r.ManageRoleRole = s
		case FieldDeleteRoleRole:
			r.DeleteRoleRole = s
		case FieldEditSettingsRole:
			r.EditSettingsRole = s
		case FieldViewPasswordHashRole:
			r.ViewPasswordHashRole = s
		case FieldViewCountryRole:
			r.ViewCountryRole = s
		}
		return r, nil
	}

	b, ok := v.(bool)
	if !ok {
		return r, typeError(f, "bool", v)
	}
	switch f {
	case FieldAllowMemberRegistration:
		r.AllowMemberRegistration = b
	case FieldAllowMapSubmission:
		r.AllowMapSubmission = b
	case FieldAllowTankSubmission:
		r.AllowTankSubmission = b
	default:
		return r, oops.In("settings").Code("UNKNOWN_FIELD").With("field", f.Key()).
			Errorf("unknown settings field")
	}
	return r, nil
}

// Values returns every field keyed by its stored name.
func (r Record) Values() map[string]any {
	out := make(map[string]any, len(fieldKeys)-1)
	for _, f := range AllFields() {
		out[f.Key()] = r.Get(f)
	}
	return out
}

// Apply returns a copy of r with every key in values set.
func (r Record) Apply(values map[string]any) (Record, error) {
	out := r
	for key, v := range values {
		f, err := ParseField(key)
		if err != nil {
			return r, err
		}
		out, err = out.Set(f, v)
		if err != nil {
			return r, err
		}
	}
	return out, nil
}

// References returns the role-name fields that currently name roleName.
func (r Record) References(roleName string) []Field {
	var out []Field
	for _, f := range AllFields() {
		if f.NamesRole() && r.Get(f) == roleName {
			out = append(out, f)
		}
	}
	return out
}

func typeError(f Field, want string, got any) error {
	return oops.In("settings").Code("VALIDATION").
		With("field", f.Key()).
		Errorf("%s must be a %s, got %T", f.Key(), want, got)
}
