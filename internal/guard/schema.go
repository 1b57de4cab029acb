// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package guard

import (
	"reflect"
	"sort"

	"github.com/holomush/membergate/internal/access"
	"github.com/holomush/membergate/internal/quota"
	"github.com/holomush/membergate/internal/settings"
)

// EntityKind names the kind of record a mutation touches.
type EntityKind string

// Entity kinds.
const (
	EntityMember   EntityKind = "member"
	EntityRole     EntityKind = "role"
	EntitySettings EntityKind = "settings"
	EntityTank     EntityKind = "tank"
	EntityMap      EntityKind = "map"
)

// Assigns describes how a field's new value grants a rank.
type Assigns int

// Assigns values.
const (
	AssignsNothing Assigns = iota
	// AssignsRoleName means the value is a role name whose rank is granted.
	AssignsRoleName
	// AssignsRank means the value is the rank itself.
	AssignsRank
)

// FieldSpec describes one guarded field.
type FieldSpec struct {
	Name       string
	Label      string
	Capability access.Capability
	// Quota is the daily quota kind consumed by a change, empty when unmetered.
	Quota         quota.Kind
	SuperuserOnly bool
	Assigns       Assigns
	// Secret fields never have their value written to the audit text.
	Secret bool
	// NamesRole fields must hold the name of an existing role.
	NamesRole bool
}

// Schema is the set of guarded fields of one entity kind.
type Schema struct {
	Entity EntityKind
	Fields map[string]FieldSpec
	Create FieldSpec
	Delete FieldSpec
}

// Field returns the FieldSpec of the named field.
func (s Schema) Field(name string) (FieldSpec, bool) {
	f, ok := s.Fields[name]
	return f, ok
}

func fields(specs ...FieldSpec) map[string]FieldSpec {
	out := make(map[string]FieldSpec, len(specs))
	for _, f := range specs {
		if f.Label == "" {
			f.Label = f.Name
		}
		out[f.Name] = f
	}
	return out
}

// MemberSchema guards member accounts.
var MemberSchema = Schema{
	Entity: EntityMember,
	Fields: fields(
		FieldSpec{Name: "username", Capability: access.EditUsername, Quota: quota.UsernameChange},
		FieldSpec{Name: "password_hash", Label: "password hash", Capability: access.EditPasswordHash,
			Quota: quota.PasswordHashChange, Secret: true},
		FieldSpec{Name: "role", Capability: access.EditRole, Quota: quota.RoleChange,
			Assigns: AssignsRoleName, NamesRole: true},
		FieldSpec{Name: "status", Capability: access.EditStatus, Quota: quota.StatusChange},
	),
	Delete: FieldSpec{Name: "delete", Capability: access.DeleteMember, Quota: quota.MemberDelete},
}

// RoleSchema guards role definitions.
var RoleSchema = Schema{
	Entity: EntityRole,
	Fields: fields(
		FieldSpec{Name: "name", Capability: access.ManageRole},
		FieldSpec{Name: "color", Capability: access.ManageRole},
		FieldSpec{Name: "rank", Capability: access.ManageRole, Assigns: AssignsRank},
		FieldSpec{Name: "permissions", Capability: access.ManageRole},
		FieldSpec{Name: "locked", Capability: access.ManageRole, SuperuserOnly: true},
		FieldSpec{Name: "daily_quota", Label: "daily quota", Capability: access.ManageRole, SuperuserOnly: true},
	),
	Create: FieldSpec{Name: "create", Capability: access.ManageRole, Assigns: AssignsRank},
	Delete: FieldSpec{Name: "delete", Capability: access.DeleteRole},
}

// SettingsSchema guards the policy settings record.
var SettingsSchema = settingsSchema()

func settingsSchema() Schema {
	specs := make([]FieldSpec, 0, len(settings.AllFields()))
	for _, f := range settings.AllFields() {
		specs = append(specs, FieldSpec{
			Name:          f.Key(),
			Label:         "setting " + f.Key(),
			Capability:    access.EditSettings,
			SuperuserOnly: f.Sensitive(),
			NamesRole:     f.NamesRole(),
		})
	}
	return Schema{Entity: EntitySettings, Fields: fields(specs...)}
}

// TankSchema guards submitted tanks.
var TankSchema = Schema{
	Entity: EntityTank,
	Fields: fields(
		FieldSpec{Name: "name", Capability: access.EditTank},
		FieldSpec{Name: "code", Capability: access.EditTank},
		FieldSpec{Name: "status", Capability: access.EditTankStatus},
	),
	Delete: FieldSpec{Name: "delete", Capability: access.DeleteTank, Quota: quota.TankDelete},
}

// MapSchema guards submitted maps.
var MapSchema = Schema{
	Entity: EntityMap,
	Fields: fields(
		FieldSpec{Name: "name", Capability: access.EditMap},
		FieldSpec{Name: "status", Capability: access.EditMapStatus},
	),
	Delete: FieldSpec{Name: "delete", Capability: access.DeleteMap},
}

// Op is the kind of a FieldChange.
type Op int

// Op values.
const (
	OpUpdate Op = iota
	OpCreate
	OpDelete
)

func (o Op) String() string {
	switch o {
	case OpCreate:
		return "create"
	case OpDelete:
		return "delete"
	default:
		return "update"
	}
}

// FieldChange is one guarded change of a mutation.
type FieldChange struct {
	Op   Op
	Spec FieldSpec
	Old  any
	New  any
}

// Field returns the name of the changed field.
func (c FieldChange) Field() string { return c.Spec.Name }

// PlanChange computes the minimal diff between current and requested values.
// Keys absent from requested are left untouched. An unknown requested key is
// an error and an empty result is a no-op.
func PlanChange(schema Schema, current, requested map[string]any) ([]FieldChange, error) {
	keys := make([]string, 0, len(requested))
	for k := range requested {
		if _, ok := schema.Fields[k]; !ok {
			return nil, ErrUnknownField(schema.Entity, k)
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var changes []FieldChange
	for _, k := range keys {
		old, next := current[k], requested[k]
		if equalValues(old, next) {
			continue
		}
		changes = append(changes, FieldChange{Op: OpUpdate, Spec: schema.Fields[k], Old: old, New: next})
	}
	return changes, nil
}

// CreateChange builds the single change that creates an entity from values.
func CreateChange(schema Schema, values map[string]any) ([]FieldChange, error) {
	for k := range values {
		if _, ok := schema.Fields[k]; !ok {
			return nil, ErrUnknownField(schema.Entity, k)
		}
	}
	return []FieldChange{{Op: OpCreate, Spec: schema.Create, New: values}}, nil
}

// DeleteChange builds the single change of a delete.
func DeleteChange(schema Schema) []FieldChange {
	return []FieldChange{{Op: OpDelete, Spec: schema.Delete}}
}

// equalValues compares decoded values, treating numbers of different Go
// types as equal when their values match. Maps compare element-wise under
// the same rule and a nil map equals an empty one.
func equalValues(a, b any) bool {
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			return fa == fb
		}
	}
	ma, okA := normalizeMap(a)
	mb, okB := normalizeMap(b)
	if okA && okB {
		if len(ma) != len(mb) {
			return false
		}
		for k, va := range ma {
			vb, ok := mb[k]
			if !ok || !equalValues(va, vb) {
				return false
			}
		}
		return true
	}
	return reflect.DeepEqual(a, b)
}

// normalizeMap converts any map with string-kinded keys to map[string]any.
// A nil value is treated as an empty map.
func normalizeMap(v any) (map[string]any, bool) {
	if v == nil {
		return map[string]any{}, true
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Map || rv.Type().Key().Kind() != reflect.String {
		return nil, false
	}
	out := make(map[string]any, rv.Len())
	iter := rv.MapRange()
	for iter.Next() {
		out[iter.Key().String()] = iter.Value().Interface()
	}
	return out, true
}

func isEmptyMap(v any) bool {
	m, ok := normalizeMap(v)
	return ok && len(m) == 0
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}

// asInt converts a decoded number to an int.
func asInt(v any) (int, bool) {
	f, ok := toFloat(v)
	if !ok || f != float64(int(f)) {
		return 0, false
	}
	return int(f), true
}
