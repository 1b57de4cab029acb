// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package guard

import (
	"github.com/holomush/membergate/internal/quota"
	"github.com/holomush/membergate/internal/role"
)

// RoleValues returns r keyed by RoleSchema field names.
func RoleValues(r role.Role) map[string]any {
	perms := make(map[string]int, len(r.Permissions))
	for k, v := range r.Permissions {
		perms[k] = v
	}
	return map[string]any{
		"name":        r.Name,
		"color":       r.Color,
		"rank":        r.Rank,
		"permissions": perms,
		"locked":      r.Locked,
		"daily_quota": r.DailyQuota.Clone(),
	}
}

// ApplyRoleValues returns a copy of r with values applied.
func ApplyRoleValues(r role.Role, values map[string]any) (role.Role, error) {
	out := r.Clone()
	for k, v := range values {
		switch k {
		case "name":
			s, ok := v.(string)
			if !ok {
				return r, ErrValidation(k, "role name must be a string")
			}
			out.Name = s
		case "color":
			s, ok := v.(string)
			if !ok {
				return r, ErrValidation(k, "role color must be a string")
			}
			out.Color = s
		case "rank":
			n, ok := asInt(v)
			if !ok {
				return r, ErrValidation(k, "role rank must be an integer")
			}
			out.Rank = n
		case "permissions":
			perms, err := permissionsValue(v)
			if err != nil {
				return r, err
			}
			out.Permissions = perms
		case "locked":
			b, ok := v.(bool)
			if !ok {
				return r, ErrValidation(k, "locked must be a boolean")
			}
			out.Locked = b
		case "daily_quota":
			c, err := ceilingsValue(v)
			if err != nil {
				return r, err
			}
			out.DailyQuota = c
		default:
			return r, ErrUnknownField(EntityRole, k)
		}
	}
	if out.Color == "" {
		out.Color = role.DefaultColor
	}
	return out, nil
}

func permissionsValue(v any) (map[string]int, error) {
	switch m := v.(type) {
	case nil:
		return nil, nil
	case map[string]int:
		out := make(map[string]int, len(m))
		for k, n := range m {
			out[k] = n
		}
		return out, nil
	case map[string]any:
		out := make(map[string]int, len(m))
		for k, raw := range m {
			n, ok := asInt(raw)
			if !ok {
				return nil, ErrValidation("permissions", "permission levels must be integers")
			}
			out[k] = n
		}
		return out, nil
	default:
		return nil, ErrValidation("permissions", "permissions must be a map")
	}
}

func ceilingsValue(v any) (quota.Ceilings, error) {
	out := quota.Ceilings{}
	switch m := v.(type) {
	case nil:
		return nil, nil
	case quota.Ceilings:
		return m.Clone(), nil
	case map[quota.Kind]int:
		return quota.Ceilings(m).Clone(), nil
	case map[string]int:
		for k, n := range m {
			out[quota.Kind(k)] = n
		}
	case map[string]any:
		for k, raw := range m {
			n, ok := asInt(raw)
			if !ok {
				return nil, ErrValidation("daily_quota", "quota ceilings must be integers")
			}
			out[quota.Kind(k)] = n
		}
	default:
		return nil, ErrValidation("daily_quota", "daily quota must be a map")
	}
	return out, nil
}

// nonEmpty reports whether a requested value would set something.
func nonEmpty(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	default:
		return !isEmptyMap(v)
	}
}
