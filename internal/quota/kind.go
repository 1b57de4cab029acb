// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package quota tracks how often each actor performs sensitive mutations per
// calendar day and throttles them once a ceiling is reached.
package quota

import (
	"github.com/samber/oops"
)

// Kind names one throttled mutation family.
type Kind string

// Quota kinds.
const (
	UsernameChange     Kind = "username_change"
	PasswordHashChange Kind = "password_hash_change"
	RoleChange         Kind = "role_change"
	StatusChange       Kind = "status_change"
	MemberDelete       Kind = "member_delete"
	TankDelete         Kind = "tank_delete"
)

var allKinds = []Kind{
	UsernameChange,
	PasswordHashChange,
	RoleChange,
	StatusChange,
	MemberDelete,
	TankDelete,
}

// AllKinds returns every quota kind.
func AllKinds() []Kind {
	out := make([]Kind, len(allKinds))
	copy(out, allKinds)
	return out
}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	for _, known := range allKinds {
		if k == known {
			return true
		}
	}
	return false
}

// ParseKind validates a kind name.
func ParseKind(name string) (Kind, error) {
	k := Kind(name)
	if !k.Valid() {
		return "", oops.In("quota").
			Code("UNKNOWN_QUOTA_KIND").
			With("kind", name).
			Errorf("unknown quota kind %q", name)
	}
	return k, nil
}

// Ceilings maps a kind to its daily ceiling.
type Ceilings map[Kind]int

// Get returns the ceiling for k and whether one is configured.
func (c Ceilings) Get(k Kind) (int, bool) {
	v, ok := c[k]
	return v, ok
}

// Clone returns an independent copy.
func (c Ceilings) Clone() Ceilings {
	if c == nil {
		return nil
	}
	out := make(Ceilings, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

// Validate rejects unknown kinds and negative ceilings.
func (c Ceilings) Validate() error {
	for k, v := range c {
		if !k.Valid() {
			return oops.In("quota").Code("UNKNOWN_QUOTA_KIND").With("kind", string(k)).
				Errorf("unknown quota kind %q", k)
		}
		if v < 0 {
			return oops.In("quota").Code("INVALID_CEILING").With("kind", string(k)).With("ceiling", v).
				Errorf("ceiling for %s must not be negative", k)
		}
	}
	return nil
}
