// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package access

import (
	"fmt"

	"github.com/samber/oops"
)

// Capability identifies one guarded action. The set is closed; every mutation
// the guard authorizes maps to exactly one capability.
type Capability int

// Member, role and settings capabilities.
const (
	CapabilityUnknown Capability = iota
	EditUsername
	EditPasswordHash
	EditRole
	EditStatus
	DeleteMember
	ManageRole
	DeleteRole
	EditSettings
	ViewPasswordHash
	ViewCountry
)

// Community content capabilities.
const (
	EditTank Capability = iota + ViewCountry + 1
	EditTankStatus
	DeleteTank
	EditMap
	EditMapStatus
	DeleteMap
)

var capabilityNames = map[Capability]string{
	EditUsername:     "edit_username",
	EditPasswordHash: "edit_password_hash",
	EditRole:         "edit_role",
	EditStatus:       "edit_status",
	DeleteMember:     "delete_member",
	ManageRole:       "manage_role",
	DeleteRole:       "delete_role",
	EditSettings:     "edit_settings",
	ViewPasswordHash: "view_password_hash",
	ViewCountry:      "view_country",
	EditTank:         "edit_tank",
	EditTankStatus:   "edit_tank_status",
	DeleteTank:       "delete_tank",
	EditMap:          "edit_map",
	EditMapStatus:    "edit_map_status",
	DeleteMap:        "delete_map",
}

var capabilityByName = func() map[string]Capability {
	m := make(map[string]Capability, len(capabilityNames))
	for c, name := range capabilityNames {
		m[name] = c
	}
	return m
}()

func (c Capability) String() string {
	if name, ok := capabilityNames[c]; ok {
		return name
	}
	return fmt.Sprintf("unknown(%d)", int(c))
}

// Valid reports whether c is a member of the closed capability set.
func (c Capability) Valid() bool {
	_, ok := capabilityNames[c]
	return ok
}

// ParseCapability converts a capability name such as "edit_status" back into
// its Capability value.
func ParseCapability(name string) (Capability, error) {
	c, ok := capabilityByName[name]
	if !ok {
		return CapabilityUnknown, oops.In("access").
			Code("UNKNOWN_CAPABILITY").
			With("capability", name).
			Errorf("unknown capability %q", name)
	}
	return c, nil
}

// AllCapabilities returns every capability in declaration order.
func AllCapabilities() []Capability {
	out := make([]Capability, 0, len(capabilityNames))
	for c := EditUsername; c <= ViewCountry; c++ {
		out = append(out, c)
	}
	for c := EditTank; c <= DeleteMap; c++ {
		out = append(out, c)
	}
	return out
}

// SelfProhibited reports whether an actor may never apply c to their own
// account, superuser included.
func (c Capability) SelfProhibited() bool {
	return c == DeleteMember
}

// OwnerPermitted reports whether the owner of a piece of content is allowed
// to perform c without meeting the configured threshold.
func (c Capability) OwnerPermitted() bool {
	switch c {
	case EditTank, DeleteTank, EditMap:
		return true
	default:
		return false
	}
}

// TargetsRole reports whether c operates on a role definition.
func (c Capability) TargetsRole() bool {
	return c == ManageRole || c == DeleteRole
}
