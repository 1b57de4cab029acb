// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package role holds role definitions and the directory that serves them.
package role

import (
	"strings"

	"github.com/samber/oops"

	"github.com/holomush/membergate/internal/quota"
)

// Rank bounds. Ranks are ordered integers on a fixed interval.
const (
	MinRank      = 0
	MaxRank      = 1000
	RankInterval = 10
)

// In-game permission level bounds.
const (
	MinPermission = 0
	MaxPermission = 10
)

// DefaultColor is returned for roles without a configured color.
const DefaultColor = "#ffffff"

// CodeValidation is the error code for malformed role definitions.
const CodeValidation = "VALIDATION"

// Permission names the in-game actions a role carries a level for.
var Permission = struct {
	Warn, Mute, Unmute, Kill, KickDead, KickSpecs, Kick, Broadcast, ToggleFood,
	TempBan, ASNBan, ClearBanList, ASNMute, ASNUnmute, ASNAdd, RestartServer,
	VPNCommand, MapCommand string
}{
	Warn:          "warn",
	Mute:          "mute",
	Unmute:        "unmute",
	Kill:          "kill",
	KickDead:      "kick_dead",
	KickSpecs:     "kick_specs",
	Kick:          "kick",
	Broadcast:     "broadcast",
	ToggleFood:    "toggle_food",
	TempBan:       "temp_ban",
	ASNBan:        "asn_ban",
	ClearBanList:  "clear_ban_list",
	ASNMute:       "asn_mute",
	ASNUnmute:     "asn_unmute",
	ASNAdd:        "asn_add",
	RestartServer: "restart_server",
	VPNCommand:    "vpn_command",
	MapCommand:    "map_command",
}

var knownPermissions = map[string]struct{}{
	Permission.Warn: {}, Permission.Mute: {}, Permission.Unmute: {}, Permission.Kill: {},
	Permission.KickDead: {}, Permission.KickSpecs: {}, Permission.Kick: {},
	Permission.Broadcast: {}, Permission.ToggleFood: {}, Permission.TempBan: {},
	Permission.ASNBan: {}, Permission.ClearBanList: {}, Permission.ASNMute: {},
	Permission.ASNUnmute: {}, Permission.ASNAdd: {}, Permission.RestartServer: {},
	Permission.VPNCommand: {}, Permission.MapCommand: {},
}

// Role is one entry of the rank hierarchy.
type Role struct {
	ID    string `json:"id" yaml:"id"`
	Name  string `json:"name" yaml:"name" jsonschema:"required,minLength=1"`
	Color string `json:"color" yaml:"color" jsonschema:"pattern=^#[0-9a-fA-F]{6}$"`
	Rank  int    `json:"rank" yaml:"rank" jsonschema:"required,minimum=0,maximum=1000,multipleOf=10"`
	// Locked roles are never edited or deleted by anyone but the superuser.
	Locked bool `json:"locked" yaml:"locked"`
	// SuperuserTier marks the single role whose holders bypass thresholds.
	SuperuserTier bool           `json:"superuser_tier" yaml:"superuser_tier"`
	DailyQuota    quota.Ceilings `json:"daily_quota,omitempty" yaml:"daily_quota,omitempty"`
	Permissions   map[string]int `json:"permissions,omitempty" yaml:"permissions,omitempty"`
}

// Clone returns a deep copy of r.
func (r Role) Clone() Role {
	out := r
	out.DailyQuota = r.DailyQuota.Clone()
	if r.Permissions != nil {
		out.Permissions = make(map[string]int, len(r.Permissions))
		for k, v := range r.Permissions {
			out.Permissions[k] = v
		}
	}
	return out
}

// Validate checks the name, rank, quota and permission constraints.
func (r Role) Validate() error {
	if strings.TrimSpace(r.Name) == "" {
		return validationError("name", "role name is required")
	}
	if err := ValidateRank(r.Rank); err != nil {
		return err
	}
	// Quota errors carry their own code; report them under ours.
	if err := r.DailyQuota.Validate(); err != nil {
		return oops.In("role").Code(CodeValidation).
			With("field", "daily_quota").
			With("role", r.Name).
			Errorf("%s", err.Error())
	}
	return ValidatePermissions(r.Permissions)
}

// ValidateRank checks that rank lies within bounds and on the rank interval.
func ValidateRank(rank int) error {
	if rank < MinRank || rank > MaxRank {
		return oops.In("role").Code(CodeValidation).
			With("field", "rank").
			With("rank", rank).
			Errorf("rank must be between %d and %d", MinRank, MaxRank)
	}
	if rank%RankInterval != 0 {
		return oops.In("role").Code(CodeValidation).
			With("field", "rank").
			With("rank", rank).
			Errorf("rank must be a multiple of %d", RankInterval)
	}
	return nil
}

// ValidatePermissions checks every level is within bounds and every action is
// known.
func ValidatePermissions(perms map[string]int) error {
	for action, level := range perms {
		if _, ok := knownPermissions[action]; !ok {
			return oops.In("role").Code(CodeValidation).
				With("field", "permissions").
				With("permission", action).
				Errorf("unknown permission %q", action)
		}
		if level < MinPermission || level > MaxPermission {
			return oops.In("role").Code(CodeValidation).
				With("field", "permissions").
				With("permission", action).
				With("level", level).
				Errorf("permission %s must be between %d and %d", action, MinPermission, MaxPermission)
		}
	}
	return nil
}

// KnownPermissions returns every recognised in-game permission name.
func KnownPermissions() []string {
	out := make([]string, 0, len(knownPermissions))
	for name := range knownPermissions {
		out = append(out, name)
	}
	return out
}

func validationError(field, msg string) error {
	return oops.In("role").Code(CodeValidation).With("field", field).Errorf("%s", msg)
}
