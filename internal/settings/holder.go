// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package settings

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/samber/oops"

	"github.com/holomush/membergate/internal/access"
	"github.com/holomush/membergate/internal/role"
)

// Fetcher loads the stored settings. found is false when none have been
// saved yet.
type Fetcher interface {
	GetSettings(ctx context.Context) (rec Record, found bool, err error)
}

// RoleLookup resolves role names. *role.Directory satisfies it.
type RoleLookup interface {
	Lookup(name string) (role.Role, bool)
}

// Flag is a feature toggle.
type Flag int

// Feature flags.
const (
	FlagMemberRegistration Flag = iota + 1
	FlagMapSubmission
	FlagTankSubmission
	// FlagAssignSuperuser is static configuration rather than a stored field.
	FlagAssignSuperuser
)

func (f Flag) String() string {
	switch f {
	case FlagMemberRegistration:
		return "member_registration"
	case FlagMapSubmission:
		return "map_submission"
	case FlagTankSubmission:
		return "tank_submission"
	case FlagAssignSuperuser:
		return "assign_superuser"
	default:
		return "unknown"
	}
}

// ContentThresholds are the static ranks that gate tank mutations.
type ContentThresholds struct {
	TankEdit       int `koanf:"min_rank_to_edit" json:"min_rank_to_edit"`
	TankEditStatus int `koanf:"min_rank_to_edit_status" json:"min_rank_to_edit_status"`
	TankDelete     int `koanf:"min_rank_to_delete" json:"min_rank_to_delete"`
}

// DefaultContentThresholds requires the maximum rank for every tank mutation.
func DefaultContentThresholds() ContentThresholds {
	return ContentThresholds{
		TankEdit:       role.MaxRank,
		TankEditStatus: role.MaxRank,
		TankDelete:     role.MaxRank,
	}
}

// HolderOption configures a Holder.
type HolderOption func(*Holder)

// WithContentThresholds sets the tank thresholds.
func WithContentThresholds(c ContentThresholds) HolderOption {
	return func(h *Holder) {
		h.content = c
	}
}

// WithAllowNewSuperusers sets the FlagAssignSuperuser toggle.
func WithAllowNewSuperusers(allow bool) HolderOption {
	return func(h *Holder) {
		h.allowNewSuperusers = allow
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) HolderOption {
	return func(h *Holder) {
		h.logger = l
	}
}

// Holder publishes the current settings record and resolves thresholds
// against the role directory.
type Holder struct {
	fetcher Fetcher
	roles   RoleLookup
	logger  *slog.Logger

	content            ContentThresholds
	allowNewSuperusers bool

	current  atomic.Pointer[Record]
	loaded   atomic.Bool
	reloadMu sync.Mutex
}

// NewHolder creates a Holder serving DefaultRecord until the first Reload.
func NewHolder(fetcher Fetcher, roles RoleLookup, opts ...HolderOption) *Holder {
	h := &Holder{
		fetcher: fetcher,
		roles:   roles,
		logger:  slog.Default(),
		content: DefaultContentThresholds(),
	}
	for _, opt := range opts {
		opt(h)
	}
	rec := DefaultRecord()
	h.current.Store(&rec)
	return h
}

// Reload fetches the stored settings and publishes them atomically.
func (h *Holder) Reload(ctx context.Context) error {
	h.reloadMu.Lock()
	defer h.reloadMu.Unlock()

	rec, found, err := h.fetcher.GetSettings(ctx)
	if err != nil {
		return oops.In("settings").Code("SETTINGS_RELOAD_FAILED").Wrap(err)
	}
	if !found {
		rec = DefaultRecord()
	}
	h.current.Store(&rec)
	h.loaded.Store(true)
	h.logger.DebugContext(ctx, "settings reloaded", "found", found)
	return nil
}

// Loaded reports whether at least one Reload succeeded.
func (h *Holder) Loaded() bool {
	return h.loaded.Load()
}

// Current returns a copy of the published record.
func (h *Holder) Current() Record {
	return *h.current.Load()
}

// rankOf resolves a threshold role name. A missing role yields MaxRank so a
// deleted role never opens a capability.
func (h *Holder) rankOf(name string) int {
	r, ok := h.roles.Lookup(name)
	if !ok {
		return role.MaxRank
	}
	return r.Rank
}

// ThresholdFor implements access.Thresholds.
func (h *Holder) ThresholdFor(c access.Capability) int {
	rec := h.current.Load()
	switch c {
	case access.EditUsername:
		return h.rankOf(rec.EditUsernameRole)
	case access.EditPasswordHash:
		return h.rankOf(rec.EditPasswordHashRole)
	case access.EditRole:
		return h.rankOf(rec.EditRoleRole)
	case access.EditStatus, access.EditMap, access.EditMapStatus:
		return h.rankOf(rec.EditStatusRole)
	case access.DeleteMember, access.DeleteMap:
		return h.rankOf(rec.DeleteMemberRole)
	case access.ManageRole:
		return h.rankOf(rec.ManageRoleRole)
	case access.DeleteRole:
		return h.rankOf(rec.DeleteRoleRole)
	case access.EditSettings:
		return h.rankOf(rec.EditSettingsRole)
	case access.ViewPasswordHash:
		return h.rankOf(rec.ViewPasswordHashRole)
	case access.ViewCountry:
		return h.rankOf(rec.ViewCountryRole)
	case access.EditTank:
		return h.content.TankEdit
	case access.EditTankStatus:
		return h.content.TankEditStatus
	case access.DeleteTank:
		return h.content.TankDelete
	default:
		return role.MaxRank
	}
}

// FeatureEnabled reports whether flag is on.
func (h *Holder) FeatureEnabled(flag Flag) bool {
	rec := h.current.Load()
	switch flag {
	case FlagMemberRegistration:
		return rec.AllowMemberRegistration
	case FlagMapSubmission:
		return rec.AllowMapSubmission
	case FlagTankSubmission:
		return rec.AllowTankSubmission
	case FlagAssignSuperuser:
		return h.allowNewSuperusers
	default:
		return false
	}
}

// References returns the settings fields that name roleName.
func (h *Holder) References(roleName string) []Field {
	return h.current.Load().References(roleName)
}

var _ access.Thresholds = (*Holder)(nil)
