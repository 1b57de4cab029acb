// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package access_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/holomush/membergate/internal/access"
	"github.com/holomush/membergate/internal/access/accesstest"
)

func rank(v int) *int { return &v }

func TestResolver_CanAct(t *testing.T) {
	thresholds := accesstest.NewMockThresholds(1000).
		Set(access.EditStatus, 300).
		Set(access.EditRole, 500).
		Set(access.DeleteMember, 800).
		Set(access.EditTank, 700)
	resolver := access.NewResolver(thresholds)

	tests := []struct {
		name       string
		req        access.Request
		wantAllow  bool
		wantEffect access.Effect
		wantReason access.Reason
	}{
		{
			name: "moderator edits lower member status",
			req: access.Request{
				Capability: access.EditStatus, ActorID: "a", ActorRank: 500,
				TargetID: "b", TargetRanked: true, TargetRank: 100,
			},
			wantAllow: true, wantEffect: access.EffectAllow, wantReason: access.ReasonThresholdMet,
		},
		{
			name: "below threshold",
			req: access.Request{
				Capability: access.EditStatus, ActorID: "a", ActorRank: 200,
				TargetID: "b", TargetRanked: true, TargetRank: 100,
			},
			wantReason: access.ReasonBelowThreshold,
		},
		{
			name: "equal rank target is denied",
			req: access.Request{
				Capability: access.EditStatus, ActorID: "a", ActorRank: 500,
				TargetID: "b", TargetRanked: true, TargetRank: 500,
			},
			wantReason: access.ReasonTargetOutranks,
		},
		{
			name: "higher rank target is denied",
			req: access.Request{
				Capability: access.EditStatus, ActorID: "a", ActorRank: 500,
				TargetID: "b", TargetRanked: true, TargetRank: 900,
			},
			wantReason: access.ReasonTargetOutranks,
		},
		{
			name: "assigning own rank is not allowed",
			req: access.Request{
				Capability: access.EditRole, ActorID: "a", ActorRank: 500,
				TargetID: "b", TargetRanked: true, TargetRank: 100, AssignedRank: rank(500),
			},
			wantReason: access.ReasonRankNotAssignable,
		},
		{
			name: "assigning a lower rank is allowed",
			req: access.Request{
				Capability: access.EditRole, ActorID: "a", ActorRank: 500,
				TargetID: "b", TargetRanked: true, TargetRank: 100, AssignedRank: rank(400),
			},
			wantAllow: true, wantEffect: access.EffectAllow, wantReason: access.ReasonThresholdMet,
		},
		{
			name: "superuser bypasses thresholds",
			req: access.Request{
				Capability: access.EditUsername, ActorID: "dev", ActorRank: 1000, ActorSuperuser: true,
				TargetID: "b", TargetRanked: true, TargetRank: 1000,
			},
			wantAllow: true, wantEffect: access.EffectSuperuserBypass, wantReason: access.ReasonSuperuser,
		},
		{
			name: "superuser cannot delete self",
			req: access.Request{
				Capability: access.DeleteMember, ActorID: "dev", ActorRank: 1000, ActorSuperuser: true,
				TargetID: "dev", TargetRanked: true, TargetRank: 1000,
			},
			wantReason: access.ReasonSelfAction,
		},
		{
			name: "superuser may edit own status",
			req: access.Request{
				Capability: access.EditStatus, ActorID: "dev", ActorRank: 1000, ActorSuperuser: true,
				TargetID: "dev", TargetRanked: true, TargetRank: 1000,
			},
			wantAllow: true, wantEffect: access.EffectSuperuserBypass, wantReason: access.ReasonSuperuser,
		},
		{
			name: "non-superuser cannot edit self",
			req: access.Request{
				Capability: access.EditStatus, ActorID: "a", ActorRank: 500,
				TargetID: "a", TargetRanked: true, TargetRank: 500,
			},
			wantReason: access.ReasonTargetOutranks,
		},
		{
			name: "superuser tier rank not assignable",
			req: access.Request{
				Capability: access.EditRole, ActorID: "dev", ActorRank: 1000, ActorSuperuser: true,
				TargetID: "b", TargetRanked: true, TargetRank: 100,
				AssignedRank: rank(1000), SuperuserRank: 1000,
			},
			wantReason: access.ReasonSuperuserRankNotAssignable,
		},
		{
			name: "locked role denied for non-superuser",
			req: access.Request{
				Capability: access.ManageRole, ActorID: "a", ActorRank: 1000,
				TargetID: "r", TargetRanked: true, TargetRank: 100, TargetLocked: true,
			},
			wantReason: access.ReasonLocked,
		},
		{
			name: "locked role allowed for superuser",
			req: access.Request{
				Capability: access.DeleteRole, ActorID: "dev", ActorRank: 1000, ActorSuperuser: true,
				TargetID: "r", TargetRanked: true, TargetRank: 100, TargetLocked: true,
			},
			wantAllow: true, wantEffect: access.EffectSuperuserBypass, wantReason: access.ReasonSuperuser,
		},
		{
			name: "owner edits own tank below threshold",
			req: access.Request{
				Capability: access.EditTank, ActorID: "a", ActorRank: 0,
				TargetID: "t", ActorOwnsTarget: true,
			},
			wantAllow: true, wantEffect: access.EffectAllow, wantReason: access.ReasonOwner,
		},
		{
			name: "owner cannot change tank status without threshold",
			req: access.Request{
				Capability: access.EditTankStatus, ActorID: "a", ActorRank: 0,
				TargetID: "t", ActorOwnsTarget: true,
			},
			wantReason: access.ReasonBelowThreshold,
		},
		{
			name: "superuser-only field denied below superuser",
			req: access.Request{
				Capability: access.ManageRole, ActorID: "a", ActorRank: 900,
				TargetID: "r", TargetRanked: true, TargetRank: 100, SuperuserOnly: true,
			},
			wantReason: access.ReasonSuperuserOnly,
		},
		{
			name: "unknown capability",
			req: access.Request{
				Capability: access.Capability(999), ActorID: "dev", ActorSuperuser: true,
			},
			wantReason: access.ReasonUnknownCapability,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := resolver.CanAct(tt.req)
			require.NoError(t, d.Validate())
			assert.Equal(t, tt.wantAllow, d.Allowed())
			assert.Equal(t, tt.wantReason, d.Reason)
			assert.Equal(t, tt.req.Capability, d.Capability)
			if tt.wantAllow {
				assert.Equal(t, tt.wantEffect, d.Effect)
			} else {
				assert.Equal(t, access.EffectDeny, d.Effect)
			}
		})
	}
}

func TestResolver_SuperuserAllowedEverywhereExceptSelfAction(t *testing.T) {
	resolver := access.NewResolver(accesstest.Closed{})

	for _, c := range access.AllCapabilities() {
		t.Run(c.String(), func(t *testing.T) {
			d := resolver.CanAct(access.Request{
				Capability: c, ActorID: "dev", ActorRank: 1000, ActorSuperuser: true,
				TargetID: "other", TargetRanked: true, TargetRank: 1000,
			})
			assert.True(t, d.Allowed())

			self := resolver.CanAct(access.Request{
				Capability: c, ActorID: "dev", ActorRank: 1000, ActorSuperuser: true,
				TargetID: "dev", TargetRanked: true, TargetRank: 1000,
			})
			assert.Equal(t, !c.SelfProhibited(), self.Allowed())
		})
	}
}

func TestResolver_NeverExceedsTargetRank(t *testing.T) {
	resolver := access.NewResolver(accesstest.Open{})

	for _, c := range access.AllCapabilities() {
		for _, target := range []int{500, 600, 1000} {
			d := resolver.CanAct(access.Request{
				Capability: c, ActorID: "a", ActorRank: 500,
				TargetID: "b", TargetRanked: true, TargetRank: target,
			})
			assert.False(t, d.Allowed(), "%s against rank %d", c, target)
		}
	}
}

func TestResolver_AllowNewSuperusers(t *testing.T) {
	resolver := access.NewResolver(accesstest.Open{}, access.WithAllowNewSuperusers(true))
	assert.True(t, resolver.AllowsNewSuperusers())

	d := resolver.CanAct(access.Request{
		Capability: access.ManageRole, ActorID: "dev", ActorRank: 1000, ActorSuperuser: true,
		AssignedRank: rank(1000), SuperuserRank: 1000,
	})
	assert.True(t, d.Allowed())
}

func TestResolver_ThresholdFunc(t *testing.T) {
	resolver := access.NewResolver(access.ThresholdFunc(func(c access.Capability) int {
		if c == access.ViewCountry {
			return 100
		}
		return 1000
	}))

	assert.True(t, resolver.CanAct(access.Request{Capability: access.ViewCountry, ActorRank: 100}).Allowed())
	assert.False(t, resolver.CanAct(access.Request{Capability: access.ViewPasswordHash, ActorRank: 900}).Allowed())
}

func TestReason_Validation(t *testing.T) {
	assert.True(t, access.ReasonRankNotAssignable.Validation())
	assert.True(t, access.ReasonSuperuserRankNotAssignable.Validation())
	assert.False(t, access.ReasonBelowThreshold.Validation())
}

func TestDecision_ValidateDetectsInconsistency(t *testing.T) {
	d := access.Decision{Effect: access.EffectAllow}
	assert.Error(t, d.Validate())
	assert.Equal(t, "deny edit_status (self_action)",
		access.NewDecision(access.EffectDeny, access.ReasonSelfAction, access.EditStatus).String())
}

func TestParseCapability(t *testing.T) {
	for _, c := range access.AllCapabilities() {
		parsed, err := access.ParseCapability(c.String())
		require.NoError(t, err)
		assert.Equal(t, c, parsed)
	}

	_, err := access.ParseCapability("fly")
	require.Error(t, err)
	assert.Len(t, access.AllCapabilities(), 16)
}
