// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package access

import "fmt"

// Effect is the outcome of a CanAct evaluation.
type Effect int

// Effect values.
const (
	EffectDeny            Effect = iota // deny
	EffectAllow                         // allow
	EffectSuperuserBypass               // superuser_bypass
)

var effectStrings = [...]string{
	"deny",
	"allow",
	"superuser_bypass",
}

func (e Effect) String() string {
	if e >= 0 && int(e) < len(effectStrings) {
		return effectStrings[e]
	}
	return fmt.Sprintf("unknown(%d)", int(e))
}

// Reason explains which rule produced a Decision. Reasons never carry the
// threshold values that were compared.
type Reason int

// Reason values.
const (
	ReasonNone Reason = iota
	ReasonSuperuser
	ReasonOwner
	ReasonThresholdMet
	ReasonSelfAction
	ReasonSuperuserRankNotAssignable
	ReasonLocked
	ReasonBelowThreshold
	ReasonTargetOutranks
	ReasonRankNotAssignable
	ReasonUnknownCapability
	ReasonInactive
	ReasonSuperuserOnly
)

var reasonStrings = [...]string{
	"none",
	"superuser",
	"owner",
	"threshold_met",
	"self_action",
	"superuser_rank_not_assignable",
	"locked",
	"below_threshold",
	"target_outranks",
	"rank_not_assignable",
	"unknown_capability",
	"inactive",
	"superuser_only",
}

func (r Reason) String() string {
	if r >= 0 && int(r) < len(reasonStrings) {
		return reasonStrings[r]
	}
	return fmt.Sprintf("unknown(%d)", int(r))
}

// Validation reports whether the denial concerns the requested value rather
// than the actor's authority.
func (r Reason) Validation() bool {
	return r == ReasonRankNotAssignable || r == ReasonSuperuserRankNotAssignable
}

// Decision is the result of a CanAct evaluation.
type Decision struct {
	allowed    bool
	Effect     Effect
	Reason     Reason
	Capability Capability
}

// NewDecision creates a Decision whose allowed flag is derived from effect.
func NewDecision(effect Effect, reason Reason, capability Capability) Decision {
	return Decision{
		allowed:    effect == EffectAllow || effect == EffectSuperuserBypass,
		Effect:     effect,
		Reason:     reason,
		Capability: capability,
	}
}

// Allowed returns whether the decision grants the capability.
func (d Decision) Allowed() bool {
	return d.allowed
}

// Validate checks that the allowed flag agrees with the effect.
func (d Decision) Validate() error {
	expect := d.Effect == EffectAllow || d.Effect == EffectSuperuserBypass
	if d.allowed != expect {
		return fmt.Errorf("decision invariant violated: allowed=%v but effect=%s", d.allowed, d.Effect)
	}
	return nil
}

func (d Decision) String() string {
	return fmt.Sprintf("%s %s (%s)", d.Effect, d.Capability, d.Reason)
}
