// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package access decides whether an actor may perform a guarded capability.
//
// The resolver is a pure function of its inputs: thresholds are supplied by a
// Thresholds implementation (normally the settings holder) and every rank is
// resolved by the caller before CanAct runs, so results never depend on which
// role snapshot a concurrent reload publishes mid-evaluation.
package access

// Thresholds resolves the minimum rank required for a capability.
// Implementations must fail closed by returning the maximum rank when the
// configured role no longer exists.
type Thresholds interface {
	ThresholdFor(c Capability) int
}

// ThresholdFunc adapts a plain function to the Thresholds interface.
type ThresholdFunc func(c Capability) int

// ThresholdFor implements Thresholds.
func (f ThresholdFunc) ThresholdFor(c Capability) int { return f(c) }

// Request carries everything CanAct needs about one attempted action.
type Request struct {
	Capability Capability

	ActorID        string
	ActorRank      int
	ActorSuperuser bool

	// TargetID is the id of the affected member, role or content item.
	TargetID string
	// TargetRanked is set when the target has a rank the actor must exceed
	// (a member's role rank or a role definition's rank).
	TargetRanked bool
	TargetRank   int
	// TargetLocked is set when the target is a locked role definition.
	TargetLocked bool
	// ActorOwnsTarget is set when the actor submitted the target content.
	ActorOwnsTarget bool

	// AssignedRank is the rank being granted, when the action assigns one
	// (changing a member's role, creating or re-ranking a role).
	AssignedRank *int
	// SuperuserRank is the rank of the superuser-tier role, zero when the
	// directory has none.
	SuperuserRank int
	// SuperuserOnly is set when the touched field is reserved to the superuser.
	SuperuserOnly bool
}

// Resolver evaluates CanAct.
type Resolver struct {
	thresholds         Thresholds
	allowNewSuperusers bool
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithAllowNewSuperusers permits assigning ranks at or above the superuser
// tier. It is off by default.
func WithAllowNewSuperusers(allow bool) ResolverOption {
	return func(r *Resolver) {
		r.allowNewSuperusers = allow
	}
}

// NewResolver creates a Resolver backed by the given thresholds.
func NewResolver(thresholds Thresholds, opts ...ResolverOption) *Resolver {
	r := &Resolver{thresholds: thresholds}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// AllowsNewSuperusers reports whether superuser-tier ranks may be assigned.
func (r *Resolver) AllowsNewSuperusers() bool {
	return r.allowNewSuperusers
}

// CanAct evaluates req. Rules apply in order and the first match wins:
//
//  1. self-prohibited capabilities on one's own account are denied
//  2. assigning a superuser-tier rank is denied unless enabled
//  3. the superuser is allowed
//  4. superuser-only fields are denied
//  5. locked role definitions are denied
//  6. owners are allowed for owner-permitted content capabilities
//  7. the actor's rank must meet the capability threshold
//  8. the actor must strictly outrank a ranked target
//  9. an assigned rank must be strictly below the actor's rank
func (r *Resolver) CanAct(req Request) Decision {
	c := req.Capability
	if !c.Valid() {
		return NewDecision(EffectDeny, ReasonUnknownCapability, c)
	}

	if c.SelfProhibited() && req.TargetID != "" && req.TargetID == req.ActorID {
		return NewDecision(EffectDeny, ReasonSelfAction, c)
	}

	if req.AssignedRank != nil && !r.allowNewSuperusers &&
		req.SuperuserRank > 0 && *req.AssignedRank >= req.SuperuserRank {
		return NewDecision(EffectDeny, ReasonSuperuserRankNotAssignable, c)
	}

	if req.ActorSuperuser {
		return NewDecision(EffectSuperuserBypass, ReasonSuperuser, c)
	}

	if req.SuperuserOnly {
		return NewDecision(EffectDeny, ReasonSuperuserOnly, c)
	}

	if c.TargetsRole() && req.TargetLocked {
		return NewDecision(EffectDeny, ReasonLocked, c)
	}

	if c.OwnerPermitted() && req.ActorOwnsTarget {
		return NewDecision(EffectAllow, ReasonOwner, c)
	}

	if req.ActorRank < r.thresholds.ThresholdFor(c) {
		return NewDecision(EffectDeny, ReasonBelowThreshold, c)
	}

	if req.TargetRanked && req.ActorRank <= req.TargetRank {
		return NewDecision(EffectDeny, ReasonTargetOutranks, c)
	}

	if req.AssignedRank != nil && *req.AssignedRank >= req.ActorRank {
		return NewDecision(EffectDeny, ReasonRankNotAssignable, c)
	}

	return NewDecision(EffectAllow, ReasonThresholdMet, c)
}
