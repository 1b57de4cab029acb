// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package guard authorizes, meters, persists and audits administrative
// mutations as one unit.
//
// Every change is re-authorized at commit time against a single role
// snapshot. Quota is reserved before persistence and only consumed once the
// mutation committed, and every committed change leaves one audit record.
package guard

import (
	"context"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/holomush/membergate/internal/access"
	"github.com/holomush/membergate/internal/audit"
	"github.com/holomush/membergate/internal/logging"
	"github.com/holomush/membergate/internal/quota"
	"github.com/holomush/membergate/internal/role"
	"github.com/holomush/membergate/internal/settings"
	"github.com/holomush/membergate/pkg/errutil"
)

// Status is an account status.
type Status string

// Account statuses.
const (
	StatusActive    Status = "active"
	StatusInactive  Status = "inactive"
	StatusSuspended Status = "suspended"
)

// Actor is the authenticated account performing a mutation.
type Actor struct {
	ID       string
	Username string
	Role     string
	Status   Status
}

// Active reports whether the actor passes the status gate.
func (a Actor) Active() bool {
	return a.Status == StatusActive
}

// Target identifies the record a mutation touches. Role is the member's role
// name for member targets; Name is the current role name for role targets.
type Target struct {
	Kind    EntityKind
	ID      string
	Name    string
	Role    string
	OwnerID string
	Locked  bool
}

// Mutation is a set of changes an actor wants applied to one target.
type Mutation struct {
	Actor   Actor
	Target  Target
	Changes []FieldChange
}

// PersistFunc stores the changes. It is called at most once per Commit and
// must apply all changes or none.
type PersistFunc func(ctx context.Context, changes []FieldChange) error

// Outcome is the per-field result of a Commit.
type Outcome string

// Field outcomes.
const (
	OutcomeCommitted Outcome = "committed"
	OutcomeDenied    Outcome = "denied"
	OutcomeThrottled Outcome = "throttled"
	OutcomeInvalid   Outcome = "invalid"
	OutcomeFailed    Outcome = "failed"
	OutcomeSkipped   Outcome = "skipped"
)

// FieldResult reports what happened to one change.
type FieldResult struct {
	Field   string
	Outcome Outcome
}

// CommitResult describes a Commit.
type CommitResult struct {
	// NoOp is set when there was nothing to change.
	NoOp bool
	// Committed is set once persistence succeeded.
	Committed bool
	// AuditDegraded is set when the mutation committed but its audit records
	// could not be stored.
	AuditDegraded bool
	Fields        []FieldResult
	// Decision is the denying decision when authorization failed.
	Decision access.Decision
}

// RoleDirectory is the role source the guard reads. *role.Directory
// satisfies it.
type RoleDirectory interface {
	Snapshot() *role.Snapshot
	Reload(ctx context.Context) error
}

// PolicySettings is the settings source the guard reads. *settings.Holder
// satisfies it.
type PolicySettings interface {
	access.Thresholds
	FeatureEnabled(flag settings.Flag) bool
	References(roleName string) []settings.Field
	Reload(ctx context.Context) error
}

// AuditSink stores audit entries. *audit.Recorder satisfies it.
type AuditSink interface {
	Record(ctx context.Context, entries ...audit.Entry) error
}

// ReferenceChecker counts the accounts that carry a role name.
type ReferenceChecker interface {
	CountMembersWithRole(ctx context.Context, roleName string) (int, error)
}

// ReferenceFunc adapts a function to ReferenceChecker.
type ReferenceFunc func(ctx context.Context, roleName string) (int, error)

// CountMembersWithRole implements ReferenceChecker.
func (f ReferenceFunc) CountMembersWithRole(ctx context.Context, roleName string) (int, error) {
	return f(ctx, roleName)
}

type noReferences struct{}

func (noReferences) CountMembersWithRole(context.Context, string) (int, error) { return 0, nil }

// Option configures a Guard.
type Option func(*Guard)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *Guard) {
		g.logger = l
	}
}

// WithTracker sets the quota tracker. The default is an in-memory tracker.
func WithTracker(t *quota.Tracker) Option {
	return func(g *Guard) {
		g.quotas = t
	}
}

// WithClock sets the clock that produces quota day keys. The default is UTC.
func WithClock(c *quota.Clock) Option {
	return func(g *Guard) {
		g.clock = c
	}
}

// WithQuotaDefaults sets the ceilings used when a role has none for a kind.
func WithQuotaDefaults(c quota.Ceilings) Option {
	return func(g *Guard) {
		g.defaults = c.Clone()
	}
}

// WithSeedQuota gives roles created by non-superusers at or above minRank the
// given ceilings. A minRank of zero disables seeding.
func WithSeedQuota(minRank int, ceilings quota.Ceilings) Option {
	return func(g *Guard) {
		g.seedRank = minRank
		g.seedQuota = ceilings.Clone()
	}
}

// WithReferenceChecker sets the member reference source used by the role
// integrity guard.
func WithReferenceChecker(rc ReferenceChecker) Option {
	return func(g *Guard) {
		g.refs = rc
	}
}

// WithRegistry registers the guard's metrics with reg.
func WithRegistry(reg prometheus.Registerer) Option {
	return func(g *Guard) {
		g.decisions = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "membergate_guard_decisions_total",
			Help: "Authorization decisions by capability and effect.",
		}, []string{"capability", "effect"})
		g.commits = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "membergate_guard_commits_total",
			Help: "Commit attempts by entity and result.",
		}, []string{"entity", "result"})
		reg.MustRegister(g.decisions, g.commits)
	}
}

// Guard is the single entry point for administrative mutations.
type Guard struct {
	roles    RoleDirectory
	policy   PolicySettings
	recorder AuditSink
	resolver *access.Resolver
	quotas   *quota.Tracker
	clock    *quota.Clock
	refs     ReferenceChecker
	logger   *slog.Logger

	defaults  quota.Ceilings
	seedRank  int
	seedQuota quota.Ceilings

	decisions *prometheus.CounterVec
	commits   *prometheus.CounterVec
}

// New creates a Guard. The assign-superuser flag is read from policy once.
func New(roles RoleDirectory, policy PolicySettings, recorder AuditSink, opts ...Option) (*Guard, error) {
	g := &Guard{
		roles:    roles,
		policy:   policy,
		recorder: recorder,
		refs:     noReferences{},
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.quotas == nil {
		g.quotas = quota.NewTracker(nil)
	}
	if g.clock == nil {
		clock, err := quota.NewClock("UTC")
		if err != nil {
			return nil, ErrInternal("create clock", err)
		}
		g.clock = clock
	}
	g.resolver = access.NewResolver(policy,
		access.WithAllowNewSuperusers(policy.FeatureEnabled(settings.FlagAssignSuperuser)))
	return g, nil
}

// Resolver returns the resolver the guard evaluates decisions with.
func (g *Guard) Resolver() *access.Resolver {
	return g.resolver
}

func (g *Guard) countCommit(entity EntityKind, result string) {
	if g.commits != nil {
		g.commits.WithLabelValues(string(entity), result).Inc()
	}
}

func (g *Guard) countDecision(d access.Decision) {
	if g.decisions != nil {
		g.decisions.WithLabelValues(d.Capability.String(), d.Effect.String()).Inc()
	}
}

// request resolves every rank of an attempted capability from snap.
func (g *Guard) request(snap *role.Snapshot, actor Actor, target Target, c access.Capability) access.Request {
	req := access.Request{
		Capability:     c,
		ActorID:        actor.ID,
		ActorRank:      snap.RankOf(actor.Role),
		ActorSuperuser: snap.IsSuperuser(actor.Role),
		TargetID:       target.ID,
		SuperuserRank:  snap.SuperuserRank(),
	}

	switch target.Kind {
	case EntityMember:
		if target.ID != "" {
			req.TargetRanked = true
			req.TargetRank = snap.RankOf(target.Role)
		}
	case EntityRole:
		req.TargetLocked = target.Locked
		if r, ok := snap.Lookup(target.Name); ok && target.Name != "" {
			req.TargetRanked = true
			req.TargetRank = r.Rank
			req.TargetLocked = req.TargetLocked || r.Locked
		}
	case EntityTank, EntityMap:
		req.ActorOwnsTarget = target.OwnerID != "" && target.OwnerID == actor.ID
	}
	return req
}

// assignedRank returns the rank a change grants, if any.
func assignedRank(snap *role.Snapshot, c FieldChange) (*int, error) {
	switch {
	case c.Op == OpDelete:
		return nil, nil
	case c.Op == OpCreate && c.Spec.Assigns == AssignsRank:
		values, _ := c.New.(map[string]any)
		n, ok := asInt(values["rank"])
		if !ok {
			return nil, ErrValidation("rank", "role rank is required")
		}
		return &n, nil
	case c.Spec.Assigns == AssignsRoleName:
		name, _ := c.New.(string)
		r, ok := snap.Lookup(name)
		if !ok {
			return nil, ErrValidation(c.Field(), "unknown role")
		}
		return &r.Rank, nil
	case c.Spec.Assigns == AssignsRank:
		n, ok := asInt(c.New)
		if !ok {
			return nil, ErrValidation(c.Field(), "rank must be an integer")
		}
		return &n, nil
	}
	return nil, nil
}

// superuserOnly reports whether c touches a superuser-only field. A create
// only does when it sets such a field to a non-empty value.
func superuserOnly(schema Schema, c FieldChange) bool {
	if c.Op != OpCreate {
		return c.Spec.SuperuserOnly
	}
	values, _ := c.New.(map[string]any)
	for k, v := range values {
		if spec, ok := schema.Fields[k]; ok && spec.SuperuserOnly && nonEmpty(v) {
			return true
		}
	}
	return false
}

func schemaFor(kind EntityKind) Schema {
	switch kind {
	case EntityMember:
		return MemberSchema
	case EntityRole:
		return RoleSchema
	case EntitySettings:
		return SettingsSchema
	case EntityTank:
		return TankSchema
	case EntityMap:
		return MapSchema
	default:
		return Schema{Entity: kind}
	}
}

// decide authorizes one change. Denials are audited and returned as errors.
func (g *Guard) decide(ctx context.Context, snap *role.Snapshot, actor Actor, target Target, c FieldChange) (access.Decision, error) {
	if !actor.Active() {
		d := access.NewDecision(access.EffectDeny, access.ReasonInactive, c.Spec.Capability)
		g.countDecision(d)
		g.recordDenial(ctx, actor, target, c, d)
		return d, ErrUnauthorized(d)
	}

	assigned, err := assignedRank(snap, c)
	if err != nil {
		return access.Decision{}, err
	}

	req := g.request(snap, actor, target, c.Spec.Capability)
	req.AssignedRank = assigned
	req.SuperuserOnly = superuserOnly(schemaFor(target.Kind), c)

	d := g.resolver.CanAct(req)
	g.countDecision(d)
	if d.Allowed() {
		return d, nil
	}

	g.recordDenial(ctx, actor, target, c, d)
	if d.Reason.Validation() && assigned != nil {
		return d, ErrRankNotAllowed(d, *assigned)
	}
	return d, ErrUnauthorized(d)
}

func (g *Guard) recordDenial(ctx context.Context, actor Actor, target Target, c FieldChange, d access.Decision) {
	entry := entryFor(actor, target, c, describeDenied(actor, target, c), audit.OutcomeDenied)
	if err := g.recorder.Record(context.WithoutCancel(ctx), entry); err != nil {
		errutil.LogErrorContext(ctx, g.logger, "denied attempt not audited", err,
			"actor_id", actor.ID, "decision", d.String())
	}
	g.logger.InfoContext(ctx, "mutation denied",
		"actor_id", actor.ID, "entity", string(target.Kind), "entity_id", target.ID,
		"capability", d.Capability.String(), "reason", d.Reason.String())
}

// Authorize checks a single capability against target.
func (g *Guard) Authorize(ctx context.Context, actor Actor, target Target, c access.Capability) (access.Decision, error) {
	return g.decide(ctx, g.roles.Snapshot(), actor, target, FieldChange{Spec: FieldSpec{Capability: c}})
}

// Can reports whether actor holds c against target without auditing. It is
// meant for read-side checks such as revealing a password hash.
func (g *Guard) Can(actor Actor, target Target, c access.Capability) bool {
	if !actor.Active() {
		return false
	}
	return g.resolver.CanAct(g.request(g.roles.Snapshot(), actor, target, c)).Allowed()
}

// AuthorizeChanges validates and authorizes every change against target.
func (g *Guard) AuthorizeChanges(ctx context.Context, actor Actor, target Target, changes []FieldChange) error {
	snap := g.roles.Snapshot()
	for _, c := range changes {
		if err := g.validateChange(snap, target, c); err != nil {
			return err
		}
		if _, err := g.decide(ctx, snap, actor, target, c); err != nil {
			return err
		}
	}
	return nil
}

// Commit applies m through persist. Changes are re-authorized, quota is
// reserved per distinct kind, persist runs once, one audit record is written
// per change and only then is quota consumed. An empty mutation is a no-op.
func (g *Guard) Commit(ctx context.Context, m Mutation, persist PersistFunc) (CommitResult, error) {
	if len(m.Changes) == 0 {
		g.countCommit(m.Target.Kind, "noop")
		return CommitResult{NoOp: true}, nil
	}
	if err := ctx.Err(); err != nil {
		g.countCommit(m.Target.Kind, "cancelled")
		return CommitResult{}, errCancelled(err)
	}

	ctx = logging.WithAttrs(ctx,
		slog.String("actor_id", m.Actor.ID),
		slog.String("entity", string(m.Target.Kind)),
		slog.String("entity_id", m.Target.ID))

	res := CommitResult{Fields: make([]FieldResult, len(m.Changes))}
	for i, c := range m.Changes {
		res.Fields[i] = FieldResult{Field: c.Field(), Outcome: OutcomeSkipped}
	}

	snap := g.roles.Snapshot()
	for i, c := range m.Changes {
		if err := g.validateChange(snap, m.Target, c); err != nil {
			res.Fields[i].Outcome = OutcomeInvalid
			g.countCommit(m.Target.Kind, "invalid")
			return res, err
		}
		d, err := g.decide(ctx, snap, m.Actor, m.Target, c)
		if err != nil {
			if errutil.HasCode(err, CodeValidation) {
				res.Fields[i].Outcome = OutcomeInvalid
				g.countCommit(m.Target.Kind, "invalid")
			} else {
				res.Fields[i].Outcome = OutcomeDenied
				res.Decision = d
				g.countCommit(m.Target.Kind, "denied")
			}
			return res, err
		}
	}

	if err := g.checkIntegrity(ctx, m); err != nil {
		g.countCommit(m.Target.Kind, "conflict")
		return res, err
	}

	superuser := snap.IsSuperuser(m.Actor.Role)
	changes := g.seed(superuser, m.Changes)

	var reservations []*quota.Reservation
	if !superuser {
		day := g.clock.Today()
		for _, kind := range distinctKinds(changes) {
			r, err := g.quotas.Reserve(ctx, m.Actor.ID, kind, g.ceiling(snap, m.Actor.Role, kind), day)
			if err != nil {
				quota.ReleaseAll(reservations)
				if errutil.HasCode(err, CodeThrottled) {
					markKind(res.Fields, changes, kind, OutcomeThrottled)
					g.countCommit(m.Target.Kind, "throttled")
					return res, err
				}
				g.countCommit(m.Target.Kind, "internal")
				return res, ErrInternal("reserve quota", err)
			}
			reservations = append(reservations, r)
		}
	}

	if err := ctx.Err(); err != nil {
		quota.ReleaseAll(reservations)
		g.countCommit(m.Target.Kind, "cancelled")
		return res, errCancelled(err)
	}

	if err := persist(ctx, changes); err != nil {
		quota.ReleaseAll(reservations)
		for i := range res.Fields {
			res.Fields[i].Outcome = OutcomeFailed
		}
		g.countCommit(m.Target.Kind, "persist_failed")
		return res, errPersistFailed(m.Target.Kind, m.Target.ID, err)
	}

	res.Committed = true
	for i := range res.Fields {
		res.Fields[i].Outcome = OutcomeCommitted
	}

	// The mutation is durable; nothing after this point may be cancelled.
	detached := context.WithoutCancel(ctx)

	entries := make([]audit.Entry, 0, len(changes))
	for _, c := range changes {
		entries = append(entries, entryFor(m.Actor, m.Target, c, describe(m.Actor, m.Target, c), audit.OutcomeCommitted))
	}
	auditErr := g.recorder.Record(detached, entries...)

	for _, r := range reservations {
		if err := r.Commit(detached); err != nil {
			errutil.LogErrorContext(ctx, g.logger, "quota not consumed after commit", err,
				"actor_id", m.Actor.ID, "kind", string(r.Kind()))
		}
	}

	g.refresh(detached, m.Target.Kind)

	if auditErr != nil {
		res.AuditDegraded = true
		err := errAuditDegraded(m.Target.Kind, m.Target.ID, auditErr)
		errutil.LogErrorContext(ctx, g.logger, "mutation committed without audit", err,
			"actor_id", m.Actor.ID, "changes", len(changes))
		g.countCommit(m.Target.Kind, "audit_degraded")
		return res, err
	}

	g.countCommit(m.Target.Kind, "committed")
	return res, nil
}

// refresh reloads the source a committed mutation changed.
func (g *Guard) refresh(ctx context.Context, kind EntityKind) {
	var err error
	switch kind {
	case EntityRole:
		err = g.roles.Reload(ctx)
	case EntitySettings:
		err = g.policy.Reload(ctx)
	default:
		return
	}
	if err != nil {
		errutil.LogErrorContext(ctx, g.logger, "reload after commit failed", err, "entity", string(kind))
	}
}

func distinctKinds(changes []FieldChange) []quota.Kind {
	var kinds []quota.Kind
	seen := make(map[quota.Kind]struct{})
	for _, c := range changes {
		if c.Spec.Quota == "" {
			continue
		}
		if _, ok := seen[c.Spec.Quota]; ok {
			continue
		}
		seen[c.Spec.Quota] = struct{}{}
		kinds = append(kinds, c.Spec.Quota)
	}
	return kinds
}

func markKind(results []FieldResult, changes []FieldChange, kind quota.Kind, outcome Outcome) {
	for i, c := range changes {
		if c.Spec.Quota == kind {
			results[i].Outcome = outcome
		}
	}
}

// ceiling resolves the daily ceiling of kind for a role: the role's own
// quota, then the configured default, then zero.
func (g *Guard) ceiling(snap *role.Snapshot, roleName string, kind quota.Kind) int {
	if r, ok := snap.Lookup(roleName); ok {
		if v, ok := r.DailyQuota.Get(kind); ok {
			return v
		}
	}
	if v, ok := g.defaults.Get(kind); ok {
		return v
	}
	return 0
}

// Remaining returns how many more changes of kind actor may make today.
// The superuser is never metered: unlimited is true and remaining is zero.
func (g *Guard) Remaining(ctx context.Context, actor Actor, kind quota.Kind) (remaining int, unlimited bool, err error) {
	snap := g.roles.Snapshot()
	if snap.IsSuperuser(actor.Role) {
		return 0, true, nil
	}
	remaining, err = g.quotas.Remaining(ctx, actor.ID, kind, g.ceiling(snap, actor.Role, kind), g.clock.Today())
	return remaining, false, err
}

// SeedQuota returns the ceilings a role of the given rank receives when actor
// creates it. The superuser supplies quotas explicitly and gets nil.
func (g *Guard) SeedQuota(actor Actor, rank int) quota.Ceilings {
	if g.roles.Snapshot().IsSuperuser(actor.Role) {
		return nil
	}
	return g.seedFor(rank)
}

func (g *Guard) seedFor(rank int) quota.Ceilings {
	if g.seedRank <= 0 || rank < g.seedRank {
		return nil
	}
	return g.seedQuota.Clone()
}

// seed returns changes with seeded quotas applied to role creations made by
// non-superusers. The input slice is not modified.
func (g *Guard) seed(superuser bool, changes []FieldChange) []FieldChange {
	out := make([]FieldChange, len(changes))
	copy(out, changes)
	if superuser {
		return out
	}
	for i, c := range out {
		if c.Op != OpCreate || c.Spec.Capability != access.ManageRole {
			continue
		}
		values, _ := c.New.(map[string]any)
		rank, _ := asInt(values["rank"])
		seeded := g.seedFor(rank)
		if seeded == nil {
			continue
		}
		next := make(map[string]any, len(values)+1)
		for k, v := range values {
			next[k] = v
		}
		next["daily_quota"] = seeded
		out[i].New = next
	}
	return out
}

// RequireFeature fails with FEATURE_DISABLED when flag is off.
func (g *Guard) RequireFeature(flag settings.Flag) error {
	if !g.policy.FeatureEnabled(flag) {
		return ErrFeatureDisabled(flag.String())
	}
	return nil
}

// ReloadRoles reloads the role directory.
func (g *Guard) ReloadRoles(ctx context.Context) error {
	return g.roles.Reload(ctx)
}

// ReloadSettings reloads the policy settings.
func (g *Guard) ReloadSettings(ctx context.Context) error {
	return g.policy.Reload(ctx)
}

// RanksBelow lists the assignable rank values strictly below rank.
func (g *Guard) RanksBelow(rank int) []int {
	return role.RanksBelow(rank)
}

// AssignableRoles returns the roles actor may grant. The superuser may grant
// every role except the superuser tier unless new superusers are allowed.
func (g *Guard) AssignableRoles(actor Actor) []role.Role {
	snap := g.roles.Snapshot()
	switch {
	case !snap.IsSuperuser(actor.Role):
		return snap.RolesBelow(snap.RankOf(actor.Role))
	case g.resolver.AllowsNewSuperusers():
		return snap.Roles()
	default:
		return snap.RolesBelow(snap.SuperuserRank())
	}
}

// ThresholdFor returns the minimum rank for c.
func (g *Guard) ThresholdFor(c access.Capability) int {
	return g.policy.ThresholdFor(c)
}
