// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package guard_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/holomush/membergate/internal/audit"
	"github.com/holomush/membergate/internal/guard"
	"github.com/holomush/membergate/internal/quota"
	"github.com/holomush/membergate/internal/role"
	"github.com/holomush/membergate/internal/settings"
)

const today = "2026-03-01"

func fixtureRoles() []role.Role {
	all := quota.Ceilings{}
	for _, k := range quota.AllKinds() {
		all[k] = 5
	}
	return []role.Role{
		{ID: "r-member", Name: "Member", Rank: 0},
		{ID: "r-helper", Name: "Helper", Rank: 100},
		{ID: "r-mod", Name: "Moderator", Rank: 500,
			DailyQuota: quota.Ceilings{quota.StatusChange: 3, quota.RoleChange: 2}},
		{ID: "r-trial", Name: "Trial", Rank: 600, DailyQuota: quota.Ceilings{quota.StatusChange: 1}},
		{ID: "r-admin", Name: "Admin", Rank: 900, DailyQuota: all},
		{ID: "r-dev", Name: "Developer", Rank: 1000, SuperuserTier: true},
	}
}

func fixtureSettings() settings.Record {
	rec := settings.DefaultRecord()
	rec.EditUsernameRole = "Admin"
	rec.EditPasswordHashRole = "Admin"
	rec.EditRoleRole = "Moderator"
	rec.EditStatusRole = "Moderator"
	rec.DeleteMemberRole = "Admin"
	rec.ManageRoleRole = "Admin"
	rec.DeleteRoleRole = "Admin"
	rec.EditSettingsRole = "Admin"
	rec.ViewPasswordHashRole = "Admin"
	rec.ViewCountryRole = "Moderator"
	return rec
}

type stubFetcher struct {
	mu  sync.Mutex
	rec settings.Record
}

func (s *stubFetcher) GetSettings(context.Context) (settings.Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rec, true, nil
}

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type env struct {
	guard   *guard.Guard
	dir     *role.Directory
	holder  *settings.Holder
	writer  *audit.MemoryWriter
	tracker *quota.Tracker
	clock   *testClock

	refsMu sync.Mutex
	refs   map[string]int
}

func (e *env) countRefs(_ context.Context, roleName string) (int, error) {
	e.refsMu.Lock()
	defer e.refsMu.Unlock()
	return e.refs[roleName], nil
}

func (e *env) setRefs(roleName string, n int) {
	e.refsMu.Lock()
	defer e.refsMu.Unlock()
	e.refs[roleName] = n
}

func (e *env) audits(outcome audit.Outcome) []audit.Entry {
	var out []audit.Entry
	for _, entry := range e.writer.Entries() {
		if entry.Outcome == outcome {
			out = append(out, entry)
		}
	}
	return out
}

func (e *env) used(t *testing.T, actorID string, kind quota.Kind) int {
	t.Helper()
	n, err := e.tracker.Used(context.Background(), actorID, kind, e.clockDay())
	require.NoError(t, err)
	return n
}

func (e *env) clockDay() string {
	return e.clock.now().UTC().Format(quota.DayLayout)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newEnv(t *testing.T, opts ...guard.Option) *env {
	t.Helper()
	ctx := context.Background()

	dir := role.NewDirectory(role.StaticLister(fixtureRoles()), role.WithLogger(discardLogger()))
	require.NoError(t, dir.Reload(ctx))

	holder := settings.NewHolder(&stubFetcher{rec: fixtureSettings()}, dir,
		settings.WithContentThresholds(settings.ContentThresholds{TankEdit: 500, TankEditStatus: 500, TankDelete: 900}),
		settings.WithLogger(discardLogger()))
	require.NoError(t, holder.Reload(ctx))

	writer := audit.NewMemoryWriter()
	recorder := audit.NewRecorder(writer,
		audit.WithWALPath(filepath.Join(t.TempDir(), "audit-wal.jsonl")),
		audit.WithLogger(discardLogger()))
	t.Cleanup(func() { _ = recorder.Close() })

	clk := &testClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	clock, err := quota.NewClock("UTC", quota.WithNow(clk.now))
	require.NoError(t, err)

	e := &env{
		dir:     dir,
		holder:  holder,
		writer:  writer,
		tracker: quota.NewTracker(nil),
		clock:   clk,
		refs:    map[string]int{},
	}

	base := []guard.Option{
		guard.WithTracker(e.tracker),
		guard.WithClock(clock),
		guard.WithQuotaDefaults(quota.Ceilings{quota.TankDelete: 2}),
		guard.WithSeedQuota(800, quota.Ceilings{quota.StatusChange: 10}),
		guard.WithReferenceChecker(guard.ReferenceFunc(e.countRefs)),
		guard.WithLogger(discardLogger()),
	}
	e.guard, err = guard.New(dir, holder, recorder, append(base, opts...)...)
	require.NoError(t, err)
	return e
}

func actor(id, roleName string) guard.Actor {
	return guard.Actor{ID: id, Username: id, Role: roleName, Status: guard.StatusActive}
}

func member(id, name, roleName string) guard.Target {
	return guard.Target{Kind: guard.EntityMember, ID: id, Name: name, Role: roleName}
}

func roleTarget(r role.Role) guard.Target {
	return guard.Target{Kind: guard.EntityRole, ID: r.ID, Name: r.Name}
}

type persistSpy struct {
	mu    sync.Mutex
	calls int
	last  []guard.FieldChange
	err   error
}

func (p *persistSpy) persist(_ context.Context, changes []guard.FieldChange) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	p.last = changes
	return p.err
}

func (p *persistSpy) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

type failingSink struct{}

func (failingSink) Record(context.Context, ...audit.Entry) error {
	return errors.New("audit store unavailable")
}

func plan(t *testing.T, schema guard.Schema, current, requested map[string]any) []guard.FieldChange {
	t.Helper()
	changes, err := guard.PlanChange(schema, current, requested)
	require.NoError(t, err)
	return changes
}
