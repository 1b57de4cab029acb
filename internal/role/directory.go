// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package role

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/samber/oops"
)

// Lister fetches every role definition.
type Lister interface {
	ListRoles(ctx context.Context) ([]Role, error)
}

// StaticLister serves a fixed set of roles.
type StaticLister []Role

// ListRoles implements Lister.
func (s StaticLister) ListRoles(_ context.Context) ([]Role, error) {
	out := make([]Role, len(s))
	for i, r := range s {
		out[i] = r.Clone()
	}
	return out, nil
}

// Snapshot is an immutable view of the role hierarchy. It is safe for
// concurrent reads without locking.
type Snapshot struct {
	Version   uint64
	CreatedAt time.Time

	roles     []Role // ascending rank, ties broken by name
	byName    map[string]int
	byFold    map[string]int // lower-cased name
	superuser int // index into roles, -1 when none
}

// NewSnapshot validates roles and builds a snapshot. Names that differ only
// by case are duplicates. More than one superuser-tier role is rejected.
func NewSnapshot(roles []Role, version uint64) (*Snapshot, error) {
	sorted := make([]Role, len(roles))
	for i, r := range roles {
		if err := r.Validate(); err != nil {
			return nil, err
		}
		sorted[i] = r.Clone()
	}
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Rank != sorted[j].Rank {
			return sorted[i].Rank < sorted[j].Rank
		}
		return sorted[i].Name < sorted[j].Name
	})

	snap := &Snapshot{
		Version:   version,
		CreatedAt: time.Now(),
		roles:     sorted,
		byName:    make(map[string]int, len(sorted)),
		byFold:    make(map[string]int, len(sorted)),
		superuser: -1,
	}
	for i, r := range sorted {
		if j, dup := snap.byFold[foldName(r.Name)]; dup {
			return nil, oops.In("role").Code(CodeValidation).
				With("field", "name").
				With("role", r.Name).
				With("existing", sorted[j].Name).
				Errorf("duplicate role name %q", r.Name)
		}
		snap.byName[r.Name] = i
		snap.byFold[foldName(r.Name)] = i
		if r.SuperuserTier {
			if snap.superuser >= 0 {
				return nil, oops.In("role").Code("MULTIPLE_SUPERUSER_ROLES").
					With("roles", []string{sorted[snap.superuser].Name, r.Name}).
					Errorf("only one role may be superuser tier")
			}
			snap.superuser = i
		}
	}
	return snap, nil
}

// Lookup returns a copy of the named role.
func (s *Snapshot) Lookup(name string) (Role, bool) {
	i, ok := s.byName[name]
	if !ok {
		return Role{}, false
	}
	return s.roles[i].Clone(), true
}

// LookupFold returns a copy of the role whose name matches name ignoring
// case. Use it to detect name collisions; references resolve with Lookup.
func (s *Snapshot) LookupFold(name string) (Role, bool) {
	i, ok := s.byFold[foldName(name)]
	if !ok {
		return Role{}, false
	}
	return s.roles[i].Clone(), true
}

func foldName(name string) string {
	return strings.ToLower(name)
}

// RankOf returns the rank of the named role, or MinRank when it is unknown.
func (s *Snapshot) RankOf(name string) int {
	if i, ok := s.byName[name]; ok {
		return s.roles[i].Rank
	}
	return MinRank
}

// ColorOf returns the color of the named role, or DefaultColor.
func (s *Snapshot) ColorOf(name string) string {
	if i, ok := s.byName[name]; ok && s.roles[i].Color != "" {
		return s.roles[i].Color
	}
	return DefaultColor
}

// IsSuperuser reports whether the named role is the superuser tier.
func (s *Snapshot) IsSuperuser(name string) bool {
	i, ok := s.byName[name]
	return ok && i == s.superuser
}

// Superuser returns the superuser-tier role, if any.
func (s *Snapshot) Superuser() (Role, bool) {
	if s.superuser < 0 {
		return Role{}, false
	}
	return s.roles[s.superuser].Clone(), true
}

// SuperuserRank returns the rank of the superuser-tier role, or zero.
func (s *Snapshot) SuperuserRank() int {
	if s.superuser < 0 {
		return 0
	}
	return s.roles[s.superuser].Rank
}

// Roles returns copies of every role, ascending by rank.
func (s *Snapshot) Roles() []Role {
	out := make([]Role, len(s.roles))
	for i, r := range s.roles {
		out[i] = r.Clone()
	}
	return out
}

// RolesBelow returns the roles ranked strictly below rank, ascending.
func (s *Snapshot) RolesBelow(rank int) []Role {
	var out []Role
	for _, r := range s.roles {
		if r.Rank >= rank {
			break
		}
		out = append(out, r.Clone())
	}
	return out
}

// Len returns the number of roles.
func (s *Snapshot) Len() int {
	return len(s.roles)
}

// RanksBelow returns every rank on the interval strictly below rank, whether
// or not a role holds it.
func RanksBelow(rank int) []int {
	if rank > MaxRank+RankInterval {
		rank = MaxRank + RankInterval
	}
	var out []int
	for v := MinRank; v < rank; v += RankInterval {
		out = append(out, v)
	}
	return out
}

// DirectoryOption configures a Directory.
type DirectoryOption func(*Directory)

// WithLogger sets the logger used for reload failures.
func WithLogger(l *slog.Logger) DirectoryOption {
	return func(d *Directory) {
		d.logger = l
	}
}

// WithRegistry registers directory metrics with reg.
func WithRegistry(reg prometheus.Registerer) DirectoryOption {
	return func(d *Directory) {
		d.versionGauge = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "membergate_role_directory_version",
			Help: "Version of the currently published role snapshot",
		})
		d.reloadFailures = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "membergate_role_directory_reload_failures_total",
			Help: "Total number of failed role directory reloads",
		})
		reg.MustRegister(d.versionGauge, d.reloadFailures)
	}
}

// Directory publishes role snapshots. Readers always see one complete
// snapshot; Reload replaces it atomically.
type Directory struct {
	lister Lister
	logger *slog.Logger

	current  atomic.Pointer[Snapshot]
	reloadMu sync.Mutex

	versionGauge   prometheus.Gauge
	reloadFailures prometheus.Counter
}

// NewDirectory creates a Directory backed by lister. It serves an empty
// snapshot until the first Reload.
func NewDirectory(lister Lister, opts ...DirectoryOption) *Directory {
	d := &Directory{
		lister: lister,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	empty, _ := NewSnapshot(nil, 0) //nolint:errcheck // an empty role set always validates
	d.current.Store(empty)
	return d
}

// Reload fetches all roles and publishes a new snapshot with the next
// version. On failure the previous snapshot stays in place.
func (d *Directory) Reload(ctx context.Context) error {
	d.reloadMu.Lock()
	defer d.reloadMu.Unlock()

	roles, err := d.lister.ListRoles(ctx)
	if err != nil {
		d.recordFailure()
		return oops.In("role").Code("ROLE_RELOAD_FAILED").With("operation", "list roles").Wrap(err)
	}

	snap, err := NewSnapshot(roles, d.current.Load().Version+1)
	if err != nil {
		d.recordFailure()
		return oops.In("role").Code("ROLE_RELOAD_FAILED").With("operation", "build snapshot").Wrap(err)
	}

	d.current.Store(snap)
	if d.versionGauge != nil {
		d.versionGauge.Set(float64(snap.Version))
	}
	d.logger.DebugContext(ctx, "role directory reloaded", "version", snap.Version, "roles", snap.Len())
	return nil
}

func (d *Directory) recordFailure() {
	if d.reloadFailures != nil {
		d.reloadFailures.Inc()
	}
}

// Snapshot returns the current snapshot.
func (d *Directory) Snapshot() *Snapshot {
	return d.current.Load()
}

// Loaded reports whether at least one Reload succeeded.
func (d *Directory) Loaded() bool {
	return d.current.Load().Version > 0
}

// Version returns the current snapshot version.
func (d *Directory) Version() uint64 {
	return d.current.Load().Version
}

// Lookup returns the named role from the current snapshot.
func (d *Directory) Lookup(name string) (Role, bool) {
	return d.current.Load().Lookup(name)
}

// RankOf returns the rank of the named role, or MinRank when it is unknown.
func (d *Directory) RankOf(name string) int {
	return d.current.Load().RankOf(name)
}

// ColorOf returns the color of the named role.
func (d *Directory) ColorOf(name string) string {
	return d.current.Load().ColorOf(name)
}

// IsSuperuser reports whether the named role is the superuser tier.
func (d *Directory) IsSuperuser(name string) bool {
	return d.current.Load().IsSuperuser(name)
}

// Roles returns every role in the current snapshot.
func (d *Directory) Roles() []Role {
	return d.current.Load().Roles()
}

// RolesBelow returns the roles ranked strictly below rank.
func (d *Directory) RolesBelow(rank int) []Role {
	return d.current.Load().RolesBelow(rank)
}
