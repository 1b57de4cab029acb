// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package quota

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/samber/oops"
)

// CodeThrottled is the error code returned when a ceiling is reached.
const CodeThrottled = "THROTTLED"

// ErrThrottled creates the error returned when actorID has no remaining
// allowance for kind today.
func ErrThrottled(kind Kind, ceiling int) error {
	return oops.In("quota").
		Code(CodeThrottled).
		With("kind", string(kind)).
		With("ceiling", ceiling).
		Errorf("exceeded daily limit for %s: %d", kind, ceiling)
}

// keyState tracks in-flight reservations for one key. The mutex serializes
// check-and-reserve so concurrent callers cannot both claim the last unit.
// With a SharedStore the store holds the pending count instead.
type keyState struct {
	mu      sync.Mutex
	pending int
	refs    int
}

// Tracker counts committed mutations and hands out reservations. It is safe
// for concurrent use.
type Tracker struct {
	store  Store
	shared SharedStore // non-nil when store also holds reservations

	mu   sync.Mutex
	keys map[Key]*keyState

	throttled *prometheus.CounterVec
	consumed  *prometheus.CounterVec
}

// TrackerOption configures a Tracker.
type TrackerOption func(*Tracker)

// WithRegistry registers quota metrics with reg.
func WithRegistry(reg prometheus.Registerer) TrackerOption {
	return func(t *Tracker) {
		t.throttled = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "membergate_quota_throttled_total",
			Help: "Total number of mutations rejected by a daily quota",
		}, []string{"kind"})
		t.consumed = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "membergate_quota_consumed_total",
			Help: "Total number of committed quota units",
		}, []string{"kind"})
		reg.MustRegister(t.throttled, t.consumed)
	}
}

// NewTracker creates a Tracker over store. A nil store uses a MemoryStore.
// When store is a SharedStore, reservations live in the store so trackers in
// other processes count them too.
func NewTracker(store Store, opts ...TrackerOption) *Tracker {
	if store == nil {
		store = NewMemoryStore()
	}
	t := &Tracker{
		store: store,
		keys:  make(map[Key]*keyState),
	}
	if shared, ok := store.(SharedStore); ok {
		t.shared = shared
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Tracker) acquire(key Key) *keyState {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.keys[key]
	if !ok {
		st = &keyState{}
		t.keys[key] = st
	}
	st.refs++
	return st
}

func (t *Tracker) releaseRef(key Key, st *keyState) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st.refs--
	if st.refs == 0 {
		delete(t.keys, key)
	}
}

// Remaining returns how many more units actorID may consume for kind on day.
// In-flight reservations count as consumed. The result is never negative.
func (t *Tracker) Remaining(ctx context.Context, actorID string, kind Kind, ceiling int, day string) (int, error) {
	key := Key{Day: day, ActorID: actorID, Kind: kind}
	st := t.acquire(key)
	defer t.releaseRef(key, st)

	st.mu.Lock()
	defer st.mu.Unlock()
	return t.remainingLocked(ctx, key, st, ceiling)
}

func (t *Tracker) remainingLocked(ctx context.Context, key Key, st *keyState, ceiling int) (int, error) {
	var used, pending int
	var err error
	if t.shared != nil {
		used, pending, err = t.shared.Usage(ctx, key)
	} else {
		used, err = t.store.Get(ctx, key)
		pending = st.pending
	}
	if err != nil {
		return 0, err
	}
	left := ceiling - used - pending
	if left < 0 {
		left = 0
	}
	return left, nil
}

// Used returns the committed count for actorID, kind and day.
func (t *Tracker) Used(ctx context.Context, actorID string, kind Kind, day string) (int, error) {
	return t.store.Get(ctx, Key{Day: day, ActorID: actorID, Kind: kind})
}

// Increment records one committed unit without a reservation.
func (t *Tracker) Increment(ctx context.Context, actorID string, kind Kind, day string) error {
	if _, err := t.store.Increment(ctx, Key{Day: day, ActorID: actorID, Kind: kind}); err != nil {
		return err
	}
	if t.consumed != nil {
		t.consumed.WithLabelValues(string(kind)).Inc()
	}
	return nil
}

// Reserve claims one unit of kind for actorID on day. The unit counts against
// Remaining until the reservation is committed or released. A ceiling of zero
// or less always throttles.
func (t *Tracker) Reserve(ctx context.Context, actorID string, kind Kind, ceiling int, day string) (*Reservation, error) {
	key := Key{Day: day, ActorID: actorID, Kind: kind}
	st := t.acquire(key)

	st.mu.Lock()
	granted, err := t.claimLocked(ctx, key, st, ceiling)
	if err != nil {
		st.mu.Unlock()
		t.releaseRef(key, st)
		return nil, err
	}
	if !granted {
		st.mu.Unlock()
		t.releaseRef(key, st)
		if t.throttled != nil {
			t.throttled.WithLabelValues(string(kind)).Inc()
		}
		return nil, ErrThrottled(kind, ceiling)
	}
	st.mu.Unlock()

	return &Reservation{tracker: t, key: key, state: st, ceiling: ceiling}, nil
}

// claimLocked takes one unit if the ceiling allows it. st.mu must be held.
func (t *Tracker) claimLocked(ctx context.Context, key Key, st *keyState, ceiling int) (bool, error) {
	if t.shared != nil {
		if ceiling <= 0 {
			return false, nil
		}
		return t.shared.Reserve(ctx, key, ceiling)
	}
	left, err := t.remainingLocked(ctx, key, st, ceiling)
	if err != nil || left <= 0 {
		return false, err
	}
	st.pending++
	return true, nil
}

// Reservation is one claimed unit. Exactly one of Commit or Release takes
// effect; later calls are no-ops.
type Reservation struct {
	tracker *Tracker
	key     Key
	state   *keyState
	ceiling int
	done    atomic.Bool
}

// Kind returns the reserved kind.
func (r *Reservation) Kind() Kind { return r.key.Kind }

// Ceiling returns the ceiling the reservation was checked against.
func (r *Reservation) Ceiling() int { return r.ceiling }

// Commit turns the reservation into a committed unit.
func (r *Reservation) Commit(ctx context.Context) error {
	if !r.done.CompareAndSwap(false, true) {
		return nil
	}
	defer r.finish()
	var err error
	if r.tracker.shared != nil {
		_, err = r.tracker.shared.CommitReserved(ctx, r.key)
	} else {
		_, err = r.tracker.store.Increment(ctx, r.key)
	}
	if err != nil {
		return err
	}
	if r.tracker.consumed != nil {
		r.tracker.consumed.WithLabelValues(string(r.key.Kind)).Inc()
	}
	return nil
}

// Release returns the unit without counting it. A shared reservation that
// cannot be released is reclaimed when the store expires it.
func (r *Reservation) Release() {
	if !r.done.CompareAndSwap(false, true) {
		return
	}
	if r.tracker.shared != nil {
		_ = r.tracker.shared.ReleaseReserved(context.Background(), r.key) //nolint:errcheck // expiry reclaims it
	}
	r.finish()
}

// finish drops the pending unit only after the store write so Remaining
// never briefly overstates the allowance.
func (r *Reservation) finish() {
	if r.tracker.shared == nil {
		r.state.mu.Lock()
		r.state.pending--
		r.state.mu.Unlock()
	}
	r.tracker.releaseRef(r.key, r.state)
}

// ReleaseAll releases every reservation in rs.
func ReleaseAll(rs []*Reservation) {
	for _, r := range rs {
		r.Release()
	}
}
