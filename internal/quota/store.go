// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package quota

import (
	"context"
	"sort"
	"sync"
)

// Key identifies one counter.
type Key struct {
	Day     string
	ActorID string
	Kind    Kind
}

// Store persists committed counts. Missing counters read as zero.
type Store interface {
	Get(ctx context.Context, key Key) (int, error)
	// Increment adds one to the counter and returns the new value.
	Increment(ctx context.Context, key Key) (int, error)
}

// SharedStore holds in-flight reservations next to the committed counts so
// every process sharing the store sees them. Reserve checks and claims one
// unit atomically; exactly one of CommitReserved or ReleaseReserved follows.
type SharedStore interface {
	Store
	// Usage returns the committed and reserved counts for key.
	Usage(ctx context.Context, key Key) (used, pending int, err error)
	// Reserve claims one unit when used+pending is below ceiling.
	Reserve(ctx context.Context, key Key, ceiling int) (bool, error)
	// CommitReserved turns one reserved unit into a committed one and
	// returns the new committed count.
	CommitReserved(ctx context.Context, key Key) (int, error)
	// ReleaseReserved drops one reserved unit.
	ReleaseReserved(ctx context.Context, key Key) error
}

// DefaultRetainDays is how many day buckets MemoryStore keeps.
const DefaultRetainDays = 2

// MemoryStore is an in-process Store. Counters live in per-day buckets and
// buckets older than the retention window are dropped when a new day starts.
type MemoryStore struct {
	mu         sync.Mutex
	days       map[string]map[Key]int
	retainDays int
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		days:       make(map[string]map[Key]int),
		retainDays: DefaultRetainDays,
	}
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, key Key) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.days[key.Day][key], nil
}

// Increment implements Store.
func (s *MemoryStore) Increment(_ context.Context, key Key) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	bucket, ok := s.days[key.Day]
	if !ok {
		bucket = make(map[Key]int)
		s.days[key.Day] = bucket
		s.pruneLocked()
	}
	bucket[key]++
	return bucket[key], nil
}

// Days returns the day keys currently held, oldest first.
func (s *MemoryStore) Days() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sortedDaysLocked()
}

func (s *MemoryStore) sortedDaysLocked() []string {
	days := make([]string, 0, len(s.days))
	for d := range s.days {
		days = append(days, d)
	}
	sort.Strings(days)
	return days
}

// pruneLocked drops the oldest buckets beyond the retention window. Day keys
// sort chronologically.
func (s *MemoryStore) pruneLocked() {
	days := s.sortedDaysLocked()
	for len(days) > s.retainDays {
		delete(s.days, days[0])
		days = days[1:]
	}
}

var _ Store = (*MemoryStore)(nil)
