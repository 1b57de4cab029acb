// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package accesstest provides test helpers for access control.
package accesstest

import (
	"sync"

	"github.com/holomush/membergate/internal/access"
)

// Uniform is a Thresholds that requires the same rank for every capability.
type Uniform int

// ThresholdFor returns the uniform rank.
func (u Uniform) ThresholdFor(_ access.Capability) int {
	return int(u)
}

// Open is a Thresholds that requires rank zero for everything.
type Open struct{}

// ThresholdFor always returns 0.
func (Open) ThresholdFor(_ access.Capability) int {
	return 0
}

// Closed is a Thresholds that requires an unreachable rank for everything.
type Closed struct{}

// ThresholdFor always returns a rank no role can hold.
func (Closed) ThresholdFor(_ access.Capability) int {
	return int(^uint(0) >> 1)
}

// MockThresholds is a Thresholds with per-capability overrides. Capabilities
// without an override use Default.
type MockThresholds struct {
	mu        sync.RWMutex
	Default   int
	overrides map[access.Capability]int
}

// NewMockThresholds creates a MockThresholds with the given default rank.
func NewMockThresholds(defaultRank int) *MockThresholds {
	return &MockThresholds{
		Default:   defaultRank,
		overrides: make(map[access.Capability]int),
	}
}

// Set overrides the threshold for one capability.
func (m *MockThresholds) Set(c access.Capability, rank int) *MockThresholds {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.overrides[c] = rank
	return m
}

// ThresholdFor implements access.Thresholds.
func (m *MockThresholds) ThresholdFor(c access.Capability) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if rank, ok := m.overrides[c]; ok {
		return rank
	}
	return m.Default
}

// Verify interfaces are satisfied.
var (
	_ access.Thresholds = Uniform(0)
	_ access.Thresholds = Open{}
	_ access.Thresholds = Closed{}
	_ access.Thresholds = (*MockThresholds)(nil)
)
