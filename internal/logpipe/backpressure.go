// Copyright 2025 The Trawl Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package logpipe

import (
	"sync"
	"sync/atomic"
)

// PressureState classifies ring depth against the configured bounds.
type PressureState int

const (
	PressureNormal PressureState = iota
	PressureWarning
	PressureCritical
	PressureBlocked
)

func (s PressureState) String() string {
	switch s {
	case PressureNormal:
		return "NORMAL"
	case PressureWarning:
		return "WARNING"
	case PressureCritical:
		return "CRITICAL"
	case PressureBlocked:
		return "BLOCKED"
	default:
		return "UNKNOWN"
	}
}

// PressureListener observes state changes. Called outside the monitor
// lock, in Observe's goroutine.
type PressureListener func(old, new PressureState)

// pressureMonitor derives a backpressure state from ring depth.
// Thresholds are fractions of capacity; depth == capacity is BLOCKED
// regardless of thresholds.
type pressureMonitor struct {
	capacity   int
	warningAt  float64
	criticalAt float64
	listener   PressureListener

	mu      sync.Mutex
	state   PressureState
	dropped atomic.Int64
}

func newPressureMonitor(capacity int, warningAt, criticalAt float64, listener PressureListener) *pressureMonitor {
	if warningAt <= 0 || warningAt > 1 {
		warningAt = 0.5
	}
	if criticalAt <= warningAt || criticalAt > 1 {
		criticalAt = 0.8
	}
	return &pressureMonitor{
		capacity:   capacity,
		warningAt:  warningAt,
		criticalAt: criticalAt,
		listener:   listener,
	}
}

// Observe recomputes the state for the given depth, firing the
// listener when it changes. Returns the new state.
func (m *pressureMonitor) Observe(depth int) PressureState {
	next := m.classify(depth)

	m.mu.Lock()
	prev := m.state
	m.state = next
	m.mu.Unlock()

	if next != prev && m.listener != nil {
		m.listener(prev, next)
	}
	return next
}

func (m *pressureMonitor) classify(depth int) PressureState {
	if depth >= m.capacity {
		return PressureBlocked
	}
	frac := float64(depth) / float64(m.capacity)
	switch {
	case frac >= m.criticalAt:
		return PressureCritical
	case frac >= m.warningAt:
		return PressureWarning
	default:
		return PressureNormal
	}
}

// State returns the last observed state.
func (m *pressureMonitor) State() PressureState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Dropped records n shed entries.
func (m *pressureMonitor) Dropped(n int) {
	m.dropped.Add(int64(n))
}

// TotalDropped returns the running count of shed entries.
func (m *pressureMonitor) TotalDropped() int64 {
	return m.dropped.Load()
}
