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

package engine

import (
	"log/slog"
	"sync"
	"time"

	trawllog "github.com/trawlhq/trawl/internal/log"
	"github.com/trawlhq/trawl/internal/wire"
	trawlerrors "github.com/trawlhq/trawl/pkg/errors"
)

// RunState is one stage of a run's lifecycle on this worker.
type RunState string

const (
	RunQueued    RunState = "QUEUED"
	RunPreparing RunState = "PREPARING"
	RunRunning   RunState = "RUNNING"
	RunCompleted RunState = "COMPLETED"
	RunFailed    RunState = "FAILED"
	RunCancelled RunState = "CANCELLED"
	RunTimeout   RunState = "TIMEOUT"
)

// Terminal reports whether the state absorbs all further transitions.
func (s RunState) Terminal() bool {
	switch s {
	case RunCompleted, RunFailed, RunCancelled, RunTimeout:
		return true
	}
	return false
}

// runTransitions is the full transition relation. PREPARING may fail
// directly when runtime resolution or the artifact fetch breaks; every
// terminal outcome otherwise requires passing through RUNNING.
var runTransitions = map[RunState][]RunState{
	RunQueued:    {RunPreparing},
	RunPreparing: {RunRunning, RunFailed},
	RunRunning:   {RunCompleted, RunFailed, RunCancelled, RunTimeout},
}

func transitionAllowed(from, to RunState) bool {
	for _, next := range runTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// RunInfo is the tracked state of one run.
type RunInfo struct {
	RunID     string
	TaskID    string
	State     RunState
	QueuedAt  time.Time
	StartedAt time.Time
	UpdatedAt time.Time
}

// StateManager tracks every run the engine has accepted, keyed by
// run ID. Rejected transitions leave the entry untouched.
type StateManager struct {
	mu     sync.RWMutex
	runs   map[string]*RunInfo
	logger *slog.Logger
}

// NewStateManager creates an empty state manager.
func NewStateManager(logger *slog.Logger) *StateManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &StateManager{
		runs:   make(map[string]*RunInfo),
		logger: trawllog.WithComponent(logger, "state"),
	}
}

// Add registers a run in QUEUED. A second Add for the same run ID is a
// duplicate delivery and is rejected.
func (m *StateManager) Add(runID, taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.runs[runID]; exists {
		return &trawlerrors.StateError{Entity: "run", ID: runID, From: "", To: string(RunQueued)}
	}
	now := time.Now()
	m.runs[runID] = &RunInfo{
		RunID:     runID,
		TaskID:    taskID,
		State:     RunQueued,
		QueuedAt:  now,
		UpdatedAt: now,
	}
	return nil
}

// Transition moves a run to a new state. Disallowed transitions are
// logged at warn level and rejected with a StateError; the entry keeps
// its current state.
func (m *StateManager) Transition(runID string, to RunState) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	info, ok := m.runs[runID]
	if !ok {
		return &trawlerrors.NotFoundError{Resource: "run", ID: runID}
	}
	if !transitionAllowed(info.State, to) {
		m.logger.Warn("transition rejected",
			slog.String(trawllog.RunIDKey, runID),
			slog.String("from", string(info.State)),
			slog.String("to", string(to)))
		return &trawlerrors.StateError{
			Entity: "run",
			ID:     runID,
			From:   string(info.State),
			To:     string(to),
		}
	}

	info.State = to
	info.UpdatedAt = time.Now()
	if to == RunRunning {
		info.StartedAt = info.UpdatedAt
	}
	return nil
}

// Get returns a copy of the run's state.
func (m *StateManager) Get(runID string) (RunInfo, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	info, ok := m.runs[runID]
	if !ok {
		return RunInfo{}, false
	}
	return *info, true
}

// Remove frees the run's entry, normally after its terminal state has
// been reported.
func (m *StateManager) Remove(runID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.runs, runID)
}

// Count returns how many tracked runs are in any of the given states.
func (m *StateManager) Count(states ...RunState) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, info := range m.runs {
		for _, s := range states {
			if info.State == s {
				n++
				break
			}
		}
	}
	return n
}

// StatusFor maps a process result status onto the run state it lands
// the run in.
func StatusFor(status wire.Status) RunState {
	switch status {
	case wire.StatusSuccess:
		return RunCompleted
	case wire.StatusCancelled:
		return RunCancelled
	case wire.StatusTimeout:
		return RunTimeout
	default:
		return RunFailed
	}
}
