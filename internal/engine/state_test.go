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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trawlhq/trawl/internal/wire"
	trawlerrors "github.com/trawlhq/trawl/pkg/errors"
)

func TestRunLifecycleHappyPath(t *testing.T) {
	m := NewStateManager(nil)
	require.NoError(t, m.Add("run-1", "task-1"))

	info, ok := m.Get("run-1")
	require.True(t, ok)
	assert.Equal(t, RunQueued, info.State)
	assert.False(t, info.QueuedAt.IsZero())

	require.NoError(t, m.Transition("run-1", RunPreparing))
	require.NoError(t, m.Transition("run-1", RunRunning))

	info, _ = m.Get("run-1")
	assert.False(t, info.StartedAt.IsZero())

	require.NoError(t, m.Transition("run-1", RunCompleted))
	info, _ = m.Get("run-1")
	assert.Equal(t, RunCompleted, info.State)
}

func TestRunFailsDuringPreparation(t *testing.T) {
	m := NewStateManager(nil)
	require.NoError(t, m.Add("run-1", "task-1"))
	require.NoError(t, m.Transition("run-1", RunPreparing))
	assert.NoError(t, m.Transition("run-1", RunFailed))
}

func TestIllegalTransitionsRejected(t *testing.T) {
	tests := []struct {
		name string
		via  []RunState
		to   RunState
	}{
		{"queued cannot run", nil, RunRunning},
		{"queued cannot complete", nil, RunCompleted},
		{"queued cannot cancel", nil, RunCancelled},
		{"preparing cannot complete", []RunState{RunPreparing}, RunCompleted},
		{"preparing cannot cancel", []RunState{RunPreparing}, RunCancelled},
		{"preparing cannot time out", []RunState{RunPreparing}, RunTimeout},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewStateManager(nil)
			require.NoError(t, m.Add("run-1", "task-1"))
			before := RunQueued
			for _, s := range tt.via {
				require.NoError(t, m.Transition("run-1", s))
				before = s
			}

			err := m.Transition("run-1", tt.to)
			var stateErr *trawlerrors.StateError
			require.ErrorAs(t, err, &stateErr)
			assert.Equal(t, string(before), stateErr.From)
			assert.Equal(t, string(tt.to), stateErr.To)

			info, _ := m.Get("run-1")
			assert.Equal(t, before, info.State, "rejected transition must not move the run")
		})
	}
}

func TestTerminalStatesAbsorb(t *testing.T) {
	for _, terminal := range []RunState{RunCompleted, RunFailed, RunCancelled, RunTimeout} {
		t.Run(string(terminal), func(t *testing.T) {
			m := NewStateManager(nil)
			require.NoError(t, m.Add("run-1", "task-1"))
			require.NoError(t, m.Transition("run-1", RunPreparing))
			if terminal == RunFailed {
				require.NoError(t, m.Transition("run-1", RunFailed))
			} else {
				require.NoError(t, m.Transition("run-1", RunRunning))
				require.NoError(t, m.Transition("run-1", terminal))
			}

			for _, next := range []RunState{RunQueued, RunPreparing, RunRunning, RunCompleted, RunFailed} {
				assert.Error(t, m.Transition("run-1", next))
			}
			info, _ := m.Get("run-1")
			assert.Equal(t, terminal, info.State)
			assert.True(t, info.State.Terminal())
		})
	}
}

func TestDuplicateAddRejected(t *testing.T) {
	m := NewStateManager(nil)
	require.NoError(t, m.Add("run-1", "task-1"))

	err := m.Add("run-1", "task-1")
	var stateErr *trawlerrors.StateError
	assert.ErrorAs(t, err, &stateErr)

	// Removal frees the ID for a fresh delivery.
	m.Remove("run-1")
	assert.NoError(t, m.Add("run-1", "task-1"))
}

func TestTransitionUnknownRun(t *testing.T) {
	m := NewStateManager(nil)
	err := m.Transition("nope", RunPreparing)
	var nf *trawlerrors.NotFoundError
	assert.ErrorAs(t, err, &nf)
}

func TestStateCount(t *testing.T) {
	m := NewStateManager(nil)
	require.NoError(t, m.Add("r1", "t1"))
	require.NoError(t, m.Add("r2", "t2"))
	require.NoError(t, m.Add("r3", "t3"))
	require.NoError(t, m.Transition("r2", RunPreparing))
	require.NoError(t, m.Transition("r3", RunPreparing))
	require.NoError(t, m.Transition("r3", RunRunning))

	assert.Equal(t, 1, m.Count(RunQueued))
	assert.Equal(t, 2, m.Count(RunPreparing, RunRunning))
	assert.Equal(t, 0, m.Count(RunCompleted))
}

func TestStatusForMapsResultStatuses(t *testing.T) {
	assert.Equal(t, RunCompleted, StatusFor(wire.StatusSuccess))
	assert.Equal(t, RunFailed, StatusFor(wire.StatusFailed))
	assert.Equal(t, RunCancelled, StatusFor(wire.StatusCancelled))
	assert.Equal(t, RunTimeout, StatusFor(wire.StatusTimeout))
}
