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

package dispatch

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/trawlhq/trawl/internal/master/registry"
)

func TestScoreIdleWorkerIsZero(t *testing.T) {
	w := &registry.WorkerInfo{WorkerID: "w1", MaxConcurrent: 4}
	assert.Zero(t, Score(w))
}

func TestScoreWeighsAllComponents(t *testing.T) {
	w := &registry.WorkerInfo{
		WorkerID:      "w1",
		CPUPercent:    50,
		MemoryPercent: 40,
		RunningTasks:  2,
		QueuedTasks:   2,
		MaxConcurrent: 8,
		LatencyMs:     100,
		TotalTasks:    10,
		TotalSuccess:  8,
	}
	// 0.30*50 + 0.25*40 + 0.20*50 + 0.15*25 + 0.10*20
	assert.InDelta(t, 40.75, Score(w), 0.001)
}

func TestTaskLoadClamps(t *testing.T) {
	assert.Equal(t, float64(100), taskLoad(&registry.WorkerInfo{}))
	assert.Equal(t, float64(100), taskLoad(&registry.WorkerInfo{
		RunningTasks: 10, QueuedTasks: 10, MaxConcurrent: 4,
	}))
	assert.InDelta(t, 50, taskLoad(&registry.WorkerInfo{
		RunningTasks: 1, QueuedTasks: 1, MaxConcurrent: 4,
	}), 0.001)
}

func TestLatencyScoreLogScale(t *testing.T) {
	assert.Zero(t, latencyScore(0))
	assert.Zero(t, latencyScore(5))
	assert.Zero(t, latencyScore(10))
	assert.InDelta(t, 25, latencyScore(100), 0.001)
	assert.InDelta(t, 50, latencyScore(1000), 0.001)
	assert.Equal(t, float64(100), latencyScore(1e9))
}

func TestEligibleCutoffs(t *testing.T) {
	base := func() *registry.WorkerInfo {
		return &registry.WorkerInfo{WorkerID: "w1", MaxConcurrent: 10}
	}

	assert.True(t, Eligible(base()))

	hot := base()
	hot.CPUPercent = 90
	assert.False(t, Eligible(hot))

	swapped := base()
	swapped.MemoryPercent = 95
	assert.False(t, Eligible(swapped))

	full := base()
	full.RunningTasks = 8
	assert.False(t, Eligible(full), "at the load cutoff")

	almost := base()
	almost.RunningTasks = 7
	assert.True(t, Eligible(almost))

	// Undeclared capacity never takes work.
	assert.False(t, Eligible(&registry.WorkerInfo{WorkerID: "w1"}))
}

func TestPickLowestScoreWins(t *testing.T) {
	idle := &registry.WorkerInfo{WorkerID: "w-idle", MaxConcurrent: 4}
	busy := &registry.WorkerInfo{WorkerID: "w-busy", MaxConcurrent: 4, CPUPercent: 70}

	assert.Same(t, idle, pick([]*registry.WorkerInfo{busy, idle}))
	assert.Nil(t, pick(nil))
}

func TestPickBreaksTiesByWorkerID(t *testing.T) {
	a := &registry.WorkerInfo{WorkerID: "w-a", MaxConcurrent: 4}
	b := &registry.WorkerInfo{WorkerID: "w-b", MaxConcurrent: 4}

	assert.Same(t, a, pick([]*registry.WorkerInfo{b, a}))
	assert.Same(t, a, pick([]*registry.WorkerInfo{a, b}))
}
