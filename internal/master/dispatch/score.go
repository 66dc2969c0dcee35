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
	"math"

	"github.com/trawlhq/trawl/internal/master/registry"
)

// Load score weights. They sum to 1 so the score stays on a 0..100
// scale.
const (
	weightCPU     = 0.30
	weightMemory  = 0.25
	weightLoad    = 0.20
	weightLatency = 0.15
	weightFailure = 0.10
)

// Hard eligibility cutoffs: workers past these never receive new work
// regardless of score.
const (
	cpuCutoff    = 90
	memoryCutoff = 90
	loadCutoff   = 0.8
)

// Score rates a worker for dispatch. Lower is better.
func Score(w *registry.WorkerInfo) float64 {
	return weightCPU*w.CPUPercent +
		weightMemory*w.MemoryPercent +
		weightLoad*taskLoad(w) +
		weightLatency*latencyScore(w.LatencyMs) +
		weightFailure*(100-w.SuccessRate())
}

// taskLoad is queue pressure as a percentage of declared capacity. A
// worker that never declared capacity counts as full.
func taskLoad(w *registry.WorkerInfo) float64 {
	if w.MaxConcurrent <= 0 {
		return 100
	}
	load := float64(w.RunningTasks+w.QueuedTasks) / float64(w.MaxConcurrent) * 100
	return math.Min(100, load)
}

// latencyScore maps heartbeat delivery delay onto 0..100 on a log
// scale: 10ms and under scores 0, 100ms scores 25, the scale saturates
// around 100s.
func latencyScore(latencyMs float64) float64 {
	if latencyMs <= 0 {
		return 0
	}
	s := 25 * math.Log10(latencyMs/10)
	return math.Max(0, math.Min(100, s))
}

// Eligible reports whether a worker may take new work at all.
func Eligible(w *registry.WorkerInfo) bool {
	if w.CPUPercent >= cpuCutoff || w.MemoryPercent >= memoryCutoff {
		return false
	}
	return float64(w.RunningTasks) < loadCutoff*float64(w.MaxConcurrent)
}

// pick returns the lowest-scoring worker; ties break by worker_id so
// the choice is deterministic.
func pick(workers []*registry.WorkerInfo) *registry.WorkerInfo {
	var best *registry.WorkerInfo
	var bestScore float64
	for _, w := range workers {
		s := Score(w)
		switch {
		case best == nil, s < bestScore:
			best, bestScore = w, s
		case s == bestScore && w.WorkerID < best.WorkerID:
			best = w
		}
	}
	return best
}
