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

package registry

import (
	"time"

	"github.com/trawlhq/trawl/internal/wire"
)

// Status is a worker's registry state.
type Status string

const (
	StatusOnline  Status = "online"
	StatusOffline Status = "offline"
)

// WorkerInfo is the master's view of one worker: identity from
// registration, load and liveness from heartbeats, totals from
// reported results. Stored as one JSON field in the registry hash.
type WorkerInfo struct {
	WorkerID      string    `json:"worker_id"`
	Name          string    `json:"name,omitempty"`
	Host          string    `json:"host,omitempty"`
	Port          int       `json:"port,omitempty"`
	Region        string    `json:"region,omitempty"`
	Version       string    `json:"version,omitempty"`
	OSType        string    `json:"os_type,omitempty"`
	MachineArch   string    `json:"machine_arch,omitempty"`
	PythonVersion string    `json:"python_version,omitempty"`
	Tags          []string  `json:"tags,omitempty"`
	BatchID       string    `json:"batch_id,omitempty"`
	Status        Status    `json:"status"`
	RegisteredAt  time.Time `json:"registered_at"`
	LastHeartbeat time.Time `json:"last_heartbeat"`

	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
	DiskPercent   float64 `json:"disk_percent"`
	RunningTasks  int     `json:"running_tasks"`
	QueuedTasks   int     `json:"queued_tasks"`
	MaxConcurrent int     `json:"max_concurrent"`

	// LatencyMs is the master-observed delivery delay of the last
	// heartbeat.
	LatencyMs float64 `json:"latency_ms"`

	TotalTasks   int64 `json:"total_tasks"`
	TotalSuccess int64 `json:"total_success"`

	Capabilities map[string]wire.Capability `json:"capabilities,omitempty"`
}

// Online reports whether the worker is currently considered alive.
func (w *WorkerInfo) Online() bool {
	return w.Status == StatusOnline
}

// SuccessRate is the percentage of reported results that succeeded. A
// worker with no history rates 100 so new workers are not penalized.
func (w *WorkerInfo) SuccessRate() float64 {
	if w.TotalTasks == 0 {
		return 100
	}
	return float64(w.TotalSuccess) / float64(w.TotalTasks) * 100
}

// absorb folds a heartbeat into the info. Identity fields only
// overwrite when the heartbeat carries them, so a minimal beat does
// not blank out registration data.
func (w *WorkerInfo) absorb(hb *wire.Heartbeat, at time.Time) {
	w.Status = StatusOnline
	w.LastHeartbeat = at
	w.CPUPercent = hb.CPUPercent
	w.MemoryPercent = hb.MemoryPercent
	w.DiskPercent = hb.DiskPercent
	w.RunningTasks = hb.RunningTasks
	if hb.MaxConcurrent > 0 {
		w.MaxConcurrent = hb.MaxConcurrent
	}
	if hb.Name != "" {
		w.Name = hb.Name
	}
	if hb.Host != "" {
		w.Host = hb.Host
	}
	if hb.Port > 0 {
		w.Port = hb.Port
	}
	if hb.Region != "" {
		w.Region = hb.Region
	}
	if hb.Version != "" {
		w.Version = hb.Version
	}
	if hb.OSType != "" {
		w.OSType = hb.OSType
	}
	if hb.PythonVersion != "" {
		w.PythonVersion = hb.PythonVersion
	}
	if hb.MachineArch != "" {
		w.MachineArch = hb.MachineArch
	}
	if hb.Capabilities != nil {
		w.Capabilities = hb.Capabilities
	}
}
