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

// Package wire defines the messages exchanged between workers and the
// master: tasks, results, log entries, heartbeats and control commands.
// Both transports carry the same messages; the Direct transport encodes
// them as flat string maps on Redis streams, the Gateway transport as
// JSON frames. The codecs in this package are the single source of truth
// for field names.
package wire

import (
	"fmt"
	"time"
)

// ProjectType classifies what kind of artifact a task executes.
type ProjectType string

const (
	ProjectTypeCode   ProjectType = "code"
	ProjectTypeSpider ProjectType = "spider"
	ProjectTypeFile   ProjectType = "file"
)

// ParseProjectType validates a wire string against the known project types.
func ParseProjectType(s string) (ProjectType, error) {
	switch ProjectType(s) {
	case ProjectTypeCode, ProjectTypeSpider, ProjectTypeFile:
		return ProjectType(s), nil
	}
	return "", fmt.Errorf("unknown project type %q", s)
}

// Status is the terminal outcome of a run. The set is closed: transports
// and the engine reject anything outside it rather than passing raw
// strings through.
type Status string

const (
	StatusSuccess   Status = "success"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	StatusTimeout   Status = "timeout"
)

// ParseStatus validates a wire string against the known result statuses.
func ParseStatus(s string) (Status, error) {
	switch Status(s) {
	case StatusSuccess, StatusFailed, StatusCancelled, StatusTimeout:
		return Status(s), nil
	}
	return "", fmt.Errorf("unknown result status %q", s)
}

// Task is a unit of work delivered to a worker. Priority is ordered
// lower-is-higher: priority 1 dispatches before priority 5.
type Task struct {
	TaskID       string            `json:"task_id"`
	RunID        string            `json:"run_id"`
	ProjectID    string            `json:"project_id"`
	ProjectType  ProjectType       `json:"project_type"`
	Priority     int               `json:"priority"`
	Timeout      int               `json:"timeout"`
	DownloadURL  string            `json:"download_url,omitempty"`
	FileHash     string            `json:"file_hash,omitempty"`
	EntryPoint   string            `json:"entry_point,omitempty"`
	IsCompressed bool              `json:"is_compressed,omitempty"`
	Params       map[string]any    `json:"params,omitempty"`
	Environment  map[string]string `json:"environment,omitempty"`

	// Receipt identifies the delivered message to the transport that
	// produced it. It is assigned on delivery and never serialized with
	// the task itself.
	Receipt string `json:"-"`

	// DeliveryCount is how many times the transport has handed this task
	// to a consumer, sourced from the pending-entries list on reclaim.
	DeliveryCount int64 `json:"-"`
}

// TaskResult reports the outcome of one run back to the master.
// ProjectID routes the result to the right crawl queue shard.
type TaskResult struct {
	RunID        string         `json:"run_id"`
	TaskID       string         `json:"task_id"`
	ProjectID    string         `json:"project_id,omitempty"`
	Status       Status         `json:"status"`
	ExitCode     int            `json:"exit_code"`
	ErrorMessage string         `json:"error_message,omitempty"`
	StartedAt    time.Time      `json:"started_at"`
	FinishedAt   time.Time      `json:"finished_at"`
	DurationMs   int64          `json:"duration_ms"`
	Data         map[string]any `json:"data,omitempty"`
}

// LogStream names the origin of a log entry within a run.
type LogStream string

const (
	StreamStdout LogStream = "stdout"
	StreamStderr LogStream = "stderr"
	StreamSystem LogStream = "system"
)

// LogEntry is one line of run output. Seq starts at 1 and is contiguous
// within (run, stream); consumers deduplicate replays by (run_id, seq).
type LogEntry struct {
	RunID     string    `json:"run_id"`
	Stream    LogStream `json:"log_type"`
	Seq       uint64    `json:"sequence"`
	Timestamp time.Time `json:"timestamp"`
	Content   string    `json:"content"`
	Level     string    `json:"level,omitempty"`
}

// Capability describes an optional worker feature the dispatcher can
// steer matching tasks to, such as a browser engine.
type Capability struct {
	Enabled  bool   `json:"enabled"`
	Path     string `json:"path,omitempty"`
	Headless bool   `json:"headless,omitempty"`
}

// Heartbeat is the periodic liveness and load report. Consumers apply
// last-writer-wins semantics by Timestamp.
type Heartbeat struct {
	WorkerID      string                `json:"worker_id"`
	Status        string                `json:"status"`
	CPUPercent    float64               `json:"cpu_percent"`
	MemoryPercent float64               `json:"memory_percent"`
	DiskPercent   float64               `json:"disk_percent"`
	RunningTasks  int                   `json:"running_tasks"`
	MaxConcurrent int                   `json:"max_concurrent_tasks"`
	Timestamp     time.Time             `json:"timestamp"`
	Name          string                `json:"name,omitempty"`
	Host          string                `json:"host,omitempty"`
	Port          int                   `json:"port,omitempty"`
	Region        string                `json:"region,omitempty"`
	Version       string                `json:"version,omitempty"`
	OSType        string                `json:"os_type,omitempty"`
	OSVersion     string                `json:"os_version,omitempty"`
	PythonVersion string                `json:"python_version,omitempty"`
	MachineArch   string                `json:"machine_arch,omitempty"`
	Capabilities  map[string]Capability `json:"capabilities,omitempty"`
}

// ControlType identifies a control-plane command.
type ControlType string

const (
	ControlCancel        ControlType = "cancel"
	ControlKill          ControlType = "kill"
	ControlConfigUpdate  ControlType = "config_update"
	ControlRuntimeManage ControlType = "runtime_manage"
)

// ParseControlType validates a wire string against the known control types.
func ParseControlType(s string) (ControlType, error) {
	switch ControlType(s) {
	case ControlCancel, ControlKill, ControlConfigUpdate, ControlRuntimeManage:
		return ControlType(s), nil
	}
	return "", fmt.Errorf("unknown control type %q", s)
}

// ControlMessage is a command pushed from the master to a worker.
type ControlMessage struct {
	Type    ControlType    `json:"control_type"`
	TaskID  string         `json:"task_id,omitempty"`
	RunID   string         `json:"run_id,omitempty"`
	Payload map[string]any `json:"payload,omitempty"`

	// Receipt is assigned on delivery, as for Task.
	Receipt string `json:"-"`
}
