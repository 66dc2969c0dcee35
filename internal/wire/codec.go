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

package wire

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// timeLayout is the canonical timestamp encoding. Decoding additionally
// accepts zone-less ISO 8601 timestamps produced by older workers.
const timeLayout = time.RFC3339Nano

const naiveTimeLayout = "2006-01-02T15:04:05.999999999"

// Strings flattens a stream message's value map to strings. Redis hands
// back all field values as strings already; anything else is formatted.
func Strings(values map[string]any) map[string]string {
	out := make(map[string]string, len(values))
	for k, v := range values {
		if s, ok := v.(string); ok {
			out[k] = s
			continue
		}
		out[k] = fmt.Sprint(v)
	}
	return out
}

// Fields encodes the task as a flat string map for stream publication.
func (t *Task) Fields() map[string]any {
	fields := map[string]any{
		"task_id":      t.TaskID,
		"run_id":       t.RunID,
		"project_id":   t.ProjectID,
		"project_type": string(t.ProjectType),
		"priority":     strconv.Itoa(t.Priority),
		"timeout":      strconv.Itoa(t.Timeout),
	}
	if t.DownloadURL != "" {
		fields["download_url"] = t.DownloadURL
	}
	if t.FileHash != "" {
		fields["file_hash"] = t.FileHash
	}
	if t.EntryPoint != "" {
		fields["entry_point"] = t.EntryPoint
	}
	if t.IsCompressed {
		fields["is_compressed"] = "true"
	}
	if len(t.Params) > 0 {
		fields["params"] = mustJSON(t.Params)
	}
	if len(t.Environment) > 0 {
		fields["environment"] = mustJSON(t.Environment)
	}
	return fields
}

// TaskFromFields decodes a task from a flat string map. The receipt and
// delivery count are transport concerns and are left for the caller to
// fill in.
func TaskFromFields(values map[string]string) (*Task, error) {
	t := &Task{
		TaskID:      values["task_id"],
		RunID:       values["run_id"],
		ProjectID:   values["project_id"],
		DownloadURL: values["download_url"],
		FileHash:    values["file_hash"],
		EntryPoint:  values["entry_point"],
	}
	if t.TaskID == "" {
		return nil, fmt.Errorf("decode task: missing task_id")
	}
	if t.RunID == "" {
		return nil, fmt.Errorf("decode task: missing run_id")
	}
	if t.ProjectID == "" {
		return nil, fmt.Errorf("decode task: missing project_id")
	}

	pt, err := ParseProjectType(values["project_type"])
	if err != nil {
		return nil, fmt.Errorf("decode task %s: %w", t.TaskID, err)
	}
	t.ProjectType = pt

	if t.Priority, err = intField(values, "priority"); err != nil {
		return nil, fmt.Errorf("decode task %s: %w", t.TaskID, err)
	}
	if t.Timeout, err = intField(values, "timeout"); err != nil {
		return nil, fmt.Errorf("decode task %s: %w", t.TaskID, err)
	}
	t.IsCompressed = boolField(values, "is_compressed")

	if raw := values["params"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &t.Params); err != nil {
			return nil, fmt.Errorf("decode task %s: params: %w", t.TaskID, err)
		}
	}
	if raw := values["environment"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &t.Environment); err != nil {
			return nil, fmt.Errorf("decode task %s: environment: %w", t.TaskID, err)
		}
	}
	return t, nil
}

// Fields encodes the result as a flat string map for stream publication.
func (r *TaskResult) Fields() map[string]any {
	fields := map[string]any{
		"run_id":      r.RunID,
		"task_id":     r.TaskID,
		"status":      string(r.Status),
		"exit_code":   strconv.Itoa(r.ExitCode),
		"duration_ms": strconv.FormatInt(r.DurationMs, 10),
	}
	if r.ProjectID != "" {
		fields["project_id"] = r.ProjectID
	}
	if r.ErrorMessage != "" {
		fields["error_message"] = r.ErrorMessage
	}
	if !r.StartedAt.IsZero() {
		fields["started_at"] = r.StartedAt.UTC().Format(timeLayout)
	}
	if !r.FinishedAt.IsZero() {
		fields["finished_at"] = r.FinishedAt.UTC().Format(timeLayout)
	}
	if len(r.Data) > 0 {
		fields["data"] = mustJSON(r.Data)
	}
	return fields
}

// ResultFromFields decodes a result from a flat string map.
func ResultFromFields(values map[string]string) (*TaskResult, error) {
	r := &TaskResult{
		RunID:        values["run_id"],
		TaskID:       values["task_id"],
		ProjectID:    values["project_id"],
		ErrorMessage: values["error_message"],
	}
	if r.RunID == "" {
		return nil, fmt.Errorf("decode result: missing run_id")
	}

	status, err := ParseStatus(values["status"])
	if err != nil {
		return nil, fmt.Errorf("decode result %s: %w", r.RunID, err)
	}
	r.Status = status

	if r.ExitCode, err = intField(values, "exit_code"); err != nil {
		return nil, fmt.Errorf("decode result %s: %w", r.RunID, err)
	}
	if r.DurationMs, err = int64Field(values, "duration_ms"); err != nil {
		return nil, fmt.Errorf("decode result %s: %w", r.RunID, err)
	}
	if r.StartedAt, err = timeField(values, "started_at"); err != nil {
		return nil, fmt.Errorf("decode result %s: %w", r.RunID, err)
	}
	if r.FinishedAt, err = timeField(values, "finished_at"); err != nil {
		return nil, fmt.Errorf("decode result %s: %w", r.RunID, err)
	}
	if raw := values["data"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &r.Data); err != nil {
			return nil, fmt.Errorf("decode result %s: data: %w", r.RunID, err)
		}
	}
	return r, nil
}

// Fields encodes the log entry for its per-run stream. The run id lives
// in the stream key, not the fields.
func (e *LogEntry) Fields() map[string]any {
	fields := map[string]any{
		"log_type":  string(e.Stream),
		"content":   e.Content,
		"timestamp": e.Timestamp.UTC().Format(timeLayout),
		"sequence":  strconv.FormatUint(e.Seq, 10),
	}
	if e.Level != "" {
		fields["level"] = e.Level
	}
	return fields
}

// LogEntryFromFields decodes a log entry read from runID's log stream.
func LogEntryFromFields(runID string, values map[string]string) (*LogEntry, error) {
	e := &LogEntry{
		RunID:   runID,
		Stream:  LogStream(values["log_type"]),
		Content: values["content"],
		Level:   values["level"],
	}
	switch e.Stream {
	case StreamStdout, StreamStderr, StreamSystem:
	default:
		return nil, fmt.Errorf("decode log entry: unknown log_type %q", values["log_type"])
	}

	seq, err := strconv.ParseUint(values["sequence"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("decode log entry: sequence: %w", err)
	}
	e.Seq = seq

	if e.Timestamp, err = timeField(values, "timestamp"); err != nil {
		return nil, fmt.Errorf("decode log entry: %w", err)
	}
	return e, nil
}

// Fields encodes the heartbeat for the worker's heartbeat hash.
func (h *Heartbeat) Fields() map[string]any {
	fields := map[string]any{
		"status":               h.Status,
		"cpu_percent":          strconv.FormatFloat(h.CPUPercent, 'f', 2, 64),
		"memory_percent":       strconv.FormatFloat(h.MemoryPercent, 'f', 2, 64),
		"disk_percent":         strconv.FormatFloat(h.DiskPercent, 'f', 2, 64),
		"running_tasks":        strconv.Itoa(h.RunningTasks),
		"max_concurrent_tasks": strconv.Itoa(h.MaxConcurrent),
		"timestamp":            h.Timestamp.UTC().Format(timeLayout),
	}
	if h.Name != "" {
		fields["name"] = h.Name
	}
	if h.Host != "" {
		fields["host"] = h.Host
	}
	if h.Port != 0 {
		fields["port"] = strconv.Itoa(h.Port)
	}
	if h.Region != "" {
		fields["region"] = h.Region
	}
	if h.Version != "" {
		fields["version"] = h.Version
	}
	if h.OSType != "" {
		fields["os_type"] = h.OSType
	}
	if h.OSVersion != "" {
		fields["os_version"] = h.OSVersion
	}
	if h.PythonVersion != "" {
		fields["python_version"] = h.PythonVersion
	}
	if h.MachineArch != "" {
		fields["machine_arch"] = h.MachineArch
	}
	if len(h.Capabilities) > 0 {
		fields["capabilities"] = mustJSON(h.Capabilities)
	}
	return fields
}

// HeartbeatFromFields decodes a heartbeat read from workerID's hash.
func HeartbeatFromFields(workerID string, values map[string]string) (*Heartbeat, error) {
	h := &Heartbeat{
		WorkerID:      workerID,
		Status:        values["status"],
		Name:          values["name"],
		Host:          values["host"],
		Region:        values["region"],
		Version:       values["version"],
		OSType:        values["os_type"],
		OSVersion:     values["os_version"],
		PythonVersion: values["python_version"],
		MachineArch:   values["machine_arch"],
	}
	var err error
	if h.CPUPercent, err = floatField(values, "cpu_percent"); err != nil {
		return nil, fmt.Errorf("decode heartbeat %s: %w", workerID, err)
	}
	if h.MemoryPercent, err = floatField(values, "memory_percent"); err != nil {
		return nil, fmt.Errorf("decode heartbeat %s: %w", workerID, err)
	}
	if h.DiskPercent, err = floatField(values, "disk_percent"); err != nil {
		return nil, fmt.Errorf("decode heartbeat %s: %w", workerID, err)
	}
	if h.RunningTasks, err = intField(values, "running_tasks"); err != nil {
		return nil, fmt.Errorf("decode heartbeat %s: %w", workerID, err)
	}
	if h.MaxConcurrent, err = intField(values, "max_concurrent_tasks"); err != nil {
		return nil, fmt.Errorf("decode heartbeat %s: %w", workerID, err)
	}
	if h.Port, err = intField(values, "port"); err != nil {
		return nil, fmt.Errorf("decode heartbeat %s: %w", workerID, err)
	}
	if h.Timestamp, err = timeField(values, "timestamp"); err != nil {
		return nil, fmt.Errorf("decode heartbeat %s: %w", workerID, err)
	}
	if raw := values["capabilities"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &h.Capabilities); err != nil {
			return nil, fmt.Errorf("decode heartbeat %s: capabilities: %w", workerID, err)
		}
	}
	return h, nil
}

// Fields encodes the control message for a control stream.
func (m *ControlMessage) Fields() map[string]any {
	fields := map[string]any{
		"control_type": string(m.Type),
	}
	if m.TaskID != "" {
		fields["task_id"] = m.TaskID
	}
	if m.RunID != "" {
		fields["run_id"] = m.RunID
	}
	if len(m.Payload) > 0 {
		fields["payload"] = mustJSON(m.Payload)
	}
	return fields
}

// ControlFromFields decodes a control message from a flat string map.
func ControlFromFields(values map[string]string) (*ControlMessage, error) {
	ct, err := ParseControlType(values["control_type"])
	if err != nil {
		return nil, fmt.Errorf("decode control message: %w", err)
	}
	m := &ControlMessage{
		Type:   ct,
		TaskID: values["task_id"],
		RunID:  values["run_id"],
	}
	if raw := values["payload"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &m.Payload); err != nil {
			return nil, fmt.Errorf("decode control message: payload: %w", err)
		}
	}
	return m, nil
}

func mustJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		// Only maps of plain values reach here; a failure means a
		// programming error upstream.
		panic(fmt.Sprintf("wire: marshal %T: %v", v, err))
	}
	return string(b)
}

func intField(values map[string]string, key string) (int, error) {
	raw, ok := values[key]
	if !ok || raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("field %s: %w", key, err)
	}
	return n, nil
}

func int64Field(values map[string]string, key string) (int64, error) {
	raw, ok := values[key]
	if !ok || raw == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("field %s: %w", key, err)
	}
	return n, nil
}

func floatField(values map[string]string, key string) (float64, error) {
	raw, ok := values[key]
	if !ok || raw == "" {
		return 0, nil
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("field %s: %w", key, err)
	}
	return f, nil
}

func boolField(values map[string]string, key string) bool {
	switch values[key] {
	case "true", "1", "True":
		return true
	}
	return false
}

func timeField(values map[string]string, key string) (time.Time, error) {
	raw, ok := values[key]
	if !ok || raw == "" {
		return time.Time{}, nil
	}
	ts, err := time.Parse(timeLayout, raw)
	if err == nil {
		return ts, nil
	}
	if ts, naiveErr := time.Parse(naiveTimeLayout, raw); naiveErr == nil {
		return ts, nil
	}
	return time.Time{}, fmt.Errorf("field %s: %w", key, err)
}
