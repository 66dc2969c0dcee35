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

// ControlResult is a worker's reply to a control command that expects
// one (runtime_manage list/prewarm, config_update outcomes). RequestID
// echoes the command's payload request_id when present so the master
// can correlate replies on the shared reply stream.
type ControlResult struct {
	RequestID string         `json:"request_id,omitempty"`
	WorkerID  string         `json:"worker_id"`
	Type      ControlType    `json:"control_type"`
	Success   bool           `json:"success"`
	Message   string         `json:"message,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Fields encodes the result for the control reply stream.
func (r *ControlResult) Fields() map[string]any {
	fields := map[string]any{
		"worker_id":    r.WorkerID,
		"control_type": string(r.Type),
		"success":      strconv.FormatBool(r.Success),
		"timestamp":    r.Timestamp.UTC().Format(timeLayout),
	}
	if r.RequestID != "" {
		fields["request_id"] = r.RequestID
	}
	if r.Message != "" {
		fields["message"] = r.Message
	}
	if len(r.Data) > 0 {
		fields["data"] = mustJSON(r.Data)
	}
	return fields
}

// ControlResultFromFields decodes a control result from a flat string map.
func ControlResultFromFields(values map[string]string) (*ControlResult, error) {
	ct, err := ParseControlType(values["control_type"])
	if err != nil {
		return nil, fmt.Errorf("decode control result: %w", err)
	}
	r := &ControlResult{
		RequestID: values["request_id"],
		WorkerID:  values["worker_id"],
		Type:      ct,
		Success:   boolField(values, "success"),
		Message:   values["message"],
	}
	if r.WorkerID == "" {
		return nil, fmt.Errorf("decode control result: missing worker_id")
	}
	if r.Timestamp, err = timeField(values, "timestamp"); err != nil {
		return nil, fmt.Errorf("decode control result: %w", err)
	}
	if raw := values["data"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &r.Data); err != nil {
			return nil, fmt.Errorf("decode control result: data: %w", err)
		}
	}
	return r, nil
}
