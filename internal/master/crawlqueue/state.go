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

package crawlqueue

import "time"

// TaskState is one stage of a crawl task's lifecycle on the master.
// It is distinct from the worker-side run state: a task that times out
// or fails recoverably loops back through DISPATCHED until its retry
// budget runs out.
type TaskState string

const (
	TaskPending    TaskState = "PENDING"
	TaskDispatched TaskState = "DISPATCHED"
	TaskRunning    TaskState = "RUNNING"
	TaskSuccess    TaskState = "SUCCESS"
	TaskRetry      TaskState = "RETRY"
	TaskTimeout    TaskState = "TIMEOUT"
	TaskFailed     TaskState = "FAILED"
)

// Terminal reports whether the state absorbs all further transitions.
func (s TaskState) Terminal() bool {
	return s == TaskSuccess || s == TaskFailed
}

// taskTransitions is the full transition relation.
var taskTransitions = map[TaskState][]TaskState{
	TaskPending:    {TaskDispatched},
	TaskDispatched: {TaskRunning},
	TaskRunning:    {TaskSuccess, TaskRetry, TaskTimeout, TaskFailed},
	TaskRetry:      {TaskDispatched},
	TaskTimeout:    {TaskDispatched, TaskFailed},
}

func transitionAllowed(from, to TaskState) bool {
	for _, next := range taskTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// TaskStatus is the persisted lifecycle record of one crawl task, one
// JSON field in the project's status hash.
type TaskStatus struct {
	TaskID     string    `json:"task_id"`
	State      TaskState `json:"state"`
	RetryCount int       `json:"retry_count"`
	UpdatedAt  time.Time `json:"updated_at"`
}
