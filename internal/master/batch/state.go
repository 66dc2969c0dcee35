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

package batch

// BatchState is one stage of a crawl batch's lifecycle.
type BatchState string

const (
	BatchPending   BatchState = "PENDING"
	BatchRunning   BatchState = "RUNNING"
	BatchPaused    BatchState = "PAUSED"
	BatchCompleted BatchState = "COMPLETED"
	BatchFailed    BatchState = "FAILED"
	BatchCancelled BatchState = "CANCELLED"
)

// Terminal reports whether the state absorbs all further transitions.
func (s BatchState) Terminal() bool {
	switch s {
	case BatchCompleted, BatchFailed, BatchCancelled:
		return true
	}
	return false
}

var batchTransitions = map[BatchState][]BatchState{
	BatchPending: {BatchRunning, BatchCancelled},
	BatchRunning: {BatchPaused, BatchCompleted, BatchFailed, BatchCancelled},
	BatchPaused:  {BatchRunning, BatchCancelled},
}

func transitionAllowed(from, to BatchState) bool {
	for _, next := range batchTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
