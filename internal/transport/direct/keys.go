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

package direct

import "github.com/trawlhq/trawl/internal/wire"

// Keys builds every Redis key the direct channel touches. Master and
// worker construct identical Keys from the shared namespace, so the
// layout lives in exactly one place.
type Keys struct {
	NS string
}

// Ready is the per-worker task delivery stream.
func (k Keys) Ready(workerID string) string {
	return k.NS + ":task:ready:" + workerID
}

// Result is the shared result stream the master tails.
func (k Keys) Result() string {
	return k.NS + ":task:result"
}

// DeadLetter is the shared parking stream for tasks past their
// delivery budget.
func (k Keys) DeadLetter() string {
	return k.NS + ":task:dead"
}

// Log is the per-run, per-stream log stream. Entry IDs are the
// explicit "<ts_ms>-<seq>" form; sequence counters are independent per
// stream, so each stream needs its own key for the IDs to stay
// monotonic.
func (k Keys) Log(runID string, stream wire.LogStream) string {
	return k.NS + ":log:stream:" + runID + ":" + string(stream)
}

// Chunk is the per-run oversize payload stream.
func (k Keys) Chunk(runID string) string {
	return k.NS + ":log:chunk:" + runID
}

// ControlWorker is the per-worker control stream.
func (k Keys) ControlWorker(workerID string) string {
	return k.NS + ":control:" + workerID
}

// ControlGlobal is the control stream shared by all workers. It is
// consumed through the same group as the per-worker streams, so each
// entry is handled by exactly one worker.
func (k Keys) ControlGlobal() string {
	return k.NS + ":control:global"
}

// ControlResult is the shared reply stream for control commands that
// expect an answer. Replies carry worker_id and request_id fields for
// correlation.
func (k Keys) ControlResult() string {
	return k.NS + ":control:result"
}

// Heartbeat is the per-worker liveness hash. The hash expires at three
// missed intervals.
func (k Keys) Heartbeat(workerID string) string {
	return k.NS + ":heartbeat:" + workerID
}

// Proof is the short-lived key a worker writes to prove it holds write
// access to the same Redis the master reads.
func (k Keys) Proof(workerID string) string {
	return k.NS + ":direct:proof:" + workerID
}

// WorkersGroup is the consumer group on ready streams.
func (k Keys) WorkersGroup() string {
	return k.NS + ":workers"
}

// ControlGroup is the consumer group on control streams.
func (k Keys) ControlGroup() string {
	return k.NS + ":control"
}

// MastersGroup is the consumer group masters share on the result
// stream, so each result is settled by exactly one master.
func (k Keys) MastersGroup() string {
	return k.NS + ":masters"
}
