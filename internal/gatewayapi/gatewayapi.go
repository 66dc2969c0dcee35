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

// Package gatewayapi is the gRPC surface shared by the worker-side
// gateway transport and the master-side gateway server: service and
// method names, metadata keys, and the message envelopes. Envelopes
// wrap the wire structs and travel as JSON through a registered codec,
// so the gateway carries exactly the field sets the Redis streams do
// and there is no generated code to drift.
package gatewayapi

import (
	"github.com/trawlhq/trawl/internal/wire"
)

// ServiceName is the fully qualified gRPC service both sides implement
// against.
const ServiceName = "trawl.gateway.v1.GatewayService"

// Full method paths.
const (
	MethodRegister            = "/" + ServiceName + "/Register"
	MethodPollTask            = "/" + ServiceName + "/PollTask"
	MethodAckTask             = "/" + ServiceName + "/AckTask"
	MethodReportResult        = "/" + ServiceName + "/ReportResult"
	MethodSendLog             = "/" + ServiceName + "/SendLog"
	MethodSendLogBatch        = "/" + ServiceName + "/SendLogBatch"
	MethodSendLogChunk        = "/" + ServiceName + "/SendLogChunk"
	MethodSendHeartbeat       = "/" + ServiceName + "/SendHeartbeat"
	MethodPollControl         = "/" + ServiceName + "/PollControl"
	MethodAckControl          = "/" + ServiceName + "/AckControl"
	MethodReportControlResult = "/" + ServiceName + "/ReportControlResult"
	MethodWorkerStream        = "/" + ServiceName + "/WorkerStream"
)

// Metadata keys for API-key auth. Either both are present on every RPC
// or the channel authenticates with a client certificate.
const (
	MetaAPIKey   = "x-api-key"
	MetaWorkerID = "x-worker-id"
)

// RegisterRequest announces a worker to the gateway.
type RegisterRequest struct {
	WorkerID string `json:"worker_id"`
	// APIKey repeats the metadata credential so registration works the
	// same under mTLS, where no key metadata is attached.
	APIKey    string          `json:"api_key,omitempty"`
	Heartbeat *wire.Heartbeat `json:"heartbeat,omitempty"`
}

// RegisterResponse confirms identity and issues the reporting cadence.
type RegisterResponse struct {
	WorkerID string `json:"worker_id"`
	// HeartbeatIntervalSeconds is the cadence the master expects
	// reports at.
	HeartbeatIntervalSeconds int `json:"heartbeat_interval"`
}

// PollTaskRequest asks for the next task, blocking up to TimeoutMs.
type PollTaskRequest struct {
	TimeoutMs int64 `json:"timeout_ms"`
}

// PollTaskResponse carries at most one task. A nil Task means the poll
// timed out with nothing to do. DeliveryCount travels beside the task
// because it is delivery state, not task payload.
type PollTaskResponse struct {
	Task          *wire.Task `json:"task,omitempty"`
	Receipt       string     `json:"receipt,omitempty"`
	DeliveryCount int64      `json:"delivery_count,omitempty"`
}

// AckTaskRequest settles a delivery. TaskID keys the server's
// idempotency cache so a retried ack after a partial success is
// answered from cache.
type AckTaskRequest struct {
	Receipt  string `json:"receipt"`
	TaskID   string `json:"task_id,omitempty"`
	Accepted bool   `json:"accepted"`
}

// Ack is the generic confirmation response.
type Ack struct {
	Ok bool `json:"ok"`
}

// ReportResultRequest publishes a run's terminal outcome.
type ReportResultRequest struct {
	Result *wire.TaskResult `json:"result"`
}

// SendLogRequest publishes one log entry.
type SendLogRequest struct {
	Entry *wire.LogEntry `json:"entry"`
}

// SendLogBatchRequest publishes entries in order.
type SendLogBatchRequest struct {
	Entries []*wire.LogEntry `json:"entries"`
}

// SendLogChunkRequest publishes a compressed run of entries.
type SendLogChunkRequest struct {
	Chunk *wire.LogChunk `json:"chunk"`
}

// SendHeartbeatRequest publishes a liveness report.
type SendHeartbeatRequest struct {
	Heartbeat *wire.Heartbeat `json:"heartbeat"`
}

// PollControlRequest asks for the next control message, blocking up to
// TimeoutMs.
type PollControlRequest struct {
	TimeoutMs int64 `json:"timeout_ms"`
}

// PollControlResponse carries at most one control message.
type PollControlResponse struct {
	Message *wire.ControlMessage `json:"message,omitempty"`
	Receipt string               `json:"receipt,omitempty"`
}

// AckControlRequest settles a control delivery.
type AckControlRequest struct {
	Receipt string `json:"receipt"`
}

// ReportControlResultRequest publishes the worker's reply to a control
// command that expects one.
type ReportControlResultRequest struct {
	Result *wire.ControlResult `json:"result"`
}

// WorkerMessageKind discriminates worker-to-master stream messages.
type WorkerMessageKind string

const (
	// WorkerHello subscribes the stream to control pushes for a worker.
	WorkerHello WorkerMessageKind = "hello"
)

// WorkerMessage is one worker-to-master message on the bidi stream.
type WorkerMessage struct {
	Kind     WorkerMessageKind `json:"kind"`
	WorkerID string            `json:"worker_id,omitempty"`
}

// MasterMessageKind discriminates master-to-worker stream messages.
type MasterMessageKind string

const (
	// MasterControl pushes a control command; the worker settles it
	// through the unary AckControl with the attached receipt.
	MasterControl MasterMessageKind = "control"
)

// MasterMessage is one master-to-worker message on the bidi stream.
type MasterMessage struct {
	Kind    MasterMessageKind    `json:"kind"`
	Control *wire.ControlMessage `json:"control,omitempty"`
	Receipt string               `json:"receipt,omitempty"`
}
