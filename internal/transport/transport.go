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

// Package transport defines the channel between a worker and the
// master. Two implementations exist: direct (Redis Streams, the worker
// talks to Redis itself) and gateway (gRPC through a master-side
// gateway). The engine, heartbeat reporter and log pipeline all program
// against the Transport interface and never see which mode is active.
package transport

import (
	"context"
	"time"

	"github.com/trawlhq/trawl/internal/wire"
)

// Registration is the master's answer to a successful Register call.
type Registration struct {
	// WorkerID confirms (or in gateway mode, may rewrite) the identity
	// the worker registered under.
	WorkerID string

	// HeartbeatInterval is the cadence the master expects reports at.
	HeartbeatInterval time.Duration
}

// Transport is the worker side of the worker-master channel.
//
// Delivery is at-least-once in both modes: every polled task and
// control message carries an opaque Receipt, and nothing is removed
// from the channel until the receipt is acked. Implementations return
// *errors.TransportError so callers can distinguish transient failures
// (retry with backoff) from permanent ones (surface and stop).
type Transport interface {
	// Register announces the worker to the master and proves the
	// channel works end to end. Called once before the first poll.
	Register(ctx context.Context, hb *wire.Heartbeat) (*Registration, error)

	// PollTask blocks up to timeout for the next task. A nil task with
	// a nil error means the poll timed out with nothing to do.
	PollTask(ctx context.Context, timeout time.Duration) (*wire.Task, error)

	// AckTask settles a delivered task. accepted=true removes it from
	// the channel for good; accepted=false requeues the original
	// payload for another worker and then removes this delivery.
	AckTask(ctx context.Context, receipt string, accepted bool) error

	// ReportResult publishes the terminal outcome of a run.
	ReportResult(ctx context.Context, result *wire.TaskResult) error

	// SendLog publishes a single log entry. Duplicate (run, seq) sends
	// are success: the entry is already stored.
	SendLog(ctx context.Context, entry *wire.LogEntry) error

	// SendLogBatch publishes entries in order. Partial success is not
	// reported; on error the caller re-sends the whole batch and
	// duplicates are absorbed downstream.
	SendLogBatch(ctx context.Context, entries []*wire.LogEntry) error

	// SendLogChunk publishes an oversize run of entries as one
	// compressed payload on the chunk channel.
	SendLogChunk(ctx context.Context, chunk *wire.LogChunk) error

	// SendHeartbeat publishes a liveness report.
	SendHeartbeat(ctx context.Context, hb *wire.Heartbeat) error

	// PollControl blocks up to timeout for the next control message,
	// from either the per-worker or the global control channel. A nil
	// message with a nil error means the poll timed out.
	PollControl(ctx context.Context, timeout time.Duration) (*wire.ControlMessage, error)

	// AckControl settles a delivered control message.
	AckControl(ctx context.Context, receipt string) error

	// ReportControlResult publishes the worker's reply to a control
	// command that expects one.
	ReportControlResult(ctx context.Context, result *wire.ControlResult) error

	// Reconnect tears down and rebuilds the channel after a detected
	// failure. Safe to call concurrently with in-flight operations;
	// those fail transiently and are retried by their callers.
	Reconnect(ctx context.Context) error

	// Connected reports whether the channel is currently usable.
	Connected() bool

	// Close releases the channel. No calls are valid afterwards.
	Close() error
}
