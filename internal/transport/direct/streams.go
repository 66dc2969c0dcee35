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

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	trawllog "github.com/trawlhq/trawl/internal/log"
	"github.com/trawlhq/trawl/internal/wire"
	trawlerrors "github.com/trawlhq/trawl/pkg/errors"
)

// requeueReason marks compensating enqueues so the master can tell a
// worker rejection from a fresh dispatch.
const requeueReason = "worker_rejected"

// PollTask hands out reclaimed deliveries first, then blocks on the
// ready stream. A nil task with a nil error is a quiet timeout.
func (t *Transport) PollTask(ctx context.Context, timeout time.Duration) (*wire.Task, error) {
	if task := t.popClaimed(); task != nil {
		return task, nil
	}
	if timeout <= 0 {
		timeout = time.Second
	}

	c := t.redis()
	streams, err := c.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    t.keys.WorkersGroup(),
		Consumer: t.cfg.WorkerID,
		Streams:  []string{t.keys.Ready(t.cfg.WorkerID), ">"},
		Count:    1,
		Block:    timeout,
	}).Result()
	if isNil(err) {
		t.noteSuccess()
		return nil, nil
	}
	if err != nil {
		return nil, t.pollFailure(ctx, "poll_task", err)
	}
	t.noteSuccess()

	if len(streams) == 0 || len(streams[0].Messages) == 0 {
		return nil, nil
	}
	msg := streams[0].Messages[0]

	task, err := wire.TaskFromFields(wire.Strings(msg.Values))
	if err != nil {
		// Poison entry: redelivery can never fix it, so park the raw
		// fields and settle the receipt.
		t.logger.Error("dead-lettering undecodable task entry",
			trawllog.String("entry_id", msg.ID), trawllog.Error(err))
		if perr := t.park(ctx, c, msg, 1, "undecodable payload: "+err.Error()); perr != nil {
			return nil, perr
		}
		return nil, nil
	}
	task.Receipt = msg.ID
	task.DeliveryCount = 1
	t.trackPending(msg.ID, msg.Values)
	return task, nil
}

// AckTask settles a delivery. accepted=true removes it for good.
// accepted=false re-adds the original payload to the ready stream and
// then acks this delivery, a compensating enqueue that preserves
// at-least-once.
func (t *Transport) AckTask(ctx context.Context, receipt string, accepted bool) error {
	if receipt == "" {
		return trawlerrors.Permanent("ack_task", errors.New("empty receipt"))
	}
	c := t.redis()
	ready := t.keys.Ready(t.cfg.WorkerID)
	group := t.keys.WorkersGroup()

	if accepted {
		if err := c.XAck(ctx, ready, group, receipt).Err(); err != nil {
			return trawlerrors.Transient("ack_task", err)
		}
		t.dropPending(receipt)
		return nil
	}

	fields := t.pendingFields(receipt)
	if fields == nil {
		// The delivery predates this process, so the payload is gone.
		// Leave the entry pending; the reclaim pass redelivers it.
		t.logger.Warn("requeue without cached payload, leaving for reclaim",
			trawllog.String("receipt", receipt))
		return nil
	}

	requeued := make(map[string]any, len(fields)+2)
	for k, v := range fields {
		requeued[k] = v
	}
	requeued["requeue_reason"] = requeueReason
	requeued["requeue_at"] = time.Now().UTC().Format(time.RFC3339Nano)

	pipe := c.TxPipeline()
	pipe.XAdd(ctx, &redis.XAddArgs{Stream: ready, Values: requeued})
	pipe.XAck(ctx, ready, group, receipt)
	if _, err := pipe.Exec(ctx); err != nil {
		return trawlerrors.Transient("ack_task", err)
	}
	t.dropPending(receipt)
	return nil
}

// ReportResult publishes the run outcome on the shared result stream.
// The master deduplicates by run_id, so a retried publish is harmless.
func (t *Transport) ReportResult(ctx context.Context, result *wire.TaskResult) error {
	fields := result.Fields()
	fields["worker_id"] = t.cfg.WorkerID
	err := t.redis().XAdd(ctx, &redis.XAddArgs{
		Stream: t.keys.Result(),
		Values: fields,
	}).Err()
	if err != nil {
		return trawlerrors.Transient("report_result", err)
	}
	return nil
}

// SendLog publishes one entry with its explicit "<ts_ms>-<seq>" ID.
// Redis rejecting the ID as not greater than the stream top means the
// entry is already stored, which is success.
func (t *Transport) SendLog(ctx context.Context, entry *wire.LogEntry) error {
	err := t.redis().XAdd(ctx, t.logAdd(entry)).Err()
	if err != nil && !idAlreadyStored(err) {
		return trawlerrors.Transient("send_log", err)
	}
	return nil
}

// SendLogBatch publishes entries through one pipeline. On error the
// caller re-sends the whole batch; entries that made it through the
// first attempt are absorbed by their explicit IDs.
func (t *Transport) SendLogBatch(ctx context.Context, entries []*wire.LogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	pipe := t.redis().Pipeline()
	for _, entry := range entries {
		pipe.XAdd(ctx, t.logAdd(entry))
	}
	cmds, err := pipe.Exec(ctx)
	if err != nil {
		for _, cmd := range cmds {
			if cerr := cmd.Err(); cerr != nil && !idAlreadyStored(cerr) {
				return trawlerrors.Transient("send_log_batch", cerr)
			}
		}
		if !idAlreadyStored(err) {
			return trawlerrors.Transient("send_log_batch", err)
		}
	}
	return nil
}

func (t *Transport) logAdd(entry *wire.LogEntry) *redis.XAddArgs {
	return &redis.XAddArgs{
		Stream: t.keys.Log(entry.RunID, entry.Stream),
		ID:     wire.LogEntryID(entry.Timestamp, entry.Seq),
		MaxLen: t.cfg.LogMaxLen,
		Approx: true,
		Values: entry.Fields(),
	}
}

// SendLogChunk publishes an oversize compressed run of entries on the
// per-run chunk stream. Chunks carry their sequence range in the
// fields, so they use auto IDs and downstream consumers deduplicate.
func (t *Transport) SendLogChunk(ctx context.Context, chunk *wire.LogChunk) error {
	err := t.redis().XAdd(ctx, &redis.XAddArgs{
		Stream: t.keys.Chunk(chunk.RunID),
		MaxLen: t.cfg.LogMaxLen,
		Approx: true,
		Values: chunk.Fields(),
	}).Err()
	if err != nil {
		return trawlerrors.Transient("send_log_chunk", err)
	}
	return nil
}

// SendHeartbeat writes the liveness hash and renews its TTL of three
// intervals, so a silent worker expires from the registry on its own.
func (t *Transport) SendHeartbeat(ctx context.Context, hb *wire.Heartbeat) error {
	key := t.keys.Heartbeat(t.cfg.WorkerID)
	ttl := 3 * t.heartbeatInterval()

	pipe := t.redis().TxPipeline()
	pipe.HSet(ctx, key, hb.Fields())
	pipe.Expire(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return trawlerrors.Transient("send_heartbeat", err)
	}
	return nil
}

// PollControl blocks on the per-worker and global control streams.
// Reading ">" moves every returned entry into this consumer's pending
// list, so extra entries are buffered and handed out on later polls
// rather than dropped.
func (t *Transport) PollControl(ctx context.Context, timeout time.Duration) (*wire.ControlMessage, error) {
	if msg := t.popControl(); msg != nil {
		return msg, nil
	}
	if timeout <= 0 {
		timeout = time.Second
	}

	c := t.redis()
	streams, err := c.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    t.keys.ControlGroup(),
		Consumer: t.cfg.WorkerID,
		Streams: []string{
			t.keys.ControlWorker(t.cfg.WorkerID),
			t.keys.ControlGlobal(),
			">", ">",
		},
		Count: 1,
		Block: timeout,
	}).Result()
	if isNil(err) {
		return nil, nil
	}
	if err != nil {
		return nil, t.pollFailure(ctx, "poll_control", err)
	}

	var first *wire.ControlMessage
	for _, s := range streams {
		for _, m := range s.Messages {
			msg, derr := wire.ControlFromFields(wire.Strings(m.Values))
			if derr != nil {
				t.logger.Error("dropping undecodable control entry",
					trawllog.String("stream", s.Stream),
					trawllog.String("entry_id", m.ID),
					trawllog.Error(derr))
				_ = c.XAck(ctx, s.Stream, t.keys.ControlGroup(), m.ID)
				continue
			}
			msg.Receipt = controlReceipt(s.Stream, m.ID)
			if first == nil {
				first = msg
			} else {
				t.pushControl(msg)
			}
		}
	}
	return first, nil
}

// AckControl settles a control delivery. The receipt names its source
// stream, so acking survives a process restart.
func (t *Transport) AckControl(ctx context.Context, receipt string) error {
	stream, id, err := splitControlReceipt(receipt)
	if err != nil {
		return err
	}
	if err := t.redis().XAck(ctx, stream, t.keys.ControlGroup(), id).Err(); err != nil {
		return trawlerrors.Transient("ack_control", err)
	}
	return nil
}

// ReportControlResult publishes a reply on the shared control reply
// stream. Replies carry worker_id and request_id for correlation.
func (t *Transport) ReportControlResult(ctx context.Context, result *wire.ControlResult) error {
	err := t.redis().XAdd(ctx, &redis.XAddArgs{
		Stream: t.keys.ControlResult(),
		MaxLen: controlResultMaxLen,
		Approx: true,
		Values: result.Fields(),
	}).Err()
	if err != nil {
		return trawlerrors.Transient("report_control_result", err)
	}
	return nil
}

// controlReceipt makes the receipt self-describing: control messages
// arrive from two streams and the ack must name the right one.
func controlReceipt(stream, id string) string {
	return stream + "|" + id
}

func splitControlReceipt(receipt string) (stream, id string, err error) {
	stream, id, ok := strings.Cut(receipt, "|")
	if !ok || stream == "" || id == "" {
		return "", "", trawlerrors.Permanent("ack_control", fmt.Errorf("malformed receipt %q", receipt))
	}
	return stream, id, nil
}

// idAlreadyStored matches the Redis rejection of an explicit XADD ID
// that is not greater than the stream's top entry. For idempotent log
// publication that rejection means the entry is already there.
func idAlreadyStored(err error) bool {
	return err != nil && strings.Contains(err.Error(), "equal or smaller")
}
