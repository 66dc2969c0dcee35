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

package gateway

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/trawlhq/trawl/internal/gatewayapi"
	trawllog "github.com/trawlhq/trawl/internal/log"
	"github.com/trawlhq/trawl/internal/master/registry"
	"github.com/trawlhq/trawl/internal/wire"
	trawlerrors "github.com/trawlhq/trawl/pkg/errors"
)

// requeueReason marks compensating enqueues, same value a direct-mode
// worker writes, so the master cannot tell the modes apart here either.
const requeueReason = "worker_rejected"

// settledTTL is how long a rejection stays marked as settled. It only
// needs to outlive the client's retry window.
const settledTTL = time.Hour

// statusFrom maps internal errors onto gRPC codes that the worker-side
// transport classifies the same way the direct transport would.
func statusFrom(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	}
	var verr *trawlerrors.ValidationError
	if errors.As(err, &verr) {
		return status.Error(codes.InvalidArgument, verr.Error())
	}
	if trawlerrors.Retryable(err) {
		return status.Error(codes.Unavailable, err.Error())
	}
	return status.Error(codes.FailedPrecondition, err.Error())
}

func (s *Server) register(ctx context.Context, req *gatewayapi.RegisterRequest) (*gatewayapi.RegisterResponse, error) {
	workerID := workerFrom(ctx)
	if req.WorkerID != "" && req.WorkerID != workerID {
		return nil, status.Error(codes.PermissionDenied, "worker id does not match credentials")
	}

	if err := s.ensureGroups(ctx, workerID); err != nil {
		return nil, statusFrom(err)
	}

	info := &registry.WorkerInfo{WorkerID: workerID}
	if hb := req.Heartbeat; hb != nil {
		info.Name = hb.Name
		info.Host = hb.Host
		info.Port = hb.Port
		info.Region = hb.Region
		info.Version = hb.Version
		info.OSType = hb.OSType
		info.MachineArch = hb.MachineArch
		info.PythonVersion = hb.PythonVersion
		info.MaxConcurrent = hb.MaxConcurrent
		info.Capabilities = hb.Capabilities
	}
	if err := s.registry.Register(ctx, info); err != nil {
		return nil, statusFrom(err)
	}
	if hb := req.Heartbeat; hb != nil {
		hb.WorkerID = workerID
		if err := s.registry.Heartbeat(ctx, hb, 0); err != nil {
			return nil, statusFrom(err)
		}
	}

	s.logger.Info("worker registered through gateway",
		trawllog.String("worker_id", workerID))
	return &gatewayapi.RegisterResponse{
		WorkerID:                 workerID,
		HeartbeatIntervalSeconds: int(s.cfg.HeartbeatInterval.Seconds()),
	}, nil
}

// ensureGroups creates the worker's consumer group memberships,
// tolerating the BUSYGROUP answer an existing group produces.
func (s *Server) ensureGroups(ctx context.Context, workerID string) error {
	memberships := []struct{ stream, group string }{
		{s.keys.Ready(workerID), s.keys.WorkersGroup()},
		{s.keys.ControlWorker(workerID), s.keys.ControlGroup()},
		{s.keys.ControlGlobal(), s.keys.ControlGroup()},
	}
	for _, m := range memberships {
		err := s.client.XGroupCreateMkStream(ctx, m.stream, m.group, "0").Err()
		if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
			return trawlerrors.Transient("ensure_groups", err)
		}
	}
	return nil
}

// blockFor caps the server-side block of one poll. The client pads its
// RPC deadline past the timeout it asks for; the cap keeps one call
// from pinning a connection when a client asks for an hour.
func (s *Server) blockFor(timeoutMs int64) time.Duration {
	block := time.Duration(timeoutMs) * time.Millisecond
	if block <= 0 {
		block = time.Second
	}
	if block > s.cfg.PollMaxBlock {
		block = s.cfg.PollMaxBlock
	}
	return block
}

func (s *Server) pollTask(ctx context.Context, req *gatewayapi.PollTaskRequest) (*gatewayapi.PollTaskResponse, error) {
	workerID := workerFrom(ctx)
	ready := s.keys.Ready(workerID)

	streams, err := s.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    s.keys.WorkersGroup(),
		Consumer: workerID,
		Streams:  []string{ready, ">"},
		Count:    1,
		Block:    s.blockFor(req.TimeoutMs),
	}).Result()
	if errors.Is(err, redis.Nil) {
		return &gatewayapi.PollTaskResponse{}, nil
	}
	if err != nil {
		return nil, statusFrom(trawlerrors.Transient("poll_task", err))
	}
	if len(streams) == 0 || len(streams[0].Messages) == 0 {
		return &gatewayapi.PollTaskResponse{}, nil
	}
	msg := streams[0].Messages[0]

	task, derr := wire.TaskFromFields(wire.Strings(msg.Values))
	if derr != nil {
		s.logger.Error("dead-lettering undecodable task entry",
			trawllog.String("worker_id", workerID),
			trawllog.String("entry_id", msg.ID),
			trawllog.Error(derr))
		if perr := s.park(ctx, ready, msg, "undecodable payload: "+derr.Error()); perr != nil {
			return nil, statusFrom(perr)
		}
		return &gatewayapi.PollTaskResponse{}, nil
	}

	receipt, rerr := s.signer.mint(kindTask, workerID, ready, msg.ID, task.TaskID)
	if rerr != nil {
		return nil, status.Error(codes.Internal, "mint receipt")
	}
	return &gatewayapi.PollTaskResponse{
		Task:          task,
		Receipt:       receipt,
		DeliveryCount: 1,
	}, nil
}

// park moves an entry to the dead-letter stream and settles its
// delivery in one transaction.
func (s *Server) park(ctx context.Context, stream string, msg redis.XMessage, reason string) error {
	fields := make(map[string]any, len(msg.Values)+3)
	for k, v := range msg.Values {
		fields[k] = v
	}
	fields["dead_letter_reason"] = reason
	fields["delivery_count"] = strconv.Itoa(1)
	fields["dead_lettered_at"] = time.Now().UTC().Format(time.RFC3339Nano)

	pipe := s.client.TxPipeline()
	pipe.XAdd(ctx, &redis.XAddArgs{Stream: s.keys.DeadLetter(), Values: fields})
	pipe.XAck(ctx, stream, s.keys.WorkersGroup(), msg.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return trawlerrors.Transient("dead_letter", err)
	}
	if s.metrics != nil {
		s.metrics.DeadLettered.Inc()
	}
	return nil
}

func (s *Server) ackTask(ctx context.Context, req *gatewayapi.AckTaskRequest) (*gatewayapi.Ack, error) {
	workerID := workerFrom(ctx)
	claims, err := s.signer.verify(req.Receipt, kindTask, workerID)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, "invalid receipt")
	}
	group := s.keys.WorkersGroup()

	if req.Accepted {
		if err := s.client.XAck(ctx, claims.Stream, group, claims.EntryID).Err(); err != nil {
			return nil, statusFrom(trawlerrors.Transient("ack_task", err))
		}
		return &gatewayapi.Ack{Ok: true}, nil
	}

	// Rejection re-adds the original payload before acking, like a
	// direct-mode worker. The settled marker makes a replayed rejection
	// a no-op so a client retry cannot requeue twice.
	set, err := s.client.SetNX(ctx, s.settledKey(claims), 1, settledTTL).Result()
	if err != nil {
		return nil, statusFrom(trawlerrors.Transient("ack_task", err))
	}
	if !set {
		return &gatewayapi.Ack{Ok: true}, nil
	}

	entries, err := s.client.XRange(ctx, claims.Stream, claims.EntryID, claims.EntryID).Result()
	if err != nil {
		return nil, statusFrom(trawlerrors.Transient("ack_task", err))
	}
	if len(entries) == 0 {
		// Trimmed while pending. Nothing left to re-add; settle the
		// delivery and let the gap surface through the result stream.
		s.logger.Warn("rejected entry no longer in stream",
			trawllog.String("worker_id", workerID),
			trawllog.String("entry_id", claims.EntryID))
		if err := s.client.XAck(ctx, claims.Stream, group, claims.EntryID).Err(); err != nil {
			return nil, statusFrom(trawlerrors.Transient("ack_task", err))
		}
		return &gatewayapi.Ack{Ok: true}, nil
	}

	requeued := make(map[string]any, len(entries[0].Values)+2)
	for k, v := range entries[0].Values {
		requeued[k] = v
	}
	requeued["requeue_reason"] = requeueReason
	requeued["requeue_at"] = time.Now().UTC().Format(time.RFC3339Nano)

	pipe := s.client.TxPipeline()
	pipe.XAdd(ctx, &redis.XAddArgs{Stream: claims.Stream, Values: requeued})
	pipe.XAck(ctx, claims.Stream, group, claims.EntryID)
	if _, err := pipe.Exec(ctx); err != nil {
		// The marker burned but the requeue did not run; clear it so a
		// retry can.
		_ = s.client.Del(context.WithoutCancel(ctx), s.settledKey(claims)).Err()
		return nil, statusFrom(trawlerrors.Transient("ack_task", err))
	}
	s.logger.Info("task rejected and requeued",
		trawllog.String("worker_id", workerID),
		trawllog.String("task_id", claims.TaskID))
	return &gatewayapi.Ack{Ok: true}, nil
}

// settledKey identifies a delivery, not a receipt: redeliveries mint
// fresh receipts for the same entry and must share the marker.
func (s *Server) settledKey(claims *receiptClaims) string {
	sum := sha256.Sum256([]byte(claims.Stream + "|" + claims.EntryID))
	return s.keys.NS + ":gateway:settled:" + hex.EncodeToString(sum[:])
}

func (s *Server) reportResult(ctx context.Context, req *gatewayapi.ReportResultRequest) (*gatewayapi.Ack, error) {
	workerID := workerFrom(ctx)
	if req.Result == nil {
		return nil, status.Error(codes.InvalidArgument, "missing result")
	}
	fields := req.Result.Fields()
	fields["worker_id"] = workerID
	err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.keys.Result(),
		Values: fields,
	}).Err()
	if err != nil {
		return nil, statusFrom(trawlerrors.Transient("report_result", err))
	}
	return &gatewayapi.Ack{Ok: true}, nil
}

func (s *Server) sendLog(ctx context.Context, req *gatewayapi.SendLogRequest) (*gatewayapi.Ack, error) {
	if req.Entry == nil {
		return nil, status.Error(codes.InvalidArgument, "missing entry")
	}
	err := s.client.XAdd(ctx, s.logAdd(req.Entry)).Err()
	if err != nil && !idAlreadyStored(err) {
		return nil, statusFrom(trawlerrors.Transient("send_log", err))
	}
	return &gatewayapi.Ack{Ok: true}, nil
}

func (s *Server) sendLogBatch(ctx context.Context, req *gatewayapi.SendLogBatchRequest) (*gatewayapi.Ack, error) {
	if len(req.Entries) == 0 {
		return &gatewayapi.Ack{Ok: true}, nil
	}
	pipe := s.client.Pipeline()
	for _, entry := range req.Entries {
		pipe.XAdd(ctx, s.logAdd(entry))
	}
	cmds, err := pipe.Exec(ctx)
	if err != nil {
		for _, cmd := range cmds {
			if cerr := cmd.Err(); cerr != nil && !idAlreadyStored(cerr) {
				return nil, statusFrom(trawlerrors.Transient("send_log_batch", cerr))
			}
		}
		if !idAlreadyStored(err) {
			return nil, statusFrom(trawlerrors.Transient("send_log_batch", err))
		}
	}
	return &gatewayapi.Ack{Ok: true}, nil
}

// logAdd builds the same explicit-ID add a direct worker issues, so the
// entry IDs and dedup behavior are identical across modes.
func (s *Server) logAdd(entry *wire.LogEntry) *redis.XAddArgs {
	return &redis.XAddArgs{
		Stream: s.keys.Log(entry.RunID, entry.Stream),
		ID:     wire.LogEntryID(entry.Timestamp, entry.Seq),
		MaxLen: s.cfg.LogMaxLen,
		Approx: true,
		Values: entry.Fields(),
	}
}

func (s *Server) sendLogChunk(ctx context.Context, req *gatewayapi.SendLogChunkRequest) (*gatewayapi.Ack, error) {
	if req.Chunk == nil {
		return nil, status.Error(codes.InvalidArgument, "missing chunk")
	}
	err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.keys.Chunk(req.Chunk.RunID),
		MaxLen: s.cfg.LogMaxLen,
		Approx: true,
		Values: req.Chunk.Fields(),
	}).Err()
	if err != nil {
		return nil, statusFrom(trawlerrors.Transient("send_log_chunk", err))
	}
	return &gatewayapi.Ack{Ok: true}, nil
}

func (s *Server) sendHeartbeat(ctx context.Context, req *gatewayapi.SendHeartbeatRequest) (*gatewayapi.Ack, error) {
	workerID := workerFrom(ctx)
	hb := req.Heartbeat
	if hb == nil {
		return nil, status.Error(codes.InvalidArgument, "missing heartbeat")
	}
	hb.WorkerID = workerID

	// Delivery delay of the beat, best effort across clocks.
	var latency time.Duration
	if !hb.Timestamp.IsZero() {
		if d := time.Since(hb.Timestamp); d > 0 {
			latency = d
		}
	}
	if err := s.registry.Heartbeat(ctx, hb, latency); err != nil {
		return nil, statusFrom(err)
	}
	if err := s.registry.TouchLiveness(ctx, hb); err != nil {
		return nil, statusFrom(err)
	}
	return &gatewayapi.Ack{Ok: true}, nil
}

// idAlreadyStored matches the Redis rejection of an explicit XADD ID
// that is not greater than the stream's top entry, which for idempotent
// log publication means the entry is already there.
func idAlreadyStored(err error) bool {
	return err != nil && strings.Contains(err.Error(), "equal or smaller")
}
