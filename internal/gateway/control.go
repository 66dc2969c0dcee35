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
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/trawlhq/trawl/internal/gatewayapi"
	trawllog "github.com/trawlhq/trawl/internal/log"
	"github.com/trawlhq/trawl/internal/wire"
	trawlerrors "github.com/trawlhq/trawl/pkg/errors"
)

const controlResultMaxLen = 4096

// hubBufferMax bounds buffered entries per worker. Overflow is dropped
// from memory only; the entries stay pending in Redis and come back
// through the idle claim.
const hubBufferMax = 64

// bufferedControl is a control entry read from Redis but not yet handed
// to the worker.
type bufferedControl struct {
	stream string
	id     string
	msg    *wire.ControlMessage
}

// controlHub buffers per-worker control entries: one group read can
// return an entry from both the worker and the global stream while a
// poll response carries exactly one.
type controlHub struct {
	mu  sync.Mutex
	buf map[string][]bufferedControl
}

func newControlHub() *controlHub {
	return &controlHub{buf: make(map[string][]bufferedControl)}
}

func (h *controlHub) pop(workerID string) (bufferedControl, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	q := h.buf[workerID]
	if len(q) == 0 {
		return bufferedControl{}, false
	}
	next := q[0]
	if len(q) == 1 {
		delete(h.buf, workerID)
	} else {
		h.buf[workerID] = q[1:]
	}
	return next, true
}

func (h *controlHub) push(workerID string, entries ...bufferedControl) {
	if len(entries) == 0 {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	q := h.buf[workerID]
	for _, e := range entries {
		if len(q) >= hubBufferMax {
			break
		}
		q = append(q, e)
	}
	h.buf[workerID] = q
}

// nextControl returns the worker's next control entry: buffered ones
// first, then entries reclaimed after sitting unacked too long, then a
// blocking group read. ok=false with a nil error is a quiet timeout.
func (s *Server) nextControl(ctx context.Context, workerID string, block time.Duration) (bufferedControl, bool, error) {
	if bc, ok := s.hub.pop(workerID); ok {
		return bc, true, nil
	}
	if bc, ok, err := s.claimStale(ctx, workerID); err != nil || ok {
		return bc, ok, err
	}

	streams, err := s.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    s.keys.ControlGroup(),
		Consumer: workerID,
		Streams: []string{
			s.keys.ControlWorker(workerID),
			s.keys.ControlGlobal(),
			">", ">",
		},
		Count: 1,
		Block: block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return bufferedControl{}, false, nil
	}
	if err != nil {
		return bufferedControl{}, false, trawlerrors.Transient("poll_control", err)
	}

	var first bufferedControl
	var have bool
	for _, st := range streams {
		for _, m := range st.Messages {
			msg, derr := wire.ControlFromFields(wire.Strings(m.Values))
			if derr != nil {
				s.logger.Error("dropping undecodable control entry",
					trawllog.String("stream", st.Stream),
					trawllog.String("entry_id", m.ID),
					trawllog.Error(derr))
				_ = s.client.XAck(ctx, st.Stream, s.keys.ControlGroup(), m.ID)
				continue
			}
			bc := bufferedControl{stream: st.Stream, id: m.ID, msg: msg}
			if !have {
				first, have = bc, true
			} else {
				s.hub.push(workerID, bc)
			}
		}
	}
	return first, have, nil
}

// claimStale adopts control entries assigned to this worker's consumer
// that idled past the redelivery threshold: pushes lost with a dying
// stream generation, or poll responses that never reached the worker.
// On the shared global stream this can also pick up an entry another
// worker took down with it, which is the point of consuming it through
// a group.
func (s *Server) claimStale(ctx context.Context, workerID string) (bufferedControl, bool, error) {
	var first bufferedControl
	var have bool
	for _, stream := range []string{s.keys.ControlWorker(workerID), s.keys.ControlGlobal()} {
		msgs, _, err := s.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   stream,
			Group:    s.keys.ControlGroup(),
			Consumer: workerID,
			MinIdle:  s.cfg.ControlRedeliverAfter,
			Start:    "0-0",
			Count:    4,
		}).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return bufferedControl{}, false, trawlerrors.Transient("poll_control", err)
		}
		for _, m := range msgs {
			msg, derr := wire.ControlFromFields(wire.Strings(m.Values))
			if derr != nil {
				_ = s.client.XAck(ctx, stream, s.keys.ControlGroup(), m.ID)
				continue
			}
			bc := bufferedControl{stream: stream, id: m.ID, msg: msg}
			if !have {
				first, have = bc, true
			} else {
				s.hub.push(workerID, bc)
			}
		}
	}
	return first, have, nil
}

func (s *Server) pollControl(ctx context.Context, req *gatewayapi.PollControlRequest) (*gatewayapi.PollControlResponse, error) {
	workerID := workerFrom(ctx)
	bc, ok, err := s.nextControl(ctx, workerID, s.blockFor(req.TimeoutMs))
	if err != nil {
		return nil, statusFrom(err)
	}
	if !ok {
		return &gatewayapi.PollControlResponse{}, nil
	}
	receipt, merr := s.signer.mint(kindControl, workerID, bc.stream, bc.id, bc.msg.TaskID)
	if merr != nil {
		return nil, status.Error(codes.Internal, "mint receipt")
	}
	return &gatewayapi.PollControlResponse{Message: bc.msg, Receipt: receipt}, nil
}

func (s *Server) ackControl(ctx context.Context, req *gatewayapi.AckControlRequest) (*gatewayapi.Ack, error) {
	workerID := workerFrom(ctx)
	claims, err := s.signer.verify(req.Receipt, kindControl, workerID)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, "invalid receipt")
	}
	if err := s.client.XAck(ctx, claims.Stream, s.keys.ControlGroup(), claims.EntryID).Err(); err != nil {
		return nil, statusFrom(trawlerrors.Transient("ack_control", err))
	}
	return &gatewayapi.Ack{Ok: true}, nil
}

func (s *Server) reportControlResult(ctx context.Context, req *gatewayapi.ReportControlResultRequest) (*gatewayapi.Ack, error) {
	if req.Result == nil {
		return nil, status.Error(codes.InvalidArgument, "missing result")
	}
	req.Result.WorkerID = workerFrom(ctx)
	err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.keys.ControlResult(),
		MaxLen: controlResultMaxLen,
		Approx: true,
		Values: req.Result.Fields(),
	}).Err()
	if err != nil {
		return nil, statusFrom(trawlerrors.Transient("report_control_result", err))
	}
	return &gatewayapi.Ack{Ok: true}, nil
}
