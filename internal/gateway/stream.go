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
	"errors"
	"io"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/trawlhq/trawl/internal/gatewayapi"
	trawllog "github.com/trawlhq/trawl/internal/log"
)

// workerStream serves the bidi control channel: the worker opens with a
// hello, then the gateway pushes control messages as they appear on the
// worker's streams. Each push carries a receipt the worker settles
// through the unary AckControl, so a push lost with the stream stays
// pending and redelivers.
func (s *Server) workerStream(_ any, ss grpc.ServerStream) error {
	ctx := ss.Context()
	workerID := workerFrom(ctx)

	hello := &gatewayapi.WorkerMessage{}
	if err := ss.RecvMsg(hello); err != nil {
		return err
	}
	if hello.Kind != gatewayapi.WorkerHello {
		return status.Error(codes.InvalidArgument, "expected hello")
	}
	if hello.WorkerID != "" && hello.WorkerID != workerID {
		return status.Error(codes.PermissionDenied, "worker id does not match credentials")
	}

	s.logger.Info("control stream open", trawllog.String("worker_id", workerID))
	defer s.logger.Info("control stream closed", trawllog.String("worker_id", workerID))

	// Further worker messages carry nothing; reading them is how we
	// notice the client going away between pushes.
	recvDone := make(chan error, 1)
	go func() {
		for {
			m := &gatewayapi.WorkerMessage{}
			if err := ss.RecvMsg(m); err != nil {
				recvDone <- err
				return
			}
		}
	}()

	for {
		select {
		case err := <-recvDone:
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		// The read blocks briefly at a time so teardown is noticed. The
		// stream context aborts a blocked read when the client drops.
		bc, ok, err := s.nextControl(ctx, workerID, s.cfg.StreamReadBlock)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// Client supervisors rebuild the stream with backoff, so a
			// Redis hiccup is theirs to retry.
			return statusFrom(err)
		}
		if !ok {
			continue
		}

		receipt, merr := s.signer.mint(kindControl, workerID, bc.stream, bc.id, bc.msg.TaskID)
		if merr != nil {
			s.hub.push(workerID, bc)
			return status.Error(codes.Internal, "mint receipt")
		}
		out := &gatewayapi.MasterMessage{
			Kind:    gatewayapi.MasterControl,
			Control: bc.msg,
			Receipt: receipt,
		}
		if err := ss.SendMsg(out); err != nil {
			// The entry moved to this consumer's pending list when it
			// was read; the idle claim redelivers it.
			return err
		}
		s.logger.Debug("control pushed",
			trawllog.String("worker_id", workerID),
			trawllog.String("control_type", string(bc.msg.Type)))
	}
}
