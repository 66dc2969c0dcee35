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
	"io"
	"sync"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/trawlhq/trawl/internal/gatewayapi"
	trawllog "github.com/trawlhq/trawl/internal/log"
)

// recvSignal reports a receiver's exit to the supervisor. generation
// lets the supervisor discard signals from streams it already replaced.
type recvSignal struct {
	generation uint64
	err        error
	terminal   bool
}

// controlStream keeps one WorkerStream open against the gateway so
// control commands arrive without waiting for the next unary poll. A
// supervisor goroutine owns the stream lifecycle; each stream gets a
// receiver goroutine and a generation number. Losing the stream is not
// an error for the worker: unary polling still serves control, the
// stream only shortens latency.
type controlStream struct {
	t       *Transport
	desc    *grpc.StreamDesc
	backoff *reconnector

	generation atomic.Uint64
	recvFail   chan recvSignal
	kickCh     chan struct{}
	stopCh     chan struct{}
	doneCh     chan struct{}

	startOnce sync.Once
	stopOnce  sync.Once
	started   atomic.Bool
}

func newControlStream(t *Transport) *controlStream {
	return &controlStream{
		t: t,
		desc: &grpc.StreamDesc{
			StreamName:    "WorkerStream",
			ServerStreams: true,
			ClientStreams: true,
		},
		backoff:  newReconnector(t.cfg.ReconnectMin, t.cfg.ReconnectMax, t.cfg.ReconnectJitter),
		recvFail: make(chan recvSignal),
		kickCh:   make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// start launches the supervisor. Subsequent calls are no-ops.
func (s *controlStream) start() {
	s.startOnce.Do(func() {
		s.started.Store(true)
		go s.supervise()
	})
}

// kick wakes the supervisor out of its backoff wait, typically after
// the channel was force-reconnected.
func (s *controlStream) kick() {
	select {
	case s.kickCh <- struct{}{}:
	default:
	}
}

// shutdown stops the supervisor and waits for it to exit.
func (s *controlStream) shutdown() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	if s.started.Load() {
		<-s.doneCh
	}
}

func (s *controlStream) stopped() bool {
	select {
	case <-s.stopCh:
		return true
	default:
		return false
	}
}

func (s *controlStream) supervise() {
	defer close(s.doneCh)
	for {
		if s.stopped() {
			return
		}
		stream, cancel, gen, err := s.open()
		if err != nil {
			if isTerminalStream(err) {
				s.t.logger.Error("control stream rejected, relying on polling", trawllog.Error(err))
				return
			}
			select {
			case <-time.After(s.backoff.nextDelay()):
			case <-s.kickCh:
			case <-s.stopCh:
				return
			}
			continue
		}
		s.backoff.connected()
		go s.receive(stream, gen)
		if !s.await(gen, stream, cancel) {
			return
		}
	}
}

// open starts a new stream generation and sends the hello that binds
// it to this worker.
func (s *controlStream) open() (grpc.ClientStream, context.CancelFunc, uint64, error) {
	gen := s.generation.Add(1)
	ctx, cancel := context.WithCancel(s.t.authCtx(context.Background()))
	stream, err := s.t.conn.NewStream(ctx, s.desc, gatewayapi.MethodWorkerStream)
	if err != nil {
		cancel()
		return nil, nil, gen, err
	}
	hello := &gatewayapi.WorkerMessage{Kind: gatewayapi.WorkerHello, WorkerID: s.t.cfg.WorkerID}
	if err := stream.SendMsg(hello); err != nil {
		cancel()
		return nil, nil, gen, err
	}
	s.t.logger.Debug("control stream open", trawllog.Int64("generation", int64(gen)))
	return stream, cancel, gen, nil
}

// await blocks until the current generation's receiver reports failure
// or shutdown is requested. It returns true when the supervisor should
// rebuild the stream.
func (s *controlStream) await(gen uint64, stream grpc.ClientStream, cancel context.CancelFunc) bool {
	for {
		select {
		case sig := <-s.recvFail:
			if sig.generation != gen {
				// A receiver from a generation we already tore down.
				continue
			}
			_ = stream.CloseSend()
			cancel()
			if sig.terminal {
				s.t.logger.Error("control stream rejected, relying on polling", trawllog.Error(sig.err))
				return false
			}
			s.t.logger.Warn("control stream lost, rebuilding", trawllog.Error(sig.err))
			return true
		case <-s.stopCh:
			_ = stream.CloseSend()
			cancel()
			return false
		}
	}
}

// receive drains one stream generation, buffering pushed control
// messages until the stream breaks.
func (s *controlStream) receive(stream grpc.ClientStream, gen uint64) {
	for {
		var msg gatewayapi.MasterMessage
		err := stream.RecvMsg(&msg)
		if err == nil {
			if msg.Kind == gatewayapi.MasterControl && msg.Control != nil {
				msg.Control.Receipt = msg.Receipt
				s.t.pushControl(msg.Control)
			}
			continue
		}
		switch {
		case errors.Is(err, context.Canceled) || status.Code(err) == codes.Canceled:
			// The supervisor rotated or shut down this generation.
		case errors.Is(err, io.EOF):
			s.signal(gen, err, false)
		default:
			s.signal(gen, err, isTerminalStream(err))
		}
		return
	}
}

// signal hands the receiver's exit to the supervisor, giving up if
// shutdown wins the race.
func (s *controlStream) signal(gen uint64, err error, terminal bool) {
	select {
	case s.recvFail <- recvSignal{generation: gen, err: err, terminal: terminal}:
	case <-s.stopCh:
	}
}

// isTerminalStream reports errors no amount of stream rebuilding will
// fix: bad credentials or a server that does not speak this stream.
func isTerminalStream(err error) bool {
	switch status.Code(err) {
	case codes.Unauthenticated, codes.PermissionDenied,
		codes.InvalidArgument, codes.FailedPrecondition,
		codes.OutOfRange, codes.Unimplemented:
		return true
	}
	return false
}
