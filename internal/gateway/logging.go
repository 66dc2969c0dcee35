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
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/peer"

	"github.com/trawlhq/trawl/internal/gatewayapi"
	trawllog "github.com/trawlhq/trawl/internal/log"
)

// slowRPCThreshold promotes otherwise-debug completion logs to warn.
// Poll methods long-poll by design and are exempt.
const slowRPCThreshold = 2 * time.Second

// rpcLogger logs every unary and stream RPC after the auth interceptor
// has run, so the authenticated worker id is available from the context.
type rpcLogger struct {
	logger *slog.Logger
}

func newRPCLogger(logger *slog.Logger) *rpcLogger {
	return &rpcLogger{logger: logger}
}

func (l *rpcLogger) unary() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		l.finish(ctx, info.FullMethod, time.Since(start), err)
		return resp, err
	}
}

func (l *rpcLogger) stream() grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		start := time.Now()
		err := handler(srv, ss)
		l.finish(ss.Context(), info.FullMethod, time.Since(start), err)
		return err
	}
}

func (l *rpcLogger) finish(ctx context.Context, method string, elapsed time.Duration, err error) {
	attrs := []any{
		slog.String("method", method),
		trawllog.Duration("duration", elapsed.Milliseconds()),
	}
	if workerID := workerFrom(ctx); workerID != "" {
		attrs = append(attrs, slog.String(trawllog.WorkerIDKey, workerID))
	}
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		attrs = append(attrs, slog.String("remote", p.Addr.String()))
	}

	if err != nil {
		attrs = append(attrs, trawllog.Error(err))
		l.logger.Error("rpc failed", attrs...)
		return
	}
	if elapsed >= slowRPCThreshold && !isPollMethod(method) {
		l.logger.Warn("slow rpc", attrs...)
		return
	}
	l.logger.Debug("rpc completed", attrs...)
}

func isPollMethod(method string) bool {
	return method == gatewayapi.MethodPollTask || method == gatewayapi.MethodPollControl
}
