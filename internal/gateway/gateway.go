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

// Package gateway is the master-side gRPC service for workers that
// cannot reach Redis directly. Every RPC is bridged onto the same
// streams, groups and hashes the direct transport uses, with the worker
// itself as the consumer name, so the rest of the master cannot tell a
// gateway worker from a direct one. The service is stateless apart from
// a small redelivery buffer: delivery receipts are signed tokens that
// any gateway instance can verify, and ack idempotency lives in Redis.
package gateway

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log/slog"
	"net"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/keepalive"

	"github.com/trawlhq/trawl/internal/gatewayapi"
	trawllog "github.com/trawlhq/trawl/internal/log"
	"github.com/trawlhq/trawl/internal/master/registry"
	"github.com/trawlhq/trawl/internal/metrics"
	"github.com/trawlhq/trawl/internal/transport/direct"
	trawlerrors "github.com/trawlhq/trawl/pkg/errors"
)

// TLSConfig locates the server keypair and, optionally, the client CA.
type TLSConfig struct {
	// CertPath and KeyPath enable TLS when both are set. Without them
	// the gateway serves plaintext, which is for dev only.
	CertPath string
	KeyPath  string

	// ClientCAPath turns on optional mTLS: presented client
	// certificates are verified against this CA, and a verified
	// certificate whose common name equals the worker id authenticates
	// the RPC without an API key.
	ClientCAPath string
}

// Config tunes the gateway service.
type Config struct {
	// Namespace prefixes every Redis key, shared with the master and
	// all direct workers.
	Namespace string

	// Addr is the listen address for ListenAndServe.
	Addr string

	// HeartbeatInterval is the reporting cadence issued to registering
	// workers.
	HeartbeatInterval time.Duration

	// ReceiptTTL bounds how long a delivery receipt stays verifiable.
	// It must outlive the longest task run, because the task ack
	// arrives only when the run finishes.
	ReceiptTTL time.Duration

	// PollMaxBlock caps the server-side block of one poll regardless of
	// the timeout the client asked for.
	PollMaxBlock time.Duration

	// StreamReadBlock paces the control pump's stream reads.
	StreamReadBlock time.Duration

	// ControlRedeliverAfter is how long a control delivery may sit
	// unacked before a later poll claims and redelivers it. Task
	// deliveries are not redelivered here; they stay pending for the
	// master's reclaim pass, since a task legitimately sits unacked for
	// its whole run.
	ControlRedeliverAfter time.Duration

	// LogMaxLen caps per-run log streams, approximate.
	LogMaxLen int64

	TLS TLSConfig
}

func (c Config) withDefaults() Config {
	if c.Namespace == "" {
		c.Namespace = "trawl"
	}
	if c.Addr == "" {
		c.Addr = ":9443"
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.ReceiptTTL <= 0 {
		c.ReceiptTTL = 24 * time.Hour
	}
	if c.PollMaxBlock <= 0 {
		c.PollMaxBlock = 30 * time.Second
	}
	if c.StreamReadBlock <= 0 {
		c.StreamReadBlock = 15 * time.Second
	}
	if c.ControlRedeliverAfter <= 0 {
		c.ControlRedeliverAfter = time.Minute
	}
	if c.LogMaxLen <= 0 {
		c.LogMaxLen = 10000
	}
	return c
}

// Options carries the service's collaborators.
type Options struct {
	Logger  *slog.Logger
	Metrics *metrics.Metrics

	// Client is the Redis connection shared with the master services.
	Client *redis.Client

	// Registry absorbs registrations and heartbeats.
	Registry *registry.Registry

	// Keys resolves stored API key hashes.
	Keys KeyStore

	// ReceiptSecret signs delivery receipts. Every gateway instance in
	// a deployment shares it, so a receipt minted by one instance
	// verifies on any other.
	ReceiptSecret []byte
}

// Server is the gateway gRPC server.
type Server struct {
	cfg      Config
	keys     direct.Keys
	client   *redis.Client
	registry *registry.Registry
	auth     *authenticator
	signer   *signer
	hub      *controlHub
	logger   *slog.Logger
	metrics  *metrics.Metrics
	grpc     *grpc.Server
}

// New builds the server. It does not listen; call Serve or
// ListenAndServe.
func New(cfg Config, opts Options) (*Server, error) {
	if opts.Client == nil {
		return nil, &trawlerrors.ValidationError{Field: "client", Message: "required"}
	}
	if opts.Registry == nil {
		return nil, &trawlerrors.ValidationError{Field: "registry", Message: "required"}
	}
	if opts.Keys == nil {
		return nil, &trawlerrors.ValidationError{Field: "keys", Message: "required"}
	}
	if len(opts.ReceiptSecret) == 0 {
		return nil, &trawlerrors.ValidationError{Field: "receipt_secret", Message: "required"}
	}
	cfg = cfg.withDefaults()

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = trawllog.WithComponent(logger, "gateway")

	s := &Server{
		cfg:      cfg,
		keys:     direct.Keys{NS: cfg.Namespace},
		client:   opts.Client,
		registry: opts.Registry,
		auth:     newAuthenticator(opts.Keys, logger),
		signer:   newSigner(opts.ReceiptSecret, cfg.ReceiptTTL),
		hub:      newControlHub(),
		logger:   logger,
		metrics:  opts.Metrics,
	}

	rpclog := newRPCLogger(logger)
	serverOpts := []grpc.ServerOption{
		grpc.ChainUnaryInterceptor(s.auth.unary(), rpclog.unary()),
		grpc.ChainStreamInterceptor(s.auth.stream(), rpclog.stream()),
		// Workers ping every 30s even when idle; allow that with margin
		// but shut out anything more aggressive.
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             10 * time.Second,
			PermitWithoutStream: true,
		}),
	}
	if cfg.TLS.CertPath != "" && cfg.TLS.KeyPath != "" {
		creds, err := serverCredentials(cfg.TLS)
		if err != nil {
			return nil, trawlerrors.Permanent("gateway_tls", err)
		}
		serverOpts = append(serverOpts, grpc.Creds(creds))
	}

	s.grpc = grpc.NewServer(serverOpts...)
	s.grpc.RegisterService(s.serviceDesc(), nil)
	return s, nil
}

func serverCredentials(tc TLSConfig) (credentials.TransportCredentials, error) {
	cert, err := tls.LoadX509KeyPair(tc.CertPath, tc.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("load server keypair: %w", err)
	}
	cfg := &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{cert},
	}
	if tc.ClientCAPath != "" {
		pem, err := os.ReadFile(tc.ClientCAPath)
		if err != nil {
			return nil, fmt.Errorf("read client ca: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates in %s", tc.ClientCAPath)
		}
		cfg.ClientCAs = pool
		cfg.ClientAuth = tls.VerifyClientCertIfGiven
	}
	return credentials.NewTLS(cfg), nil
}

// Serve accepts connections on lis until Shutdown.
func (s *Server) Serve(lis net.Listener) error {
	s.logger.Info("gateway listening", trawllog.String("addr", lis.Addr().String()))
	return s.grpc.Serve(lis)
}

// ListenAndServe listens on the configured address and serves.
func (s *Server) ListenAndServe() error {
	lis, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return trawlerrors.Permanent("gateway_listen", err)
	}
	return s.Serve(lis)
}

// Shutdown drains in-flight RPCs and stops. The context bounds the
// drain: control streams are long-lived, so when it expires the
// remaining ones are cut and their workers reconnect elsewhere.
func (s *Server) Shutdown(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		s.grpc.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.grpc.Stop()
		<-done
	}
	s.logger.Info("gateway stopped")
}

// serviceDesc wires the handlers into a hand-built descriptor. The
// envelopes are plain structs on the registered JSON codec, so there is
// no generated stub to register through.
func (s *Server) serviceDesc() *grpc.ServiceDesc {
	return &grpc.ServiceDesc{
		ServiceName: gatewayapi.ServiceName,
		HandlerType: (*any)(nil),
		Methods: []grpc.MethodDesc{
			{MethodName: "Register", Handler: unary(gatewayapi.MethodRegister, s.register)},
			{MethodName: "PollTask", Handler: unary(gatewayapi.MethodPollTask, s.pollTask)},
			{MethodName: "AckTask", Handler: unary(gatewayapi.MethodAckTask, s.ackTask)},
			{MethodName: "ReportResult", Handler: unary(gatewayapi.MethodReportResult, s.reportResult)},
			{MethodName: "SendLog", Handler: unary(gatewayapi.MethodSendLog, s.sendLog)},
			{MethodName: "SendLogBatch", Handler: unary(gatewayapi.MethodSendLogBatch, s.sendLogBatch)},
			{MethodName: "SendLogChunk", Handler: unary(gatewayapi.MethodSendLogChunk, s.sendLogChunk)},
			{MethodName: "SendHeartbeat", Handler: unary(gatewayapi.MethodSendHeartbeat, s.sendHeartbeat)},
			{MethodName: "PollControl", Handler: unary(gatewayapi.MethodPollControl, s.pollControl)},
			{MethodName: "AckControl", Handler: unary(gatewayapi.MethodAckControl, s.ackControl)},
			{MethodName: "ReportControlResult", Handler: unary(gatewayapi.MethodReportControlResult, s.reportControlResult)},
		},
		Streams: []grpc.StreamDesc{{
			StreamName:    "WorkerStream",
			Handler:       s.workerStream,
			ServerStreams: true,
			ClientStreams: true,
		}},
	}
}

// unary adapts a typed handler to the descriptor's handler shape,
// threading the server's interceptor chain the way generated stubs do.
func unary[Req, Resp any](method string, impl func(context.Context, *Req) (*Resp, error)) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return impl(ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: method}
		return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
			return impl(ctx, req.(*Req))
		})
	}
}
