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

// Package gateway implements the transport over a gRPC channel to the
// master's gateway service. Messages are the wire structs carried by a
// JSON codec, so the gateway speaks exactly the field sets the direct
// Redis transport does. Control commands arrive both over a long-lived
// bidi stream (pushed) and through unary polling; delivered receipts
// are opaque server tokens.
package gateway

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/trawlhq/trawl/internal/gatewayapi"
	trawllog "github.com/trawlhq/trawl/internal/log"
	"github.com/trawlhq/trawl/internal/transport"
	"github.com/trawlhq/trawl/internal/wire"
	trawlerrors "github.com/trawlhq/trawl/pkg/errors"
)

// rpcGrace pads the server-side block time of a poll so a legitimate
// long poll is not cut off by the client deadline first.
const rpcGrace = 2 * time.Second

// controlBufferMax bounds locally buffered pushed control messages.
// Anything dropped stays unacked server-side and redelivers.
const controlBufferMax = 256

// Config tunes the gateway transport.
type Config struct {
	// WorkerID identifies this worker on every RPC.
	WorkerID string

	// APIKey authenticates RPCs via metadata. May be empty when the
	// channel authenticates with a client certificate instead.
	APIKey string

	// Host and Port locate the gateway.
	Host string
	Port int

	// TLSEnabled turns on TLS. Plaintext is for dev only.
	TLSEnabled bool

	// TLSVerify controls server certificate validation.
	TLSVerify bool

	// CACertPath pins the trust root. Empty uses the system pool.
	CACertPath string

	// ClientCertPath and ClientKeyPath enable mTLS when both are set.
	ClientCertPath string
	ClientKeyPath  string

	// ConnectTimeout bounds channel establishment during Register and
	// Reconnect.
	ConnectTimeout time.Duration

	// ReceiptTTL bounds the ack/result idempotency cache.
	ReceiptTTL time.Duration

	// ReconnectMin, ReconnectMax and ReconnectJitter pace rebuild
	// attempts of the control stream.
	ReconnectMin    time.Duration
	ReconnectMax    time.Duration
	ReconnectJitter float64
}

func (c Config) withDefaults() Config {
	if c.Port <= 0 {
		c.Port = 9443
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.ReceiptTTL <= 0 {
		c.ReceiptTTL = 10 * time.Minute
	}
	if c.ReconnectMin <= 0 {
		c.ReconnectMin = time.Second
	}
	if c.ReconnectMax <= 0 {
		c.ReconnectMax = 2 * time.Minute
	}
	if c.ReconnectJitter == 0 {
		c.ReconnectJitter = 0.2
	}
	return c
}

// Options carries the transport's collaborators.
type Options struct {
	Logger *slog.Logger
}

// Transport is the gRPC gateway implementation of transport.Transport.
type Transport struct {
	cfg      Config
	logger   *slog.Logger
	conn     *grpc.ClientConn
	receipts *receiptCache
	recon    *reconnector
	stream   *controlStream

	reconnectMu sync.Mutex

	ctrlMu  sync.Mutex
	ctrlBuf []*wire.ControlMessage
}

var _ transport.Transport = (*Transport)(nil)

// New builds the transport without touching the network; the channel
// connects during Register.
func New(cfg Config, opts Options) (*Transport, error) {
	if cfg.WorkerID == "" {
		return nil, &trawlerrors.ValidationError{Field: "worker_id", Message: "required"}
	}
	if cfg.Host == "" {
		return nil, &trawlerrors.ValidationError{Field: "gateway_host", Message: "required"}
	}
	cfg = cfg.withDefaults()

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = trawllog.WithWorker(trawllog.WithComponent(logger, "transport.gateway"), cfg.WorkerID)

	creds, err := cfg.credentials()
	if err != nil {
		return nil, trawlerrors.Permanent("gateway_tls", err)
	}
	target := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	conn, err := grpc.NewClient(target,
		grpc.WithTransportCredentials(creds),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(gatewayapi.CodecName)),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                30 * time.Second,
			Timeout:             10 * time.Second,
			PermitWithoutStream: true,
		}),
	)
	if err != nil {
		return nil, trawlerrors.Permanent("gateway_dial", err)
	}

	t := &Transport{
		cfg:      cfg,
		logger:   logger,
		conn:     conn,
		receipts: newReceiptCache(cfg.ReceiptTTL),
		recon:    newReconnector(cfg.ReconnectMin, cfg.ReconnectMax, cfg.ReconnectJitter),
	}
	t.stream = newControlStream(t)
	return t, nil
}

func (c Config) credentials() (credentials.TransportCredentials, error) {
	if !c.TLSEnabled {
		return insecure.NewCredentials(), nil
	}
	tlsCfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: !c.TLSVerify,
	}
	if c.CACertPath != "" {
		pem, err := os.ReadFile(c.CACertPath)
		if err != nil {
			return nil, fmt.Errorf("read ca cert: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates in %s", c.CACertPath)
		}
		tlsCfg.RootCAs = pool
	}
	if c.ClientCertPath != "" && c.ClientKeyPath != "" {
		cert, err := tls.LoadX509KeyPair(c.ClientCertPath, c.ClientKeyPath)
		if err != nil {
			return nil, fmt.Errorf("load client keypair: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}
	return credentials.NewTLS(tlsCfg), nil
}

// Register waits for the channel, announces the worker and starts the
// control stream. The returned heartbeat interval is master-issued.
func (t *Transport) Register(ctx context.Context, hb *wire.Heartbeat) (*transport.Registration, error) {
	if t.recon.get() == StateIdle {
		t.recon.set(StateConnecting)
	}
	cctx, cancel := context.WithTimeout(ctx, t.cfg.ConnectTimeout)
	defer cancel()

	if err := t.waitReady(cctx); err != nil {
		t.recon.set(StateFailed)
		return nil, trawlerrors.Transient("gateway_connect", err)
	}

	req := &gatewayapi.RegisterRequest{
		WorkerID:  t.cfg.WorkerID,
		APIKey:    t.cfg.APIKey,
		Heartbeat: hb,
	}
	var resp gatewayapi.RegisterResponse
	if err := t.conn.Invoke(t.authCtx(cctx), gatewayapi.MethodRegister, req, &resp); err != nil {
		t.recon.set(StateFailed)
		return nil, classify("register", err)
	}
	if resp.WorkerID == "" {
		resp.WorkerID = t.cfg.WorkerID
	}

	t.recon.connected()
	t.stream.start()
	t.logger.Info("registered with gateway",
		trawllog.String("gateway", net.JoinHostPort(t.cfg.Host, strconv.Itoa(t.cfg.Port))),
		trawllog.Int("heartbeat_interval_s", resp.HeartbeatIntervalSeconds))

	return &transport.Registration{
		WorkerID:          resp.WorkerID,
		HeartbeatInterval: time.Duration(resp.HeartbeatIntervalSeconds) * time.Second,
	}, nil
}

// waitReady blocks until the channel reaches READY or ctx expires.
func (t *Transport) waitReady(ctx context.Context) error {
	for {
		s := t.conn.GetState()
		if s == connectivity.Ready {
			return nil
		}
		if s == connectivity.Idle {
			t.conn.Connect()
		}
		if !t.conn.WaitForStateChange(ctx, s) {
			return ctx.Err()
		}
	}
}

func (t *Transport) authCtx(ctx context.Context) context.Context {
	pairs := []string{gatewayapi.MetaWorkerID, t.cfg.WorkerID}
	if t.cfg.APIKey != "" {
		pairs = append(pairs, gatewayapi.MetaAPIKey, t.cfg.APIKey)
	}
	return metadata.AppendToOutgoingContext(ctx, pairs...)
}

func (t *Transport) invoke(ctx context.Context, op, method string, req, resp any) error {
	if err := t.conn.Invoke(t.authCtx(ctx), method, req, resp); err != nil {
		return classify(op, err)
	}
	t.recon.connected()
	return nil
}

// classify maps a gRPC status to the transport error taxonomy:
// authentication and protocol-shape failures are permanent, everything
// else is worth retrying.
func classify(op string, err error) error {
	switch status.Code(err) {
	case codes.Unauthenticated, codes.PermissionDenied,
		codes.InvalidArgument, codes.FailedPrecondition,
		codes.OutOfRange, codes.Unimplemented:
		return trawlerrors.Permanent(op, err)
	}
	return trawlerrors.Transient(op, err)
}

// PollTask asks the gateway for the next task, blocking server-side up
// to timeout.
func (t *Transport) PollTask(ctx context.Context, timeout time.Duration) (*wire.Task, error) {
	if timeout <= 0 {
		timeout = time.Second
	}
	cctx, cancel := context.WithTimeout(ctx, timeout+rpcGrace)
	defer cancel()

	req := &gatewayapi.PollTaskRequest{TimeoutMs: timeout.Milliseconds()}
	var resp gatewayapi.PollTaskResponse
	if err := t.invoke(cctx, "poll_task", gatewayapi.MethodPollTask, req, &resp); err != nil {
		return nil, err
	}
	if resp.Task == nil {
		return nil, nil
	}
	task := resp.Task
	task.Receipt = resp.Receipt
	task.DeliveryCount = resp.DeliveryCount
	if task.DeliveryCount <= 0 {
		task.DeliveryCount = 1
	}
	t.receipts.bind(resp.Receipt, task.TaskID)
	return task, nil
}

// AckTask settles a delivery. A repeat of an ack that already succeeded
// is answered from the idempotency cache.
func (t *Transport) AckTask(ctx context.Context, receipt string, accepted bool) error {
	if receipt == "" {
		return trawlerrors.Permanent("ack_task", errors.New("empty receipt"))
	}
	taskID := t.receipts.taskFor(receipt)
	key := "ack:" + taskID
	if taskID != "" && accepted && t.receipts.done(key) {
		return nil
	}

	req := &gatewayapi.AckTaskRequest{Receipt: receipt, TaskID: taskID, Accepted: accepted}
	var resp gatewayapi.Ack
	if err := t.invoke(ctx, "ack_task", gatewayapi.MethodAckTask, req, &resp); err != nil {
		return err
	}
	if taskID != "" && accepted {
		t.receipts.settle(key)
	}
	return nil
}

// ReportResult publishes a run outcome, at most once per task within
// the receipt window.
func (t *Transport) ReportResult(ctx context.Context, result *wire.TaskResult) error {
	key := "result:" + result.TaskID
	if result.TaskID != "" && t.receipts.done(key) {
		return nil
	}
	req := &gatewayapi.ReportResultRequest{Result: result}
	var resp gatewayapi.Ack
	if err := t.invoke(ctx, "report_result", gatewayapi.MethodReportResult, req, &resp); err != nil {
		return err
	}
	if result.TaskID != "" {
		t.receipts.settle(key)
	}
	return nil
}

// SendLog publishes one entry. The server deduplicates by (run, seq).
func (t *Transport) SendLog(ctx context.Context, entry *wire.LogEntry) error {
	req := &gatewayapi.SendLogRequest{Entry: entry}
	var resp gatewayapi.Ack
	return t.invoke(ctx, "send_log", gatewayapi.MethodSendLog, req, &resp)
}

// SendLogBatch publishes entries in order.
func (t *Transport) SendLogBatch(ctx context.Context, entries []*wire.LogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	req := &gatewayapi.SendLogBatchRequest{Entries: entries}
	var resp gatewayapi.Ack
	return t.invoke(ctx, "send_log_batch", gatewayapi.MethodSendLogBatch, req, &resp)
}

// SendLogChunk publishes a compressed run of entries.
func (t *Transport) SendLogChunk(ctx context.Context, chunk *wire.LogChunk) error {
	req := &gatewayapi.SendLogChunkRequest{Chunk: chunk}
	var resp gatewayapi.Ack
	return t.invoke(ctx, "send_log_chunk", gatewayapi.MethodSendLogChunk, req, &resp)
}

// SendHeartbeat publishes a liveness report.
func (t *Transport) SendHeartbeat(ctx context.Context, hb *wire.Heartbeat) error {
	req := &gatewayapi.SendHeartbeatRequest{Heartbeat: hb}
	var resp gatewayapi.Ack
	return t.invoke(ctx, "send_heartbeat", gatewayapi.MethodSendHeartbeat, req, &resp)
}

// PollControl returns the next control message: pushed messages
// buffered from the bidi stream first, then a unary poll.
func (t *Transport) PollControl(ctx context.Context, timeout time.Duration) (*wire.ControlMessage, error) {
	if msg := t.popControl(); msg != nil {
		return msg, nil
	}
	if timeout <= 0 {
		timeout = time.Second
	}
	cctx, cancel := context.WithTimeout(ctx, timeout+rpcGrace)
	defer cancel()

	req := &gatewayapi.PollControlRequest{TimeoutMs: timeout.Milliseconds()}
	var resp gatewayapi.PollControlResponse
	if err := t.invoke(cctx, "poll_control", gatewayapi.MethodPollControl, req, &resp); err != nil {
		return nil, err
	}
	if resp.Message == nil {
		return nil, nil
	}
	resp.Message.Receipt = resp.Receipt
	return resp.Message, nil
}

// AckControl settles a control delivery.
func (t *Transport) AckControl(ctx context.Context, receipt string) error {
	if receipt == "" {
		return trawlerrors.Permanent("ack_control", errors.New("empty receipt"))
	}
	req := &gatewayapi.AckControlRequest{Receipt: receipt}
	var resp gatewayapi.Ack
	return t.invoke(ctx, "ack_control", gatewayapi.MethodAckControl, req, &resp)
}

// ReportControlResult publishes a control reply.
func (t *Transport) ReportControlResult(ctx context.Context, result *wire.ControlResult) error {
	req := &gatewayapi.ReportControlResultRequest{Result: result}
	var resp gatewayapi.Ack
	return t.invoke(ctx, "report_control_result", gatewayapi.MethodReportControlResult, req, &resp)
}

// Reconnect forces the channel to rebuild now and waits for READY.
func (t *Transport) Reconnect(ctx context.Context) error {
	t.reconnectMu.Lock()
	defer t.reconnectMu.Unlock()

	t.recon.set(StateReconnecting)
	t.conn.ResetConnectBackoff()
	t.conn.Connect()

	cctx, cancel := context.WithTimeout(ctx, t.cfg.ConnectTimeout)
	defer cancel()
	if err := t.waitReady(cctx); err != nil {
		t.recon.set(StateFailed)
		return trawlerrors.Transient("gateway_reconnect", err)
	}
	t.recon.connected()
	t.stream.kick()
	t.logger.Info("gateway channel reconnected")
	return nil
}

// Connected reports whether the channel is established and registered.
func (t *Transport) Connected() bool {
	return t.recon.get() == StateConnected
}

// State exposes the channel lifecycle for diagnostics.
func (t *Transport) State() State {
	return t.recon.get()
}

// Close stops the control stream and releases the channel.
func (t *Transport) Close() error {
	t.stream.shutdown()
	t.recon.set(StateIdle)
	return t.conn.Close()
}

func (t *Transport) pushControl(msg *wire.ControlMessage) {
	t.ctrlMu.Lock()
	defer t.ctrlMu.Unlock()
	if len(t.ctrlBuf) >= controlBufferMax {
		// The dropped message is unacked server-side and redelivers.
		t.ctrlBuf = t.ctrlBuf[1:]
		t.logger.Warn("control buffer full, dropping oldest")
	}
	t.ctrlBuf = append(t.ctrlBuf, msg)
}

func (t *Transport) popControl() *wire.ControlMessage {
	t.ctrlMu.Lock()
	defer t.ctrlMu.Unlock()
	if len(t.ctrlBuf) == 0 {
		return nil
	}
	msg := t.ctrlBuf[0]
	t.ctrlBuf = t.ctrlBuf[1:]
	return msg
}
