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

// Package direct implements the worker-master channel over Redis
// Streams. The worker consumes its ready and control streams through
// consumer groups, publishes results, logs and heartbeats, and runs a
// reclaim pass that re-adopts deliveries a dead incarnation left
// pending. Delivery is at-least-once: nothing leaves a stream until
// its receipt is acked, and duplicate publications are absorbed by
// explicit entry IDs or by run-keyed deduplication downstream.
package direct

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	trawllog "github.com/trawlhq/trawl/internal/log"
	"github.com/trawlhq/trawl/internal/metrics"
	"github.com/trawlhq/trawl/internal/transport"
	"github.com/trawlhq/trawl/internal/wire"
	trawlerrors "github.com/trawlhq/trawl/pkg/errors"
	"github.com/trawlhq/trawl/pkg/httpclient"
)

const (
	// pollBackoffBase and pollBackoffMax bound the delay applied after
	// consecutive poll failures. The delay doubles per failure.
	pollBackoffBase = 500 * time.Millisecond
	pollBackoffMax  = 30 * time.Second

	// reconnectEvery is how many consecutive poll failures pass between
	// reconnect attempts.
	reconnectEvery = 5

	// proofTTL bounds the registration proof key. The master must
	// observe it within this window.
	proofTTL = 60 * time.Second

	// reclaimBatch is the XAUTOCLAIM page size.
	reclaimBatch = 64

	// controlResultMaxLen caps the shared control reply stream.
	controlResultMaxLen = 4096
)

// Config tunes the direct channel.
type Config struct {
	// WorkerID names this worker's ready, control and heartbeat keys.
	WorkerID string

	// RedisURL is the connection URL (redis://[user:pass@]host:port/db).
	RedisURL string

	// Namespace prefixes every key. Defaults to "trawl".
	Namespace string

	// ConnectTimeout bounds dialing and the registration ping.
	// Defaults to 10s.
	ConnectTimeout time.Duration

	// HeartbeatInterval sizes the heartbeat hash TTL (three intervals).
	// The master's Register answer overrides it. Defaults to 30s.
	HeartbeatInterval time.Duration

	// MinIdleTime is how long a delivery must sit unacked before the
	// reclaim pass may adopt it. Defaults to 60s.
	MinIdleTime time.Duration

	// MaxRetries is the delivery budget. A reclaimed entry whose
	// times-delivered count exceeds it is dead-lettered. Defaults to 3.
	MaxRetries int

	// LogMaxLen approximately caps each log and chunk stream.
	// Defaults to 10000.
	LogMaxLen int64

	// RegisterURL is the master's register-direct HTTP endpoint. Empty
	// skips the HTTP leg: registration is then the proof key plus the
	// first heartbeat.
	RegisterURL string
}

func (c *Config) withDefaults() {
	if c.Namespace == "" {
		c.Namespace = "trawl"
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.MinIdleTime <= 0 {
		c.MinIdleTime = 60 * time.Second
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.LogMaxLen <= 0 {
		c.LogMaxLen = 10000
	}
}

// Options carries the transport's collaborators.
type Options struct {
	// Logger receives channel diagnostics. Defaults to slog.Default().
	Logger *slog.Logger

	// Metrics counts reclaims and dead-letters when set.
	Metrics *metrics.Metrics

	// HTTPClient performs the register-direct call. Defaults to the
	// shared retrying client when RegisterURL is set.
	HTTPClient *http.Client
}

// Transport is the Redis Streams implementation of transport.Transport.
type Transport struct {
	cfg     Config
	keys    Keys
	logger  *slog.Logger
	metrics *metrics.Metrics
	httpc   *http.Client

	// mu guards the client pointer, the connected flag and the
	// master-issued heartbeat interval.
	mu         sync.RWMutex
	client     *redis.Client
	connected  bool
	hbInterval time.Duration

	// reconnectMu single-flights Reconnect.
	reconnectMu sync.Mutex

	// bufMu guards delivery bookkeeping: original payloads for
	// compensating requeues, reclaimed tasks awaiting poll, and
	// control messages read but not yet handed out.
	bufMu   sync.Mutex
	pending map[string]map[string]any
	claimed []*wire.Task
	ctrlBuf []*wire.ControlMessage

	failMu   sync.Mutex
	failures int
}

var _ transport.Transport = (*Transport)(nil)

// New builds the transport and its client. No network traffic happens
// until Register.
func New(cfg Config, opts Options) (*Transport, error) {
	if cfg.WorkerID == "" {
		return nil, &trawlerrors.ValidationError{Field: "worker_id", Message: "required"}
	}
	if cfg.RedisURL == "" {
		return nil, &trawlerrors.ValidationError{Field: "redis_url", Message: "required"}
	}
	cfg.withDefaults()

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = trawllog.WithWorker(trawllog.WithComponent(logger, "transport.direct"), cfg.WorkerID)

	httpc := opts.HTTPClient
	if httpc == nil && cfg.RegisterURL != "" {
		var err error
		httpc, err = httpclient.New(httpclient.DefaultConfig())
		if err != nil {
			return nil, err
		}
	}

	t := &Transport{
		cfg:        cfg,
		keys:       Keys{NS: cfg.Namespace},
		logger:     logger,
		metrics:    opts.Metrics,
		httpc:      httpc,
		hbInterval: cfg.HeartbeatInterval,
		pending:    make(map[string]map[string]any),
	}
	client, err := t.newClient()
	if err != nil {
		return nil, err
	}
	t.client = client
	return t, nil
}

func (t *Transport) newClient() (*redis.Client, error) {
	opt, err := redis.ParseURL(t.cfg.RedisURL)
	if err != nil {
		return nil, trawlerrors.Permanent("connect", err)
	}
	opt.DialTimeout = t.cfg.ConnectTimeout
	opt.MaxRetries = 3
	return redis.NewClient(opt), nil
}

// redis returns the current client. Operations that race a reconnect
// fail transiently on the closed client and are retried by callers.
func (t *Transport) redis() *redis.Client {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.client
}

// Register proves the channel end to end: ping, consumer groups, the
// short-lived proof key, the optional HTTP register-direct exchange,
// and the first heartbeat.
func (t *Transport) Register(ctx context.Context, hb *wire.Heartbeat) (*transport.Registration, error) {
	c := t.redis()

	pingCtx, cancel := context.WithTimeout(ctx, t.cfg.ConnectTimeout)
	err := c.Ping(pingCtx).Err()
	cancel()
	if err != nil {
		return nil, trawlerrors.Transient("register", err)
	}
	if err := t.ensureGroups(ctx, c); err != nil {
		return nil, err
	}

	proof := uuid.NewString()
	if err := c.Set(ctx, t.keys.Proof(t.cfg.WorkerID), proof, proofTTL).Err(); err != nil {
		return nil, trawlerrors.Transient("register", err)
	}

	reg := &transport.Registration{
		WorkerID:          t.cfg.WorkerID,
		HeartbeatInterval: t.heartbeatInterval(),
	}
	if t.cfg.RegisterURL != "" {
		interval, err := t.registerDirect(ctx, proof, hb)
		if err != nil {
			return nil, err
		}
		if interval > 0 {
			t.setHeartbeatInterval(interval)
			reg.HeartbeatInterval = interval
		}
	}

	if hb != nil {
		if err := t.SendHeartbeat(ctx, hb); err != nil {
			return nil, err
		}
	}

	t.setConnected(true)
	t.resetFailures()
	t.logger.Info("registered",
		trawllog.String("namespace", t.cfg.Namespace),
		trawllog.Duration("heartbeat_interval", reg.HeartbeatInterval.Milliseconds()))
	return reg, nil
}

// ensureGroups creates the consumer groups, tolerating the BUSYGROUP
// answer an existing group produces.
func (t *Transport) ensureGroups(ctx context.Context, c *redis.Client) error {
	memberships := []struct{ stream, group string }{
		{t.keys.Ready(t.cfg.WorkerID), t.keys.WorkersGroup()},
		{t.keys.ControlWorker(t.cfg.WorkerID), t.keys.ControlGroup()},
		{t.keys.ControlGlobal(), t.keys.ControlGroup()},
	}
	for _, m := range memberships {
		err := c.XGroupCreateMkStream(ctx, m.stream, m.group, "0").Err()
		if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
			return trawlerrors.Transient("ensure_groups", err)
		}
	}
	return nil
}

type registerRequest struct {
	WorkerID string `json:"worker_id"`
	Proof    string `json:"proof"`
	Name     string `json:"name,omitempty"`
	Host     string `json:"host,omitempty"`
	Port     int    `json:"port,omitempty"`
	Region   string `json:"region,omitempty"`
	Version  string `json:"version,omitempty"`
}

type registerResponse struct {
	WorkerID          string `json:"worker_id"`
	HeartbeatInterval int    `json:"heartbeat_interval"`
}

// registerDirect tells the master to verify the proof key and admit
// this worker. The answer's heartbeat_interval is in seconds.
func (t *Transport) registerDirect(ctx context.Context, proof string, hb *wire.Heartbeat) (time.Duration, error) {
	req := registerRequest{WorkerID: t.cfg.WorkerID, Proof: proof}
	if hb != nil {
		req.Name = hb.Name
		req.Host = hb.Host
		req.Port = hb.Port
		req.Region = hb.Region
		req.Version = hb.Version
	}
	body, err := json.Marshal(req)
	if err != nil {
		return 0, trawlerrors.Permanent("register_direct", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.cfg.RegisterURL, bytes.NewReader(body))
	if err != nil {
		return 0, trawlerrors.Permanent("register_direct", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := t.httpc.Do(httpReq)
	if err != nil {
		return 0, trawlerrors.Transient("register_direct", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated:
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return 0, trawlerrors.Permanent("register_direct", fmt.Errorf("master rejected worker: %s", resp.Status))
	default:
		return 0, trawlerrors.Transient("register_direct", fmt.Errorf("unexpected status %s", resp.Status))
	}

	var answer registerResponse
	if err := json.NewDecoder(resp.Body).Decode(&answer); err != nil {
		return 0, trawlerrors.Permanent("register_direct", err)
	}
	return time.Duration(answer.HeartbeatInterval) * time.Second, nil
}

// Reconnect swaps in a fresh client and re-ensures the groups. The old
// client is closed after the swap so concurrent operations never see a
// nil client.
func (t *Transport) Reconnect(ctx context.Context) error {
	t.reconnectMu.Lock()
	defer t.reconnectMu.Unlock()

	client, err := t.newClient()
	if err != nil {
		return err
	}
	pingCtx, cancel := context.WithTimeout(ctx, t.cfg.ConnectTimeout)
	err = client.Ping(pingCtx).Err()
	cancel()
	if err != nil {
		_ = client.Close()
		return trawlerrors.Transient("reconnect", err)
	}
	if err := t.ensureGroups(ctx, client); err != nil {
		_ = client.Close()
		return err
	}

	t.mu.Lock()
	old := t.client
	t.client = client
	t.connected = true
	t.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}

	t.resetFailures()
	t.logger.Info("reconnected")
	return nil
}

// Connected reports whether the last channel operation succeeded.
func (t *Transport) Connected() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.connected
}

// Close releases the client. No calls are valid afterwards.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connected = false
	if t.client == nil {
		return nil
	}
	return t.client.Close()
}

func (t *Transport) setConnected(ok bool) {
	t.mu.Lock()
	t.connected = ok
	t.mu.Unlock()
}

func (t *Transport) heartbeatInterval() time.Duration {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.hbInterval
}

func (t *Transport) setHeartbeatInterval(d time.Duration) {
	t.mu.Lock()
	t.hbInterval = d
	t.mu.Unlock()
}

// bumpFailures records a consecutive failure and returns its backoff
// delay: base doubled per failure, capped.
func (t *Transport) bumpFailures() (int, time.Duration) {
	t.failMu.Lock()
	defer t.failMu.Unlock()
	t.failures++
	delay := pollBackoffBase
	for i := 1; i < t.failures && delay < pollBackoffMax; i++ {
		delay *= 2
	}
	if delay > pollBackoffMax {
		delay = pollBackoffMax
	}
	return t.failures, delay
}

func (t *Transport) resetFailures() {
	t.failMu.Lock()
	t.failures = 0
	t.failMu.Unlock()
}

// pollFailure applies the poll error policy: mark disconnected, back
// off, periodically attempt a reconnect, and hand back a transient
// error. Context cancellation is shutdown, not a channel failure.
func (t *Transport) pollFailure(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil {
		return err
	}
	t.setConnected(false)
	n, delay := t.bumpFailures()
	t.logger.Warn("poll failed, backing off",
		trawllog.Error(err),
		trawllog.Int("consecutive_failures", n),
		trawllog.Duration("backoff", delay.Milliseconds()))

	select {
	case <-time.After(delay):
	case <-ctx.Done():
		return err
	}

	if strings.Contains(err.Error(), "NOGROUP") {
		// The groups vanished underneath us (flush or failover).
		if gerr := t.ensureGroups(ctx, t.redis()); gerr != nil {
			t.logger.Warn("recreating consumer groups failed", trawllog.Error(gerr))
		}
	} else if n%reconnectEvery == 0 {
		if rerr := t.Reconnect(ctx); rerr != nil {
			t.logger.Warn("reconnect failed", trawllog.Error(rerr))
		}
	}
	return trawlerrors.Transient(op, err)
}

// noteSuccess resets the failure streak after any successful poll.
func (t *Transport) noteSuccess() {
	t.resetFailures()
	t.setConnected(true)
}

func (t *Transport) trackPending(receipt string, values map[string]any) {
	t.bufMu.Lock()
	t.pending[receipt] = values
	t.bufMu.Unlock()
}

func (t *Transport) pendingFields(receipt string) map[string]any {
	t.bufMu.Lock()
	defer t.bufMu.Unlock()
	return t.pending[receipt]
}

func (t *Transport) dropPending(receipt string) {
	t.bufMu.Lock()
	delete(t.pending, receipt)
	t.bufMu.Unlock()
}

func (t *Transport) pushClaimed(task *wire.Task) {
	t.bufMu.Lock()
	t.claimed = append(t.claimed, task)
	t.bufMu.Unlock()
}

func (t *Transport) popClaimed() *wire.Task {
	t.bufMu.Lock()
	defer t.bufMu.Unlock()
	if len(t.claimed) == 0 {
		return nil
	}
	task := t.claimed[0]
	t.claimed = t.claimed[1:]
	return task
}

func (t *Transport) pushControl(msg *wire.ControlMessage) {
	t.bufMu.Lock()
	t.ctrlBuf = append(t.ctrlBuf, msg)
	t.bufMu.Unlock()
}

func (t *Transport) popControl() *wire.ControlMessage {
	t.bufMu.Lock()
	defer t.bufMu.Unlock()
	if len(t.ctrlBuf) == 0 {
		return nil
	}
	msg := t.ctrlBuf[0]
	t.ctrlBuf = t.ctrlBuf[1:]
	return msg
}

// isNil reports the empty-read answer shared by XREADGROUP and friends.
func isNil(err error) bool {
	return errors.Is(err, redis.Nil)
}
