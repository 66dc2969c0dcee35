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

// Package registry tracks the worker fleet on the master: one JSON
// field per worker in a Redis hash, a per-worker liveness hash with a
// TTL, and a sweeper that marks silent workers offline and eventually
// evicts them. The liveness key is the same one a direct-mode worker
// maintains itself; for gateway-mode workers the master refreshes it
// on their behalf, so liveness reads identically in both modes.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	trawllog "github.com/trawlhq/trawl/internal/log"
	"github.com/trawlhq/trawl/internal/transport/direct"
	"github.com/trawlhq/trawl/internal/wire"
	trawlerrors "github.com/trawlhq/trawl/pkg/errors"
)

// ErrUnknownWorker is returned for lookups of workers the registry has
// never seen or has already evicted.
var ErrUnknownWorker = errors.New("unknown worker")

// Config tunes the registry.
type Config struct {
	// Namespace prefixes every key. Defaults to "trawl".
	Namespace string

	// HeartbeatTTL bounds the liveness key when the registry refreshes
	// it for gateway-mode workers. Defaults to 90s, three nominal
	// intervals.
	HeartbeatTTL time.Duration

	// OfflineThreshold is how long after the last heartbeat a worker
	// is marked offline. Defaults to 90s.
	OfflineThreshold time.Duration

	// MaxOfflineTime is how long after the last heartbeat an offline
	// worker is evicted entirely. Defaults to 1h.
	MaxOfflineTime time.Duration

	// CleanupInterval is the sweeper cadence. Defaults to 30s.
	CleanupInterval time.Duration
}

func (c *Config) withDefaults() {
	if c.Namespace == "" {
		c.Namespace = "trawl"
	}
	if c.HeartbeatTTL <= 0 {
		c.HeartbeatTTL = 90 * time.Second
	}
	if c.OfflineThreshold <= 0 {
		c.OfflineThreshold = 90 * time.Second
	}
	if c.MaxOfflineTime <= 0 {
		c.MaxOfflineTime = time.Hour
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = 30 * time.Second
	}
}

// Options carries the registry's collaborators.
type Options struct {
	// Logger receives registry diagnostics. Defaults to slog.Default().
	Logger *slog.Logger

	// Client is the shared Redis client. Required.
	Client *redis.Client
}

// Registry is the hash-backed worker directory.
type Registry struct {
	cfg    Config
	keys   direct.Keys
	client *redis.Client
	logger *slog.Logger
}

// New builds a registry over the shared Redis client.
func New(cfg Config, opts Options) (*Registry, error) {
	if opts.Client == nil {
		return nil, &trawlerrors.ValidationError{Field: "redis_client", Message: "required"}
	}
	cfg.withDefaults()

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		cfg:    cfg,
		keys:   direct.Keys{NS: cfg.Namespace},
		client: opts.Client,
		logger: trawllog.WithComponent(logger, "master.registry"),
	}, nil
}

func (r *Registry) registryKey() string {
	return r.cfg.Namespace + ":workers:registry"
}

func (r *Registry) batchSetKey(batchID string) string {
	return r.cfg.Namespace + ":worker:batch:" + batchID
}

// Register writes the worker's info, seeds its liveness key and joins
// its batch set when batch-scoped. Re-registration under the same
// worker_id overwrites in place and keeps accumulated totals.
func (r *Registry) Register(ctx context.Context, info *WorkerInfo) error {
	if info == nil || info.WorkerID == "" {
		return &trawlerrors.ValidationError{Field: "worker_id", Message: "required"}
	}
	now := time.Now().UTC()
	if prev, err := r.Get(ctx, info.WorkerID); err == nil {
		info.RegisteredAt = prev.RegisteredAt
		info.TotalTasks = prev.TotalTasks
		info.TotalSuccess = prev.TotalSuccess
	} else if !errors.Is(err, ErrUnknownWorker) {
		return err
	}
	if info.RegisteredAt.IsZero() {
		info.RegisteredAt = now
	}
	info.Status = StatusOnline
	if info.LastHeartbeat.IsZero() {
		info.LastHeartbeat = now
	}
	if err := r.save(ctx, info); err != nil {
		return err
	}
	if err := r.TouchLiveness(ctx, &wire.Heartbeat{
		WorkerID:  info.WorkerID,
		Status:    "RUNNING",
		Timestamp: now,
	}); err != nil {
		return err
	}
	if info.BatchID != "" {
		if err := r.client.SAdd(ctx, r.batchSetKey(info.BatchID), info.WorkerID).Err(); err != nil {
			return trawlerrors.Transient("registry_batch_add", err)
		}
	}
	r.logger.Info("worker registered",
		trawllog.String("worker_id", info.WorkerID),
		trawllog.String("region", info.Region))
	return nil
}

// Heartbeat folds a liveness report into the worker's info. A beat
// from a worker the registry does not know creates it: in pure-Redis
// direct deployments the first heartbeat is the registration.
// latency <= 0 leaves the stored latency untouched.
func (r *Registry) Heartbeat(ctx context.Context, hb *wire.Heartbeat, latency time.Duration) error {
	if hb == nil || hb.WorkerID == "" {
		return &trawlerrors.ValidationError{Field: "worker_id", Message: "required"}
	}
	now := time.Now().UTC()
	info, err := r.Get(ctx, hb.WorkerID)
	if errors.Is(err, ErrUnknownWorker) {
		info = &WorkerInfo{WorkerID: hb.WorkerID, RegisteredAt: now}
		r.logger.Info("worker adopted from heartbeat", trawllog.String("worker_id", hb.WorkerID))
	} else if err != nil {
		return err
	}

	at := hb.Timestamp
	if at.IsZero() {
		at = now
	}
	info.absorb(hb, at)
	if latency > 0 {
		info.LatencyMs = float64(latency.Milliseconds())
	}
	return r.save(ctx, info)
}

// TouchLiveness writes the per-worker liveness hash and renews its
// TTL, exactly as a direct-mode worker does for itself. Called on the
// worker's behalf for registrations and gateway-mode heartbeats.
func (r *Registry) TouchLiveness(ctx context.Context, hb *wire.Heartbeat) error {
	key := r.keys.Heartbeat(hb.WorkerID)
	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, key, hb.Fields())
	pipe.Expire(ctx, key, r.cfg.HeartbeatTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return trawlerrors.Transient("registry_liveness", err)
	}
	return nil
}

// RecordResult bumps the worker's totals from one reported run.
// Read-modify-write: with several masters the totals are advisory, and
// that is all the dispatcher needs from them.
func (r *Registry) RecordResult(ctx context.Context, workerID string, success bool) error {
	info, err := r.Get(ctx, workerID)
	if errors.Is(err, ErrUnknownWorker) {
		return nil
	}
	if err != nil {
		return err
	}
	info.TotalTasks++
	if success {
		info.TotalSuccess++
	}
	return r.save(ctx, info)
}

// SetQueuedTasks records the dispatcher's view of how many tasks sit
// on the worker's ready stream, which feeds the load score.
func (r *Registry) SetQueuedTasks(ctx context.Context, workerID string, queued int) error {
	info, err := r.Get(ctx, workerID)
	if err != nil {
		return err
	}
	info.QueuedTasks = queued
	return r.save(ctx, info)
}

// AssignBatch moves the worker between batch sets and records the
// assignment. Empty batchID clears it.
func (r *Registry) AssignBatch(ctx context.Context, workerID, batchID string) error {
	info, err := r.Get(ctx, workerID)
	if err != nil {
		return err
	}
	if info.BatchID == batchID {
		return nil
	}
	pipe := r.client.TxPipeline()
	if info.BatchID != "" {
		pipe.SRem(ctx, r.batchSetKey(info.BatchID), workerID)
	}
	if batchID != "" {
		pipe.SAdd(ctx, r.batchSetKey(batchID), workerID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return trawlerrors.Transient("registry_batch_move", err)
	}
	info.BatchID = batchID
	return r.save(ctx, info)
}

// Get returns one worker or ErrUnknownWorker.
func (r *Registry) Get(ctx context.Context, workerID string) (*WorkerInfo, error) {
	raw, err := r.client.HGet(ctx, r.registryKey(), workerID).Result()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownWorker, workerID)
	}
	if err != nil {
		return nil, trawlerrors.Transient("registry_get", err)
	}
	var info WorkerInfo
	if err := json.Unmarshal([]byte(raw), &info); err != nil {
		return nil, trawlerrors.Permanent("registry_get", err)
	}
	return &info, nil
}

// List returns every registered worker. Corrupt fields are skipped
// with a warning rather than failing the whole listing.
func (r *Registry) List(ctx context.Context) ([]*WorkerInfo, error) {
	fields, err := r.client.HGetAll(ctx, r.registryKey()).Result()
	if err != nil {
		return nil, trawlerrors.Transient("registry_list", err)
	}
	infos := make([]*WorkerInfo, 0, len(fields))
	for id, raw := range fields {
		var info WorkerInfo
		if err := json.Unmarshal([]byte(raw), &info); err != nil {
			r.logger.Warn("skipping corrupt registry entry",
				trawllog.String("worker_id", id), trawllog.Error(err))
			continue
		}
		infos = append(infos, &info)
	}
	return infos, nil
}

// Online returns the workers currently marked online.
func (r *Registry) Online(ctx context.Context) ([]*WorkerInfo, error) {
	infos, err := r.List(ctx)
	if err != nil {
		return nil, err
	}
	online := infos[:0]
	for _, info := range infos {
		if info.Online() {
			online = append(online, info)
		}
	}
	return online, nil
}

// BatchWorkers returns the worker ids scoped to a batch.
func (r *Registry) BatchWorkers(ctx context.Context, batchID string) ([]string, error) {
	ids, err := r.client.SMembers(ctx, r.batchSetKey(batchID)).Result()
	if err != nil {
		return nil, trawlerrors.Transient("registry_batch_members", err)
	}
	return ids, nil
}

// MarkOffline flags the worker without touching anything else; its
// info and totals survive until eviction.
func (r *Registry) MarkOffline(ctx context.Context, workerID string) error {
	info, err := r.Get(ctx, workerID)
	if err != nil {
		return err
	}
	if info.Status == StatusOffline {
		return nil
	}
	info.Status = StatusOffline
	return r.save(ctx, info)
}

// Evict removes the worker entirely: registry field, liveness key and
// batch membership.
func (r *Registry) Evict(ctx context.Context, workerID string) error {
	info, err := r.Get(ctx, workerID)
	if errors.Is(err, ErrUnknownWorker) {
		return nil
	}
	if err != nil {
		return err
	}
	return r.evict(ctx, info)
}

func (r *Registry) evict(ctx context.Context, info *WorkerInfo) error {
	pipe := r.client.TxPipeline()
	pipe.HDel(ctx, r.registryKey(), info.WorkerID)
	pipe.Del(ctx, r.keys.Heartbeat(info.WorkerID))
	if info.BatchID != "" {
		pipe.SRem(ctx, r.batchSetKey(info.BatchID), info.WorkerID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return trawlerrors.Transient("registry_evict", err)
	}
	return nil
}

// Sweep runs one offline-detection pass: a worker whose liveness key
// expired or whose last heartbeat is past OfflineThreshold goes
// offline; one silent past MaxOfflineTime is evicted.
func (r *Registry) Sweep(ctx context.Context) (marked, evicted int, err error) {
	infos, err := r.List(ctx)
	if err != nil {
		return 0, 0, err
	}
	now := time.Now().UTC()
	for _, info := range infos {
		silent := now.Sub(info.LastHeartbeat)
		if info.Status == StatusOffline && silent > r.cfg.MaxOfflineTime {
			if err := r.evict(ctx, info); err != nil {
				return marked, evicted, err
			}
			evicted++
			r.logger.Warn("worker evicted",
				trawllog.String("worker_id", info.WorkerID),
				trawllog.Duration("silent_for", silent.Milliseconds()))
			continue
		}
		if info.Status != StatusOnline {
			continue
		}
		alive, aerr := r.client.Exists(ctx, r.keys.Heartbeat(info.WorkerID)).Result()
		if aerr != nil {
			return marked, evicted, trawlerrors.Transient("registry_sweep", aerr)
		}
		if alive == 0 || silent > r.cfg.OfflineThreshold {
			info.Status = StatusOffline
			if err := r.save(ctx, info); err != nil {
				return marked, evicted, err
			}
			marked++
			r.logger.Warn("worker offline",
				trawllog.String("worker_id", info.WorkerID),
				trawllog.Duration("silent_for", silent.Milliseconds()))
		}
	}
	return marked, evicted, nil
}

func (r *Registry) save(ctx context.Context, info *WorkerInfo) error {
	raw, err := json.Marshal(info)
	if err != nil {
		return trawlerrors.Permanent("registry_save", err)
	}
	if err := r.client.HSet(ctx, r.registryKey(), info.WorkerID, raw).Err(); err != nil {
		return trawlerrors.Transient("registry_save", err)
	}
	return nil
}
