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

package master

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	trawllog "github.com/trawlhq/trawl/internal/log"
	"github.com/trawlhq/trawl/internal/master/registry"
	"github.com/trawlhq/trawl/internal/transport/direct"
	"github.com/trawlhq/trawl/internal/wire"
	trawlerrors "github.com/trawlhq/trawl/pkg/errors"
)

// heartbeatIngest folds the per-worker liveness hashes into the
// registry. Direct workers write only those hashes; the first one the
// scan sees registers the worker. Gateway workers are folded by the
// gateway itself, and re-absorbing their hashes here is a no-op.
type heartbeatIngest struct {
	client   *redis.Client
	keys     direct.Keys
	registry *registry.Registry
	interval time.Duration
	logger   *slog.Logger
}

func newHeartbeatIngest(namespace string, interval time.Duration, client *redis.Client, reg *registry.Registry, logger *slog.Logger) *heartbeatIngest {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &heartbeatIngest{
		client:   client,
		keys:     direct.Keys{NS: namespace},
		registry: reg,
		interval: interval,
		logger:   trawllog.WithComponent(logger, "master.ingest"),
	}
}

// Run loops until ctx is done. Scan failures are logged and retried on
// the next tick; they never stop the loop.
func (h *heartbeatIngest) Run(ctx context.Context) error {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := h.scan(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				h.logger.Warn("heartbeat scan failed", trawllog.Error(err))
				continue
			}
			if n > 0 {
				h.logger.Debug("heartbeats folded", trawllog.Int("count", n))
			}
		}
	}
}

// scan walks every live liveness hash once and folds it.
func (h *heartbeatIngest) scan(ctx context.Context) (int, error) {
	prefix := h.keys.Heartbeat("")
	var cursor uint64
	folded := 0
	for {
		keys, next, err := h.client.Scan(ctx, cursor, prefix+"*", 100).Result()
		if err != nil {
			return folded, trawlerrors.Transient("heartbeat_scan", err)
		}
		for _, key := range keys {
			workerID := strings.TrimPrefix(key, prefix)
			if workerID == "" {
				continue
			}
			values, err := h.client.HGetAll(ctx, key).Result()
			if err != nil || len(values) == 0 {
				// Expired between scan and read.
				continue
			}
			hb, err := wire.HeartbeatFromFields(workerID, values)
			if err != nil {
				h.logger.Warn("undecodable heartbeat",
					trawllog.String("worker_id", workerID), trawllog.Error(err))
				continue
			}
			if err := h.registry.Heartbeat(ctx, hb, 0); err != nil {
				h.logger.Warn("heartbeat not folded",
					trawllog.String("worker_id", workerID), trawllog.Error(err))
				continue
			}
			folded++
		}
		cursor = next
		if cursor == 0 {
			return folded, nil
		}
	}
}
