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

package direct

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	trawllog "github.com/trawlhq/trawl/internal/log"
	"github.com/trawlhq/trawl/internal/wire"
	trawlerrors "github.com/trawlhq/trawl/pkg/errors"
)

// Reclaim scans the ready stream's pending entries and adopts every
// delivery that has sat unacked past MinIdleTime, typically ones a
// previous incarnation of this worker took down with it. Adopted
// entries within the delivery budget re-enter PollTask; entries past
// the budget move to the dead-letter stream. Returns how many entries
// were requeued for execution and how many were parked.
func (t *Transport) Reclaim(ctx context.Context) (requeued, parked int, err error) {
	c := t.redis()
	ready := t.keys.Ready(t.cfg.WorkerID)
	group := t.keys.WorkersGroup()

	start := "0-0"
	for {
		msgs, next, err := c.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   ready,
			Group:    group,
			Consumer: t.cfg.WorkerID,
			MinIdle:  t.cfg.MinIdleTime,
			Start:    start,
			Count:    reclaimBatch,
		}).Result()
		if err != nil && !isNil(err) {
			return requeued, parked, trawlerrors.Transient("reclaim", err)
		}

		if len(msgs) > 0 {
			counts, err := t.deliveryCounts(ctx, c, ready, group, msgs)
			if err != nil {
				return requeued, parked, err
			}
			for _, msg := range msgs {
				count := counts[msg.ID]
				if count > int64(t.cfg.MaxRetries) {
					if err := t.park(ctx, c, msg, count, "delivery budget exhausted"); err != nil {
						return requeued, parked, err
					}
					parked++
					continue
				}

				task, derr := wire.TaskFromFields(wire.Strings(msg.Values))
				if derr != nil {
					if err := t.park(ctx, c, msg, count, "undecodable payload: "+derr.Error()); err != nil {
						return requeued, parked, err
					}
					parked++
					continue
				}
				task.Receipt = msg.ID
				task.DeliveryCount = count
				t.trackPending(msg.ID, msg.Values)
				t.pushClaimed(task)
				requeued++
				if t.metrics != nil {
					t.metrics.ReclaimedTasks.Inc()
				}
				t.logger.Info("reclaimed pending task",
					trawllog.String(trawllog.RunIDKey, task.RunID),
					trawllog.String("entry_id", msg.ID),
					trawllog.Int64("delivery_count", count))
			}
		}

		if next == "0-0" {
			break
		}
		start = next
	}
	return requeued, parked, nil
}

// deliveryCounts reads XPENDING's times-delivered for the claimed
// entries. The claim itself counts as a delivery.
func (t *Transport) deliveryCounts(ctx context.Context, c *redis.Client, stream, group string, msgs []redis.XMessage) (map[string]int64, error) {
	pend, err := c.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: stream,
		Group:  group,
		Start:  msgs[0].ID,
		End:    msgs[len(msgs)-1].ID,
		Count:  int64(len(msgs)),
	}).Result()
	if err != nil && !isNil(err) {
		return nil, trawlerrors.Transient("reclaim", err)
	}
	counts := make(map[string]int64, len(pend))
	for _, p := range pend {
		counts[p.ID] = p.RetryCount
	}
	return counts, nil
}

// park moves an entry to the dead-letter stream and settles its
// receipt in one transaction, so the entry is never both pending and
// parked.
func (t *Transport) park(ctx context.Context, c *redis.Client, msg redis.XMessage, count int64, reason string) error {
	fields := make(map[string]any, len(msg.Values)+3)
	for k, v := range msg.Values {
		fields[k] = v
	}
	fields["dead_letter_reason"] = reason
	fields["delivery_count"] = strconv.FormatInt(count, 10)
	fields["dead_lettered_at"] = time.Now().UTC().Format(time.RFC3339Nano)

	pipe := c.TxPipeline()
	pipe.XAdd(ctx, &redis.XAddArgs{Stream: t.keys.DeadLetter(), Values: fields})
	pipe.XAck(ctx, t.keys.Ready(t.cfg.WorkerID), t.keys.WorkersGroup(), msg.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return trawlerrors.Transient("reclaim", err)
	}

	if t.metrics != nil {
		t.metrics.DeadLettered.Inc()
	}
	t.logger.Warn("task dead-lettered",
		trawllog.String("entry_id", msg.ID),
		trawllog.Int64("delivery_count", count),
		trawllog.String("reason", reason))
	return nil
}

// Reclaimer periodically runs the reclaim pass.
type Reclaimer struct {
	transport *Transport
	interval  time.Duration
	logger    *slog.Logger
}

// NewReclaimer builds a reclaim loop over t. interval <= 0 selects 30s.
func NewReclaimer(t *Transport, interval time.Duration) *Reclaimer {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Reclaimer{
		transport: t,
		interval:  interval,
		logger:    trawllog.WithComponent(t.logger, "transport.reclaim"),
	}
}

// Run loops until ctx is done. Pass failures are logged and retried on
// the next tick; they never stop the loop.
func (r *Reclaimer) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			requeued, parked, err := r.transport.Reclaim(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				r.logger.Warn("reclaim pass failed", trawllog.Error(err))
				continue
			}
			if requeued > 0 || parked > 0 {
				r.logger.Info("reclaim pass done",
					trawllog.Int("requeued", requeued),
					trawllog.Int("dead_lettered", parked))
			}
		}
	}
}
