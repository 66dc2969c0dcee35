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

package crawlqueue

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	trawllog "github.com/trawlhq/trawl/internal/log"
	"github.com/trawlhq/trawl/internal/wire"
	trawlerrors "github.com/trawlhq/trawl/pkg/errors"
)

// Reclaim scans every priority band of one project for deliveries that
// have sat unacked past MinIdleTime, typically ones a dead master took
// down with it. Adopted entries within the delivery budget re-enter
// Dequeue ahead of new reads; entries past the budget move to the
// dead-letter stream. Returns how many entries were requeued and how
// many were parked.
func (q *Queue) Reclaim(ctx context.Context, projectID string) (requeued, parked int, err error) {
	if err := q.ensureProject(ctx, projectID); err != nil {
		return 0, 0, err
	}
	for _, level := range Levels {
		r, p, err := q.reclaimLevel(ctx, projectID, level)
		requeued += r
		parked += p
		if err != nil {
			return requeued, parked, err
		}
	}
	return requeued, parked, nil
}

func (q *Queue) reclaimLevel(ctx context.Context, projectID string, level Level) (requeued, parked int, err error) {
	stream := q.streamKey(projectID, level)

	start := "0-0"
	for {
		msgs, next, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   stream,
			Group:    q.group(),
			Consumer: q.cfg.Consumer,
			MinIdle:  q.cfg.MinIdleTime,
			Start:    start,
			Count:    reclaimBatch,
		}).Result()
		if err != nil && !isNil(err) {
			return requeued, parked, trawlerrors.Transient("crawlqueue_reclaim", err)
		}

		if len(msgs) > 0 {
			counts, err := q.deliveryCounts(ctx, stream, msgs)
			if err != nil {
				return requeued, parked, err
			}
			for _, msg := range msgs {
				count := counts[msg.ID]
				if count > int64(q.cfg.MaxRetries) {
					if err := q.parkRaw(ctx, projectID, level, msg, count, "delivery budget exhausted"); err != nil {
						return requeued, parked, err
					}
					parked++
					continue
				}

				task, derr := wire.TaskFromFields(wire.Strings(msg.Values))
				if derr != nil {
					if err := q.parkRaw(ctx, projectID, level, msg, count, "undecodable payload: "+derr.Error()); err != nil {
						return requeued, parked, err
					}
					parked++
					continue
				}
				if task.ProjectID == "" {
					task.ProjectID = projectID
				}
				task.Receipt = string(level) + "|" + msg.ID
				task.DeliveryCount = count
				q.pushClaimed(projectID, task)
				requeued++
				if q.metrics != nil {
					q.metrics.ReclaimedTasks.Inc()
				}
				q.logger.Info("reclaimed crawl task",
					trawllog.String("task_id", task.TaskID),
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
func (q *Queue) deliveryCounts(ctx context.Context, stream string, msgs []redis.XMessage) (map[string]int64, error) {
	pend, err := q.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: stream,
		Group:  q.group(),
		Start:  msgs[0].ID,
		End:    msgs[len(msgs)-1].ID,
		Count:  int64(len(msgs)),
	}).Result()
	if err != nil && !isNil(err) {
		return nil, trawlerrors.Transient("crawlqueue_reclaim", err)
	}
	counts := make(map[string]int64, len(pend))
	for _, p := range pend {
		counts[p.ID] = p.RetryCount
	}
	return counts, nil
}

// Reclaimer periodically reclaims every project this queue instance
// has touched.
type Reclaimer struct {
	queue    *Queue
	interval time.Duration
	logger   *slog.Logger
}

// NewReclaimer builds a reclaim loop over q. interval <= 0 selects 30s.
func NewReclaimer(q *Queue, interval time.Duration) *Reclaimer {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Reclaimer{
		queue:    q,
		interval: interval,
		logger:   trawllog.WithComponent(q.logger, "master.crawlqueue.reclaim"),
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
			for _, projectID := range r.queue.projects() {
				requeued, parked, err := r.queue.Reclaim(ctx, projectID)
				if err != nil {
					if ctx.Err() != nil {
						return nil
					}
					r.logger.Warn("reclaim pass failed",
						trawllog.String("project_id", projectID), trawllog.Error(err))
					continue
				}
				if requeued > 0 || parked > 0 {
					r.logger.Info("reclaim pass done",
						trawllog.String("project_id", projectID),
						trawllog.Int("requeued", requeued),
						trawllog.Int("dead_lettered", parked))
				}
			}
		}
	}
}
