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
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	trawllog "github.com/trawlhq/trawl/internal/log"
	"github.com/trawlhq/trawl/internal/master/batch"
	"github.com/trawlhq/trawl/internal/master/crawlqueue"
	"github.com/trawlhq/trawl/internal/master/dispatch"
	"github.com/trawlhq/trawl/internal/master/registry"
	"github.com/trawlhq/trawl/internal/metrics"
	"github.com/trawlhq/trawl/internal/transport/direct"
	"github.com/trawlhq/trawl/internal/wire"
	trawlerrors "github.com/trawlhq/trawl/pkg/errors"
)

const (
	// resultReadBlock paces the stream reads; cancellation is noticed
	// at this granularity.
	resultReadBlock = 5 * time.Second

	// resultReadCount caps messages per read.
	resultReadCount = 64

	// resultClaimIdle is how long a result may sit unacked in another
	// consumer's pending list before this one adopts it. Results are
	// settled in milliseconds, so a minute means the holder is gone.
	resultClaimIdle = time.Minute

	// seenLimit bounds the duplicate-run ring. Workers re-report a
	// result after a reconnect; anything older than the ring has long
	// been acked and is caught by the group instead.
	seenLimit = 4096
)

type resultConsumerConfig struct {
	Namespace string
	Consumer  string
}

type resultConsumerDeps struct {
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
	Client   *redis.Client
	Pump     *dispatch.Pump
	Queue    *crawlqueue.Queue // nil with the memory backend
	Batches  *batch.Manager
	Registry *registry.Registry
}

// resultConsumer drains the shared result stream and settles each
// report exactly once per master group: the queue delivery is acked or
// retried, the task status advanced, worker totals bumped, and the
// batch progress updated. Results for tasks this master did not place
// are acked and left to the reclaim pass, which re-drives the stranded
// delivery.
type resultConsumer struct {
	cfg      resultConsumerConfig
	keys     direct.Keys
	client   *redis.Client
	pump     *dispatch.Pump
	queue    *crawlqueue.Queue
	batches  *batch.Manager
	registry *registry.Registry
	logger   *slog.Logger
	metrics  *metrics.Metrics

	// Run is the only writer; no lock.
	seen  map[string]struct{}
	order []string
}

func newResultConsumer(cfg resultConsumerConfig, deps resultConsumerDeps) *resultConsumer {
	return &resultConsumer{
		cfg:      cfg,
		keys:     direct.Keys{NS: cfg.Namespace},
		client:   deps.Client,
		pump:     deps.Pump,
		queue:    deps.Queue,
		batches:  deps.Batches,
		registry: deps.Registry,
		logger:   trawllog.WithComponent(deps.Logger, "master.results"),
		metrics:  deps.Metrics,
		seen:     make(map[string]struct{}, seenLimit),
	}
}

// ensureGroup creates the masters group at the stream head, so results
// reported while no master ran are still settled.
func (c *resultConsumer) ensureGroup(ctx context.Context) error {
	err := c.client.XGroupCreateMkStream(ctx, c.keys.Result(), c.keys.MastersGroup(), "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return trawlerrors.Transient("result_group", err)
	}
	return nil
}

// Run loops until ctx is done. Each pass first adopts results stranded
// in dead consumers' pending lists, then blocks on new ones. Handling
// failures leave the entry pending, so the adoption pass re-drives it.
func (c *resultConsumer) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		c.claimStale(ctx)

		streams, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    c.keys.MastersGroup(),
			Consumer: c.cfg.Consumer,
			Streams:  []string{c.keys.Result(), ">"},
			Count:    resultReadCount,
			Block:    resultReadBlock,
		}).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Warn("result read failed", trawllog.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}
		for _, stream := range streams {
			for _, msg := range stream.Messages {
				c.handle(ctx, msg)
			}
		}
	}
}

// claimStale adopts pending results whose consumer went quiet.
func (c *resultConsumer) claimStale(ctx context.Context) {
	msgs, _, err := c.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   c.keys.Result(),
		Group:    c.keys.MastersGroup(),
		Consumer: c.cfg.Consumer,
		MinIdle:  resultClaimIdle,
		Start:    "0-0",
		Count:    resultReadCount,
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		if ctx.Err() == nil {
			c.logger.Warn("result claim failed", trawllog.Error(err))
		}
		return
	}
	for _, msg := range msgs {
		c.handle(ctx, msg)
	}
}

func (c *resultConsumer) handle(ctx context.Context, msg redis.XMessage) {
	values := wire.Strings(msg.Values)
	res, err := wire.ResultFromFields(values)
	if err != nil {
		// A poison entry cannot become valid later.
		c.logger.Warn("undecodable result dropped",
			trawllog.String("msg_id", msg.ID), trawllog.Error(err))
		c.ack(ctx, msg.ID)
		return
	}
	if res.RunID != "" {
		if _, dup := c.seen[res.RunID]; dup {
			c.logger.Debug("duplicate result", trawllog.String("run_id", res.RunID))
			c.ack(ctx, msg.ID)
			return
		}
	}

	success := res.Status == wire.StatusSuccess
	// A cancelled run settles like a success: its delivery is done and
	// must not re-enter the retry budget.
	settled := success || res.Status == wire.StatusCancelled

	placed, requeued, err := c.pump.Settle(ctx, res.TaskID, settled)
	if err != nil {
		// Pending entry stays; the adoption pass retries it.
		c.logger.Warn("result not settled",
			trawllog.String("task_id", res.TaskID), trawllog.Error(err))
		return
	}

	if workerID := values["worker_id"]; workerID != "" {
		if err := c.registry.RecordResult(ctx, workerID, success); err != nil {
			c.logger.Warn("worker totals not updated",
				trawllog.String("worker_id", workerID), trawllog.Error(err))
		}
	}

	if placed == nil {
		// Placed by another master or re-driven after a crash. The
		// stranded queue delivery ages into the reclaim pass.
		c.logger.Debug("result settled elsewhere",
			trawllog.String("task_id", res.TaskID),
			trawllog.String("status", string(res.Status)))
		c.finish(ctx, msg.ID, res)
		return
	}

	projectID := res.ProjectID
	if projectID == "" {
		projectID = placed.ProjectID
	}
	if c.queue != nil && projectID != "" {
		c.advanceStatus(ctx, projectID, res)
	}
	if batchID, ok := placed.Params["batch_id"].(string); ok && batchID != "" {
		if err := c.batches.RecordOutcome(ctx, batchID, success); err != nil {
			c.logger.Warn("batch outcome not recorded",
				trawllog.String("batch_id", batchID), trawllog.Error(err))
		}
	}

	c.logger.Info("result settled",
		trawllog.String("task_id", res.TaskID),
		trawllog.String("status", string(res.Status)),
		trawllog.Bool("requeued", requeued))
	c.finish(ctx, msg.ID, res)
}

// advanceStatus moves the task FSM for outcomes the queue does not
// handle itself. Retries and dead-letters were already written inside
// the queue's Retry when the pump settled a failure.
func (c *resultConsumer) advanceStatus(ctx context.Context, projectID string, res *wire.TaskResult) {
	switch res.Status {
	case wire.StatusSuccess:
		if err := c.queue.Succeed(ctx, projectID, res.TaskID); err != nil {
			c.logger.Debug("status not advanced",
				trawllog.String("task_id", res.TaskID), trawllog.Error(err))
		}
	case wire.StatusCancelled:
		// FAILED is the task FSM's only terminal for runs that will
		// not retry; the RUNNING hop first, since the master saw no
		// run-start signal.
		if err := c.queue.Transition(ctx, projectID, res.TaskID, crawlqueue.TaskRunning); err != nil {
			c.logger.Debug("status not advanced",
				trawllog.String("task_id", res.TaskID), trawllog.Error(err))
		}
		if err := c.queue.Transition(ctx, projectID, res.TaskID, crawlqueue.TaskFailed); err != nil {
			c.logger.Debug("status not advanced",
				trawllog.String("task_id", res.TaskID), trawllog.Error(err))
		}
	}
}

func (c *resultConsumer) finish(ctx context.Context, msgID string, res *wire.TaskResult) {
	if c.metrics != nil {
		c.metrics.TasksTotal.WithLabelValues(string(res.Status)).Inc()
	}
	c.remember(res.RunID)
	c.ack(ctx, msgID)
}

func (c *resultConsumer) ack(ctx context.Context, msgID string) {
	if err := c.client.XAck(ctx, c.keys.Result(), c.keys.MastersGroup(), msgID).Err(); err != nil && ctx.Err() == nil {
		c.logger.Warn("result ack failed",
			trawllog.String("msg_id", msgID), trawllog.Error(err))
	}
}

func (c *resultConsumer) remember(runID string) {
	if runID == "" {
		return
	}
	if _, ok := c.seen[runID]; ok {
		return
	}
	c.seen[runID] = struct{}{}
	c.order = append(c.order, runID)
	if len(c.order) > seenLimit {
		delete(c.seen, c.order[0])
		c.order = c.order[1:]
	}
}
