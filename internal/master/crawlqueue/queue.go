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

// Package crawlqueue holds crawl tasks between enqueue and dispatch:
// three priority streams plus a dead-letter stream per project, a
// persisted per-task lifecycle, optional URL dedup on the way in, and
// a reclaim pass that re-adopts deliveries a dead master left pending.
// Dequeue is strict-priority over backlog; an idle dequeue blocks
// across all three streams and serves whatever arrives first.
package crawlqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	trawllog "github.com/trawlhq/trawl/internal/log"
	"github.com/trawlhq/trawl/internal/master/dedup"
	"github.com/trawlhq/trawl/internal/metrics"
	"github.com/trawlhq/trawl/internal/wire"
	trawlerrors "github.com/trawlhq/trawl/pkg/errors"
)

// reclaimBatch is the XAUTOCLAIM page size.
const reclaimBatch = 64

// Level is a queue priority band.
type Level string

const (
	LevelHigh   Level = "high"
	LevelNormal Level = "normal"
	LevelLow    Level = "low"
)

// Levels lists the bands in dequeue order.
var Levels = [3]Level{LevelHigh, LevelNormal, LevelLow}

func (l Level) valid() bool {
	return l == LevelHigh || l == LevelNormal || l == LevelLow
}

// LevelForPriority maps a task priority to its band. Lower values are
// more urgent, matching the worker scheduler's ordering.
func LevelForPriority(p int) Level {
	switch {
	case p <= 3:
		return LevelHigh
	case p <= 7:
		return LevelNormal
	default:
		return LevelLow
	}
}

// EnqueueResult reports one enqueue call.
type EnqueueResult struct {
	Total     int
	Enqueued  int
	Duplicate int
	MsgIDs    []string
}

// Config tunes the queue.
type Config struct {
	// Namespace prefixes every key. Defaults to "trawl".
	Namespace string

	// Consumer names this master in the consumer group. Defaults to a
	// generated "master-<id>" name.
	Consumer string

	// MaxRetries is the per-task retry budget; it also bounds stream
	// delivery counts in the reclaim pass. Defaults to 3.
	MaxRetries int

	// MinIdleTime is how long a delivery must sit unacked before the
	// reclaim pass may adopt it. Defaults to 60s.
	MinIdleTime time.Duration

	// MaxLen approximately caps each priority stream. Defaults to
	// 100000.
	MaxLen int64
}

func (c *Config) withDefaults() {
	if c.Namespace == "" {
		c.Namespace = "trawl"
	}
	if c.Consumer == "" {
		c.Consumer = "master-" + uuid.New().String()[:8]
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.MinIdleTime <= 0 {
		c.MinIdleTime = 60 * time.Second
	}
	if c.MaxLen <= 0 {
		c.MaxLen = 100000
	}
}

// Options carries the queue's collaborators.
type Options struct {
	// Logger receives queue diagnostics. Defaults to slog.Default().
	Logger *slog.Logger

	// Metrics counts reclaims and dead-letters when set.
	Metrics *metrics.Metrics

	// Client is the shared Redis client. Required.
	Client *redis.Client
}

// Queue is the per-project multi-priority crawl queue.
type Queue struct {
	cfg     Config
	client  *redis.Client
	logger  *slog.Logger
	metrics *metrics.Metrics

	// ensured caches projects whose streams and groups exist.
	ensuredMu sync.Mutex
	ensured   map[string]struct{}

	// claimed buffers tasks adopted by the reclaim pass, handed out
	// ahead of new stream reads.
	claimedMu sync.Mutex
	claimed   map[string][]*wire.Task
}

// New builds a queue over the shared Redis client.
func New(cfg Config, opts Options) (*Queue, error) {
	if opts.Client == nil {
		return nil, &trawlerrors.ValidationError{Field: "redis_client", Message: "required"}
	}
	cfg.withDefaults()

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		cfg:     cfg,
		client:  opts.Client,
		logger:  trawllog.WithComponent(logger, "master.crawlqueue"),
		metrics: opts.Metrics,
		ensured: make(map[string]struct{}),
		claimed: make(map[string][]*wire.Task),
	}, nil
}

func (q *Queue) group() string {
	return q.cfg.Namespace + ":crawlq"
}

func (q *Queue) streamKey(projectID string, level Level) string {
	return q.cfg.Namespace + ":crawl:queue:" + projectID + ":" + string(level)
}

func (q *Queue) deadKey(projectID string) string {
	return q.cfg.Namespace + ":crawl:dead:" + projectID
}

func (q *Queue) statusKey(projectID string) string {
	return q.cfg.Namespace + ":crawl:status:" + projectID
}

// ensureProject creates the project's streams and consumer group once
// per process, tolerating groups other masters already created.
func (q *Queue) ensureProject(ctx context.Context, projectID string) error {
	q.ensuredMu.Lock()
	_, done := q.ensured[projectID]
	q.ensuredMu.Unlock()
	if done {
		return nil
	}
	for _, level := range Levels {
		err := q.client.XGroupCreateMkStream(ctx, q.streamKey(projectID, level), q.group(), "0").Err()
		if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
			return trawlerrors.Transient("crawlqueue_ensure", err)
		}
	}
	q.ensuredMu.Lock()
	q.ensured[projectID] = struct{}{}
	q.ensuredMu.Unlock()
	return nil
}

// projects returns the projects this instance has touched, the scope
// of its reclaim daemon.
func (q *Queue) projects() []string {
	q.ensuredMu.Lock()
	defer q.ensuredMu.Unlock()
	out := make([]string, 0, len(q.ensured))
	for p := range q.ensured {
		out = append(out, p)
	}
	return out
}

// taskURL extracts the crawl URL a task targets, the dedup key.
func taskURL(task *wire.Task) string {
	if task == nil || task.Params == nil {
		return ""
	}
	url, _ := task.Params["url"].(string)
	return url
}

// Enqueue appends tasks to one priority band, skipping URLs the filter
// has already seen. A failing filter downgrades to no dedup rather
// than dropping URLs: a duplicate crawl is recoverable, a lost one is
// not.
func (q *Queue) Enqueue(ctx context.Context, projectID string, level Level, tasks []*wire.Task, filter dedup.Filter) (*EnqueueResult, error) {
	if projectID == "" {
		return nil, &trawlerrors.ValidationError{Field: "project_id", Message: "required"}
	}
	if !level.valid() {
		return nil, &trawlerrors.ValidationError{Field: "level", Message: "must be high, normal or low"}
	}
	if err := q.ensureProject(ctx, projectID); err != nil {
		return nil, err
	}

	res := &EnqueueResult{Total: len(tasks)}
	if len(tasks) == 0 {
		return res, nil
	}

	accepted := make([]*wire.Task, 0, len(tasks))
	for _, task := range tasks {
		if filter != nil {
			if url := taskURL(task); url != "" {
				added, err := filter.Add(ctx, projectID, url)
				if err != nil {
					q.logger.Warn("dedup filter unavailable, enqueueing without it",
						trawllog.String("project_id", projectID), trawllog.Error(err))
				} else if !added {
					res.Duplicate++
					continue
				}
			}
		}
		accepted = append(accepted, task)
	}
	if len(accepted) == 0 {
		return res, nil
	}

	now := time.Now().UTC()
	pipe := q.client.Pipeline()
	addCmds := make([]*redis.StringCmd, len(accepted))
	for i, task := range accepted {
		if task.ProjectID == "" {
			task.ProjectID = projectID
		}
		raw, err := json.Marshal(&TaskStatus{TaskID: task.TaskID, State: TaskPending, UpdatedAt: now})
		if err != nil {
			return res, trawlerrors.Permanent("crawlqueue_enqueue", err)
		}
		pipe.HSet(ctx, q.statusKey(projectID), task.TaskID, raw)
		addCmds[i] = pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: q.streamKey(projectID, level),
			MaxLen: q.cfg.MaxLen,
			Approx: true,
			Values: task.Fields(),
		})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return res, trawlerrors.Transient("crawlqueue_enqueue", err)
	}
	for _, cmd := range addCmds {
		res.MsgIDs = append(res.MsgIDs, cmd.Val())
	}
	res.Enqueued = len(accepted)
	return res, nil
}

// Dequeue returns the next task by strict priority, blocking up to
// timeout when every band is empty. A nil task with a nil error means
// the wait timed out.
func (q *Queue) Dequeue(ctx context.Context, projectID string, timeout time.Duration) (*wire.Task, error) {
	if task := q.popClaimed(projectID); task != nil {
		return task, nil
	}
	if timeout <= 0 {
		timeout = time.Second
	}
	if err := q.ensureProject(ctx, projectID); err != nil {
		return nil, err
	}

	for _, level := range Levels {
		msg, ok, err := q.readLevel(ctx, projectID, level)
		if err != nil {
			return nil, err
		}
		if ok {
			return q.adopt(ctx, projectID, level, msg)
		}
	}

	// Empty backlog: block across all bands, serve first arrival.
	streams := make([]string, 0, 2*len(Levels))
	for _, level := range Levels {
		streams = append(streams, q.streamKey(projectID, level))
	}
	for range Levels {
		streams = append(streams, ">")
	}
	res, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.group(),
		Consumer: q.cfg.Consumer,
		Streams:  streams,
		Count:    1,
		Block:    timeout,
	}).Result()
	if err != nil {
		if isNil(err) || errors.Is(err, context.DeadlineExceeded) {
			return nil, nil
		}
		return nil, trawlerrors.Transient("crawlqueue_dequeue", err)
	}
	for _, stream := range res {
		if len(stream.Messages) > 0 {
			return q.adopt(ctx, projectID, q.levelOf(stream.Stream), stream.Messages[0])
		}
	}
	return nil, nil
}

func (q *Queue) readLevel(ctx context.Context, projectID string, level Level) (redis.XMessage, bool, error) {
	res, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.group(),
		Consumer: q.cfg.Consumer,
		Streams:  []string{q.streamKey(projectID, level), ">"},
		Count:    1,
		Block:    -1,
	}).Result()
	if err != nil {
		if isNil(err) {
			return redis.XMessage{}, false, nil
		}
		return redis.XMessage{}, false, trawlerrors.Transient("crawlqueue_dequeue", err)
	}
	if len(res) == 0 || len(res[0].Messages) == 0 {
		return redis.XMessage{}, false, nil
	}
	return res[0].Messages[0], true, nil
}

func (q *Queue) levelOf(stream string) Level {
	return Level(stream[strings.LastIndexByte(stream, ':')+1:])
}

// adopt decodes a delivery and moves the task's lifecycle to
// DISPATCHED. Undecodable payloads are parked; a stale redelivery of a
// finished task is settled quietly.
func (q *Queue) adopt(ctx context.Context, projectID string, level Level, msg redis.XMessage) (*wire.Task, error) {
	task, derr := wire.TaskFromFields(wire.Strings(msg.Values))
	if derr != nil {
		if err := q.parkRaw(ctx, projectID, level, msg, 1, "undecodable payload: "+derr.Error()); err != nil {
			return nil, err
		}
		return nil, nil
	}
	if task.ProjectID == "" {
		task.ProjectID = projectID
	}
	task.Receipt = string(level) + "|" + msg.ID
	if task.DeliveryCount <= 0 {
		task.DeliveryCount = 1
	}

	if err := q.markDispatched(ctx, projectID, task.TaskID); err != nil {
		var serr *trawlerrors.StateError
		if errors.As(err, &serr) {
			q.logger.Warn("settling stale redelivery of finished task",
				trawllog.String("task_id", task.TaskID),
				trawllog.String("from", serr.From))
			if aerr := q.Ack(ctx, projectID, task.Receipt); aerr != nil {
				return nil, aerr
			}
			return nil, nil
		}
		return nil, err
	}
	return task, nil
}

// markDispatched moves the task to DISPATCHED. A task already there
// (a reclaimed delivery) is left alone; a task the status store never
// saw is adopted directly in DISPATCHED.
func (q *Queue) markDispatched(ctx context.Context, projectID, taskID string) error {
	st, err := q.Status(ctx, projectID, taskID)
	if err != nil {
		var nf *trawlerrors.NotFoundError
		if errors.As(err, &nf) {
			return q.putStatus(ctx, projectID, &TaskStatus{
				TaskID:    taskID,
				State:     TaskDispatched,
				UpdatedAt: time.Now().UTC(),
			})
		}
		return err
	}
	if st.State == TaskDispatched {
		return nil
	}
	if !transitionAllowed(st.State, TaskDispatched) {
		return &trawlerrors.StateError{
			Entity: "crawl_task",
			ID:     taskID,
			From:   string(st.State),
			To:     string(TaskDispatched),
		}
	}
	st.State = TaskDispatched
	st.UpdatedAt = time.Now().UTC()
	return q.putStatus(ctx, projectID, st)
}

// Ack settles a dequeued delivery.
func (q *Queue) Ack(ctx context.Context, projectID, receipt string) error {
	level, id, err := parseReceipt(receipt)
	if err != nil {
		return err
	}
	if err := q.client.XAck(ctx, q.streamKey(projectID, level), q.group(), id).Err(); err != nil {
		return trawlerrors.Transient("crawlqueue_ack", err)
	}
	return nil
}

// Retry handles one recoverable failure: within budget the task
// re-enters its original band and the old delivery settles; past
// budget it is dead-lettered as FAILED. Returns whether it was
// requeued. receipt may be empty when no delivery is pending.
func (q *Queue) Retry(ctx context.Context, projectID string, task *wire.Task, receipt string) (bool, error) {
	if task == nil || task.TaskID == "" {
		return false, &trawlerrors.ValidationError{Field: "task_id", Message: "required"}
	}
	st, err := q.Status(ctx, projectID, task.TaskID)
	if err != nil {
		var nf *trawlerrors.NotFoundError
		if !errors.As(err, &nf) {
			return false, err
		}
		st = &TaskStatus{TaskID: task.TaskID, State: TaskRunning}
	}
	if st.State.Terminal() {
		return false, &trawlerrors.StateError{
			Entity: "crawl_task",
			ID:     task.TaskID,
			From:   string(st.State),
			To:     string(TaskRetry),
		}
	}

	st.RetryCount++
	st.UpdatedAt = time.Now().UTC()
	if st.RetryCount > q.cfg.MaxRetries {
		st.State = TaskFailed
		if err := q.putStatus(ctx, projectID, st); err != nil {
			return false, err
		}
		if err := q.deadLetterTask(ctx, projectID, task, receipt, int64(st.RetryCount), "retry budget exhausted"); err != nil {
			return false, err
		}
		return false, nil
	}

	st.State = TaskRetry
	if err := q.putStatus(ctx, projectID, st); err != nil {
		return false, err
	}

	level := LevelForPriority(task.Priority)
	ackLevel, ackID, perr := parseReceipt(receipt)
	if perr == nil {
		level = ackLevel
	}
	pipe := q.client.TxPipeline()
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: q.streamKey(projectID, level),
		MaxLen: q.cfg.MaxLen,
		Approx: true,
		Values: task.Fields(),
	})
	if perr == nil {
		pipe.XAck(ctx, q.streamKey(projectID, ackLevel), q.group(), ackID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return false, trawlerrors.Transient("crawlqueue_retry", err)
	}
	q.logger.Info("task requeued for retry",
		trawllog.String("task_id", task.TaskID),
		trawllog.Int("retry_count", st.RetryCount))
	return true, nil
}

// Succeed records a task's terminal success. The stream ack stays the
// caller's job. The RUNNING hop is applied implicitly: the master gets
// no run-start signal from direct workers, so the first evidence a
// task ran is its result. A task the status store never saw is adopted
// in RUNNING first.
func (q *Queue) Succeed(ctx context.Context, projectID, taskID string) error {
	if taskID == "" {
		return &trawlerrors.ValidationError{Field: "task_id", Message: "required"}
	}
	st, err := q.Status(ctx, projectID, taskID)
	if err != nil {
		var nf *trawlerrors.NotFoundError
		if !errors.As(err, &nf) {
			return err
		}
		st = &TaskStatus{TaskID: taskID, State: TaskRunning}
	}
	if st.State == TaskDispatched {
		st.State = TaskRunning
	}
	if !transitionAllowed(st.State, TaskSuccess) {
		return &trawlerrors.StateError{
			Entity: "crawl_task",
			ID:     taskID,
			From:   string(st.State),
			To:     string(TaskSuccess),
		}
	}
	st.State = TaskSuccess
	st.UpdatedAt = time.Now().UTC()
	return q.putStatus(ctx, projectID, st)
}

// Transition moves a task's lifecycle. Disallowed transitions are
// rejected with a StateError and leave the record untouched.
func (q *Queue) Transition(ctx context.Context, projectID, taskID string, to TaskState) error {
	st, err := q.Status(ctx, projectID, taskID)
	if err != nil {
		return err
	}
	if !transitionAllowed(st.State, to) {
		q.logger.Warn("task transition rejected",
			trawllog.String("task_id", taskID),
			trawllog.String("from", string(st.State)),
			trawllog.String("to", string(to)))
		return &trawlerrors.StateError{
			Entity: "crawl_task",
			ID:     taskID,
			From:   string(st.State),
			To:     string(to),
		}
	}
	st.State = to
	st.UpdatedAt = time.Now().UTC()
	return q.putStatus(ctx, projectID, st)
}

// Status returns a task's lifecycle record.
func (q *Queue) Status(ctx context.Context, projectID, taskID string) (*TaskStatus, error) {
	raw, err := q.client.HGet(ctx, q.statusKey(projectID), taskID).Result()
	if isNil(err) {
		return nil, &trawlerrors.NotFoundError{Resource: "crawl_task", ID: taskID}
	}
	if err != nil {
		return nil, trawlerrors.Transient("crawlqueue_status", err)
	}
	var st TaskStatus
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		return nil, trawlerrors.Permanent("crawlqueue_status", err)
	}
	return &st, nil
}

func (q *Queue) putStatus(ctx context.Context, projectID string, st *TaskStatus) error {
	raw, err := json.Marshal(st)
	if err != nil {
		return trawlerrors.Permanent("crawlqueue_status", err)
	}
	if err := q.client.HSet(ctx, q.statusKey(projectID), st.TaskID, raw).Err(); err != nil {
		return trawlerrors.Transient("crawlqueue_status", err)
	}
	return nil
}

// Depths reports the backlog of one project.
type Depths struct {
	High   int64
	Normal int64
	Low    int64
	Dead   int64
}

// Depth returns stream lengths for one project.
func (q *Queue) Depth(ctx context.Context, projectID string) (Depths, error) {
	pipe := q.client.Pipeline()
	high := pipe.XLen(ctx, q.streamKey(projectID, LevelHigh))
	normal := pipe.XLen(ctx, q.streamKey(projectID, LevelNormal))
	low := pipe.XLen(ctx, q.streamKey(projectID, LevelLow))
	dead := pipe.XLen(ctx, q.deadKey(projectID))
	if _, err := pipe.Exec(ctx); err != nil && !isNil(err) {
		return Depths{}, trawlerrors.Transient("crawlqueue_depth", err)
	}
	return Depths{
		High:   high.Val(),
		Normal: normal.Val(),
		Low:    low.Val(),
		Dead:   dead.Val(),
	}, nil
}

// Purge deletes every key of one project: queues, dead letters and
// lifecycle records.
func (q *Queue) Purge(ctx context.Context, projectID string) error {
	keys := []string{
		q.streamKey(projectID, LevelHigh),
		q.streamKey(projectID, LevelNormal),
		q.streamKey(projectID, LevelLow),
		q.deadKey(projectID),
		q.statusKey(projectID),
	}
	if err := q.client.Del(ctx, keys...).Err(); err != nil {
		return trawlerrors.Transient("crawlqueue_purge", err)
	}
	q.ensuredMu.Lock()
	delete(q.ensured, projectID)
	q.ensuredMu.Unlock()
	q.claimedMu.Lock()
	delete(q.claimed, projectID)
	q.claimedMu.Unlock()
	return nil
}

// deadLetterTask parks a task-shaped payload and settles its delivery
// when one is pending.
func (q *Queue) deadLetterTask(ctx context.Context, projectID string, task *wire.Task, receipt string, count int64, reason string) error {
	fields := task.Fields()
	fields["dead_letter_reason"] = reason
	fields["delivery_count"] = strconv.FormatInt(count, 10)
	fields["dead_lettered_at"] = time.Now().UTC().Format(time.RFC3339Nano)

	pipe := q.client.TxPipeline()
	pipe.XAdd(ctx, &redis.XAddArgs{Stream: q.deadKey(projectID), Values: fields})
	if level, id, perr := parseReceipt(receipt); perr == nil {
		pipe.XAck(ctx, q.streamKey(projectID, level), q.group(), id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return trawlerrors.Transient("crawlqueue_dead_letter", err)
	}
	if q.metrics != nil {
		q.metrics.DeadLettered.Inc()
	}
	q.logger.Warn("crawl task dead-lettered",
		trawllog.String("task_id", task.TaskID),
		trawllog.String("reason", reason))
	return nil
}

// parkRaw moves a raw delivery to the dead-letter stream and settles
// it in one transaction.
func (q *Queue) parkRaw(ctx context.Context, projectID string, level Level, msg redis.XMessage, count int64, reason string) error {
	fields := make(map[string]any, len(msg.Values)+3)
	for k, v := range msg.Values {
		fields[k] = v
	}
	fields["dead_letter_reason"] = reason
	fields["delivery_count"] = strconv.FormatInt(count, 10)
	fields["dead_lettered_at"] = time.Now().UTC().Format(time.RFC3339Nano)

	pipe := q.client.TxPipeline()
	pipe.XAdd(ctx, &redis.XAddArgs{Stream: q.deadKey(projectID), Values: fields})
	pipe.XAck(ctx, q.streamKey(projectID, level), q.group(), msg.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return trawlerrors.Transient("crawlqueue_dead_letter", err)
	}
	if q.metrics != nil {
		q.metrics.DeadLettered.Inc()
	}
	q.logger.Warn("crawl entry dead-lettered",
		trawllog.String("entry_id", msg.ID),
		trawllog.String("reason", reason))
	return nil
}

func (q *Queue) pushClaimed(projectID string, task *wire.Task) {
	q.claimedMu.Lock()
	defer q.claimedMu.Unlock()
	q.claimed[projectID] = append(q.claimed[projectID], task)
}

func (q *Queue) popClaimed(projectID string) *wire.Task {
	q.claimedMu.Lock()
	defer q.claimedMu.Unlock()
	buf := q.claimed[projectID]
	if len(buf) == 0 {
		return nil
	}
	task := buf[0]
	q.claimed[projectID] = buf[1:]
	return task
}

func parseReceipt(receipt string) (Level, string, error) {
	level, id, ok := strings.Cut(receipt, "|")
	if !ok || !Level(level).valid() || id == "" {
		return "", "", trawlerrors.Permanent("crawlqueue_receipt", fmt.Errorf("malformed receipt %q", receipt))
	}
	return Level(level), id, nil
}

func isNil(err error) bool {
	return errors.Is(err, redis.Nil)
}
