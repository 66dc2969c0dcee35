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

// Package batch manages crawl batches: a lifecycle FSM, seed and
// frontier enqueueing through the crawl queue, per-batch dedup
// filters, and progress checkpoints persisted in Redis so a paused
// batch resumes where it stopped.
package batch

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	trawllog "github.com/trawlhq/trawl/internal/log"
	"github.com/trawlhq/trawl/internal/master/crawlqueue"
	"github.com/trawlhq/trawl/internal/master/dedup"
	"github.com/trawlhq/trawl/internal/wire"
	trawlerrors "github.com/trawlhq/trawl/pkg/errors"
)

// Test batches are capped regardless of what their config asks for.
const (
	testMaxDepth       = 3
	testMaxPages       = 100
	testMaxConcurrency = 10
	testMaxTimeout     = 300
)

// Hash fields within one batch key.
const (
	fieldRecord     = "record"
	fieldProgress   = "progress"
	fieldCheckpoint = "checkpoint"
)

// CrawlConfig bounds one batch's crawl.
type CrawlConfig struct {
	MaxDepth       int `json:"max_depth"`
	MaxPages       int `json:"max_pages"`
	MaxConcurrency int `json:"max_concurrency"`
	RequestDelayMs int `json:"request_delay_ms"`
	Timeout        int `json:"timeout"`
	MaxRetries     int `json:"max_retries"`
}

// CrawlBatch is one batch of seed URLs crawled as a unit.
type CrawlBatch struct {
	BatchID     string      `json:"batch_id"`
	ProjectID   string      `json:"project_id"`
	State       BatchState  `json:"status"`
	SeedURLs    []string    `json:"seed_urls"`
	Config      CrawlConfig `json:"config"`
	IsTest      bool        `json:"is_test"`
	CreatedAt   time.Time   `json:"created_at"`
	StartedAt   *time.Time  `json:"started_at,omitempty"`
	CompletedAt *time.Time  `json:"completed_at,omitempty"`
}

// Progress counts a batch's crawl frontier.
type Progress struct {
	Total      int64     `json:"total"`
	Enqueued   int64     `json:"enqueued"`
	Duplicates int64     `json:"duplicates"`
	Completed  int64     `json:"completed"`
	Failed     int64     `json:"failed"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Checkpoint is a recoverable snapshot of a batch, written on pause
// and on completion.
type Checkpoint struct {
	BatchID   string     `json:"batch_id"`
	State     BatchState `json:"state"`
	Progress  Progress   `json:"progress"`
	CreatedAt time.Time  `json:"created_at"`
}

// FilterFactory builds the dedup filter for one batch.
type FilterFactory func(batchID string) (dedup.Filter, error)

// Queue is the slice of the task queue batches drive: frontier
// enqueue plus purge on cancel. The stream backend and the dispatch
// memory backend both satisfy it.
type Queue interface {
	Enqueue(ctx context.Context, projectID string, level crawlqueue.Level, tasks []*wire.Task, filter dedup.Filter) (*crawlqueue.EnqueueResult, error)
	Purge(ctx context.Context, projectID string) error
}

// Config tunes the manager.
type Config struct {
	// Namespace prefixes every key. Defaults to "trawl".
	Namespace string

	// SeedPriority is the task priority seeds enqueue at. Discovered
	// links run at SeedPriority+2 per depth level, deeper pages behind
	// shallower ones. Defaults to 3.
	SeedPriority int
}

func (c *Config) withDefaults() {
	if c.Namespace == "" {
		c.Namespace = "trawl"
	}
	if c.SeedPriority == 0 {
		c.SeedPriority = 3
	}
}

// Options carries the manager's collaborators.
type Options struct {
	// Logger receives batch diagnostics. Defaults to slog.Default().
	Logger *slog.Logger

	// Client is the shared Redis client. Required.
	Client *redis.Client

	// Queue is the crawl queue batches feed. Required.
	Queue Queue

	// Filters builds per-batch dedup filters. Defaults to in-memory
	// Bloom filters.
	Filters FilterFactory
}

// Manager owns crawl batch lifecycles.
type Manager struct {
	cfg       Config
	client    *redis.Client
	queue     Queue
	logger    *slog.Logger
	newFilter FilterFactory

	// mu serializes read-modify-write cycles on batch records.
	mu      sync.Mutex
	filters map[string]dedup.Filter
}

// New builds a batch manager.
func New(cfg Config, opts Options) (*Manager, error) {
	if opts.Client == nil {
		return nil, &trawlerrors.ValidationError{Field: "redis_client", Message: "required"}
	}
	if opts.Queue == nil {
		return nil, &trawlerrors.ValidationError{Field: "crawl_queue", Message: "required"}
	}
	cfg.withDefaults()

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	factory := opts.Filters
	if factory == nil {
		factory = func(string) (dedup.Filter, error) {
			return dedup.NewMemory(dedup.Config{}), nil
		}
	}
	return &Manager{
		cfg:       cfg,
		client:    opts.Client,
		queue:     opts.Queue,
		logger:    trawllog.WithComponent(logger, "master.batch"),
		newFilter: factory,
		filters:   make(map[string]dedup.Filter),
	}, nil
}

func (m *Manager) batchKey(batchID string) string {
	return m.cfg.Namespace + ":batch:" + batchID
}

func (m *Manager) indexKey() string {
	return m.cfg.Namespace + ":batches"
}

// Create registers a new batch in PENDING. Test batches have their
// config clamped to the test caps.
func (m *Manager) Create(ctx context.Context, b *CrawlBatch) (*CrawlBatch, error) {
	if b == nil || b.ProjectID == "" {
		return nil, &trawlerrors.ValidationError{Field: "project_id", Message: "required"}
	}
	if len(b.SeedURLs) == 0 {
		return nil, &trawlerrors.ValidationError{Field: "seed_urls", Message: "at least one seed required"}
	}
	if b.BatchID == "" {
		b.BatchID = uuid.New().String()
	}
	if b.IsTest {
		clampTestConfig(&b.Config)
	}
	b.State = BatchPending
	b.CreatedAt = time.Now().UTC()
	b.StartedAt = nil
	b.CompletedAt = nil

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.saveRecord(ctx, b); err != nil {
		return nil, err
	}
	if err := m.saveProgress(ctx, b.BatchID, &Progress{UpdatedAt: b.CreatedAt}); err != nil {
		return nil, err
	}
	if err := m.client.SAdd(ctx, m.indexKey(), b.BatchID).Err(); err != nil {
		return nil, trawlerrors.Transient("batch_create", err)
	}
	m.logger.Info("batch created",
		trawllog.String("batch_id", b.BatchID),
		trawllog.String("project_id", b.ProjectID),
		trawllog.Int("seeds", len(b.SeedURLs)),
		trawllog.Bool("is_test", b.IsTest))
	return b, nil
}

func clampTestConfig(cfg *CrawlConfig) {
	if cfg.MaxDepth <= 0 || cfg.MaxDepth > testMaxDepth {
		cfg.MaxDepth = testMaxDepth
	}
	if cfg.MaxPages <= 0 || cfg.MaxPages > testMaxPages {
		cfg.MaxPages = testMaxPages
	}
	if cfg.MaxConcurrency <= 0 || cfg.MaxConcurrency > testMaxConcurrency {
		cfg.MaxConcurrency = testMaxConcurrency
	}
	if cfg.Timeout <= 0 || cfg.Timeout > testMaxTimeout {
		cfg.Timeout = testMaxTimeout
	}
}

// Get returns one batch record.
func (m *Manager) Get(ctx context.Context, batchID string) (*CrawlBatch, error) {
	return m.loadRecord(ctx, batchID)
}

// GetProgress returns one batch's frontier counters.
func (m *Manager) GetProgress(ctx context.Context, batchID string) (*Progress, error) {
	raw, err := m.client.HGet(ctx, m.batchKey(batchID), fieldProgress).Result()
	if errors.Is(err, redis.Nil) {
		return nil, &trawlerrors.NotFoundError{Resource: "crawl_batch", ID: batchID}
	}
	if err != nil {
		return nil, trawlerrors.Transient("batch_load", err)
	}
	var p Progress
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, trawlerrors.Permanent("batch_load", err)
	}
	return &p, nil
}

// List returns every known batch. Corrupt entries are skipped.
func (m *Manager) List(ctx context.Context) ([]*CrawlBatch, error) {
	ids, err := m.client.SMembers(ctx, m.indexKey()).Result()
	if err != nil {
		return nil, trawlerrors.Transient("batch_list", err)
	}
	batches := make([]*CrawlBatch, 0, len(ids))
	for _, id := range ids {
		b, err := m.loadRecord(ctx, id)
		if err != nil {
			m.logger.Warn("skipping unreadable batch record",
				trawllog.String("batch_id", id), trawllog.Error(err))
			continue
		}
		batches = append(batches, b)
	}
	return batches, nil
}

// Start moves a batch to RUNNING and enqueues its seeds. Seeds skip
// the dedup check but are recorded in the filter so rediscovered seed
// links do not crawl twice.
func (m *Manager) Start(ctx context.Context, batchID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, err := m.loadRecord(ctx, batchID)
	if err != nil {
		return err
	}
	// Start is the PENDING→RUNNING edge only; PAUSED batches go
	// through Resume.
	if b.State != BatchPending {
		return m.rejected(b, BatchRunning)
	}

	filter, err := m.filterFor(batchID)
	if err != nil {
		return err
	}

	tasks := make([]*wire.Task, 0, len(b.SeedURLs))
	for _, url := range b.SeedURLs {
		tasks = append(tasks, m.frontierTask(b, url, 0))
	}
	res, err := m.queue.Enqueue(ctx, b.ProjectID, crawlqueue.LevelForPriority(m.cfg.SeedPriority), tasks, nil)
	if err != nil {
		return err
	}
	for _, url := range b.SeedURLs {
		if _, ferr := filter.Add(ctx, b.ProjectID, url); ferr != nil {
			m.logger.Warn("seed not recorded in dedup filter",
				trawllog.String("batch_id", batchID), trawllog.Error(ferr))
		}
	}

	now := time.Now().UTC()
	b.State = BatchRunning
	b.StartedAt = &now
	if err := m.saveRecord(ctx, b); err != nil {
		return err
	}
	if err := m.saveProgress(ctx, batchID, &Progress{
		Total:     int64(len(b.SeedURLs)),
		Enqueued:  int64(res.Enqueued),
		UpdatedAt: now,
	}); err != nil {
		return err
	}
	m.logger.Info("batch started",
		trawllog.String("batch_id", batchID),
		trawllog.Int("seeds_enqueued", res.Enqueued))
	return nil
}

// Pause stops new dispatch for a batch and checkpoints its progress.
// In-flight tasks keep running.
func (m *Manager) Pause(ctx context.Context, batchID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, err := m.loadRecord(ctx, batchID)
	if err != nil {
		return err
	}
	if !transitionAllowed(b.State, BatchPaused) {
		return m.rejected(b, BatchPaused)
	}
	progress, err := m.GetProgress(ctx, batchID)
	if err != nil {
		return err
	}

	b.State = BatchPaused
	if err := m.saveRecord(ctx, b); err != nil {
		return err
	}
	if err := m.saveCheckpoint(ctx, &Checkpoint{
		BatchID:  batchID,
		State:    BatchPaused,
		Progress: *progress,
	}); err != nil {
		return err
	}
	m.logger.Info("batch paused", trawllog.String("batch_id", batchID))
	return nil
}

// Resume returns a paused batch to RUNNING, restoring counters from
// the pause checkpoint when one exists.
func (m *Manager) Resume(ctx context.Context, batchID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, err := m.loadRecord(ctx, batchID)
	if err != nil {
		return err
	}
	if b.State != BatchPaused {
		return m.rejected(b, BatchRunning)
	}

	cp, err := m.loadCheckpoint(ctx, batchID)
	if err != nil {
		return err
	}
	b.State = BatchRunning
	if err := m.saveRecord(ctx, b); err != nil {
		return err
	}
	if cp != nil {
		cp.Progress.UpdatedAt = time.Now().UTC()
		if err := m.saveProgress(ctx, batchID, &cp.Progress); err != nil {
			return err
		}
	}
	m.logger.Info("batch resumed", trawllog.String("batch_id", batchID))
	return nil
}

// Cancel moves any non-terminal batch to CANCELLED. purge also drops
// the batch's queues, progress and dedup filter. Test batches clean up
// fully regardless.
func (m *Manager) Cancel(ctx context.Context, batchID string, purge bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, err := m.loadRecord(ctx, batchID)
	if err != nil {
		return err
	}
	if !transitionAllowed(b.State, BatchCancelled) {
		return m.rejected(b, BatchCancelled)
	}

	now := time.Now().UTC()
	b.State = BatchCancelled
	b.CompletedAt = &now
	if err := m.saveRecord(ctx, b); err != nil {
		return err
	}
	m.logger.Info("batch cancelled",
		trawllog.String("batch_id", batchID), trawllog.Bool("purge", purge))

	if b.IsTest {
		return m.cleanup(ctx, b)
	}
	if purge {
		return m.purge(ctx, b)
	}
	return nil
}

// Complete finishes a RUNNING batch as COMPLETED or FAILED and writes
// the final checkpoint. Test batches clean up afterwards.
func (m *Manager) Complete(ctx context.Context, batchID string, success bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.complete(ctx, batchID, success)
}

func (m *Manager) complete(ctx context.Context, batchID string, success bool) error {
	b, err := m.loadRecord(ctx, batchID)
	if err != nil {
		return err
	}
	to := BatchCompleted
	if !success {
		to = BatchFailed
	}
	if !transitionAllowed(b.State, to) {
		return m.rejected(b, to)
	}
	progress, err := m.GetProgress(ctx, batchID)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	b.State = to
	b.CompletedAt = &now
	if err := m.saveRecord(ctx, b); err != nil {
		return err
	}
	if err := m.saveCheckpoint(ctx, &Checkpoint{
		BatchID:  batchID,
		State:    to,
		Progress: *progress,
	}); err != nil {
		return err
	}
	m.logger.Info("batch finished",
		trawllog.String("batch_id", batchID),
		trawllog.String("state", string(to)),
		trawllog.Int64("completed", progress.Completed),
		trawllog.Int64("failed", progress.Failed))

	if b.IsTest {
		return m.cleanup(ctx, b)
	}
	return nil
}

// AddDiscovered feeds links found at the given depth back into the
// batch's frontier, deduplicated through the batch filter. Links past
// MaxDepth are dropped.
func (m *Manager) AddDiscovered(ctx context.Context, batchID string, urls []string, depth int) (*crawlqueue.EnqueueResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, err := m.loadRecord(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if b.State != BatchRunning {
		return nil, m.rejected(b, BatchRunning)
	}
	if b.Config.MaxDepth > 0 && depth > b.Config.MaxDepth {
		return &crawlqueue.EnqueueResult{Total: len(urls)}, nil
	}
	filter, err := m.filterFor(batchID)
	if err != nil {
		return nil, err
	}

	priority := m.cfg.SeedPriority + 2*depth
	if priority > 10 {
		priority = 10
	}
	tasks := make([]*wire.Task, 0, len(urls))
	for _, url := range urls {
		task := m.frontierTask(b, url, depth)
		task.Priority = priority
		tasks = append(tasks, task)
	}
	res, err := m.queue.Enqueue(ctx, b.ProjectID, crawlqueue.LevelForPriority(priority), tasks, filter)
	if err != nil {
		return nil, err
	}

	progress, err := m.GetProgress(ctx, batchID)
	if err != nil {
		return nil, err
	}
	progress.Total += int64(res.Total)
	progress.Enqueued += int64(res.Enqueued)
	progress.Duplicates += int64(res.Duplicate)
	progress.UpdatedAt = time.Now().UTC()
	if err := m.saveProgress(ctx, batchID, progress); err != nil {
		return nil, err
	}
	return res, nil
}

// RecordOutcome counts one finished crawl task against the batch. A
// test batch that reaches its page cap completes itself.
func (m *Manager) RecordOutcome(ctx context.Context, batchID string, success bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, err := m.loadRecord(ctx, batchID)
	if err != nil {
		return err
	}
	progress, err := m.GetProgress(ctx, batchID)
	if err != nil {
		return err
	}
	if success {
		progress.Completed++
	} else {
		progress.Failed++
	}
	progress.UpdatedAt = time.Now().UTC()
	if err := m.saveProgress(ctx, batchID, progress); err != nil {
		return err
	}

	if b.IsTest && b.State == BatchRunning && b.Config.MaxPages > 0 &&
		progress.Completed+progress.Failed >= int64(b.Config.MaxPages) {
		m.logger.Info("test batch reached page cap",
			trawllog.String("batch_id", batchID),
			trawllog.Int("max_pages", b.Config.MaxPages))
		return m.complete(ctx, batchID, true)
	}
	return nil
}

// Dispatchable reports whether the batch accepts new dispatch.
func (m *Manager) Dispatchable(ctx context.Context, batchID string) (bool, error) {
	b, err := m.loadRecord(ctx, batchID)
	if err != nil {
		return false, err
	}
	return b.State == BatchRunning, nil
}

// Filter returns the batch's dedup filter, creating it on first use.
// Shared-bitmap factories make this deterministic across masters.
func (m *Manager) Filter(batchID string) (dedup.Filter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.filterFor(batchID)
}

func (m *Manager) filterFor(batchID string) (dedup.Filter, error) {
	if f, ok := m.filters[batchID]; ok {
		return f, nil
	}
	f, err := m.newFilter(batchID)
	if err != nil {
		return nil, err
	}
	m.filters[batchID] = f
	return f, nil
}

func (m *Manager) frontierTask(b *CrawlBatch, url string, depth int) *wire.Task {
	return &wire.Task{
		TaskID:      uuid.New().String(),
		RunID:       uuid.New().String(),
		ProjectID:   b.ProjectID,
		ProjectType: wire.ProjectTypeSpider,
		Priority:    m.cfg.SeedPriority,
		Timeout:     b.Config.Timeout,
		Params: map[string]any{
			"url":      url,
			"depth":    depth,
			"batch_id": b.BatchID,
		},
	}
}

// purge drops the batch's transient state but keeps its record.
func (m *Manager) purge(ctx context.Context, b *CrawlBatch) error {
	if err := m.queue.Purge(ctx, b.ProjectID); err != nil {
		return err
	}
	m.dropFilter(ctx, b.BatchID)
	if err := m.client.HDel(ctx, m.batchKey(b.BatchID), fieldProgress, fieldCheckpoint).Err(); err != nil {
		return trawlerrors.Transient("batch_purge", err)
	}
	return nil
}

// cleanup removes every trace of the batch.
func (m *Manager) cleanup(ctx context.Context, b *CrawlBatch) error {
	if err := m.queue.Purge(ctx, b.ProjectID); err != nil {
		return err
	}
	m.dropFilter(ctx, b.BatchID)
	pipe := m.client.TxPipeline()
	pipe.Del(ctx, m.batchKey(b.BatchID))
	pipe.SRem(ctx, m.indexKey(), b.BatchID)
	if _, err := pipe.Exec(ctx); err != nil {
		return trawlerrors.Transient("batch_cleanup", err)
	}
	m.logger.Info("batch cleaned up", trawllog.String("batch_id", b.BatchID))
	return nil
}

func (m *Manager) dropFilter(ctx context.Context, batchID string) {
	f, ok := m.filters[batchID]
	if !ok {
		// A filter this instance never used may still exist in Redis.
		nf, err := m.newFilter(batchID)
		if err != nil {
			return
		}
		f = nf
	}
	if err := f.Drop(ctx); err != nil {
		m.logger.Warn("dedup filter not dropped",
			trawllog.String("batch_id", batchID), trawllog.Error(err))
	}
	delete(m.filters, batchID)
}

func (m *Manager) rejected(b *CrawlBatch, to BatchState) error {
	m.logger.Warn("batch transition rejected",
		trawllog.String("batch_id", b.BatchID),
		trawllog.String("from", string(b.State)),
		trawllog.String("to", string(to)))
	return &trawlerrors.StateError{
		Entity: "crawl_batch",
		ID:     b.BatchID,
		From:   string(b.State),
		To:     string(to),
	}
}

func (m *Manager) loadRecord(ctx context.Context, batchID string) (*CrawlBatch, error) {
	raw, err := m.client.HGet(ctx, m.batchKey(batchID), fieldRecord).Result()
	if errors.Is(err, redis.Nil) {
		return nil, &trawlerrors.NotFoundError{Resource: "crawl_batch", ID: batchID}
	}
	if err != nil {
		return nil, trawlerrors.Transient("batch_load", err)
	}
	var b CrawlBatch
	if err := json.Unmarshal([]byte(raw), &b); err != nil {
		return nil, trawlerrors.Permanent("batch_load", err)
	}
	return &b, nil
}

func (m *Manager) saveRecord(ctx context.Context, b *CrawlBatch) error {
	raw, err := json.Marshal(b)
	if err != nil {
		return trawlerrors.Permanent("batch_save", err)
	}
	if err := m.client.HSet(ctx, m.batchKey(b.BatchID), fieldRecord, raw).Err(); err != nil {
		return trawlerrors.Transient("batch_save", err)
	}
	return nil
}

func (m *Manager) saveProgress(ctx context.Context, batchID string, p *Progress) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return trawlerrors.Permanent("batch_save", err)
	}
	if err := m.client.HSet(ctx, m.batchKey(batchID), fieldProgress, raw).Err(); err != nil {
		return trawlerrors.Transient("batch_save", err)
	}
	return nil
}

func (m *Manager) saveCheckpoint(ctx context.Context, cp *Checkpoint) error {
	cp.CreatedAt = time.Now().UTC()
	raw, err := json.Marshal(cp)
	if err != nil {
		return trawlerrors.Permanent("batch_checkpoint", err)
	}
	if err := m.client.HSet(ctx, m.batchKey(cp.BatchID), fieldCheckpoint, raw).Err(); err != nil {
		return trawlerrors.Transient("batch_checkpoint", err)
	}
	return nil
}

func (m *Manager) loadCheckpoint(ctx context.Context, batchID string) (*Checkpoint, error) {
	raw, err := m.client.HGet(ctx, m.batchKey(batchID), fieldCheckpoint).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, trawlerrors.Transient("batch_checkpoint", err)
	}
	var cp Checkpoint
	if err := json.Unmarshal([]byte(raw), &cp); err != nil {
		return nil, trawlerrors.Permanent("batch_checkpoint", err)
	}
	return &cp, nil
}
