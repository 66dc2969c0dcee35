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

// Package dispatch assigns crawl tasks to workers. Candidates come
// from the registry, pass through hard load cutoffs and the configured
// selector (capabilities, region globs, tags, expression), and the
// lowest-scoring survivor receives the tasks on its ready stream.
// Outgoing tasks are completed with the project's artifact descriptor
// so the worker can fetch the right bundle. The queue feeding the
// pump is pluggable: shared Redis streams or a single-process memory
// backend, chosen at startup.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	trawllog "github.com/trawlhq/trawl/internal/log"
	"github.com/trawlhq/trawl/internal/master/registry"
	"github.com/trawlhq/trawl/internal/metrics"
	"github.com/trawlhq/trawl/internal/transport/direct"
	"github.com/trawlhq/trawl/internal/wire"
	trawlerrors "github.com/trawlhq/trawl/pkg/errors"
	"github.com/trawlhq/trawl/pkg/httpclient"
)

// ErrNoEligibleWorker reports that no online worker survived placement
// filtering for a task.
var ErrNoEligibleWorker = errors.New("no eligible worker")

// ArtifactInfo describes the project bundle a worker needs before it
// can execute tasks for that project.
type ArtifactInfo struct {
	FileHash     string `json:"file_hash"`
	DownloadURL  string `json:"download_url"`
	EntryPoint   string `json:"entry_point"`
	IsCompressed bool   `json:"is_compressed"`
}

// ArtifactSource resolves the current artifact of a project for a
// worker that is about to receive its tasks.
type ArtifactSource interface {
	Sync(ctx context.Context, projectID, workerID string) (*ArtifactInfo, error)
}

// HTTPArtifactSource fetches artifact descriptors over the admin API.
type HTTPArtifactSource struct {
	base   string
	client *http.Client
}

// NewHTTPArtifactSource builds a source against baseURL. A nil client
// selects the shared retrying HTTP client with its defaults.
func NewHTTPArtifactSource(baseURL string, client *http.Client) (*HTTPArtifactSource, error) {
	if baseURL == "" {
		return nil, &trawlerrors.ValidationError{Field: "base_url", Message: "required"}
	}
	if client == nil {
		var err error
		client, err = httpclient.New(httpclient.DefaultConfig())
		if err != nil {
			return nil, err
		}
	}
	return &HTTPArtifactSource{base: strings.TrimRight(baseURL, "/"), client: client}, nil
}

// Sync looks up the artifact descriptor. The lookup is a GET so the
// shared client may replay it on transient failures.
func (s *HTTPArtifactSource) Sync(ctx context.Context, projectID, workerID string) (*ArtifactInfo, error) {
	u := s.base + "/api/v1/projects/" + url.PathEscape(projectID) + "/artifact"
	if workerID != "" {
		u += "?worker_id=" + url.QueryEscape(workerID)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, trawlerrors.Permanent("artifact_sync", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, trawlerrors.Transient("artifact_sync", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusNotFound:
		return nil, &trawlerrors.NotFoundError{Resource: "project_artifact", ID: projectID}
	case resp.StatusCode >= 500:
		return nil, trawlerrors.Transient("artifact_sync", fmt.Errorf("unexpected status %d", resp.StatusCode))
	default:
		return nil, trawlerrors.Permanent("artifact_sync", fmt.Errorf("unexpected status %d", resp.StatusCode))
	}

	var info ArtifactInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, trawlerrors.Permanent("artifact_sync", err)
	}
	return &info, nil
}

// Config tunes task placement.
type Config struct {
	// Namespace prefixes worker stream keys. Defaults to "trawl".
	Namespace string

	// SyncTimeout bounds one artifact lookup. Defaults to 10s.
	SyncTimeout time.Duration

	// Selector constrains which workers may receive tasks. The zero
	// selector admits every worker.
	Selector Selector
}

func (c *Config) withDefaults() {
	if c.Namespace == "" {
		c.Namespace = "trawl"
	}
	if c.SyncTimeout <= 0 {
		c.SyncTimeout = 10 * time.Second
	}
}

// Options carries the dispatcher's collaborators.
type Options struct {
	// Logger receives dispatch diagnostics. Defaults to slog.Default().
	Logger *slog.Logger

	// Metrics counts dispatch outcomes when set.
	Metrics *metrics.Metrics

	// Client is the shared Redis client. Required.
	Client *redis.Client

	// Registry supplies placement candidates. Required.
	Registry *registry.Registry

	// Artifacts resolves project bundles for outgoing tasks. Without
	// it tasks ship with whatever artifact fields they already carry.
	Artifacts ArtifactSource
}

// Dispatcher places crawl tasks on worker ready streams.
type Dispatcher struct {
	cfg       Config
	keys      direct.Keys
	matcher   *Matcher
	client    *redis.Client
	registry  *registry.Registry
	artifacts ArtifactSource
	logger    *slog.Logger
	metrics   *metrics.Metrics
}

// New builds a dispatcher. The selector is compiled once here so a
// bad region glob or expression fails at startup, not per task.
func New(cfg Config, opts Options) (*Dispatcher, error) {
	if opts.Client == nil {
		return nil, &trawlerrors.ValidationError{Field: "redis_client", Message: "required"}
	}
	if opts.Registry == nil {
		return nil, &trawlerrors.ValidationError{Field: "registry", Message: "required"}
	}
	cfg.withDefaults()

	matcher, err := NewMatcher(cfg.Selector)
	if err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		cfg:       cfg,
		keys:      direct.Keys{NS: cfg.Namespace},
		matcher:   matcher,
		client:    opts.Client,
		registry:  opts.Registry,
		artifacts: opts.Artifacts,
		logger:    trawllog.WithComponent(logger, "master.dispatch"),
		metrics:   opts.Metrics,
	}, nil
}

// fleet returns the online workers that pass the load cutoffs and the
// static selector. Per-task capability filtering happens on top.
func (d *Dispatcher) fleet(ctx context.Context) ([]*registry.WorkerInfo, error) {
	workers, err := d.registry.Online(ctx)
	if err != nil {
		return nil, err
	}
	candidates := make([]*registry.WorkerInfo, 0, len(workers))
	for _, w := range workers {
		if !Eligible(w) {
			continue
		}
		ok, err := d.matcher.Match(w)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		candidates = append(candidates, w)
	}
	return candidates, nil
}

// SelectWorker picks the destination for one task: online, under the
// hard load cutoffs, carrying the task's required capabilities,
// passing the selector. Lowest score wins.
func (d *Dispatcher) SelectWorker(ctx context.Context, task *wire.Task) (*registry.WorkerInfo, error) {
	fleet, err := d.fleet(ctx)
	if err != nil {
		return nil, err
	}
	candidates := fleet[:0]
	for _, w := range fleet {
		if hasCapabilities(w, task) {
			candidates = append(candidates, w)
		}
	}
	best := pick(candidates)
	if best == nil {
		d.count("no_worker")
		return nil, trawlerrors.Transient("dispatch", ErrNoEligibleWorker)
	}
	return best, nil
}

// Dispatch places one task and returns the worker it went to.
func (d *Dispatcher) Dispatch(ctx context.Context, task *wire.Task) (string, error) {
	if task == nil || task.TaskID == "" {
		return "", &trawlerrors.ValidationError{Field: "task_id", Message: "required"}
	}
	worker, err := d.SelectWorker(ctx, task)
	if err != nil {
		return "", err
	}
	if err := d.sendTo(ctx, worker, []*wire.Task{task}); err != nil {
		return "", err
	}
	return worker.WorkerID, nil
}

// BatchResult summarizes one batch dispatch.
type BatchResult struct {
	// Assignments maps project to the worker that received its tasks.
	Assignments map[string]string

	// Dispatched counts tasks that reached a ready stream.
	Dispatched int

	// Failed records per-project placement failures. Tasks of a failed
	// project were not sent.
	Failed map[string]error
}

// DispatchBatch places a mixed set of tasks, grouped by project so
// each project resolves one worker and one artifact lookup. Placement
// failures are collected per project rather than aborting the batch.
func (d *Dispatcher) DispatchBatch(ctx context.Context, tasks []*wire.Task) (*BatchResult, error) {
	res := &BatchResult{
		Assignments: make(map[string]string),
		Failed:      make(map[string]error),
	}
	groups := make(map[string][]*wire.Task)
	order := make([]string, 0, 4)
	for _, task := range tasks {
		if task == nil || task.TaskID == "" {
			continue
		}
		if _, seen := groups[task.ProjectID]; !seen {
			order = append(order, task.ProjectID)
		}
		groups[task.ProjectID] = append(groups[task.ProjectID], task)
	}

	for _, projectID := range order {
		group := groups[projectID]
		worker, err := d.SelectWorker(ctx, group[0])
		if err != nil {
			res.Failed[projectID] = err
			continue
		}
		if err := d.sendTo(ctx, worker, group); err != nil {
			res.Failed[projectID] = err
			continue
		}
		res.Assignments[projectID] = worker.WorkerID
		res.Dispatched += len(group)
	}
	return res, nil
}

// sendTo completes the tasks with the project artifact where missing
// and pushes them onto the worker's ready stream in one transaction.
func (d *Dispatcher) sendTo(ctx context.Context, worker *registry.WorkerInfo, tasks []*wire.Task) error {
	if err := d.fillArtifact(ctx, worker.WorkerID, tasks); err != nil {
		d.count("failed")
		return err
	}

	stream := d.keys.Ready(worker.WorkerID)
	pipe := d.client.TxPipeline()
	for _, task := range tasks {
		pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: stream,
			Values: task.Fields(),
		})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		d.count("failed")
		return trawlerrors.Transient("dispatch", err)
	}

	// Advisory only; the next heartbeat overwrites it.
	if err := d.registry.SetQueuedTasks(ctx, worker.WorkerID, worker.QueuedTasks+len(tasks)); err != nil {
		d.logger.Warn("queued count not updated",
			trawllog.String("worker_id", worker.WorkerID),
			trawllog.Error(err))
	}

	d.count("success")
	d.logger.Info("tasks dispatched",
		trawllog.String("worker_id", worker.WorkerID),
		trawllog.String("project_id", tasks[0].ProjectID),
		trawllog.Int("tasks", len(tasks)))
	return nil
}

// fillArtifact resolves the project artifact once and merges it into
// tasks that do not already carry a download URL.
func (d *Dispatcher) fillArtifact(ctx context.Context, workerID string, tasks []*wire.Task) error {
	if d.artifacts == nil {
		return nil
	}
	needs := false
	for _, task := range tasks {
		if task.DownloadURL == "" {
			needs = true
			break
		}
	}
	if !needs {
		return nil
	}

	syncCtx, cancel := context.WithTimeout(ctx, d.cfg.SyncTimeout)
	defer cancel()
	info, err := d.artifacts.Sync(syncCtx, tasks[0].ProjectID, workerID)
	if err != nil {
		return err
	}
	for _, task := range tasks {
		if task.DownloadURL != "" {
			continue
		}
		task.DownloadURL = info.DownloadURL
		task.FileHash = info.FileHash
		task.EntryPoint = info.EntryPoint
		task.IsCompressed = info.IsCompressed
	}
	return nil
}

func (d *Dispatcher) count(outcome string) {
	if d.metrics != nil {
		d.metrics.DispatchTotal.WithLabelValues(outcome).Inc()
	}
}

// hasCapabilities reports whether the worker has every capability the
// task asks for, enabled. Tasks name capabilities in their params,
// either a single "capability" string or a "capabilities" list.
func hasCapabilities(w *registry.WorkerInfo, task *wire.Task) bool {
	for _, name := range requiredCapabilities(task) {
		c, ok := w.Capabilities[name]
		if !ok || !c.Enabled {
			return false
		}
	}
	return true
}

func requiredCapabilities(task *wire.Task) []string {
	if task == nil || task.Params == nil {
		return nil
	}
	if name, ok := task.Params["capability"].(string); ok && name != "" {
		return []string{name}
	}
	switch v := task.Params["capabilities"].(type) {
	case []string:
		return v
	case []any:
		names := make([]string, 0, len(v))
		for _, item := range v {
			if name, ok := item.(string); ok && name != "" {
				names = append(names, name)
			}
		}
		return names
	}
	return nil
}
