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

package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/trawlhq/trawl/internal/artifact"
	"github.com/trawlhq/trawl/internal/executor"
	trawllog "github.com/trawlhq/trawl/internal/log"
	"github.com/trawlhq/trawl/internal/logpipe"
	"github.com/trawlhq/trawl/internal/metrics"
	"github.com/trawlhq/trawl/internal/runtime"
	"github.com/trawlhq/trawl/internal/tracing"
	"github.com/trawlhq/trawl/internal/transport"
	"github.com/trawlhq/trawl/internal/wire"
	trawlerrors "github.com/trawlhq/trawl/pkg/errors"
)

// pollErrorDelay guards against hot-looping when the transport fails
// fast; real backoff lives inside the transports.
const pollErrorDelay = time.Second

// reportAttempts bounds result publication retries. An unreported
// result leaves the task unacked so the master reclaims and
// redelivers it.
const reportAttempts = 3

// Config tunes the engine. Zero values get safe defaults.
type Config struct {
	// WorkerID stamps control results.
	WorkerID string

	// Workers is how many runs execute concurrently. Keep it equal to
	// the executor's slot count; a larger value only queues runs on
	// the executor semaphore.
	Workers int

	// QueueSize bounds the scheduler; tasks beyond it are handed back
	// to the transport unaccepted.
	QueueSize int

	// PollTimeout is the block time of one task poll.
	PollTimeout time.Duration

	// ControlPollTimeout is the block time of one control poll.
	ControlPollTimeout time.Duration

	// DrainTimeout is how long Run waits for in-flight runs after its
	// context is cancelled before killing them.
	DrainTimeout time.Duration

	// DefaultTaskTimeout applies to tasks that carry no timeout.
	DefaultTaskTimeout time.Duration

	// DefaultPythonVersion applies to tasks whose params name none.
	DefaultPythonVersion string
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 100
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = 5 * time.Second
	}
	if c.ControlPollTimeout <= 0 {
		c.ControlPollTimeout = 5 * time.Second
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 30 * time.Second
	}
	if c.DefaultTaskTimeout <= 0 {
		c.DefaultTaskTimeout = time.Hour
	}
	if c.DefaultPythonVersion == "" {
		c.DefaultPythonVersion = "3"
	}
	return c
}

// Options carries the engine's collaborators.
type Options struct {
	Transport transport.Transport
	Executor  *executor.Executor
	Resolver  *runtime.Resolver
	Artifacts *artifact.Store
	Logs      *logpipe.Manager
	Metrics   *metrics.Metrics
	Logger    *slog.Logger

	// OnConfigUpdate receives config_update control payloads. Nil means
	// the worker does not support live reconfiguration.
	OnConfigUpdate func(map[string]any) error
}

// Engine pulls tasks, runs them and reports outcomes. One Engine per
// worker process.
type Engine struct {
	cfg       Config
	transport transport.Transport
	sched     *Scheduler
	states    *StateManager
	exec      *executor.Executor
	resolver  *runtime.Resolver
	artifacts *artifact.Store
	logs      *logpipe.Manager
	metrics   *metrics.Metrics
	tracer    trace.Tracer
	logger    *slog.Logger

	onConfigUpdate func(map[string]any) error
}

// New creates an Engine. Transport, Executor, Resolver and Logs are
// required.
func New(cfg Config, opts Options) (*Engine, error) {
	if opts.Transport == nil {
		return nil, &trawlerrors.ValidationError{Field: "transport", Message: "required"}
	}
	if opts.Executor == nil {
		return nil, &trawlerrors.ValidationError{Field: "executor", Message: "required"}
	}
	if opts.Resolver == nil {
		return nil, &trawlerrors.ValidationError{Field: "resolver", Message: "required"}
	}
	if opts.Logs == nil {
		return nil, &trawlerrors.ValidationError{Field: "logs", Message: "required"}
	}
	cfg = cfg.withDefaults()
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Engine{
		cfg:            cfg,
		transport:      opts.Transport,
		sched:          NewScheduler(cfg.QueueSize),
		states:         NewStateManager(opts.Logger),
		exec:           opts.Executor,
		resolver:       opts.Resolver,
		artifacts:      opts.Artifacts,
		logs:           opts.Logs,
		metrics:        opts.Metrics,
		tracer:         otel.Tracer("github.com/trawlhq/trawl/internal/engine"),
		logger:         trawllog.WithComponent(opts.Logger, "engine"),
		onConfigUpdate: opts.OnConfigUpdate,
	}, nil
}

// Stats is a point-in-time load snapshot for heartbeat reports.
type Stats struct {
	// Running counts runs past QUEUED and not yet terminal.
	Running int

	// Queued counts runs waiting in the scheduler.
	Queued int
}

// Stats reports current engine load.
func (e *Engine) Stats() Stats {
	return Stats{
		Running: e.states.Count(RunPreparing, RunRunning),
		Queued:  e.sched.Len(),
	}
}

// Run polls, executes and reports until ctx is cancelled, then drains:
// no new tasks are accepted, in-flight runs get DrainTimeout to finish
// and are killed past it. Tasks still queued at shutdown stay unacked
// so the master redelivers them.
func (e *Engine) Run(ctx context.Context) error {
	// Runs outlive ctx during the drain window.
	execCtx, execCancel := context.WithCancel(context.Background())
	defer execCancel()

	var loops sync.WaitGroup
	loops.Add(2)
	go func() {
		defer loops.Done()
		e.pollLoop(ctx)
	}()
	go func() {
		defer loops.Done()
		e.controlLoop(ctx)
	}()

	var workers sync.WaitGroup
	for i := 0; i < e.cfg.Workers; i++ {
		workers.Add(1)
		go func() {
			defer workers.Done()
			e.workerLoop(ctx, execCtx)
		}()
	}

	<-ctx.Done()
	e.logger.Info("draining", slog.Int("queued", e.sched.Len()))
	e.sched.Close()
	loops.Wait()

	drained := make(chan struct{})
	go func() {
		workers.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(e.cfg.DrainTimeout):
		e.logger.Warn("drain timeout, killing in-flight runs")
		execCancel()
		<-drained
	}

	closeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := e.logs.CloseAll(closeCtx); err != nil {
		e.logger.Error("closing log pipelines", trawllog.Error(err))
	}
	return nil
}

// pollLoop pulls tasks from the transport and admits them into the
// scheduler.
func (e *Engine) pollLoop(ctx context.Context) {
	for {
		task, err := e.transport.PollTask(ctx, e.cfg.PollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			e.logger.Warn("task poll failed", trawllog.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(pollErrorDelay):
			}
			continue
		}
		if task == nil {
			if ctx.Err() != nil {
				return
			}
			continue
		}
		e.accept(ctx, task)
	}
}

// accept admits one delivered task, settling its receipt when it
// cannot be queued. A run ID already tracked means a redundant
// redelivery of work this worker is still doing; its receipt is
// settled and the original run carries on.
func (e *Engine) accept(ctx context.Context, task *wire.Task) {
	logger := trawllog.WithRunContext(e.logger, task.RunID, task.TaskID)

	if err := e.states.Add(task.RunID, task.TaskID); err != nil {
		logger.Warn("duplicate delivery", slog.Int64("delivery_count", task.DeliveryCount))
		if err := e.transport.AckTask(ctx, task.Receipt, true); err != nil {
			logger.Error("acking duplicate delivery", trawllog.Error(err))
		}
		return
	}

	if err := e.sched.Enqueue(ctx, task); err != nil {
		e.states.Remove(task.RunID)
		logger.Warn("task rejected", trawllog.Error(err))
		if err := e.transport.AckTask(ctx, task.Receipt, false); err != nil {
			logger.Error("handing task back", trawllog.Error(err))
		}
		return
	}
	e.metrics.QueueDepth.Set(float64(e.sched.Len()))
	logger.Debug("task queued", slog.Int("priority", task.Priority))
}

func (e *Engine) workerLoop(ctx, execCtx context.Context) {
	for {
		task, err := e.sched.Dequeue(ctx)
		if err != nil {
			return
		}
		e.metrics.QueueDepth.Set(float64(e.sched.Len()))
		e.execute(execCtx, task)
	}
}

// execute drives one run through its lifecycle. The acceptance
// contract: the task's receipt is acked only after its result has been
// reported, so a crash at any point leads to redelivery, not loss.
func (e *Engine) execute(ctx context.Context, task *wire.Task) {
	logger := trawllog.WithRunContext(e.logger, task.RunID, task.TaskID)
	acceptedAt := time.Now()

	ctx, span := e.tracer.Start(ctx, "task.execute", trace.WithAttributes(
		tracing.AttrRunID.String(task.RunID),
		tracing.AttrTaskID.String(task.TaskID),
		tracing.AttrProjectID.String(task.ProjectID),
		tracing.AttrWorkerID.String(e.cfg.WorkerID),
	))
	defer span.End()

	if err := e.states.Transition(task.RunID, RunPreparing); err != nil {
		logger.Warn("run not in queued state", trawllog.Error(err))
	}

	pipe, err := e.logs.Open(task.RunID)
	if err != nil {
		logger.Error("opening log pipeline", trawllog.Error(err))
		e.failRun(ctx, span, task, nil, acceptedAt, fmt.Sprintf("opening log pipeline: %v", err))
		return
	}

	spec := e.runtimeSpec(task)
	_ = pipe.WriteSystem("info", fmt.Sprintf("preparing environment %s (python %s, %d requirements)",
		shortHash(spec.Hash()), spec.PythonVersion, len(spec.Requirements)))

	resolveCtx, resolveSpan := e.tracer.Start(ctx, "runtime.resolve", trace.WithAttributes(
		tracing.AttrRuntimeHash.String(spec.Hash()),
	))
	handle, err := e.resolver.Resolve(resolveCtx, spec)
	if err != nil {
		resolveSpan.SetStatus(codes.Error, err.Error())
		resolveSpan.End()
		logger.Error("resolving runtime", trawllog.Error(err))
		_ = pipe.WriteSystem("error", fmt.Sprintf("environment build failed: %v", err))
		e.failRun(ctx, span, task, pipe, acceptedAt, fmt.Sprintf("resolving runtime: %v", err))
		return
	}
	resolveSpan.End()

	workDir := ""
	entry := task.EntryPoint
	if task.DownloadURL != "" {
		fetchCtx, fetchSpan := e.tracer.Start(ctx, "artifact.fetch")
		dir, err := e.fetchArtifact(fetchCtx, task)
		if err != nil {
			fetchSpan.SetStatus(codes.Error, err.Error())
			fetchSpan.End()
			logger.Error("fetching artifact", trawllog.Error(err))
			_ = pipe.WriteSystem("error", fmt.Sprintf("artifact fetch failed: %v", err))
			e.failRun(ctx, span, task, pipe, acceptedAt, fmt.Sprintf("fetching artifact: %v", err))
			return
		}
		fetchSpan.End()
		workDir = dir
	}
	if entry == "" {
		entry = "main.py"
	}
	if workDir == "" {
		logger.Error("task has no artifact")
		_ = pipe.WriteSystem("error", "task carries no download_url")
		e.failRun(ctx, span, task, pipe, acceptedAt, "task carries no download_url")
		return
	}

	if err := e.states.Transition(task.RunID, RunRunning); err != nil {
		logger.Warn("run not in preparing state", trawllog.Error(err))
	}
	e.metrics.TasksRunning.Inc()
	defer e.metrics.TasksRunning.Dec()

	timeout := e.cfg.DefaultTaskTimeout
	if task.Timeout > 0 {
		timeout = time.Duration(task.Timeout) * time.Second
	}
	plan := executor.Plan{
		Command: handle.Python,
		Args:    []string{entry},
		Env:     taskEnv(task),
		Dir:     workDir,
		Timeout: timeout,
	}
	_ = pipe.WriteSystem("info", fmt.Sprintf("starting %s (timeout %s)", entry, timeout))

	runCtx, runSpan := e.tracer.Start(ctx, "process.run")
	res, err := e.exec.Run(runCtx, task.RunID, plan, handle, &pipeSink{pipe: pipe})
	if err != nil {
		runSpan.SetStatus(codes.Error, err.Error())
		runSpan.End()
		if ctx.Err() != nil {
			// Shutdown while waiting for a slot; leave the task unacked.
			logger.Info("run abandoned at shutdown")
			e.states.Remove(task.RunID)
			return
		}
		logger.Error("spawning process", trawllog.Error(err))
		_ = pipe.WriteSystem("error", fmt.Sprintf("spawn failed: %v", err))
		e.failRun(ctx, span, task, pipe, acceptedAt, fmt.Sprintf("spawning process: %v", err))
		return
	}
	runSpan.SetAttributes(tracing.AttrStatus.String(string(res.Status)))
	runSpan.End()

	if ctx.Err() != nil && res.Status == wire.StatusCancelled {
		// Killed by the drain deadline, not by an operator. Leave the
		// receipt unsettled so the master redelivers the task.
		logger.Info("run killed at shutdown")
		e.states.Remove(task.RunID)
		return
	}

	if err := e.states.Transition(task.RunID, StatusFor(res.Status)); err != nil {
		logger.Warn("terminal transition rejected", trawllog.Error(err))
	}
	span.SetAttributes(tracing.AttrStatus.String(string(res.Status)))
	if res.Status != wire.StatusSuccess {
		span.SetStatus(codes.Error, res.ErrorMessage)
	}

	level := "info"
	if res.Status != wire.StatusSuccess {
		level = "error"
	}
	_ = pipe.WriteSystem(level, fmt.Sprintf("process finished: %s (exit %d, %s)",
		res.Status, res.ExitCode, res.Duration.Round(time.Millisecond)))

	result := &wire.TaskResult{
		RunID:        task.RunID,
		TaskID:       task.TaskID,
		Status:       res.Status,
		ExitCode:     res.ExitCode,
		ErrorMessage: res.ErrorMessage,
		StartedAt:    res.StartedAt,
		FinishedAt:   res.FinishedAt,
		DurationMs:   res.Duration.Milliseconds(),
	}
	e.finish(ctx, task, pipe, result)

	logger.Info("run finished",
		slog.String("status", string(res.Status)),
		slog.Int("exit_code", res.ExitCode),
		trawllog.Duration("duration", res.Duration.Milliseconds()))
}

// fetchArtifact requires the store to be configured; a worker without
// one cannot take artifact tasks.
func (e *Engine) fetchArtifact(ctx context.Context, task *wire.Task) (string, error) {
	if e.artifacts == nil {
		return "", &trawlerrors.ConfigError{Key: "artifacts.dir", Reason: "artifact store not configured"}
	}
	return e.artifacts.Fetch(ctx, task)
}

// failRun reports a terminal failure that happened before the process
// produced its own result.
func (e *Engine) failRun(ctx context.Context, span trace.Span, task *wire.Task, pipe *logpipe.Pipeline, startedAt time.Time, msg string) {
	if err := e.states.Transition(task.RunID, RunFailed); err != nil {
		e.logger.Warn("failure transition rejected",
			slog.String(trawllog.RunIDKey, task.RunID), trawllog.Error(err))
	}
	span.SetAttributes(tracing.AttrStatus.String(string(wire.StatusFailed)))
	span.SetStatus(codes.Error, msg)

	now := time.Now()
	e.finish(ctx, task, pipe, &wire.TaskResult{
		RunID:        task.RunID,
		TaskID:       task.TaskID,
		Status:       wire.StatusFailed,
		ExitCode:     -1,
		ErrorMessage: msg,
		StartedAt:    startedAt,
		FinishedAt:   now,
		DurationMs:   now.Sub(startedAt).Milliseconds(),
	})
}

// finish flushes logs, reports the result and only then acks the
// receipt. A result that cannot be reported leaves the receipt
// unsettled; the master reclaims the task and the receipt cache
// absorbs the duplicate on redelivery.
func (e *Engine) finish(ctx context.Context, task *wire.Task, pipe *logpipe.Pipeline, result *wire.TaskResult) {
	logger := trawllog.WithRunContext(e.logger, task.RunID, task.TaskID)
	defer e.states.Remove(task.RunID)

	result.ProjectID = task.ProjectID

	e.metrics.TasksTotal.WithLabelValues(string(result.Status)).Inc()
	e.metrics.TaskDuration.WithLabelValues(string(result.Status)).Observe(float64(result.DurationMs) / 1000)

	if pipe != nil {
		if err := pipe.Flush(ctx); err != nil {
			logger.Warn("flushing run logs", trawllog.Error(err))
		}
	}

	if err := e.reportResult(ctx, result); err != nil {
		logger.Error("reporting result, leaving task unacked", trawllog.Error(err))
		return
	}
	if err := e.transport.AckTask(ctx, task.Receipt, true); err != nil {
		logger.Error("acking task", trawllog.Error(err))
		return
	}
	if pipe != nil {
		if err := e.logs.Finish(ctx, task.RunID); err != nil {
			logger.Warn("finishing run logs", trawllog.Error(err))
		}
	}
}

// reportResult retries transient publication failures with a doubling
// delay. Permanent failures surface immediately.
func (e *Engine) reportResult(ctx context.Context, result *wire.TaskResult) error {
	delay := time.Second
	for attempt := 1; ; attempt++ {
		err := e.transport.ReportResult(ctx, result)
		if err == nil {
			return nil
		}
		if attempt >= reportAttempts || !trawlerrors.Retryable(err) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
}

// runtimeSpec derives the environment a task needs from its params.
func (e *Engine) runtimeSpec(task *wire.Task) runtime.Spec {
	spec := runtime.Spec{
		PythonVersion: e.cfg.DefaultPythonVersion,
		EnvVars:       task.Environment,
	}
	if v, ok := task.Params["python_version"].(string); ok && v != "" {
		spec.PythonVersion = v
	}
	spec.Requirements = stringSlice(task.Params["requirements"])
	spec.Constraints = stringSlice(task.Params["constraints"])
	return spec
}

// stringSlice coerces a decoded JSON array into strings, dropping
// anything else.
func stringSlice(v any) []string {
	switch items := v.(type) {
	case []string:
		return items
	case []any:
		out := make([]string, 0, len(items))
		for _, item := range items {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// taskEnv is the process environment contributed by the task: its own
// variables plus the identifiers and params the script reads back.
func taskEnv(task *wire.Task) map[string]string {
	env := make(map[string]string, len(task.Environment)+3)
	for k, v := range task.Environment {
		env[k] = v
	}
	env["TRAWL_RUN_ID"] = task.RunID
	env["TRAWL_TASK_ID"] = task.TaskID
	if len(task.Params) > 0 {
		if raw, err := json.Marshal(task.Params); err == nil {
			env["TRAWL_TASK_PARAMS"] = string(raw)
		}
	}
	return env
}

func shortHash(hash string) string {
	if len(hash) > 12 {
		return hash[:12]
	}
	return hash
}

// pipeSink feeds executor output into the run's log pipeline.
type pipeSink struct {
	pipe *logpipe.Pipeline
}

func (s *pipeSink) Write(stream wire.LogStream, line string) {
	// Drop errors: the pipeline logs and counts its own drops, and a
	// reader goroutine has nowhere to put one.
	_ = s.pipe.Write(stream, line)
}
