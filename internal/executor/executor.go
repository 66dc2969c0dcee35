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

// Package executor runs task processes under concurrency slots with
// line-streamed output, polite-then-hard termination and timeout
// enforcement. It controls subprocesses and emits log lines; it
// persists nothing.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/semaphore"

	trawllog "github.com/trawlhq/trawl/internal/log"
	"github.com/trawlhq/trawl/internal/runtime"
	"github.com/trawlhq/trawl/internal/wire"
)

// timeoutExitCode is reported when the deadline kill fires, matching
// the conventional `timeout(1)` exit status.
const timeoutExitCode = 124

// LogSink receives one line of process output at a time. Implementations
// must be safe for concurrent use; stdout and stderr are consumed by
// separate goroutines.
type LogSink interface {
	Write(stream wire.LogStream, line string)
}

// Plan describes a single process execution.
type Plan struct {
	Command     string
	Args        []string
	Env         map[string]string
	Dir         string
	Timeout     time.Duration
	GracePeriod time.Duration

	// CPULimitSeconds and MemoryLimitMB are applied where the platform
	// exposes the primitives; elsewhere they log a warning and the
	// process runs unlimited.
	CPULimitSeconds int64
	MemoryLimitMB   int64
}

// Result is the outcome of one execution.
type Result struct {
	Status       wire.Status
	ExitCode     int
	StartedAt    time.Time
	FinishedAt   time.Time
	Duration     time.Duration
	ErrorMessage string
}

// Executor runs plans under a bounded slot semaphore.
type Executor struct {
	slots        *semaphore.Weighted
	maxLineBytes int
	grace        time.Duration
	logger       *slog.Logger

	mu      sync.Mutex
	running map[string]*runningProc
}

type runningProc struct {
	pid        int
	cancel     chan struct{}
	cancelOnce sync.Once
	kill       chan struct{}
	killOnce   sync.Once
}

// Config tunes an Executor.
type Config struct {
	// MaxConcurrent is the slot count; minimum 1.
	MaxConcurrent int

	// MaxLineBytes splits longer output lines; minimum 1024.
	MaxLineBytes int

	// GracePeriod between polite stop and hard kill when the plan does
	// not set one.
	GracePeriod time.Duration
}

// New creates an Executor.
func New(cfg Config, logger *slog.Logger) *Executor {
	if cfg.MaxConcurrent < 1 {
		cfg.MaxConcurrent = 1
	}
	if cfg.MaxLineBytes < 1024 {
		cfg.MaxLineBytes = 16 * 1024
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		slots:        semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		maxLineBytes: cfg.MaxLineBytes,
		grace:        cfg.GracePeriod,
		logger:       trawllog.WithComponent(logger, "executor"),
		running:      make(map[string]*runningProc),
	}
}

// Run executes the plan, blocking until a slot frees up and the process
// finishes. Output lines stream to sink as they arrive. rt may be nil
// for plans that need no resolved environment.
//
// The returned Result is non-nil whenever the process started; the
// error covers setup failures only (slot acquisition, spawn).
func (e *Executor) Run(ctx context.Context, runID string, plan Plan, rt *runtime.Handle, sink LogSink) (*Result, error) {
	if err := e.slots.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("acquiring execution slot: %w", err)
	}
	defer e.slots.Release(1)

	cmd := exec.Command(plan.Command, plan.Args...)
	cmd.Dir = plan.Dir
	cmd.Env = buildEnv(plan.Env, rt)
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true, // own group so the kill reaches grandchildren
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	startedAt := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting process: %w", err)
	}

	if plan.CPULimitSeconds > 0 || plan.MemoryLimitMB > 0 {
		if err := applyLimits(cmd.Process.Pid, plan.CPULimitSeconds, plan.MemoryLimitMB); err != nil {
			e.logger.Warn("resource limits not applied",
				slog.String(trawllog.RunIDKey, runID),
				slog.Any("error", err))
		}
	}

	proc := &runningProc{
		pid:    cmd.Process.Pid,
		cancel: make(chan struct{}),
		kill:   make(chan struct{}),
	}
	e.track(runID, proc)
	defer e.untrack(runID)

	var readers sync.WaitGroup
	readers.Add(2)
	go func() {
		defer readers.Done()
		streamLines(stdout, wire.StreamStdout, e.maxLineBytes, sink)
	}()
	go func() {
		defer readers.Done()
		streamLines(stderr, wire.StreamStderr, e.maxLineBytes, sink)
	}()

	// Wait may only run after both pipe readers drain.
	waitDone := make(chan struct{})
	var waitErr error
	go func() {
		readers.Wait()
		waitErr = cmd.Wait()
		close(waitDone)
	}()

	grace := plan.GracePeriod
	if grace <= 0 {
		grace = e.grace
	}

	var timeoutCh <-chan time.Time
	if plan.Timeout > 0 {
		timer := time.NewTimer(plan.Timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	timedOut := false
	cancelled := false
	select {
	case <-waitDone:
	case <-timeoutCh:
		timedOut = true
		e.terminate(proc, grace, waitDone)
	case <-proc.cancel:
		cancelled = true
		e.terminate(proc, grace, waitDone)
	case <-proc.kill:
		cancelled = true
		_ = syscall.Kill(-proc.pid, syscall.SIGKILL)
	case <-ctx.Done():
		cancelled = true
		e.terminate(proc, grace, waitDone)
	}
	<-waitDone

	finishedAt := time.Now()
	res := &Result{
		StartedAt:  startedAt,
		FinishedAt: finishedAt,
		Duration:   finishedAt.Sub(startedAt),
	}

	switch {
	case timedOut:
		res.Status = wire.StatusTimeout
		res.ExitCode = timeoutExitCode
		res.ErrorMessage = fmt.Sprintf("timed out after %s", plan.Timeout)
	case cancelled:
		res.Status = wire.StatusCancelled
		res.ExitCode = exitCode(waitErr)
		res.ErrorMessage = "cancelled"
	case waitErr == nil:
		res.Status = wire.StatusSuccess
		res.ExitCode = 0
	default:
		res.Status = wire.StatusFailed
		res.ExitCode = exitCode(waitErr)
		res.ErrorMessage = waitErr.Error()
	}

	e.logger.Debug("process finished",
		slog.String(trawllog.RunIDKey, runID),
		slog.String("status", string(res.Status)),
		slog.Int("exit_code", res.ExitCode),
		trawllog.Duration("duration", res.Duration.Milliseconds()))

	return res, nil
}

// Cancel triggers the polite-then-hard stop sequence for a running
// process. Returns false if runID is not currently executing.
func (e *Executor) Cancel(runID string) bool {
	e.mu.Lock()
	proc, ok := e.running[runID]
	e.mu.Unlock()
	if !ok {
		return false
	}
	proc.cancelOnce.Do(func() { close(proc.cancel) })
	return true
}

// Kill skips the grace period and SIGKILLs the process group at once.
func (e *Executor) Kill(runID string) bool {
	e.mu.Lock()
	proc, ok := e.running[runID]
	e.mu.Unlock()
	if !ok {
		return false
	}
	proc.killOnce.Do(func() { close(proc.kill) })
	return true
}

// Running reports whether runID currently holds a process.
func (e *Executor) Running(runID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.running[runID]
	return ok
}

func (e *Executor) track(runID string, p *runningProc) {
	e.mu.Lock()
	e.running[runID] = p
	e.mu.Unlock()
}

func (e *Executor) untrack(runID string) {
	e.mu.Lock()
	delete(e.running, runID)
	e.mu.Unlock()
}

// terminate sends SIGTERM to the process group, waits out the grace
// period, then SIGKILLs whatever is left.
func (e *Executor) terminate(p *runningProc, grace time.Duration, waitDone <-chan struct{}) {
	_ = syscall.Kill(-p.pid, syscall.SIGTERM)
	select {
	case <-waitDone:
	case <-time.After(grace):
		_ = syscall.Kill(-p.pid, syscall.SIGKILL)
	}
}

// buildEnv merges the worker environment with the plan's and prepends
// the runtime's bin directory to PATH.
func buildEnv(extra map[string]string, rt *runtime.Handle) []string {
	merged := make(map[string]string)
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			merged[k] = v
		}
	}
	for k, v := range extra {
		merged[k] = v
	}
	if rt != nil {
		bin := runtime.VenvBin(rt.Path)
		if path, ok := merged["PATH"]; ok && path != "" {
			merged["PATH"] = bin + string(os.PathListSeparator) + path
		} else {
			merged["PATH"] = bin
		}
		merged["VIRTUAL_ENV"] = rt.Path
	}

	env := make([]string, 0, len(merged))
	for k, v := range merged {
		env = append(env, k+"="+v)
	}
	return env
}

// exitCode extracts the process exit status from a Wait error.
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}
