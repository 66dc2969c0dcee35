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
	"fmt"
	"log/slog"
	"time"

	trawllog "github.com/trawlhq/trawl/internal/log"
	"github.com/trawlhq/trawl/internal/runtime"
	"github.com/trawlhq/trawl/internal/wire"
)

// controlLoop pulls control commands and executes them. Commands are
// processed one at a time in delivery order.
func (e *Engine) controlLoop(ctx context.Context) {
	for {
		msg, err := e.transport.PollControl(ctx, e.cfg.ControlPollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			e.logger.Warn("control poll failed", trawllog.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(pollErrorDelay):
			}
			continue
		}
		if msg == nil {
			if ctx.Err() != nil {
				return
			}
			continue
		}
		e.handleControl(ctx, msg)
	}
}

// handleControl executes one command, reports the outcome and only
// then acks the receipt. Every command is idempotent, so redelivery
// after a failed report is harmless.
func (e *Engine) handleControl(ctx context.Context, msg *wire.ControlMessage) {
	logger := e.logger.With(slog.String("control_type", string(msg.Type)))
	if msg.RunID != "" {
		logger = logger.With(slog.String(trawllog.RunIDKey, msg.RunID))
	}

	result := &wire.ControlResult{
		WorkerID:  e.cfg.WorkerID,
		Type:      msg.Type,
		Timestamp: time.Now(),
	}
	if id, ok := msg.Payload["request_id"].(string); ok {
		result.RequestID = id
	}

	switch msg.Type {
	case wire.ControlCancel:
		result.Success, result.Message = e.stopRun(msg.RunID, false)
	case wire.ControlKill:
		result.Success, result.Message = e.stopRun(msg.RunID, true)
	case wire.ControlConfigUpdate:
		if e.onConfigUpdate == nil {
			result.Message = "live reconfiguration not supported"
		} else if err := e.onConfigUpdate(msg.Payload); err != nil {
			result.Message = err.Error()
		} else {
			result.Success = true
			result.Message = "config applied"
		}
	case wire.ControlRuntimeManage:
		data, err := e.runtimeManage(ctx, msg.Payload)
		if err != nil {
			result.Message = err.Error()
		} else {
			result.Success = true
			result.Data = data
		}
	default:
		result.Message = fmt.Sprintf("unknown control type %q", msg.Type)
	}

	if result.Success {
		logger.Info("control command done")
	} else {
		logger.Warn("control command failed", slog.String("reason", result.Message))
	}

	if err := e.transport.ReportControlResult(ctx, result); err != nil {
		logger.Error("reporting control result", trawllog.Error(err))
		return
	}
	if err := e.transport.AckControl(ctx, msg.Receipt); err != nil {
		logger.Error("acking control message", trawllog.Error(err))
	}
}

// stopRun delivers a stop signal to a running process. Cancel walks
// the polite SIGTERM-then-SIGKILL path, kill goes straight to SIGKILL.
// Runs that are not executing are left alone: a queued run is the
// master's to withdraw, and a finished one already reported.
func (e *Engine) stopRun(runID string, kill bool) (bool, string) {
	if runID == "" {
		return false, "run_id required"
	}
	var delivered bool
	if kill {
		delivered = e.exec.Kill(runID)
	} else {
		delivered = e.exec.Cancel(runID)
	}
	if !delivered {
		if info, tracked := e.states.Get(runID); tracked {
			return false, fmt.Sprintf("run is %s, nothing to stop", info.State)
		}
		return false, "run not found"
	}
	return true, "signal delivered"
}

// runtimeManage services environment administration commands.
func (e *Engine) runtimeManage(ctx context.Context, payload map[string]any) (map[string]any, error) {
	action, _ := payload["action"].(string)
	switch action {
	case "list":
		manifests, err := e.resolver.List()
		if err != nil {
			return nil, fmt.Errorf("listing environments: %w", err)
		}
		return map[string]any{"count": len(manifests), "environments": manifests}, nil

	case "remove":
		hash, _ := payload["hash"].(string)
		if hash == "" {
			return nil, fmt.Errorf("remove requires a hash")
		}
		if err := e.resolver.Remove(hash); err != nil {
			return nil, fmt.Errorf("removing environment: %w", err)
		}
		return map[string]any{"hash": hash}, nil

	case "prewarm":
		spec := runtime.Spec{
			PythonVersion: e.cfg.DefaultPythonVersion,
			Requirements:  stringSlice(payload["requirements"]),
			Constraints:   stringSlice(payload["constraints"]),
		}
		if v, ok := payload["python_version"].(string); ok && v != "" {
			spec.PythonVersion = v
		}
		handle, err := e.resolver.Prewarm(ctx, spec)
		if err != nil {
			return nil, fmt.Errorf("prewarming environment: %w", err)
		}
		return map[string]any{"hash": handle.Hash, "path": handle.Path}, nil

	case "gc":
		maxAge := 7 * 24 * time.Hour
		if hours, ok := payload["max_age_hours"].(float64); ok && hours > 0 {
			maxAge = time.Duration(hours * float64(time.Hour))
		}
		removed, err := e.resolver.GC(maxAge)
		if err != nil {
			return nil, fmt.Errorf("collecting environments: %w", err)
		}
		return map[string]any{"removed": removed}, nil
	}
	return nil, fmt.Errorf("unknown runtime action %q", action)
}
