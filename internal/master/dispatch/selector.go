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

package dispatch

import (
	"fmt"
	"slices"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/trawlhq/trawl/internal/master/registry"
	trawlerrors "github.com/trawlhq/trawl/pkg/errors"
)

// Selector restricts which workers the dispatcher considers.
type Selector struct {
	// Capabilities that must all be enabled on the worker.
	Capabilities []string `yaml:"capabilities" json:"capabilities"`

	// Regions the worker's region must match at least one of. Patterns
	// use extended glob syntax ("eu-*", "us-{east,west}-**"). Empty
	// admits every region.
	Regions []string `yaml:"regions" json:"regions"`

	// Tags that must all be present on the worker.
	Tags []string `yaml:"tags" json:"tags"`

	// Expression is an optional boolean expression over worker
	// attributes, e.g. `cpu < 50 && "spider" in tags`. Empty admits
	// every worker.
	Expression string `yaml:"expression" json:"expression"`
}

// Matcher is a compiled Selector.
type Matcher struct {
	sel     Selector
	program *vm.Program
}

// NewMatcher validates the selector's region patterns and compiles its
// expression once.
func NewMatcher(sel Selector) (*Matcher, error) {
	for _, pattern := range sel.Regions {
		if _, err := doublestar.Match(pattern, "probe"); err != nil {
			return nil, &trawlerrors.ValidationError{
				Field:   "regions",
				Message: fmt.Sprintf("invalid pattern %q", pattern),
			}
		}
	}
	m := &Matcher{sel: sel}
	if sel.Expression != "" {
		program, err := expr.Compile(sel.Expression,
			expr.Env(workerEnv(&registry.WorkerInfo{})),
			expr.AllowUndefinedVariables(),
			expr.AsBool(),
		)
		if err != nil {
			return nil, &trawlerrors.ValidationError{
				Field:   "expression",
				Message: err.Error(),
			}
		}
		m.program = program
	}
	return m, nil
}

// Match reports whether the worker passes every selector clause.
func (m *Matcher) Match(w *registry.WorkerInfo) (bool, error) {
	for _, name := range m.sel.Capabilities {
		if !w.Capabilities[name].Enabled {
			return false, nil
		}
	}
	if len(m.sel.Regions) > 0 {
		matched := false
		for _, pattern := range m.sel.Regions {
			if ok, _ := doublestar.Match(pattern, w.Region); ok {
				matched = true
				break
			}
		}
		if !matched {
			return false, nil
		}
	}
	for _, tag := range m.sel.Tags {
		if !slices.Contains(w.Tags, tag) {
			return false, nil
		}
	}
	if m.program == nil {
		return true, nil
	}
	out, err := expr.Run(m.program, workerEnv(w))
	if err != nil {
		return false, trawlerrors.Permanent("selector", err)
	}
	ok, isBool := out.(bool)
	if !isBool {
		return false, trawlerrors.Permanent("selector",
			fmt.Errorf("expression must return bool, got %T", out))
	}
	return ok, nil
}

// workerEnv exposes a worker's attributes to selector expressions.
func workerEnv(w *registry.WorkerInfo) map[string]any {
	caps := make([]string, 0, len(w.Capabilities))
	for name, c := range w.Capabilities {
		if c.Enabled {
			caps = append(caps, name)
		}
	}
	return map[string]any{
		"worker_id":      w.WorkerID,
		"region":         w.Region,
		"version":        w.Version,
		"os":             w.OSType,
		"arch":           w.MachineArch,
		"batch_id":       w.BatchID,
		"tags":           w.Tags,
		"capabilities":   caps,
		"cpu":            w.CPUPercent,
		"memory":         w.MemoryPercent,
		"disk":           w.DiskPercent,
		"running":        w.RunningTasks,
		"queued":         w.QueuedTasks,
		"max_concurrent": w.MaxConcurrent,
		"latency_ms":     w.LatencyMs,
		"success_rate":   w.SuccessRate(),
	}
}
