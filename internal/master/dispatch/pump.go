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
	"context"
	"log/slog"
	"sync"
	"time"

	trawllog "github.com/trawlhq/trawl/internal/log"
	"github.com/trawlhq/trawl/internal/wire"
)

const (
	// pumpBurst caps tasks moved per project per sweep so one deep
	// backlog cannot starve the others.
	pumpBurst = 32

	// drainTimeout is the per-dequeue wait while draining. Short, so a
	// sweep over many idle projects stays cheap.
	drainTimeout = 100 * time.Millisecond
)

// delivery is the pump's memory of one placed task: enough to ack or
// requeue it when the result comes back.
type delivery struct {
	projectID string
	receipt   string
	task      *wire.Task
}

// Pump moves tasks from the crawl queue to workers. It sweeps the
// dispatchable projects, drains a bounded burst from each, and keeps
// the receipt of every delivery it placed so result consumers can
// settle them. Deliveries are not acknowledged at dispatch time; a
// master crash before the result simply leaves them pending for the
// reclaim pass.
type Pump struct {
	queue      Backend
	dispatcher *Dispatcher
	projects   func(context.Context) ([]string, error)
	interval   time.Duration
	logger     *slog.Logger

	mu          sync.Mutex
	outstanding map[string]delivery
}

// NewPump builds a dispatch loop. projects supplies the project IDs
// eligible for dispatch on each sweep, typically the running batches.
// interval <= 0 selects 1s.
func NewPump(queue Backend, d *Dispatcher, projects func(context.Context) ([]string, error), interval time.Duration) *Pump {
	if interval <= 0 {
		interval = time.Second
	}
	return &Pump{
		queue:       queue,
		dispatcher:  d,
		projects:    projects,
		interval:    interval,
		logger:      trawllog.WithComponent(d.logger, "master.dispatch.pump"),
		outstanding: make(map[string]delivery),
	}
}

// Run loops until ctx is done. Sweep failures are logged and retried
// on the next tick; they never stop the loop.
func (p *Pump) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := p.Sweep(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				p.logger.Warn("dispatch sweep failed", trawllog.Error(err))
			}
		}
	}
}

// Sweep drains every dispatchable project once. When no worker passes
// the static placement filters the backlog is left untouched rather
// than burning retry budgets against an empty fleet.
func (p *Pump) Sweep(ctx context.Context) (int, error) {
	fleet, err := p.dispatcher.fleet(ctx)
	if err != nil {
		return 0, err
	}
	if len(fleet) == 0 {
		return 0, nil
	}
	projectIDs, err := p.projects(ctx)
	if err != nil {
		return 0, err
	}

	moved := 0
	for _, projectID := range projectIDs {
		n, err := p.drain(ctx, projectID)
		moved += n
		if err != nil {
			if ctx.Err() != nil {
				return moved, nil
			}
			p.logger.Warn("project drain failed",
				trawllog.String("project_id", projectID), trawllog.Error(err))
		}
	}
	return moved, nil
}

// drain moves up to pumpBurst tasks of one project. A task that fails
// placement goes back through the queue's retry budget and the drain
// stops, so the budget spreads over sweeps instead of burning in one
// pass; capability gaps may close when a matching worker registers.
func (p *Pump) drain(ctx context.Context, projectID string) (int, error) {
	moved := 0
	for moved < pumpBurst {
		task, err := p.queue.Dequeue(ctx, projectID, drainTimeout)
		if err != nil {
			return moved, err
		}
		if task == nil {
			return moved, nil
		}

		if _, err := p.dispatcher.Dispatch(ctx, task); err != nil {
			requeued, rerr := p.queue.Retry(ctx, projectID, task, task.Receipt)
			if rerr != nil {
				p.logger.Warn("unplaced task not requeued",
					trawllog.String("project_id", projectID),
					trawllog.String("task_id", task.TaskID),
					trawllog.Error(rerr))
			}
			p.logger.Warn("task not placed",
				trawllog.String("project_id", projectID),
				trawllog.String("task_id", task.TaskID),
				trawllog.Bool("requeued", requeued),
				trawllog.Error(err))
			return moved, nil
		}

		p.mu.Lock()
		p.outstanding[task.TaskID] = delivery{projectID: projectID, receipt: task.Receipt, task: task}
		p.mu.Unlock()
		moved++
	}
	return moved, nil
}

// Settle resolves the queue delivery behind a finished task. Success
// acknowledges it; failure sends it back through the retry budget. It
// returns the task as placed, so callers can read params the result
// does not echo, and whether it was requeued. Tasks this pump did not
// place return nil: their dispatching master settles them, or the
// reclaim pass re-drives them if it died.
func (p *Pump) Settle(ctx context.Context, taskID string, success bool) (*wire.Task, bool, error) {
	p.mu.Lock()
	dv, ok := p.outstanding[taskID]
	if ok {
		delete(p.outstanding, taskID)
	}
	p.mu.Unlock()
	if !ok {
		return nil, false, nil
	}
	if success {
		return dv.task, false, p.queue.Ack(ctx, dv.projectID, dv.receipt)
	}
	requeued, err := p.queue.Retry(ctx, dv.projectID, dv.task, dv.receipt)
	return dv.task, requeued, err
}

// Outstanding counts placed tasks awaiting results.
func (p *Pump) Outstanding() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.outstanding)
}
