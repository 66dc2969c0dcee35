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

// Package engine pulls tasks from the transport, schedules them by
// priority, drives each run through its state machine and reports
// results. It owns the worker goroutines but delegates process
// handling to the executor and durability to the log pipeline.
package engine

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/trawlhq/trawl/internal/wire"
)

// ErrSchedulerClosed is returned for operations on a closed scheduler.
var ErrSchedulerClosed = &SchedulerError{message: "scheduler is closed"}

// ErrQueueFull is returned when an enqueue would exceed the bound. The
// caller nacks the task so another worker picks it up.
var ErrQueueFull = &SchedulerError{message: "scheduler queue is full"}

// SchedulerError represents a scheduler-related error.
type SchedulerError struct {
	message string
}

func (e *SchedulerError) Error() string {
	return e.message
}

// queuedTask is one heap element. seq breaks ties between tasks
// enqueued within the same clock tick so ordering stays stable.
type queuedTask struct {
	task       *wire.Task
	enqueuedAt time.Time
	seq        uint64
}

type taskHeap []*queuedTask

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	a, b := h[i], h[j]
	if a.task.Priority != b.task.Priority {
		// Lower priority value dispatches first.
		return a.task.Priority < b.task.Priority
	}
	if !a.enqueuedAt.Equal(b.enqueuedAt) {
		return a.enqueuedAt.Before(b.enqueuedAt)
	}
	return a.seq < b.seq
}

func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *taskHeap) Push(x any) { *h = append(*h, x.(*queuedTask)) }

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// Scheduler is a bounded priority queue feeding the worker goroutines.
// Tasks come out ordered by (priority asc, enqueue time asc).
type Scheduler struct {
	mu     sync.Mutex
	tasks  taskHeap
	seq    uint64
	max    int
	signal chan struct{}

	closedMu sync.RWMutex
	closed   bool
}

// NewScheduler creates a scheduler bounded at maxSize tasks.
func NewScheduler(maxSize int) *Scheduler {
	if maxSize <= 0 {
		maxSize = 100
	}
	return &Scheduler{
		max:    maxSize,
		signal: make(chan struct{}, 1),
	}
}

// Enqueue adds a task to the queue.
func (s *Scheduler) Enqueue(ctx context.Context, task *wire.Task) error {
	s.closedMu.RLock()
	if s.closed {
		s.closedMu.RUnlock()
		return ErrSchedulerClosed
	}
	s.closedMu.RUnlock()

	s.mu.Lock()
	if len(s.tasks) >= s.max {
		s.mu.Unlock()
		return ErrQueueFull
	}
	s.seq++
	heap.Push(&s.tasks, &queuedTask{
		task:       task,
		enqueuedAt: time.Now(),
		seq:        s.seq,
	})
	s.mu.Unlock()

	// Signal that a task is available
	select {
	case s.signal <- struct{}{}:
	default:
	}
	return nil
}

// Dequeue removes and returns the highest-priority task. Blocks until a
// task is available, the context is cancelled, or the scheduler closes.
// Tasks still queued at close time are intentionally not drained: they
// stay unacked on the transport for reclaim.
func (s *Scheduler) Dequeue(ctx context.Context) (*wire.Task, error) {
	for {
		s.closedMu.RLock()
		if s.closed {
			s.closedMu.RUnlock()
			return nil, ErrSchedulerClosed
		}
		s.closedMu.RUnlock()

		s.mu.Lock()
		if len(s.tasks) > 0 {
			item := heap.Pop(&s.tasks).(*queuedTask)
			s.mu.Unlock()
			return item.task, nil
		}
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.signal:
			// Task may be available, loop again
		}
	}
}

// Len returns the number of queued tasks.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// Close closes the scheduler and wakes all blocked Dequeue calls.
func (s *Scheduler) Close() error {
	s.closedMu.Lock()
	defer s.closedMu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	close(s.signal)
	return nil
}
