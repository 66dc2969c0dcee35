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
	"container/heap"
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/trawlhq/trawl/internal/master/crawlqueue"
	"github.com/trawlhq/trawl/internal/master/dedup"
	"github.com/trawlhq/trawl/internal/wire"
	trawlerrors "github.com/trawlhq/trawl/pkg/errors"
)

// Backend is where crawl tasks wait between enqueue and dispatch. The
// Redis implementation is shared across master instances; MemoryQueue
// keeps everything in-process for single-master deployments. The
// backend is chosen once at process start.
type Backend interface {
	Enqueue(ctx context.Context, projectID string, level crawlqueue.Level, tasks []*wire.Task, filter dedup.Filter) (*crawlqueue.EnqueueResult, error)
	Dequeue(ctx context.Context, projectID string, timeout time.Duration) (*wire.Task, error)
	Ack(ctx context.Context, projectID, receipt string) error
	Retry(ctx context.Context, projectID string, task *wire.Task, receipt string) (bool, error)
	Depth(ctx context.Context, projectID string) (crawlqueue.Depths, error)
}

var (
	_ Backend = (*crawlqueue.Queue)(nil)
	_ Backend = (*MemoryQueue)(nil)
)

// memReceiptPrefix marks receipts issued by the memory backend.
const memReceiptPrefix = "mem|"

var levelRank = map[crawlqueue.Level]int{
	crawlqueue.LevelHigh:   0,
	crawlqueue.LevelNormal: 1,
	crawlqueue.LevelLow:    2,
}

type memEntry struct {
	task       *wire.Task
	level      crawlqueue.Level
	rank       int
	seq        uint64
	deliveries int64
}

// memHeap orders entries by band first, arrival second, so dequeue is
// strict priority with FIFO within a band, matching the stream
// backend.
type memHeap []*memEntry

func (h memHeap) Len() int { return len(h) }
func (h memHeap) Less(i, j int) bool {
	if h[i].rank != h[j].rank {
		return h[i].rank < h[j].rank
	}
	return h[i].seq < h[j].seq
}
func (h memHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *memHeap) Push(x any) { *h = append(*h, x.(*memEntry)) }
func (h *memHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// MemoryQueue is the in-process dispatch backend. Tasks do not survive
// a restart; deployments that need that use the shared stream backend.
type MemoryQueue struct {
	maxRetries int

	mu       sync.Mutex
	wake     chan struct{}
	heaps    map[string]*memHeap
	inflight map[string]*memEntry
	retries  map[string]int
	dead     map[string][]*wire.Task
	seq      uint64
}

// NewMemoryQueue builds a memory backend. maxRetries <= 0 selects 3.
func NewMemoryQueue(maxRetries int) *MemoryQueue {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &MemoryQueue{
		maxRetries: maxRetries,
		wake:       make(chan struct{}),
		heaps:      make(map[string]*memHeap),
		inflight:   make(map[string]*memEntry),
		retries:    make(map[string]int),
		dead:       make(map[string][]*wire.Task),
	}
}

// Enqueue appends tasks to one priority band, skipping URLs the filter
// has already seen.
func (m *MemoryQueue) Enqueue(ctx context.Context, projectID string, level crawlqueue.Level, tasks []*wire.Task, filter dedup.Filter) (*crawlqueue.EnqueueResult, error) {
	if projectID == "" {
		return nil, &trawlerrors.ValidationError{Field: "project_id", Message: "required"}
	}
	rank, ok := levelRank[level]
	if !ok {
		return nil, &trawlerrors.ValidationError{Field: "level", Message: "must be high, normal or low"}
	}

	res := &crawlqueue.EnqueueResult{Total: len(tasks)}
	accepted := make([]*wire.Task, 0, len(tasks))
	for _, task := range tasks {
		if filter != nil {
			if url, _ := task.Params["url"].(string); url != "" {
				added, err := filter.Add(ctx, projectID, url)
				if err == nil && !added {
					res.Duplicate++
					continue
				}
			}
		}
		accepted = append(accepted, task)
	}

	m.mu.Lock()
	h := m.heaps[projectID]
	if h == nil {
		h = &memHeap{}
		m.heaps[projectID] = h
	}
	for _, task := range accepted {
		if task.ProjectID == "" {
			task.ProjectID = projectID
		}
		m.seq++
		heap.Push(h, &memEntry{task: task, level: level, rank: rank, seq: m.seq})
		res.MsgIDs = append(res.MsgIDs, "mem-"+strconv.FormatUint(m.seq, 10))
	}
	res.Enqueued = len(accepted)
	if len(accepted) > 0 {
		close(m.wake)
		m.wake = make(chan struct{})
	}
	m.mu.Unlock()
	return res, nil
}

// Dequeue returns the next task by strict priority, blocking up to
// timeout when the project backlog is empty.
func (m *MemoryQueue) Dequeue(ctx context.Context, projectID string, timeout time.Duration) (*wire.Task, error) {
	if timeout <= 0 {
		timeout = time.Second
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		m.mu.Lock()
		if h := m.heaps[projectID]; h != nil && h.Len() > 0 {
			e := heap.Pop(h).(*memEntry)
			e.deliveries++
			receipt := memReceiptPrefix + strconv.FormatUint(e.seq, 10)
			m.inflight[receipt] = e
			m.mu.Unlock()

			task := e.task
			task.Receipt = receipt
			task.DeliveryCount = e.deliveries
			return task, nil
		}
		wake := m.wake
		m.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, nil
		case <-deadline.C:
			return nil, nil
		case <-wake:
		}
	}
}

// Ack settles a delivery.
func (m *MemoryQueue) Ack(ctx context.Context, projectID, receipt string) error {
	if !strings.HasPrefix(receipt, memReceiptPrefix) {
		return trawlerrors.Permanent("memqueue_ack", fmt.Errorf("malformed receipt %q", receipt))
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.inflight[receipt]; ok {
		delete(m.inflight, receipt)
		delete(m.retries, retryKey(projectID, e.task.TaskID))
	}
	return nil
}

// Retry handles one recoverable failure: within budget the task
// re-enters its band, past budget it moves to the dead list. Returns
// whether it was requeued.
func (m *MemoryQueue) Retry(ctx context.Context, projectID string, task *wire.Task, receipt string) (bool, error) {
	if task == nil || task.TaskID == "" {
		return false, &trawlerrors.ValidationError{Field: "task_id", Message: "required"}
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	level := crawlqueue.LevelForPriority(task.Priority)
	deliveries := int64(0)
	if e, ok := m.inflight[receipt]; ok {
		delete(m.inflight, receipt)
		level = e.level
		deliveries = e.deliveries
	}

	key := retryKey(projectID, task.TaskID)
	count := m.retries[key] + 1
	if count > m.maxRetries {
		delete(m.retries, key)
		m.dead[projectID] = append(m.dead[projectID], task)
		return false, nil
	}
	m.retries[key] = count

	h := m.heaps[projectID]
	if h == nil {
		h = &memHeap{}
		m.heaps[projectID] = h
	}
	m.seq++
	heap.Push(h, &memEntry{
		task:       task,
		level:      level,
		rank:       levelRank[level],
		seq:        m.seq,
		deliveries: deliveries,
	})
	close(m.wake)
	m.wake = make(chan struct{})
	return true, nil
}

// Purge drops a project's backlog, retry budgets and dead list.
// In-flight deliveries keep their receipts and settle normally.
func (m *MemoryQueue) Purge(ctx context.Context, projectID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.heaps, projectID)
	delete(m.dead, projectID)
	prefix := projectID + "\x00"
	for key := range m.retries {
		if strings.HasPrefix(key, prefix) {
			delete(m.retries, key)
		}
	}
	return nil
}

// Depth reports the backlog of one project.
func (m *MemoryQueue) Depth(ctx context.Context, projectID string) (crawlqueue.Depths, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var d crawlqueue.Depths
	if h := m.heaps[projectID]; h != nil {
		for _, e := range *h {
			switch e.level {
			case crawlqueue.LevelHigh:
				d.High++
			case crawlqueue.LevelNormal:
				d.Normal++
			case crawlqueue.LevelLow:
				d.Low++
			}
		}
	}
	d.Dead = int64(len(m.dead[projectID]))
	return d, nil
}

func retryKey(projectID, taskID string) string {
	return projectID + "\x00" + taskID
}
