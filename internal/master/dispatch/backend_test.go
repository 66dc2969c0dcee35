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
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trawlhq/trawl/internal/master/crawlqueue"
	"github.com/trawlhq/trawl/internal/master/dedup"
	"github.com/trawlhq/trawl/internal/wire"
	trawlerrors "github.com/trawlhq/trawl/pkg/errors"
)

func memTask(id, url string) *wire.Task {
	return &wire.Task{
		TaskID:      id,
		RunID:       "run-" + id,
		ProjectType: wire.ProjectTypeSpider,
		Priority:    5,
		Timeout:     30,
		Params:      map[string]any{"url": url},
	}
}

func TestMemoryDequeueStrictPriority(t *testing.T) {
	q := NewMemoryQueue(0)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "proj", crawlqueue.LevelLow, []*wire.Task{memTask("t-low", "https://example.com/low")}, nil)
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, "proj", crawlqueue.LevelNormal, []*wire.Task{memTask("t-norm", "https://example.com/norm")}, nil)
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, "proj", crawlqueue.LevelHigh, []*wire.Task{memTask("t-high", "https://example.com/high")}, nil)
	require.NoError(t, err)

	var got []string
	for range 3 {
		task, err := q.Dequeue(ctx, "proj", time.Second)
		require.NoError(t, err)
		require.NotNil(t, task)
		assert.True(t, strings.HasPrefix(task.Receipt, "mem|"))
		assert.Equal(t, int64(1), task.DeliveryCount)
		got = append(got, task.TaskID)
	}
	assert.Equal(t, []string{"t-high", "t-norm", "t-low"}, got)
}

func TestMemoryEnqueueValidatesInput(t *testing.T) {
	q := NewMemoryQueue(0)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "", crawlqueue.LevelHigh, nil, nil)
	var verr *trawlerrors.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "project_id", verr.Field)

	_, err = q.Enqueue(ctx, "proj", crawlqueue.Level("urgent"), nil, nil)
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "level", verr.Field)
}

func TestMemoryEnqueueDeduplicates(t *testing.T) {
	q := NewMemoryQueue(0)
	ctx := context.Background()
	filter := dedup.NewMemory(dedup.Config{})

	res, err := q.Enqueue(ctx, "proj", crawlqueue.LevelNormal, []*wire.Task{
		memTask("t1", "https://example.com/a"),
		memTask("t2", "https://example.com/a"),
		memTask("t3", "https://example.com/b"),
	}, filter)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Total)
	assert.Equal(t, 2, res.Enqueued)
	assert.Equal(t, 1, res.Duplicate)
	assert.Len(t, res.MsgIDs, 2)
}

func TestMemoryDequeueTimesOutQuietly(t *testing.T) {
	q := NewMemoryQueue(0)

	start := time.Now()
	task, err := q.Dequeue(context.Background(), "proj", 50*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, task)
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
}

func TestMemoryDequeueWakesOnEnqueue(t *testing.T) {
	q := NewMemoryQueue(0)
	ctx := context.Background()

	go func() {
		time.Sleep(20 * time.Millisecond)
		_, _ = q.Enqueue(ctx, "proj", crawlqueue.LevelHigh, []*wire.Task{memTask("t1", "https://example.com/")}, nil)
	}()

	task, err := q.Dequeue(ctx, "proj", time.Second)
	require.NoError(t, err)
	require.NotNil(t, task)
	assert.Equal(t, "t1", task.TaskID)
}

func TestMemoryAckSettlesDelivery(t *testing.T) {
	q := NewMemoryQueue(0)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "proj", crawlqueue.LevelHigh, []*wire.Task{memTask("t1", "https://example.com/")}, nil)
	require.NoError(t, err)
	task, err := q.Dequeue(ctx, "proj", time.Second)
	require.NoError(t, err)

	require.NoError(t, q.Ack(ctx, "proj", task.Receipt))

	depths, err := q.Depth(ctx, "proj")
	require.NoError(t, err)
	assert.Zero(t, depths.High+depths.Normal+depths.Low+depths.Dead)
}

func TestMemoryAckRejectsMalformedReceipt(t *testing.T) {
	q := NewMemoryQueue(0)
	err := q.Ack(context.Background(), "proj", "bogus")
	require.Error(t, err)
	assert.False(t, trawlerrors.Retryable(err))
}

func TestMemoryRetryRequeuesWithinBudget(t *testing.T) {
	q := NewMemoryQueue(2)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "proj", crawlqueue.LevelNormal, []*wire.Task{memTask("t1", "https://example.com/")}, nil)
	require.NoError(t, err)
	task, err := q.Dequeue(ctx, "proj", time.Second)
	require.NoError(t, err)

	requeued, err := q.Retry(ctx, "proj", task, task.Receipt)
	require.NoError(t, err)
	assert.True(t, requeued)

	again, err := q.Dequeue(ctx, "proj", time.Second)
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, "t1", again.TaskID)
	assert.Equal(t, int64(2), again.DeliveryCount, "delivery count survives the requeue")
}

func TestMemoryRetryExhaustionDeadLetters(t *testing.T) {
	q := NewMemoryQueue(1)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "proj", crawlqueue.LevelNormal, []*wire.Task{memTask("t1", "https://example.com/")}, nil)
	require.NoError(t, err)

	task, err := q.Dequeue(ctx, "proj", time.Second)
	require.NoError(t, err)
	requeued, err := q.Retry(ctx, "proj", task, task.Receipt)
	require.NoError(t, err)
	require.True(t, requeued)

	task, err = q.Dequeue(ctx, "proj", time.Second)
	require.NoError(t, err)
	requeued, err = q.Retry(ctx, "proj", task, task.Receipt)
	require.NoError(t, err)
	assert.False(t, requeued)

	depths, err := q.Depth(ctx, "proj")
	require.NoError(t, err)
	assert.Equal(t, int64(1), depths.Dead)

	gone, err := q.Dequeue(ctx, "proj", 50*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, gone)
}

func TestMemoryRetryValidatesTask(t *testing.T) {
	q := NewMemoryQueue(0)
	_, err := q.Retry(context.Background(), "proj", nil, "mem|1")
	var verr *trawlerrors.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "task_id", verr.Field)
}

func TestMemoryDepthCountsBands(t *testing.T) {
	q := NewMemoryQueue(0)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "proj", crawlqueue.LevelHigh, []*wire.Task{memTask("t1", "https://example.com/1")}, nil)
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, "proj", crawlqueue.LevelNormal, []*wire.Task{
		memTask("t2", "https://example.com/2"),
		memTask("t3", "https://example.com/3"),
	}, nil)
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, "proj", crawlqueue.LevelLow, []*wire.Task{memTask("t4", "https://example.com/4")}, nil)
	require.NoError(t, err)

	depths, err := q.Depth(ctx, "proj")
	require.NoError(t, err)
	assert.Equal(t, crawlqueue.Depths{High: 1, Normal: 2, Low: 1}, depths)
}

func TestMemoryProjectsAreIsolated(t *testing.T) {
	q := NewMemoryQueue(0)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "proj-a", crawlqueue.LevelHigh, []*wire.Task{memTask("t1", "https://example.com/")}, nil)
	require.NoError(t, err)

	task, err := q.Dequeue(ctx, "proj-b", 50*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, task)

	task, err = q.Dequeue(ctx, "proj-a", time.Second)
	require.NoError(t, err)
	require.NotNil(t, task)
	assert.Equal(t, "t1", task.TaskID)
}
