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

package batch

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trawlhq/trawl/internal/master/crawlqueue"
	trawlerrors "github.com/trawlhq/trawl/pkg/errors"
)

func newTestManager(t *testing.T, mr *miniredis.Miniredis) *Manager {
	t.Helper()
	c := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = c.Close() })

	q, err := crawlqueue.New(crawlqueue.Config{Consumer: "master-1"}, crawlqueue.Options{Client: c})
	require.NoError(t, err)

	m, err := New(Config{}, Options{Client: c, Queue: q})
	require.NoError(t, err)
	return m
}

func sampleBatch(project string, seeds ...string) *CrawlBatch {
	if len(seeds) == 0 {
		seeds = []string{"https://example.com/"}
	}
	return &CrawlBatch{
		ProjectID: project,
		SeedURLs:  seeds,
		Config: CrawlConfig{
			MaxDepth:   5,
			MaxPages:   1000,
			Timeout:    60,
			MaxRetries: 3,
		},
	}
}

func mustCreate(t *testing.T, m *Manager, b *CrawlBatch) *CrawlBatch {
	t.Helper()
	created, err := m.Create(context.Background(), b)
	require.NoError(t, err)
	return created
}

func TestNewRequiresCollaborators(t *testing.T) {
	var verr *trawlerrors.ValidationError

	_, err := New(Config{}, Options{})
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "redis_client", verr.Field)

	mr := miniredis.RunT(t)
	c := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = c.Close() })
	_, err = New(Config{}, Options{Client: c})
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "crawl_queue", verr.Field)
}

func TestCreateValidatesAndDefaults(t *testing.T) {
	mr := miniredis.RunT(t)
	m := newTestManager(t, mr)
	ctx := context.Background()

	var verr *trawlerrors.ValidationError
	_, err := m.Create(ctx, &CrawlBatch{SeedURLs: []string{"https://a"}})
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "project_id", verr.Field)

	_, err = m.Create(ctx, &CrawlBatch{ProjectID: "proj-1"})
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "seed_urls", verr.Field)

	created := mustCreate(t, m, sampleBatch("proj-1"))
	assert.NotEmpty(t, created.BatchID)
	assert.Equal(t, BatchPending, created.State)
	assert.False(t, created.CreatedAt.IsZero())
	assert.Nil(t, created.StartedAt)

	got, err := m.Get(ctx, created.BatchID)
	require.NoError(t, err)
	assert.Equal(t, created.BatchID, got.BatchID)
	assert.Equal(t, []string{"https://example.com/"}, got.SeedURLs)

	progress, err := m.GetProgress(ctx, created.BatchID)
	require.NoError(t, err)
	assert.Zero(t, progress.Total)
}

func TestCreateClampsTestConfig(t *testing.T) {
	mr := miniredis.RunT(t)
	m := newTestManager(t, mr)

	b := sampleBatch("proj-1")
	b.IsTest = true
	b.Config = CrawlConfig{MaxDepth: 50, MaxPages: 100000, MaxConcurrency: 64, Timeout: 7200}
	created := mustCreate(t, m, b)
	assert.Equal(t, 3, created.Config.MaxDepth)
	assert.Equal(t, 100, created.Config.MaxPages)
	assert.Equal(t, 10, created.Config.MaxConcurrency)
	assert.Equal(t, 300, created.Config.Timeout)

	// Unset values land on the caps too.
	b2 := sampleBatch("proj-2")
	b2.IsTest = true
	b2.Config = CrawlConfig{}
	created2 := mustCreate(t, m, b2)
	assert.Equal(t, 3, created2.Config.MaxDepth)
	assert.Equal(t, 100, created2.Config.MaxPages)
	assert.Equal(t, 10, created2.Config.MaxConcurrency)
	assert.Equal(t, 300, created2.Config.Timeout)
}

func TestStartEnqueuesSeeds(t *testing.T) {
	mr := miniredis.RunT(t)
	m := newTestManager(t, mr)
	ctx := context.Background()

	created := mustCreate(t, m, sampleBatch("proj-1",
		"https://example.com/", "https://example.org/"))
	require.NoError(t, m.Start(ctx, created.BatchID))

	got, err := m.Get(ctx, created.BatchID)
	require.NoError(t, err)
	assert.Equal(t, BatchRunning, got.State)
	require.NotNil(t, got.StartedAt)

	progress, err := m.GetProgress(ctx, created.BatchID)
	require.NoError(t, err)
	assert.EqualValues(t, 2, progress.Total)
	assert.EqualValues(t, 2, progress.Enqueued)

	// Seeds enqueue at seed priority: the high band.
	depths, err := m.queue.(*crawlqueue.Queue).Depth(ctx, "proj-1")
	require.NoError(t, err)
	assert.EqualValues(t, 2, depths.High)

	task, err := m.queue.(*crawlqueue.Queue).Dequeue(ctx, "proj-1", time.Second)
	require.NoError(t, err)
	require.NotNil(t, task)
	assert.Equal(t, "https://example.com/", task.Params["url"])
	assert.Equal(t, created.BatchID, task.Params["batch_id"])
}

func TestStartRequiresPending(t *testing.T) {
	mr := miniredis.RunT(t)
	m := newTestManager(t, mr)
	ctx := context.Background()

	created := mustCreate(t, m, sampleBatch("proj-1"))
	require.NoError(t, m.Start(ctx, created.BatchID))

	var serr *trawlerrors.StateError
	err := m.Start(ctx, created.BatchID)
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, string(BatchRunning), serr.From)
}

func TestSeedsAreRecordedInFilter(t *testing.T) {
	mr := miniredis.RunT(t)
	m := newTestManager(t, mr)
	ctx := context.Background()

	created := mustCreate(t, m, sampleBatch("proj-1", "https://example.com/"))
	require.NoError(t, m.Start(ctx, created.BatchID))

	// A rediscovered seed link is a duplicate, not a second crawl.
	res, err := m.AddDiscovered(ctx, created.BatchID, []string{"https://example.com/"}, 1)
	require.NoError(t, err)
	assert.Zero(t, res.Enqueued)
	assert.Equal(t, 1, res.Duplicate)
}

func TestPauseAndResumeRoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	m := newTestManager(t, mr)
	ctx := context.Background()

	created := mustCreate(t, m, sampleBatch("proj-1"))
	require.NoError(t, m.Start(ctx, created.BatchID))
	require.NoError(t, m.RecordOutcome(ctx, created.BatchID, true))
	require.NoError(t, m.RecordOutcome(ctx, created.BatchID, false))

	require.NoError(t, m.Pause(ctx, created.BatchID))
	got, err := m.Get(ctx, created.BatchID)
	require.NoError(t, err)
	assert.Equal(t, BatchPaused, got.State)

	cp, err := m.loadCheckpoint(ctx, created.BatchID)
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, BatchPaused, cp.State)
	assert.EqualValues(t, 1, cp.Progress.Completed)
	assert.EqualValues(t, 1, cp.Progress.Failed)

	// Progress diverges after the checkpoint; resume restores it.
	require.NoError(t, m.saveProgress(ctx, created.BatchID, &Progress{}))
	require.NoError(t, m.Resume(ctx, created.BatchID))

	got, err = m.Get(ctx, created.BatchID)
	require.NoError(t, err)
	assert.Equal(t, BatchRunning, got.State)

	progress, err := m.GetProgress(ctx, created.BatchID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, progress.Completed)
	assert.EqualValues(t, 1, progress.Failed)
}

func TestResumeRequiresPaused(t *testing.T) {
	mr := miniredis.RunT(t)
	m := newTestManager(t, mr)

	created := mustCreate(t, m, sampleBatch("proj-1"))
	var serr *trawlerrors.StateError
	err := m.Resume(context.Background(), created.BatchID)
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, string(BatchPending), serr.From)
}

func TestCancelFromNonTerminalOnly(t *testing.T) {
	mr := miniredis.RunT(t)
	m := newTestManager(t, mr)
	ctx := context.Background()

	// PENDING cancels.
	first := mustCreate(t, m, sampleBatch("proj-1"))
	require.NoError(t, m.Cancel(ctx, first.BatchID, false))
	got, err := m.Get(ctx, first.BatchID)
	require.NoError(t, err)
	assert.Equal(t, BatchCancelled, got.State)
	require.NotNil(t, got.CompletedAt)

	// Terminal states absorb.
	var serr *trawlerrors.StateError
	err = m.Cancel(ctx, first.BatchID, false)
	require.ErrorAs(t, err, &serr)

	// RUNNING cancels too.
	second := mustCreate(t, m, sampleBatch("proj-2"))
	require.NoError(t, m.Start(ctx, second.BatchID))
	require.NoError(t, m.Cancel(ctx, second.BatchID, false))
}

func TestCancelPurgeDropsTransientState(t *testing.T) {
	mr := miniredis.RunT(t)
	m := newTestManager(t, mr)
	ctx := context.Background()

	created := mustCreate(t, m, sampleBatch("proj-1",
		"https://example.com/", "https://example.org/"))
	require.NoError(t, m.Start(ctx, created.BatchID))

	require.NoError(t, m.Cancel(ctx, created.BatchID, true))

	// Queues and counters are gone, the record survives.
	depths, err := m.queue.(*crawlqueue.Queue).Depth(ctx, "proj-1")
	require.NoError(t, err)
	assert.Zero(t, depths.High+depths.Normal+depths.Low)

	_, err = m.GetProgress(ctx, created.BatchID)
	var nferr *trawlerrors.NotFoundError
	require.ErrorAs(t, err, &nferr)

	got, err := m.Get(ctx, created.BatchID)
	require.NoError(t, err)
	assert.Equal(t, BatchCancelled, got.State)
}

func TestCompleteWritesFinalCheckpoint(t *testing.T) {
	mr := miniredis.RunT(t)
	m := newTestManager(t, mr)
	ctx := context.Background()

	created := mustCreate(t, m, sampleBatch("proj-1"))
	require.NoError(t, m.Start(ctx, created.BatchID))
	require.NoError(t, m.RecordOutcome(ctx, created.BatchID, true))
	require.NoError(t, m.Complete(ctx, created.BatchID, true))

	got, err := m.Get(ctx, created.BatchID)
	require.NoError(t, err)
	assert.Equal(t, BatchCompleted, got.State)
	require.NotNil(t, got.CompletedAt)

	cp, err := m.loadCheckpoint(ctx, created.BatchID)
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, BatchCompleted, cp.State)
	assert.EqualValues(t, 1, cp.Progress.Completed)

	// Absorbing: no second completion.
	var serr *trawlerrors.StateError
	require.ErrorAs(t, m.Complete(ctx, created.BatchID, true), &serr)
}

func TestCompleteFailureMarksFailed(t *testing.T) {
	mr := miniredis.RunT(t)
	m := newTestManager(t, mr)
	ctx := context.Background()

	created := mustCreate(t, m, sampleBatch("proj-1"))
	require.NoError(t, m.Start(ctx, created.BatchID))
	require.NoError(t, m.Complete(ctx, created.BatchID, false))

	got, err := m.Get(ctx, created.BatchID)
	require.NoError(t, err)
	assert.Equal(t, BatchFailed, got.State)
}

func TestAddDiscoveredRespectsDepthCap(t *testing.T) {
	mr := miniredis.RunT(t)
	m := newTestManager(t, mr)
	ctx := context.Background()

	b := sampleBatch("proj-1")
	b.Config.MaxDepth = 2
	created := mustCreate(t, m, b)
	require.NoError(t, m.Start(ctx, created.BatchID))

	res, err := m.AddDiscovered(ctx, created.BatchID, []string{"https://example.com/deep"}, 3)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Total)
	assert.Zero(t, res.Enqueued)

	res, err = m.AddDiscovered(ctx, created.BatchID, []string{"https://example.com/ok"}, 2)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Enqueued)
}

func TestAddDiscoveredRequiresRunning(t *testing.T) {
	mr := miniredis.RunT(t)
	m := newTestManager(t, mr)
	ctx := context.Background()

	created := mustCreate(t, m, sampleBatch("proj-1"))
	require.NoError(t, m.Start(ctx, created.BatchID))
	require.NoError(t, m.Pause(ctx, created.BatchID))

	var serr *trawlerrors.StateError
	_, err := m.AddDiscovered(ctx, created.BatchID, []string{"https://example.com/x"}, 1)
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, string(BatchPaused), serr.From)
}

func TestDiscoveredLinksLandDeeperBands(t *testing.T) {
	mr := miniredis.RunT(t)
	m := newTestManager(t, mr)
	ctx := context.Background()

	created := mustCreate(t, m, sampleBatch("proj-1"))
	require.NoError(t, m.Start(ctx, created.BatchID))

	// depth 1 → priority 5 → normal band; depth 4 → capped at 10 → low.
	_, err := m.AddDiscovered(ctx, created.BatchID, []string{"https://example.com/d1"}, 1)
	require.NoError(t, err)
	_, err = m.AddDiscovered(ctx, created.BatchID, []string{"https://example.com/d4"}, 4)
	require.NoError(t, err)

	depths, err := m.queue.(*crawlqueue.Queue).Depth(ctx, "proj-1")
	require.NoError(t, err)
	assert.EqualValues(t, 1, depths.High) // the seed
	assert.EqualValues(t, 1, depths.Normal)
	assert.EqualValues(t, 1, depths.Low)

	progress, err := m.GetProgress(ctx, created.BatchID)
	require.NoError(t, err)
	assert.EqualValues(t, 3, progress.Total)
	assert.EqualValues(t, 3, progress.Enqueued)
}

func TestTestBatchCompletesAtPageCapAndCleansUp(t *testing.T) {
	mr := miniredis.RunT(t)
	m := newTestManager(t, mr)
	ctx := context.Background()

	b := sampleBatch("proj-1")
	b.IsTest = true
	b.Config.MaxPages = 2
	created := mustCreate(t, m, b)
	require.NoError(t, m.Start(ctx, created.BatchID))

	require.NoError(t, m.RecordOutcome(ctx, created.BatchID, true))
	require.NoError(t, m.RecordOutcome(ctx, created.BatchID, false))

	// Cap reached: the batch completed and removed itself.
	_, err := m.Get(ctx, created.BatchID)
	var nferr *trawlerrors.NotFoundError
	require.ErrorAs(t, err, &nferr)
	assert.False(t, mr.Exists(m.batchKey(created.BatchID)))

	members, err := m.client.SMembers(ctx, m.indexKey()).Result()
	require.NoError(t, err)
	assert.Empty(t, members)
}

func TestDispatchableOnlyWhenRunning(t *testing.T) {
	mr := miniredis.RunT(t)
	m := newTestManager(t, mr)
	ctx := context.Background()

	created := mustCreate(t, m, sampleBatch("proj-1"))
	ok, err := m.Dispatchable(ctx, created.BatchID)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, m.Start(ctx, created.BatchID))
	ok, err = m.Dispatchable(ctx, created.BatchID)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, m.Pause(ctx, created.BatchID))
	ok, err = m.Dispatchable(ctx, created.BatchID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestListSkipsCorruptRecords(t *testing.T) {
	mr := miniredis.RunT(t)
	m := newTestManager(t, mr)
	ctx := context.Background()

	mustCreate(t, m, sampleBatch("proj-1"))
	require.NoError(t, m.client.SAdd(ctx, m.indexKey(), "ghost").Err())
	require.NoError(t, m.client.HSet(ctx, m.batchKey("bad"), fieldRecord, "{not json").Err())
	require.NoError(t, m.client.SAdd(ctx, m.indexKey(), "bad").Err())

	batches, err := m.List(ctx)
	require.NoError(t, err)
	require.Len(t, batches, 1)
	assert.Equal(t, "proj-1", batches[0].ProjectID)
}

func TestGetUnknownBatch(t *testing.T) {
	mr := miniredis.RunT(t)
	m := newTestManager(t, mr)

	_, err := m.Get(context.Background(), "ghost")
	var nferr *trawlerrors.NotFoundError
	require.ErrorAs(t, err, &nferr)
	assert.Equal(t, "crawl_batch", nferr.Resource)
}
