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

package master

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trawlhq/trawl/internal/master/batch"
	"github.com/trawlhq/trawl/internal/master/registry"
	"github.com/trawlhq/trawl/internal/wire"
	trawlerrors "github.com/trawlhq/trawl/pkg/errors"
)

func testMaster(t *testing.T, mr *miniredis.Miniredis, mutate func(*Config)) *Master {
	t.Helper()
	cfg := Config{
		RedisURL:         "redis://" + mr.Addr(),
		Consumer:         "master-test",
		DispatchInterval: 20 * time.Millisecond,
		IngestInterval:   20 * time.Millisecond,
		SweepInterval:    time.Second,
		ReclaimInterval:  time.Second,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	m, err := New(cfg, Options{Version: "test"})
	require.NoError(t, err)
	return m
}

func testClient(t *testing.T, mr *miniredis.Miniredis) *redis.Client {
	t.Helper()
	c := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func fleetWorker(id string) *registry.WorkerInfo {
	return &registry.WorkerInfo{
		WorkerID:      id,
		Region:        "eu-west-1",
		MaxConcurrent: 4,
	}
}

func TestNewRejectsUnknownBackend(t *testing.T) {
	_, err := New(Config{QueueBackend: "carrier-pigeon"}, Options{})
	var verr *trawlerrors.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "queue_backend", verr.Field)
}

func TestNewRequiresGatewayReceiptSecret(t *testing.T) {
	_, err := New(Config{GatewayAddr: ":0"}, Options{})
	var verr *trawlerrors.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "receipt_secret", verr.Field)
}

func TestNewRejectsBadRedisURL(t *testing.T) {
	_, err := New(Config{RedisURL: "nope://"}, Options{})
	var cerr *trawlerrors.ConfigError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "redis_url", cerr.Key)
}

func TestRunDispatchesAndSettles(t *testing.T) {
	mr := miniredis.RunT(t)
	m := testMaster(t, mr, nil)
	client := testClient(t, mr)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, m.Registry().Register(ctx, fleetWorker("w1")))

	b, err := m.Batches().Create(ctx, &batch.CrawlBatch{
		ProjectID: "proj",
		SeedURLs:  []string{"https://example.com/a"},
		Config:    batch.CrawlConfig{Timeout: 30},
	})
	require.NoError(t, err)
	require.NoError(t, m.Batches().Start(ctx, b.BatchID))

	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	var placed []redis.XMessage
	require.Eventually(t, func() bool {
		msgs, rerr := client.XRange(ctx, "trawl:task:ready:w1", "-", "+").Result()
		if rerr != nil || len(msgs) == 0 {
			return false
		}
		placed = msgs
		return true
	}, 5*time.Second, 20*time.Millisecond, "seed never reached the worker stream")

	task, err := wire.TaskFromFields(wire.Strings(placed[0].Values))
	require.NoError(t, err)
	assert.Equal(t, "proj", task.ProjectID)
	assert.Equal(t, b.BatchID, task.Params["batch_id"])

	// Report success the way a worker does.
	res := &wire.TaskResult{
		RunID:     task.RunID,
		TaskID:    task.TaskID,
		ProjectID: task.ProjectID,
		Status:    wire.StatusSuccess,
	}
	fields := res.Fields()
	fields["worker_id"] = "w1"
	_, err = client.XAdd(ctx, &redis.XAddArgs{Stream: "trawl:task:result", Values: fields}).Result()
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		p, perr := m.Batches().GetProgress(ctx, b.BatchID)
		return perr == nil && p.Completed == 1
	}, 5*time.Second, 20*time.Millisecond, "result never reached batch progress")

	info, err := m.Registry().Get(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), info.TotalSuccess)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("master did not stop")
	}
}

func TestRunMemoryBackend(t *testing.T) {
	mr := miniredis.RunT(t)
	m := testMaster(t, mr, func(c *Config) { c.QueueBackend = BackendMemory })
	client := testClient(t, mr)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, m.Registry().Register(ctx, fleetWorker("w1")))

	b, err := m.Batches().Create(ctx, &batch.CrawlBatch{
		ProjectID: "proj",
		SeedURLs:  []string{"https://example.com/a"},
	})
	require.NoError(t, err)
	require.NoError(t, m.Batches().Start(ctx, b.BatchID))

	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	var placed []redis.XMessage
	require.Eventually(t, func() bool {
		msgs, rerr := client.XRange(ctx, "trawl:task:ready:w1", "-", "+").Result()
		if rerr != nil || len(msgs) == 0 {
			return false
		}
		placed = msgs
		return true
	}, 5*time.Second, 20*time.Millisecond)

	task, err := wire.TaskFromFields(wire.Strings(placed[0].Values))
	require.NoError(t, err)

	res := &wire.TaskResult{RunID: task.RunID, TaskID: task.TaskID, ProjectID: task.ProjectID, Status: wire.StatusSuccess}
	fields := res.Fields()
	fields["worker_id"] = "w1"
	_, err = client.XAdd(ctx, &redis.XAddArgs{Stream: "trawl:task:result", Values: fields}).Result()
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		p, perr := m.Batches().GetProgress(ctx, b.BatchID)
		return perr == nil && p.Completed == 1
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("master did not stop")
	}
}

func TestRunTwiceFails(t *testing.T) {
	mr := miniredis.RunT(t)
	m := testMaster(t, mr, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()
	require.Eventually(t, func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		return m.started
	}, time.Second, 10*time.Millisecond)

	err := m.Run(ctx)
	require.ErrorContains(t, err, "already started")

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("master did not stop")
	}
}

func TestHeartbeatIngestAdoptsWorker(t *testing.T) {
	mr := miniredis.RunT(t)
	m := testMaster(t, mr, nil)
	client := testClient(t, mr)
	ctx := context.Background()

	hb := &wire.Heartbeat{WorkerID: "w9", Status: "IDLE", MaxConcurrent: 2}
	require.NoError(t, client.HSet(ctx, "trawl:heartbeat:w9", hb.Fields()).Err())

	n, err := m.ingest.scan(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	info, err := m.Registry().Get(ctx, "w9")
	require.NoError(t, err)
	assert.Equal(t, "w9", info.WorkerID)
	assert.Equal(t, 2, info.MaxConcurrent)
}

func TestResultConsumerDropsDuplicatesAndPoison(t *testing.T) {
	mr := miniredis.RunT(t)
	m := testMaster(t, mr, nil)
	ctx := context.Background()

	// Missing run_id never decodes; the entry is dropped, not retried.
	m.results.handle(ctx, redis.XMessage{ID: "0-1", Values: map[string]any{"task_id": "t1"}})
	assert.Zero(t, testutil.ToFloat64(m.metrics.TasksTotal.WithLabelValues("success")))

	fields := map[string]any{
		"run_id":      "r1",
		"task_id":     "t1",
		"status":      "success",
		"exit_code":   "0",
		"duration_ms": "5",
	}
	m.results.handle(ctx, redis.XMessage{ID: "0-2", Values: fields})
	m.results.handle(ctx, redis.XMessage{ID: "0-3", Values: fields})
	assert.Equal(t, float64(1), testutil.ToFloat64(m.metrics.TasksTotal.WithLabelValues("success")))
}

func TestDispatchableProjects(t *testing.T) {
	mr := miniredis.RunT(t)
	m := testMaster(t, mr, nil)
	ctx := context.Background()

	b1, err := m.Batches().Create(ctx, &batch.CrawlBatch{ProjectID: "proj-a", SeedURLs: []string{"https://a.example/1"}})
	require.NoError(t, err)
	require.NoError(t, m.Batches().Start(ctx, b1.BatchID))
	b2, err := m.Batches().Create(ctx, &batch.CrawlBatch{ProjectID: "proj-a", SeedURLs: []string{"https://a.example/2"}})
	require.NoError(t, err)
	require.NoError(t, m.Batches().Start(ctx, b2.BatchID))
	_, err = m.Batches().Create(ctx, &batch.CrawlBatch{ProjectID: "proj-b", SeedURLs: []string{"https://b.example/1"}})
	require.NoError(t, err)

	ids, err := m.dispatchableProjects(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"proj-a"}, ids)
}
