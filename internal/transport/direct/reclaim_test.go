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

package direct

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReclaimAdoptsStaleDelivery(t *testing.T) {
	mr := miniredis.RunT(t)
	tr := newTestTransport(t, mr, nil)
	c := testClient(t, mr)
	ctx := context.Background()

	seedTask(t, c, tr, sampleTask("run-1"))
	first, err := tr.PollTask(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, first)

	// The delivery goes stale without an ack.
	time.Sleep(50 * time.Millisecond)

	requeued, parked, err := tr.Reclaim(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, requeued)
	assert.Equal(t, 0, parked)

	second, err := tr.PollTask(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, first.TaskID, second.TaskID)
	assert.Equal(t, first.Receipt, second.Receipt)
	assert.EqualValues(t, 2, second.DeliveryCount)

	require.NoError(t, tr.AckTask(ctx, second.Receipt, true))
	assert.EqualValues(t, 0, pendingCount(t, c, tr.keys.Ready("w1"), tr.keys.WorkersGroup()))
}

func TestReclaimDeadLettersPastBudget(t *testing.T) {
	mr := miniredis.RunT(t)
	tr := newTestTransport(t, mr, nil) // MaxRetries 2
	c := testClient(t, mr)
	ctx := context.Background()

	want := sampleTask("run-1")
	seedTask(t, c, tr, want)

	// Delivery 1 via poll, never acked.
	first, err := tr.PollTask(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, first)

	// Delivery 2 via reclaim: at the budget, still requeued.
	time.Sleep(50 * time.Millisecond)
	requeued, parked, err := tr.Reclaim(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, requeued)
	assert.Equal(t, 0, parked)

	second, err := tr.PollTask(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, second)

	// Delivery 3 would exceed the budget: dead-lettered instead.
	time.Sleep(50 * time.Millisecond)
	requeued, parked, err = tr.Reclaim(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, requeued)
	assert.Equal(t, 1, parked)

	entries, err := c.XRange(ctx, tr.keys.DeadLetter(), "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	values := entries[0].Values
	assert.Equal(t, want.TaskID, values["task_id"])
	assert.Equal(t, "delivery budget exhausted", values["dead_letter_reason"])
	assert.Equal(t, "3", values["delivery_count"])
	assert.NotEmpty(t, values["dead_lettered_at"])

	// The ready stream owes nothing anymore.
	assert.EqualValues(t, 0, pendingCount(t, c, tr.keys.Ready("w1"), tr.keys.WorkersGroup()))
	task, err := tr.PollTask(ctx, 50*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, task)
}

func TestReclaimLeavesFreshDeliveriesAlone(t *testing.T) {
	mr := miniredis.RunT(t)
	tr := newTestTransport(t, mr, func(cfg *Config) {
		cfg.MinIdleTime = time.Hour
	})
	c := testClient(t, mr)
	ctx := context.Background()

	seedTask(t, c, tr, sampleTask("run-1"))
	task, err := tr.PollTask(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, task)

	requeued, parked, err := tr.Reclaim(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, requeued)
	assert.Equal(t, 0, parked)
	assert.EqualValues(t, 1, pendingCount(t, c, tr.keys.Ready("w1"), tr.keys.WorkersGroup()))
}

func TestReclaimOnEmptyBacklogIsQuiet(t *testing.T) {
	mr := miniredis.RunT(t)
	tr := newTestTransport(t, mr, nil)

	requeued, parked, err := tr.Reclaim(context.Background())
	require.NoError(t, err)
	assert.Zero(t, requeued)
	assert.Zero(t, parked)
}

func TestPollTaskParksPoisonEntry(t *testing.T) {
	mr := miniredis.RunT(t)
	tr := newTestTransport(t, mr, nil)
	c := testClient(t, mr)
	ctx := context.Background()

	// A payload with no run_id never decodes; redelivering it forever
	// would wedge the worker.
	_, err := c.XAdd(ctx, &redis.XAddArgs{
		Stream: tr.keys.Ready("w1"),
		Values: map[string]any{"task_id": "poison"},
	}).Result()
	require.NoError(t, err)

	task, err := tr.PollTask(ctx, time.Second)
	require.NoError(t, err)
	assert.Nil(t, task)

	entries, err := c.XRange(ctx, tr.keys.DeadLetter(), "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Contains(t, entries[0].Values["dead_letter_reason"], "undecodable")
	assert.EqualValues(t, 0, pendingCount(t, c, tr.keys.Ready("w1"), tr.keys.WorkersGroup()))
}

func TestReclaimerLoopRecoversDeliveries(t *testing.T) {
	mr := miniredis.RunT(t)
	tr := newTestTransport(t, mr, nil)
	c := testClient(t, mr)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	seedTask(t, c, tr, sampleTask("run-1"))
	first, err := tr.PollTask(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, first)

	r := NewReclaimer(tr, 20*time.Millisecond)
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	require.Eventually(t, func() bool {
		task, err := tr.PollTask(ctx, 10*time.Millisecond)
		return err == nil && task != nil
	}, 2*time.Second, 25*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("reclaimer did not stop on cancel")
	}
}
