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

package logpipe

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trawlhq/trawl/internal/wire"
)

type fakeSender struct {
	mu      sync.Mutex
	batches [][]*wire.LogEntry
	fail    atomic.Bool
}

func (f *fakeSender) SendLogBatch(_ context.Context, entries []*wire.LogEntry) error {
	if f.fail.Load() {
		return errors.New("transport down")
	}
	copied := make([]*wire.LogEntry, len(entries))
	copy(copied, entries)
	f.mu.Lock()
	f.batches = append(f.batches, copied)
	f.mu.Unlock()
	return nil
}

// seqs returns every received seq for a stream in arrival order.
func (f *fakeSender) seqs(stream wire.LogStream) []uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []uint64
	for _, batch := range f.batches {
		for _, e := range batch {
			if e.Stream == stream {
				out = append(out, e.Seq)
			}
		}
	}
	return out
}

func testPipelineConfig() Config {
	return Config{
		BatchSize:     3,
		FlushInterval: 50 * time.Millisecond,
		MaxQueueSize:  100,
		SendTimeout:   5 * time.Second,
	}
}

func newTestPipeline(t *testing.T, dir string, cfg Config, sender LogSender) *Pipeline {
	t.Helper()
	p, err := NewPipeline("run-1",
		filepath.Join(dir, "wal", "run-1"),
		filepath.Join(dir, "spool", "run-1"),
		cfg, sender, nil, nil, nil)
	require.NoError(t, err)
	return p
}

func TestPipelineDeliversInOrder(t *testing.T) {
	sender := &fakeSender{}
	p := newTestPipeline(t, t.TempDir(), testPipelineConfig(), sender)

	for i := 0; i < 7; i++ {
		require.NoError(t, p.Write(wire.StreamStdout, fmt.Sprintf("line %d", i)))
	}
	require.NoError(t, p.Flush(context.Background()))

	assert.Equal(t, []uint64{1, 2, 3, 4, 5, 6, 7}, sender.seqs(wire.StreamStdout))

	ok, err := p.FullyAcked(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, p.Close(context.Background()))
}

func TestPipelineSeqPerStream(t *testing.T) {
	sender := &fakeSender{}
	p := newTestPipeline(t, t.TempDir(), testPipelineConfig(), sender)

	require.NoError(t, p.Write(wire.StreamStdout, "out 1"))
	require.NoError(t, p.Write(wire.StreamStderr, "err 1"))
	require.NoError(t, p.Write(wire.StreamStdout, "out 2"))
	require.NoError(t, p.Flush(context.Background()))

	assert.Equal(t, []uint64{1, 2}, sender.seqs(wire.StreamStdout))
	assert.Equal(t, []uint64{1}, sender.seqs(wire.StreamStderr))

	require.NoError(t, p.Close(context.Background()))
}

func TestPipelineFreezesAcksOnSendFailure(t *testing.T) {
	sender := &fakeSender{}
	cfg := testPipelineConfig()
	cfg.FlushInterval = time.Hour // only explicit flushes ship
	p := newTestPipeline(t, t.TempDir(), cfg, sender)

	require.NoError(t, p.Write(wire.StreamStdout, "delivered"))
	require.NoError(t, p.Flush(context.Background()))

	sender.fail.Store(true)
	require.NoError(t, p.Write(wire.StreamStdout, "stuck 1"))
	require.NoError(t, p.Write(wire.StreamStdout, "stuck 2"))
	require.Error(t, p.Flush(context.Background()))

	ok, err := p.FullyAcked(context.Background())
	require.NoError(t, err)
	assert.False(t, ok, "failed sends must not advance acked_seq")

	// Transport heals; recovery re-emits exactly the unacked suffix.
	sender.fail.Store(false)
	require.NoError(t, p.RecoverFromSpool(context.Background()))

	assert.Equal(t, []uint64{1, 2, 3}, sender.seqs(wire.StreamStdout))
	ok, err = p.FullyAcked(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, p.Close(context.Background()))
}

func TestPipelineResumesSeqAfterRestart(t *testing.T) {
	dir := t.TempDir()
	sender := &fakeSender{}

	p := newTestPipeline(t, dir, testPipelineConfig(), sender)
	require.NoError(t, p.Write(wire.StreamStdout, "before restart 1"))
	require.NoError(t, p.Write(wire.StreamStdout, "before restart 2"))
	require.NoError(t, p.Flush(context.Background()))
	require.NoError(t, p.Close(context.Background()))

	// Same directories: the reopened pipeline must continue the seq
	// space, not restart at 1.
	p2 := newTestPipeline(t, dir, testPipelineConfig(), sender)
	require.NoError(t, p2.Write(wire.StreamStdout, "after restart"))
	require.NoError(t, p2.Flush(context.Background()))
	require.NoError(t, p2.Close(context.Background()))

	assert.Equal(t, []uint64{1, 2, 3}, sender.seqs(wire.StreamStdout))
}

func TestPipelineWriteAfterCloseFails(t *testing.T) {
	sender := &fakeSender{}
	p := newTestPipeline(t, t.TempDir(), testPipelineConfig(), sender)
	require.NoError(t, p.Close(context.Background()))

	err := p.Write(wire.StreamStdout, "too late")
	assert.ErrorIs(t, err, ErrPipelineClosed)
}

type gatedSender struct {
	fakeSender
	gate chan struct{}
}

func (g *gatedSender) SendLogBatch(ctx context.Context, entries []*wire.LogEntry) error {
	<-g.gate
	return g.fakeSender.SendLogBatch(ctx, entries)
}

func TestPipelineShedsOnCriticalPressure(t *testing.T) {
	sender := &gatedSender{gate: make(chan struct{})}
	cfg := Config{
		BatchSize:         3,
		FlushInterval:     time.Hour, // only explicit flushes
		MaxQueueSize:      4,
		WarningThreshold:  0.25,
		CriticalThreshold: 0.5,
		DropOnCritical:    true,
		SendTimeout:       5 * time.Second,
	}
	p := newTestPipeline(t, t.TempDir(), cfg, sender)

	// Fill the first batch; the sender blocks holding it.
	for i := 0; i < 3; i++ {
		require.NoError(t, p.Write(wire.StreamStdout, "held"))
	}
	require.Eventually(t, func() bool { return len(p.ring) == 0 },
		2*time.Second, 5*time.Millisecond, "sender should have taken the first batch")

	// Fill the ring to critical depth, then one more to be shed.
	require.NoError(t, p.Write(wire.StreamStdout, "queued 1"))
	require.NoError(t, p.Write(wire.StreamStdout, "queued 2"))
	require.NoError(t, p.Write(wire.StreamStdout, "shed"))

	assert.Equal(t, int64(1), p.TotalDropped())
	assert.GreaterOrEqual(t, p.Pressure(), PressureCritical)

	close(sender.gate)
	require.NoError(t, p.Close(context.Background()))

	// The shed entry never reached the transport but stayed durable.
	ok, err := p.spool.FullyAcked(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPressureMonitorTransitions(t *testing.T) {
	var transitions []string
	m := newPressureMonitor(10, 0.5, 0.8, func(old, new PressureState) {
		transitions = append(transitions, fmt.Sprintf("%s->%s", old, new))
	})

	assert.Equal(t, PressureNormal, m.Observe(0))
	assert.Equal(t, PressureNormal, m.Observe(4))
	assert.Equal(t, PressureWarning, m.Observe(5))
	assert.Equal(t, PressureCritical, m.Observe(8))
	assert.Equal(t, PressureBlocked, m.Observe(10))
	assert.Equal(t, PressureNormal, m.Observe(1))

	assert.Equal(t, []string{
		"NORMAL->WARNING",
		"WARNING->CRITICAL",
		"CRITICAL->BLOCKED",
		"BLOCKED->NORMAL",
	}, transitions)
}
