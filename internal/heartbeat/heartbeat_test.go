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

package heartbeat

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trawlhq/trawl/internal/engine"
	"github.com/trawlhq/trawl/internal/wire"
	trawlerrors "github.com/trawlhq/trawl/pkg/errors"
)

type fakeChannel struct {
	mu         sync.Mutex
	beats      []*wire.Heartbeat
	down       bool
	stayDown   bool
	reconnects int
}

func (f *fakeChannel) SendHeartbeat(_ context.Context, hb *wire.Heartbeat) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return trawlerrors.Transient("send_heartbeat", errors.New("connection refused"))
	}
	f.beats = append(f.beats, hb)
	return nil
}

func (f *fakeChannel) Reconnect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reconnects++
	if f.stayDown {
		return trawlerrors.Transient("reconnect", errors.New("still down"))
	}
	f.down = false
	return nil
}

func (f *fakeChannel) beatCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.beats)
}

func (f *fakeChannel) lastBeat() *wire.Heartbeat {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.beats) == 0 {
		return nil
	}
	return f.beats[len(f.beats)-1]
}

func (f *fakeChannel) reconnectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reconnects
}

type stubSampler struct {
	sample HostSample
	info   HostInfo
}

func (s stubSampler) Sample(context.Context) HostSample { return s.sample }
func (s stubSampler) Info() HostInfo                    { return s.info }

func newTestReporter(t *testing.T, ch Channel, cfg Config, opts Options) *Reporter {
	t.Helper()
	if opts.Sampler == nil {
		opts.Sampler = stubSampler{
			sample: HostSample{CPUPercent: 12.5, MemoryPercent: 40, DiskPercent: 55},
			info:   HostInfo{OSType: "linux", OSVersion: "6.1.0", MachineArch: "x86_64"},
		}
	}
	r, err := New(cfg, ch, opts)
	require.NoError(t, err)
	return r
}

func TestNewRequiresChannel(t *testing.T) {
	_, err := New(Config{WorkerID: "w1"}, nil, Options{})
	require.Error(t, err)
	var verr *trawlerrors.ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestSnapshotCarriesIdentityAndLoad(t *testing.T) {
	r := newTestReporter(t, &fakeChannel{}, Config{
		WorkerID:      "w1",
		Name:          "crawl-worker-1",
		Host:          "10.0.0.5",
		Port:          8711,
		Region:        "eu-west",
		Version:       "1.4.0",
		PythonVersion: "3.11",
		MaxConcurrent: 8,
	}, Options{
		Stats: func() engine.Stats { return engine.Stats{Running: 3, Queued: 5} },
		Capabilities: func() map[string]wire.Capability {
			return map[string]wire.Capability{
				"browser": {Enabled: true, Path: "/usr/bin/chromium", Headless: true},
			}
		},
	})

	hb := r.Snapshot(context.Background())
	assert.Equal(t, "w1", hb.WorkerID)
	assert.Equal(t, string(StateRunning), hb.Status)
	assert.Equal(t, "crawl-worker-1", hb.Name)
	assert.Equal(t, "10.0.0.5", hb.Host)
	assert.Equal(t, 8711, hb.Port)
	assert.Equal(t, "eu-west", hb.Region)
	assert.Equal(t, "1.4.0", hb.Version)
	assert.Equal(t, "3.11", hb.PythonVersion)
	assert.Equal(t, 8, hb.MaxConcurrent)
	assert.Equal(t, 3, hb.RunningTasks)
	assert.InDelta(t, 12.5, hb.CPUPercent, 0.001)
	assert.InDelta(t, 40, hb.MemoryPercent, 0.001)
	assert.InDelta(t, 55, hb.DiskPercent, 0.001)
	assert.Equal(t, "linux", hb.OSType)
	assert.Equal(t, "6.1.0", hb.OSVersion)
	assert.Equal(t, "x86_64", hb.MachineArch)
	require.Contains(t, hb.Capabilities, "browser")
	assert.True(t, hb.Capabilities["browser"].Enabled)
	assert.False(t, hb.Timestamp.IsZero())
}

func TestRunReportsOnCadence(t *testing.T) {
	ch := &fakeChannel{}
	r := newTestReporter(t, ch, Config{
		WorkerID: "w1",
		Interval: 20 * time.Millisecond,
	}, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	require.Eventually(t, func() bool {
		return ch.beatCount() >= 3
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, "w1", ch.lastBeat().WorkerID)
	assert.Equal(t, StateRunning, r.State())

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("reporter did not stop on cancel")
	}
	assert.Equal(t, StateStopped, r.State())
}

func TestDegradedAfterConsecutiveFailures(t *testing.T) {
	ch := &fakeChannel{down: true, stayDown: true}
	var disconnects atomic.Int32
	r := newTestReporter(t, ch, Config{
		WorkerID:               "w1",
		Interval:               20 * time.Millisecond,
		MinInterval:            5 * time.Millisecond,
		DegradedInterval:       5 * time.Millisecond,
		MaxConsecutiveFailures: 2,
		ReconnectBackoffMax:    20 * time.Millisecond,
	}, Options{
		OnDisconnect: func(error) { disconnects.Add(1) },
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = r.Run(ctx) }()

	require.Eventually(t, func() bool {
		return r.State() == StateDegraded
	}, 2*time.Second, 5*time.Millisecond)

	// Recovery attempts keep going while the channel stays down, but
	// the callback fires once per episode.
	require.Eventually(t, func() bool {
		return ch.reconnectCount() >= 2
	}, 2*time.Second, 5*time.Millisecond)
	assert.EqualValues(t, 1, disconnects.Load())
	assert.Zero(t, ch.beatCount())
}

func TestRecoveryRestoresReporting(t *testing.T) {
	ch := &fakeChannel{down: true}
	var disconnects atomic.Int32
	r := newTestReporter(t, ch, Config{
		WorkerID:               "w1",
		Interval:               10 * time.Millisecond,
		MinInterval:            5 * time.Millisecond,
		DegradedInterval:       5 * time.Millisecond,
		MaxConsecutiveFailures: 1,
	}, Options{
		OnDisconnect: func(error) { disconnects.Add(1) },
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = r.Run(ctx) }()

	require.Eventually(t, func() bool {
		return ch.beatCount() >= 2 && r.State() == StateRunning
	}, 2*time.Second, 5*time.Millisecond)

	assert.EqualValues(t, 1, disconnects.Load())
	assert.GreaterOrEqual(t, ch.reconnectCount(), 1)
	assert.Equal(t, string(StateRunning), ch.lastBeat().Status)
}

func TestSetIntervalAdoptsMasterCadence(t *testing.T) {
	r := newTestReporter(t, &fakeChannel{}, Config{WorkerID: "w1"}, Options{})

	r.SetInterval(42 * time.Second)
	assert.Equal(t, 42*time.Second, r.nominalInterval())

	// Zero keeps the current cadence.
	r.SetInterval(0)
	assert.Equal(t, 42*time.Second, r.nominalInterval())
}
