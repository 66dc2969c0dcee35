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

package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	trawlerrors "github.com/trawlhq/trawl/pkg/errors"
)

func storeConfig() *Config {
	cfg := Default()
	cfg.WorkerID = "w-store-test"
	cfg.Transport.RedisURL = "redis://localhost:6379/0"
	return cfg
}

func writeStoreFile(t *testing.T, path, level string) {
	t.Helper()
	body := `worker_id: w-store-test
transport:
  redis_url: redis://localhost:6379/0
log:
  level: ` + level + "\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
}

func TestSnapshotReflectsBootConfig(t *testing.T) {
	cfg := storeConfig()
	cfg.Log.Level = "warn"
	cfg.Execution.MaxConcurrent = 6
	cfg.Heartbeat.Interval = 20 * time.Second

	store := NewStore(cfg, "", nil)

	snap := store.Snapshot()
	assert.Equal(t, "warn", snap.LogLevel)
	assert.Equal(t, 6, snap.MaxConcurrent)
	assert.Equal(t, 20*time.Second, snap.HeartbeatInterval)
	assert.Equal(t, cfg.Transport.PollTimeout, snap.PollTimeout)
	assert.Same(t, cfg, store.Config())
}

func TestApplyControlSwapsTunables(t *testing.T) {
	store := NewStore(storeConfig(), "", nil)

	// Numbers arrive as float64 when the payload came through JSON.
	changed, err := store.ApplyControl(map[string]any{
		"log_level":          "debug",
		"max_concurrent":     float64(8),
		"heartbeat_interval": "45s",
		"poll_timeout":       float64(2),
	})
	require.NoError(t, err)
	assert.True(t, changed)

	snap := store.Snapshot()
	assert.Equal(t, "debug", snap.LogLevel)
	assert.Equal(t, 8, snap.MaxConcurrent)
	assert.Equal(t, 45*time.Second, snap.HeartbeatInterval)
	assert.Equal(t, 2*time.Second, snap.PollTimeout)
}

func TestApplyControlValidatesValues(t *testing.T) {
	tests := []struct {
		name   string
		params map[string]any
		field  string
	}{
		{"log level not a string", map[string]any{"log_level": 3}, "log_level"},
		{"zero concurrency", map[string]any{"max_concurrent": float64(0)}, "max_concurrent"},
		{"garbage duration", map[string]any{"heartbeat_interval": "soon"}, "heartbeat_interval"},
		{"negative duration", map[string]any{"heartbeat_interval": "-5s"}, "heartbeat_interval"},
		{"boolean poll timeout", map[string]any{"poll_timeout": true}, "poll_timeout"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := NewStore(storeConfig(), "", nil)
			before := store.Snapshot()

			changed, err := store.ApplyControl(tt.params)
			assert.False(t, changed)

			var verr *trawlerrors.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
			assert.Equal(t, before, store.Snapshot())
		})
	}
}

func TestApplyControlIgnoresUnknownKeys(t *testing.T) {
	store := NewStore(storeConfig(), "", nil)

	changed, err := store.ApplyControl(map[string]any{"experimental_flag": true})
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestApplyControlNoOpWhenValuesMatch(t *testing.T) {
	cfg := storeConfig()
	store := NewStore(cfg, "", nil)

	notified := 0
	store.Subscribe(func(Snapshot) { notified++ })

	changed, err := store.ApplyControl(map[string]any{"log_level": cfg.Log.Level})
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Zero(t, notified, "no swap means no callback")
}

func TestSubscribersSeeEverySwap(t *testing.T) {
	store := NewStore(storeConfig(), "", nil)

	var got []Snapshot
	store.Subscribe(func(s Snapshot) { got = append(got, s) })

	_, err := store.ApplyControl(map[string]any{"log_level": "debug"})
	require.NoError(t, err)
	_, err = store.ApplyControl(map[string]any{"max_concurrent": float64(2)})
	require.NoError(t, err)

	require.Len(t, got, 2)
	assert.Equal(t, "debug", got[0].LogLevel)
	assert.Equal(t, 2, got[1].MaxConcurrent)
}

func TestWatchReloadsOnFileChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "worker_config.yaml")
	writeStoreFile(t, path, "info")

	cfg, err := Load(path)
	require.NoError(t, err)
	store := NewStore(cfg, path, nil)
	require.Equal(t, "info", store.Snapshot().LogLevel)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- store.Watch(ctx) }()

	// Give the watcher a beat to register before touching the file.
	time.Sleep(50 * time.Millisecond)
	writeStoreFile(t, path, "debug")

	require.Eventually(t, func() bool {
		return store.Snapshot().LogLevel == "debug"
	}, 3*time.Second, 20*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestWatchKeepsSnapshotOnBrokenFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "worker_config.yaml")
	writeStoreFile(t, path, "info")

	cfg, err := Load(path)
	require.NoError(t, err)
	store := NewStore(cfg, path, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- store.Watch(ctx) }()

	time.Sleep(50 * time.Millisecond)
	writeStoreFile(t, path, "debug")
	require.Eventually(t, func() bool {
		return store.Snapshot().LogLevel == "debug"
	}, 3*time.Second, 20*time.Millisecond)

	// A broken edit must leave the last good snapshot in force.
	require.NoError(t, os.WriteFile(path, []byte("log: ["), 0o644))
	time.Sleep(2 * watchDebounce)
	assert.Equal(t, "debug", store.Snapshot().LogLevel)

	cancel()
	require.NoError(t, <-done)
}

func TestWatchIgnoresSiblingFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "worker_config.yaml")
	writeStoreFile(t, path, "info")

	cfg, err := Load(path)
	require.NoError(t, err)
	store := NewStore(cfg, path, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- store.Watch(ctx) }()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.yaml"), []byte("log:\n  level: error\n"), 0o644))
	time.Sleep(2 * watchDebounce)
	assert.Equal(t, "info", store.Snapshot().LogLevel)

	cancel()
	require.NoError(t, <-done)
}

func TestWatchWithoutPathWaitsForCancel(t *testing.T) {
	store := NewStore(storeConfig(), "", nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- store.Watch(ctx) }()

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Watch did not return after cancel")
	}
}
