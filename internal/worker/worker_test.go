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

package worker

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trawlhq/trawl/internal/config"
)

func testConfig(t *testing.T, mr *miniredis.Miniredis) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.Transport.Mode = config.ModeDirect
	cfg.Transport.RedisURL = "redis://" + mr.Addr()
	cfg.Heartbeat.Interval = time.Second
	cfg.Heartbeat.MinInterval = 100 * time.Millisecond
	require.NoError(t, cfg.Validate())
	return cfg
}

func TestNewMintsAndPersistsIdentity(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig(t, mr)
	ctx := context.Background()

	w, err := New(ctx, cfg, Options{Version: "test"})
	require.NoError(t, err)
	defer w.transport.Close()

	require.NotEmpty(t, w.WorkerID())
	assert.FileExists(t, cfg.IdentityPath())

	// A second assembly over the same data dir reuses the identity.
	w2, err := New(ctx, cfg, Options{Version: "test"})
	require.NoError(t, err)
	defer w2.transport.Close()
	assert.Equal(t, w.WorkerID(), w2.WorkerID())
}

func TestNewHonorsExplicitWorkerID(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig(t, mr)
	cfg.WorkerID = "w-fixed"

	w, err := New(context.Background(), cfg, Options{})
	require.NoError(t, err)
	defer w.transport.Close()

	assert.Equal(t, "w-fixed", w.WorkerID())
	// Externally managed credentials are never persisted.
	assert.NoFileExists(t, cfg.IdentityPath())
}

func TestNewRejectsUnvalidatableConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Transport.Mode = "carrier-pigeon"
	_, err := New(context.Background(), cfg, Options{})
	require.Error(t, err)
}

func TestRunRegistersAndDrains(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig(t, mr)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w, err := New(ctx, cfg, Options{Version: "test"})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	// Registration leaves the liveness proof behind.
	proofKey := "trawl:direct:proof:" + w.WorkerID()
	require.Eventually(t, func() bool {
		return mr.Exists(proofKey)
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("worker did not drain")
	}
}

func TestRunTwiceFails(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig(t, mr)
	ctx, cancel := context.WithCancel(context.Background())

	w, err := New(ctx, cfg, Options{})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.Eventually(t, func() bool {
		w.mu.Lock()
		defer w.mu.Unlock()
		return w.started
	}, 5*time.Second, 10*time.Millisecond)

	err = w.Run(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already started")

	cancel()
	<-done
}

func TestPreflightDirect(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig(t, mr)

	checks := Preflight(context.Background(), cfg)
	require.Len(t, checks, 5)

	byName := map[string]Check{}
	for _, c := range checks {
		byName[c.Name] = c
	}
	assert.Equal(t, CheckOK, byName["redis"].Status)
	assert.Equal(t, CheckOK, byName["data directory"].Status)
	assert.Equal(t, CheckOK, byName["identity"].Status)
}

func TestPreflightRedisDown(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig(t, mr)
	mr.Close()

	checks := Preflight(context.Background(), cfg)
	byName := map[string]Check{}
	for _, c := range checks {
		byName[c.Name] = c
	}
	assert.Equal(t, CheckFail, byName["redis"].Status)
	assert.False(t, Healthy(checks))
}

func TestCheckGateway(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	up := checkGateway(ln.Addr().String(), time.Second)
	assert.Equal(t, CheckOK, up.Status)

	down := checkGateway("127.0.0.1:1", 200*time.Millisecond)
	assert.Equal(t, CheckFail, down.Status)
}

func TestHealthy(t *testing.T) {
	assert.True(t, Healthy([]Check{{Status: CheckOK}, {Status: CheckWarn}}))
	assert.False(t, Healthy([]Check{{Status: CheckOK}, {Status: CheckFail}}))
}
