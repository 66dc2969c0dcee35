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
	"bytes"
	"compress/gzip"
	"context"
	"io"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trawlhq/trawl/internal/wire"
)

func newTestManager(t *testing.T, dir string, sender LogSender, archiver *Archiver) *Manager {
	t.Helper()
	return NewManager(
		filepath.Join(dir, "wal"),
		filepath.Join(dir, "spool"),
		testPipelineConfig(), sender, archiver, nil, nil)
}

func TestManagerFinishPurgesAckedRun(t *testing.T) {
	dir := t.TempDir()
	sender := &fakeSender{}
	m := newTestManager(t, dir, sender, nil)

	p, err := m.Open("run-1")
	require.NoError(t, err)
	require.NoError(t, p.Write(wire.StreamStdout, "hello"))
	require.NoError(t, p.Flush(context.Background()))

	require.NoError(t, m.Finish(context.Background(), "run-1"))

	assert.NoDirExists(t, filepath.Join(dir, "wal", "run-1"))
	assert.NoDirExists(t, filepath.Join(dir, "spool", "run-1"))
}

func TestManagerFinishKeepsUnackedRun(t *testing.T) {
	dir := t.TempDir()
	sender := &fakeSender{}
	sender.fail.Store(true)
	m := newTestManager(t, dir, sender, nil)

	p, err := m.Open("run-2")
	require.NoError(t, err)
	require.NoError(t, p.Write(wire.StreamStdout, "stuck"))

	require.NoError(t, m.Finish(context.Background(), "run-2"))

	// Transport never confirmed anything; files must survive for the
	// next start's recovery.
	assert.DirExists(t, filepath.Join(dir, "spool", "run-2"))
	assert.DirExists(t, filepath.Join(dir, "wal", "run-2"))
}

func TestManagerRecoverOrphans(t *testing.T) {
	dir := t.TempDir()
	broken := &fakeSender{}
	broken.fail.Store(true)

	m := newTestManager(t, dir, broken, nil)
	p, err := m.Open("run-3")
	require.NoError(t, err)
	require.NoError(t, p.Write(wire.StreamStdout, "line 1"))
	require.NoError(t, p.Write(wire.StreamStdout, "line 2"))
	require.NoError(t, m.Finish(context.Background(), "run-3"))
	require.DirExists(t, filepath.Join(dir, "spool", "run-3"))

	// A new process starts with a healthy transport.
	healthy := &fakeSender{}
	m2 := newTestManager(t, dir, healthy, nil)
	require.NoError(t, m2.RecoverOrphans(context.Background()))

	assert.Equal(t, []uint64{1, 2}, healthy.seqs(wire.StreamStdout))
	assert.NoDirExists(t, filepath.Join(dir, "spool", "run-3"))
	assert.NoDirExists(t, filepath.Join(dir, "wal", "run-3"))
}

type memUploader struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (u *memUploader) Upload(_ context.Context, key string, body io.Reader, _ string) error {
	raw, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.objects == nil {
		u.objects = make(map[string][]byte)
	}
	u.objects[key] = raw
	return nil
}

func TestManagerFinishArchivesWAL(t *testing.T) {
	dir := t.TempDir()
	sender := &fakeSender{}
	uploader := &memUploader{}
	archiver := NewArchiver(uploader, "crawl-logs", nil)
	m := newTestManager(t, dir, sender, archiver)

	p, err := m.Open("run-4")
	require.NoError(t, err)
	require.NoError(t, p.Write(wire.StreamStdout, "archived line"))
	require.NoError(t, p.Flush(context.Background()))
	require.NoError(t, m.Finish(context.Background(), "run-4"))

	raw, ok := uploader.objects["crawl-logs/run-4/stdout.log.gz"]
	require.True(t, ok, "expected archive object, got keys %v", keysOf(uploader.objects))

	gz, err := gzip.NewReader(bytes.NewReader(raw))
	require.NoError(t, err)
	plain, err := io.ReadAll(gz)
	require.NoError(t, err)
	assert.Contains(t, string(plain), "archived line")

	// Local files are gone after a successful archive.
	assert.NoDirExists(t, filepath.Join(dir, "wal", "run-4"))
	assert.NoDirExists(t, filepath.Join(dir, "spool", "run-4"))
}

func keysOf(m map[string][]byte) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
