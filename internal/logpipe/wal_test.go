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
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trawlhq/trawl/internal/wire"
)

func TestWALAppendAndReplay(t *testing.T) {
	dir := t.TempDir()
	w, err := OpenWAL(dir, wire.StreamStdout)
	require.NoError(t, err)

	for i := uint64(1); i <= 5; i++ {
		require.NoError(t, w.Append(walRecord{Seq: i, TS: int64(1000 + i), Content: "line"}))
	}
	require.NoError(t, w.Sync())
	require.NoError(t, w.Close())

	var seqs []uint64
	err = ReplayWAL(w.Path(), 0, 0, func(rec walRecord) error {
		seqs = append(seqs, rec.Seq)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []uint64{1, 2, 3, 4, 5}, seqs)
}

func TestWALReplayBounds(t *testing.T) {
	dir := t.TempDir()
	w, err := OpenWAL(dir, wire.StreamStderr)
	require.NoError(t, err)
	for i := uint64(1); i <= 10; i++ {
		require.NoError(t, w.Append(walRecord{Seq: i, TS: int64(i), Content: "x"}))
	}
	require.NoError(t, w.Close())

	var seqs []uint64
	require.NoError(t, ReplayWAL(w.Path(), 4, 7, func(rec walRecord) error {
		seqs = append(seqs, rec.Seq)
		return nil
	}))
	assert.Equal(t, []uint64{4, 5, 6, 7}, seqs)
}

func TestWALSurvivesAppendAfterReopen(t *testing.T) {
	dir := t.TempDir()

	w, err := OpenWAL(dir, wire.StreamStdout)
	require.NoError(t, err)
	require.NoError(t, w.Append(walRecord{Seq: 1, TS: 1, Content: "first"}))
	require.NoError(t, w.Close())

	w2, err := OpenWAL(dir, wire.StreamStdout)
	require.NoError(t, err)
	require.NoError(t, w2.Append(walRecord{Seq: 2, TS: 2, Content: "second"}))
	require.NoError(t, w2.Close())

	var contents []string
	require.NoError(t, ReplayWAL(w2.Path(), 0, 0, func(rec walRecord) error {
		contents = append(contents, rec.Content)
		return nil
	}))
	assert.Equal(t, []string{"first", "second"}, contents)
}

func TestWALReplayToleratesTornTail(t *testing.T) {
	dir := t.TempDir()
	w, err := OpenWAL(dir, wire.StreamStdout)
	require.NoError(t, err)
	require.NoError(t, w.Append(walRecord{Seq: 1, TS: 1, Content: "whole"}))
	require.NoError(t, w.Close())

	// Simulate a crash mid-append: a frame header promising more bytes
	// than the file holds.
	f, err := os.OpenFile(w.Path(), os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)
	_, err = f.Write([]byte{0x00, 0x00, 0x01, 0x00, 'p', 'a', 'r'})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	var seqs []uint64
	require.NoError(t, ReplayWAL(w.Path(), 0, 0, func(rec walRecord) error {
		seqs = append(seqs, rec.Seq)
		return nil
	}))
	assert.Equal(t, []uint64{1}, seqs, "torn tail record must be skipped, not error")
}
