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

// Package logpipe moves task output from the executor to the transport
// with durability in between: every line lands in a write-ahead log and
// a sqlite spool before the batch sender ships it, so neither a worker
// crash nor a transport outage loses acknowledged-unsent entries.
package logpipe

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/trawlhq/trawl/internal/wire"
)

// walRecord is one framed entry in a stream's log file.
type walRecord struct {
	Seq     uint64 `json:"seq"`
	TS      int64  `json:"ts"` // unix milliseconds
	Level   string `json:"level,omitempty"`
	Content string `json:"content"`
}

// maxWALRecordBytes bounds a single record frame; anything larger is a
// corrupt length prefix.
const maxWALRecordBytes = 1 << 20

// WAL is the append-only log for one (run, stream) pair. Records are
// length-prefixed JSON so a torn tail write is detectable and
// recoverable. Appends buffer in memory; Sync flushes and fsyncs.
type WAL struct {
	mu   sync.Mutex
	path string
	f    *os.File
	w    *bufio.Writer
}

// OpenWAL opens (creating if needed) the log for one stream of a run,
// positioned for append.
func OpenWAL(dir string, stream wire.LogStream) (*WAL, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating wal dir: %w", err)
	}
	path := filepath.Join(dir, string(stream)+".log")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening wal: %w", err)
	}
	return &WAL{path: path, f: f, w: bufio.NewWriterSize(f, 64*1024)}, nil
}

// Append frames and buffers one record. Call Sync to make it durable.
func (w *WAL) Append(rec walRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding wal record: %w", err)
	}

	var frame [4]byte
	binary.BigEndian.PutUint32(frame[:], uint32(len(payload)))

	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.w.Write(frame[:]); err != nil {
		return fmt.Errorf("writing wal frame: %w", err)
	}
	if _, err := w.w.Write(payload); err != nil {
		return fmt.Errorf("writing wal payload: %w", err)
	}
	return nil
}

// Sync flushes buffered records and fsyncs the file.
func (w *WAL) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.w.Flush(); err != nil {
		return err
	}
	return w.f.Sync()
}

// Close flushes and closes the file.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.w.Flush(); err != nil {
		w.f.Close()
		return err
	}
	return w.f.Close()
}

// Path returns the backing file path.
func (w *WAL) Path() string {
	return w.path
}

// ReplayWAL streams records with from <= seq <= to (inclusive; pass
// to=0 for no upper bound) to fn in file order. A truncated final
// record, the signature of a crash mid-append, ends the replay cleanly
// rather than erroring.
func ReplayWAL(path string, from, to uint64, fn func(walRecord) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	r := bufio.NewReaderSize(f, 64*1024)
	for {
		var frame [4]byte
		if _, err := io.ReadFull(r, frame[:]); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil
			}
			return fmt.Errorf("reading wal frame: %w", err)
		}
		n := binary.BigEndian.Uint32(frame[:])
		if n == 0 || n > maxWALRecordBytes {
			// Corrupt length; everything after is unreadable.
			return nil
		}
		payload := make([]byte, n)
		if _, err := io.ReadFull(r, payload); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil
			}
			return fmt.Errorf("reading wal payload: %w", err)
		}
		var rec walRecord
		if err := json.Unmarshal(payload, &rec); err != nil {
			return fmt.Errorf("decoding wal record: %w", err)
		}
		if rec.Seq < from {
			continue
		}
		if to > 0 && rec.Seq > to {
			return nil
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
}
