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
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/trawlhq/trawl/internal/wire"
	_ "modernc.org/sqlite"
)

// Cursor tracks how far a stream has been written and acknowledged.
type Cursor struct {
	LastSeq  uint64 `json:"last_seq"`
	AckedSeq uint64 `json:"acked_seq"`
}

// spoolMeta mirrors the cursors into a JSON file next to the database
// so operators and restart logic can inspect progress without opening
// sqlite.
type spoolMeta struct {
	RunID     string                    `json:"run_id"`
	Cursors   map[wire.LogStream]Cursor `json:"cursors"`
	UpdatedAt time.Time                 `json:"updated_at"`
}

// Spool is the durable unacked-entry store for one run. Entries stay
// until the transport confirms them; cursors survive worker restarts.
type Spool struct {
	runID string
	dir   string
	db    *sql.DB
}

// OpenSpool opens (creating if needed) the spool for a run at
// <dir>/spool.db.
func OpenSpool(dir, runID string) (*Spool, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating spool dir: %w", err)
	}

	db, err := sql.Open("sqlite", filepath.Join(dir, "spool.db"))
	if err != nil {
		return nil, fmt.Errorf("opening spool db: %w", err)
	}

	// SQLite serializes writes; one connection avoids lock churn.
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connecting to spool db: %w", err)
	}

	s := &Spool{runID: runID, dir: dir, db: db}
	if err := s.configurePragmas(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("configuring spool pragmas: %w", err)
	}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating spool schema: %w", err)
	}
	return s, nil
}

func (s *Spool) configurePragmas(ctx context.Context) error {
	pragmas := []string{
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA journal_mode=WAL",
	}
	for _, pragma := range pragmas {
		if _, err := s.db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("failed to execute %s: %w", pragma, err)
		}
	}
	return nil
}

func (s *Spool) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS entries (
			stream TEXT NOT NULL,
			seq INTEGER NOT NULL,
			ts INTEGER NOT NULL,
			level TEXT NOT NULL DEFAULT '',
			content TEXT NOT NULL,
			PRIMARY KEY (stream, seq)
		)`,
		`CREATE TABLE IF NOT EXISTS cursors (
			stream TEXT PRIMARY KEY,
			last_seq INTEGER NOT NULL DEFAULT 0,
			acked_seq INTEGER NOT NULL DEFAULT 0,
			updated_at TEXT NOT NULL
		)`,
	}
	for _, migration := range migrations {
		if _, err := s.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// Append stores one entry and advances the stream's last_seq cursor.
// Duplicate (stream, seq) pairs are ignored, keeping retries idempotent.
func (s *Spool) Append(ctx context.Context, e *wire.LogEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting spool tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO entries (stream, seq, ts, level, content) VALUES (?, ?, ?, ?, ?)`,
		string(e.Stream), e.Seq, e.Timestamp.UnixMilli(), e.Level, e.Content); err != nil {
		return fmt.Errorf("inserting spool entry: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO cursors (stream, last_seq, acked_seq, updated_at) VALUES (?, ?, 0, ?)
		 ON CONFLICT(stream) DO UPDATE SET
		   last_seq = MAX(last_seq, excluded.last_seq),
		   updated_at = excluded.updated_at`,
		string(e.Stream), e.Seq, time.Now().UTC().Format(time.RFC3339Nano)); err != nil {
		return fmt.Errorf("advancing last_seq: %w", err)
	}

	return tx.Commit()
}

// Ack advances the stream's acked_seq to seq (never backwards) and
// purges entries at or below it.
func (s *Spool) Ack(ctx context.Context, stream wire.LogStream, seq uint64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting spool tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`UPDATE cursors SET acked_seq = MAX(acked_seq, ?), updated_at = ? WHERE stream = ?`,
		seq, time.Now().UTC().Format(time.RFC3339Nano), string(stream)); err != nil {
		return fmt.Errorf("advancing acked_seq: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM entries WHERE stream = ? AND seq <= ?`, string(stream), seq); err != nil {
		return fmt.Errorf("purging acked entries: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	return s.writeMeta(ctx)
}

// Cursors returns the current per-stream cursors.
func (s *Spool) Cursors(ctx context.Context) (map[wire.LogStream]Cursor, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT stream, last_seq, acked_seq FROM cursors`)
	if err != nil {
		return nil, fmt.Errorf("reading cursors: %w", err)
	}
	defer rows.Close()

	out := make(map[wire.LogStream]Cursor)
	for rows.Next() {
		var stream string
		var c Cursor
		if err := rows.Scan(&stream, &c.LastSeq, &c.AckedSeq); err != nil {
			return nil, fmt.Errorf("scanning cursor: %w", err)
		}
		out[wire.LogStream(stream)] = c
	}
	return out, rows.Err()
}

// IterUnacked calls fn for every entry in (acked_seq, last_seq] of the
// stream, in seq order. The rows are snapshotted before fn runs, so fn
// may append or ack without deadlocking the single connection.
func (s *Spool) IterUnacked(ctx context.Context, stream wire.LogStream, fn func(*wire.LogEntry) error) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, ts, level, content FROM entries
		 WHERE stream = ? AND seq > (SELECT COALESCE(MAX(acked_seq), 0) FROM cursors WHERE stream = ?)
		 ORDER BY seq ASC`,
		string(stream), string(stream))
	if err != nil {
		return fmt.Errorf("querying unacked entries: %w", err)
	}

	var snapshot []*wire.LogEntry
	for rows.Next() {
		var (
			seq     uint64
			ts      int64
			level   string
			content string
		)
		if err := rows.Scan(&seq, &ts, &level, &content); err != nil {
			rows.Close()
			return fmt.Errorf("scanning spool entry: %w", err)
		}
		snapshot = append(snapshot, &wire.LogEntry{
			RunID:     s.runID,
			Stream:    stream,
			Seq:       seq,
			Timestamp: time.UnixMilli(ts).UTC(),
			Level:     level,
			Content:   content,
		})
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()

	for _, e := range snapshot {
		if err := fn(e); err != nil {
			return err
		}
	}
	return nil
}

// FullyAcked reports whether every written entry has been confirmed.
func (s *Spool) FullyAcked(ctx context.Context) (bool, error) {
	cursors, err := s.Cursors(ctx)
	if err != nil {
		return false, err
	}
	for _, c := range cursors {
		if c.AckedSeq < c.LastSeq {
			return false, nil
		}
	}
	return true, nil
}

// writeMeta mirrors cursors into meta.json for restart introspection.
func (s *Spool) writeMeta(ctx context.Context) error {
	cursors, err := s.Cursors(ctx)
	if err != nil {
		return err
	}
	meta := spoolMeta{RunID: s.runID, Cursors: cursors, UpdatedAt: time.Now().UTC()}
	raw, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding spool meta: %w", err)
	}
	return os.WriteFile(filepath.Join(s.dir, "meta.json"), raw, 0o644)
}

// Close closes the database.
func (s *Spool) Close() error {
	return s.db.Close()
}

// Remove deletes the spool directory. Call after Close once every
// entry is acked or archived.
func (s *Spool) Remove() error {
	return os.RemoveAll(s.dir)
}
