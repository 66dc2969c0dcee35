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
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	trawllog "github.com/trawlhq/trawl/internal/log"
	"github.com/trawlhq/trawl/internal/metrics"
	"github.com/trawlhq/trawl/internal/wire"
)

// ErrPipelineClosed is returned by Write after Close has begun.
var ErrPipelineClosed = errors.New("logpipe: pipeline closed")

// LogSender is the transport surface the pipeline ships through.
type LogSender interface {
	SendLogBatch(ctx context.Context, entries []*wire.LogEntry) error
}

// Config tunes one pipeline. Zero values get safe defaults.
type Config struct {
	BatchSize         int
	FlushInterval     time.Duration
	MaxQueueSize      int
	WarningThreshold  float64
	CriticalThreshold float64
	DropOnCritical    bool

	// RateLimit caps sent entries per second; zero means unlimited.
	RateLimit float64
	RateBurst int

	// SendTimeout bounds one transport send.
	SendTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = time.Second
	}
	if c.MaxQueueSize <= 0 {
		c.MaxQueueSize = 10000
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 30 * time.Second
	}
	if c.RateBurst < c.BatchSize {
		c.RateBurst = c.BatchSize
	}
	return c
}

// Pipeline carries one run's output to the transport. Every entry is
// made durable (WAL + spool) before entering the in-memory ring the
// batch sender drains; acked_seq advances only on confirmed sends.
//
// Within a stream, Write must be called from a single goroutine; the
// executor's per-stream readers satisfy this naturally.
type Pipeline struct {
	runID   string
	cfg     Config
	sender  LogSender
	logger  *slog.Logger
	metrics *metrics.Metrics
	monitor *pressureMonitor

	spool  *Spool
	walDir string

	mu   sync.Mutex
	seqs map[wire.LogStream]uint64
	wals map[wire.LogStream]*WAL

	ring    chan *wire.LogEntry
	limiter *rate.Limiter

	flushCh   chan chan error
	recoverCh chan chan error
	stop      chan struct{}
	stopOnce  sync.Once
	done      chan struct{}
	closed    atomic.Bool
}

// NewPipeline opens the spool, restores per-stream sequence counters
// from its cursors and starts the batch sender.
func NewPipeline(runID, walDir, spoolDir string, cfg Config, sender LogSender, logger *slog.Logger, m *metrics.Metrics, listener PressureListener) (*Pipeline, error) {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}

	spool, err := OpenSpool(spoolDir, runID)
	if err != nil {
		return nil, fmt.Errorf("opening spool for %s: %w", runID, err)
	}

	cursors, err := spool.Cursors(context.Background())
	if err != nil {
		spool.Close()
		return nil, fmt.Errorf("reading spool cursors: %w", err)
	}
	seqs := make(map[wire.LogStream]uint64, len(cursors))
	for stream, c := range cursors {
		seqs[stream] = c.LastSeq
	}

	p := &Pipeline{
		runID:     runID,
		cfg:       cfg,
		sender:    sender,
		logger:    trawllog.WithComponent(logger, "logpipe").With(slog.String(trawllog.RunIDKey, runID)),
		metrics:   m,
		monitor:   newPressureMonitor(cfg.MaxQueueSize, cfg.WarningThreshold, cfg.CriticalThreshold, listener),
		spool:     spool,
		walDir:    walDir,
		seqs:      seqs,
		wals:      make(map[wire.LogStream]*WAL),
		ring:      make(chan *wire.LogEntry, cfg.MaxQueueSize),
		flushCh:   make(chan chan error),
		recoverCh: make(chan chan error),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	if cfg.RateLimit > 0 {
		p.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateBurst)
	}

	go p.senderLoop()
	return p, nil
}

// Write appends one line to the stream. The entry is durable when
// Write returns; delivery happens asynchronously.
func (p *Pipeline) Write(stream wire.LogStream, content string) error {
	return p.write(stream, levelFor(stream), content)
}

// WriteSystem appends a worker-originated message to the system stream
// with an explicit level.
func (p *Pipeline) WriteSystem(level, content string) error {
	return p.write(wire.StreamSystem, level, content)
}

func (p *Pipeline) write(stream wire.LogStream, level, content string) error {
	if p.closed.Load() {
		return ErrPipelineClosed
	}

	p.mu.Lock()
	p.seqs[stream]++
	seq := p.seqs[stream]
	w, err := p.wal(stream)
	p.mu.Unlock()
	if err != nil {
		return err
	}

	entry := &wire.LogEntry{
		RunID:     p.runID,
		Stream:    stream,
		Seq:       seq,
		Timestamp: time.Now().UTC(),
		Level:     level,
		Content:   content,
	}

	if err := w.Append(walRecord{Seq: seq, TS: entry.Timestamp.UnixMilli(), Level: level, Content: content}); err != nil {
		return fmt.Errorf("wal append: %w", err)
	}
	if err := p.spool.Append(context.Background(), entry); err != nil {
		return fmt.Errorf("spool append: %w", err)
	}

	if p.metrics != nil {
		p.metrics.LogEntries.Inc()
	}

	state := p.monitor.Observe(len(p.ring))
	if state >= PressureCritical && p.cfg.DropOnCritical {
		// Shed from the live path only; the entry stays durable and
		// flows on the next spool recovery.
		p.monitor.Dropped(1)
		if p.metrics != nil {
			p.metrics.LogEntriesDropped.Inc()
		}
		return nil
	}

	select {
	case p.ring <- entry:
		return nil
	case <-p.stop:
		return ErrPipelineClosed
	}
}

// wal returns the stream's WAL, opening it on first use. Caller holds
// p.mu.
func (p *Pipeline) wal(stream wire.LogStream) (*WAL, error) {
	if w, ok := p.wals[stream]; ok {
		return w, nil
	}
	w, err := OpenWAL(p.walDir, stream)
	if err != nil {
		return nil, fmt.Errorf("opening wal for %s: %w", stream, err)
	}
	p.wals[stream] = w
	return w, nil
}

// Flush forces the sender to ship everything currently buffered and
// reports the send outcome.
func (p *Pipeline) Flush(ctx context.Context) error {
	reply := make(chan error, 1)
	select {
	case p.flushCh <- reply:
	case <-p.stop:
		return ErrPipelineClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RecoverFromSpool re-emits every unacked entry in seq order through
// the transport. Runs inside the sender goroutine so it serializes
// with normal batches and per-stream send order holds.
func (p *Pipeline) RecoverFromSpool(ctx context.Context) error {
	reply := make(chan error, 1)
	select {
	case p.recoverCh <- reply:
	case <-p.stop:
		// Sender already stopped; recover inline.
		return p.recover(ctx)
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pressure returns the current backpressure state.
func (p *Pipeline) Pressure() PressureState {
	return p.monitor.State()
}

// TotalDropped returns how many entries were shed under pressure.
func (p *Pipeline) TotalDropped() int64 {
	return p.monitor.TotalDropped()
}

// Close stops accepting writes, ships what it can, syncs and closes the
// WAL files and the spool. The spool directory is left in place; Finish
// on the manager decides archival and removal.
func (p *Pipeline) Close(ctx context.Context) error {
	p.closed.Store(true)
	p.stopOnce.Do(func() { close(p.stop) })

	select {
	case <-p.done:
	case <-ctx.Done():
		return ctx.Err()
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	var firstErr error
	for stream, w := range p.wals {
		if err := w.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("closing wal %s: %w", stream, err)
		}
	}
	if err := p.spool.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// FullyAcked reports whether the transport confirmed every entry.
func (p *Pipeline) FullyAcked(ctx context.Context) (bool, error) {
	return p.spool.FullyAcked(ctx)
}

func levelFor(stream wire.LogStream) string {
	if stream == wire.StreamStderr {
		return "error"
	}
	return "info"
}
