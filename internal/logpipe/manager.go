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
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	trawllog "github.com/trawlhq/trawl/internal/log"
	"github.com/trawlhq/trawl/internal/metrics"
	"github.com/trawlhq/trawl/internal/wire"
)

// Manager owns the per-run pipelines, the directory layout beneath
// them and end-of-run disposal (archive, purge, or keep for restart).
type Manager struct {
	cfg       Config
	walRoot   string
	spoolRoot string
	sender    LogSender
	archiver  *Archiver
	logger    *slog.Logger
	metrics   *metrics.Metrics

	mu        sync.Mutex
	pipelines map[string]*Pipeline
}

// NewManager creates the manager. archiver may be nil to disable
// archival; finished WALs are then simply removed once fully acked.
func NewManager(walRoot, spoolRoot string, cfg Config, sender LogSender, archiver *Archiver, logger *slog.Logger, m *metrics.Metrics) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:       cfg.withDefaults(),
		walRoot:   walRoot,
		spoolRoot: spoolRoot,
		sender:    sender,
		archiver:  archiver,
		logger:    trawllog.WithComponent(logger, "logpipe"),
		metrics:   m,
		pipelines: make(map[string]*Pipeline),
	}
}

// Open creates (or returns) the pipeline for a run.
func (m *Manager) Open(runID string) (*Pipeline, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if p, ok := m.pipelines[runID]; ok {
		return p, nil
	}

	listener := func(old, new PressureState) {
		m.logger.Warn("log backpressure changed",
			slog.String(trawllog.RunIDKey, runID),
			slog.String("from", old.String()),
			slog.String("to", new.String()))
	}

	p, err := NewPipeline(runID, m.walDir(runID), m.spoolDir(runID), m.cfg, m.sender, m.logger, m.metrics, listener)
	if err != nil {
		return nil, err
	}
	m.pipelines[runID] = p
	return p, nil
}

// Get returns the pipeline for a run if open.
func (m *Manager) Get(runID string) (*Pipeline, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pipelines[runID]
	return p, ok
}

// Finish closes the run's pipeline and disposes of its files: archive
// when configured, purge when every entry is acked, otherwise keep
// everything for recovery on the next start.
func (m *Manager) Finish(ctx context.Context, runID string) error {
	m.mu.Lock()
	p, ok := m.pipelines[runID]
	delete(m.pipelines, runID)
	m.mu.Unlock()
	if !ok {
		return nil
	}

	if err := p.Close(ctx); err != nil {
		return fmt.Errorf("closing pipeline for %s: %w", runID, err)
	}
	return m.dispose(ctx, runID)
}

// dispose archives and/or removes a finished run's WAL and spool
// directories. Requires the run's pipeline to be closed.
func (m *Manager) dispose(ctx context.Context, runID string) error {
	spool, err := OpenSpool(m.spoolDir(runID), runID)
	if err != nil {
		return fmt.Errorf("reopening spool for %s: %w", runID, err)
	}

	acked, err := spool.FullyAcked(ctx)
	if err != nil {
		spool.Close()
		return err
	}

	if !acked {
		// Try once to drain the remainder right now.
		if err := m.drainSpool(ctx, spool); err != nil {
			m.logger.Warn("unacked log entries remain; keeping spool",
				slog.String(trawllog.RunIDKey, runID),
				slog.Any("error", err))
			spool.Close()
			return nil
		}
		acked = true
	}

	if m.archiver != nil {
		if err := m.archiver.ArchiveRun(ctx, runID, m.walDir(runID)); err != nil {
			m.logger.Warn("wal archive failed; keeping files",
				slog.String(trawllog.RunIDKey, runID),
				slog.Any("error", err))
			spool.Close()
			return nil
		}
	}

	spool.Close()
	if err := os.RemoveAll(m.walDir(runID)); err != nil {
		return fmt.Errorf("removing wal dir: %w", err)
	}
	if err := os.RemoveAll(m.spoolDir(runID)); err != nil {
		return fmt.Errorf("removing spool dir: %w", err)
	}
	return nil
}

// drainSpool ships every unacked entry of every stream, acking as it
// goes.
func (m *Manager) drainSpool(ctx context.Context, spool *Spool) error {
	cursors, err := spool.Cursors(ctx)
	if err != nil {
		return err
	}
	for stream, c := range cursors {
		if c.AckedSeq >= c.LastSeq {
			continue
		}
		batch := make([]*wire.LogEntry, 0, m.cfg.BatchSize)
		send := func() error {
			if len(batch) == 0 {
				return nil
			}
			if err := m.sender.SendLogBatch(ctx, batch); err != nil {
				return err
			}
			if err := spool.Ack(ctx, stream, batch[len(batch)-1].Seq); err != nil {
				return err
			}
			batch = batch[:0]
			return nil
		}
		if err := spool.IterUnacked(ctx, stream, func(e *wire.LogEntry) error {
			batch = append(batch, e)
			if len(batch) >= m.cfg.BatchSize {
				return send()
			}
			return nil
		}); err != nil {
			return err
		}
		if err := send(); err != nil {
			return err
		}
	}
	return nil
}

// RecoverFromSpool re-emits unacked entries for every open pipeline.
// Called after a transport reconnect.
func (m *Manager) RecoverFromSpool(ctx context.Context) error {
	m.mu.Lock()
	pipelines := make([]*Pipeline, 0, len(m.pipelines))
	for _, p := range m.pipelines {
		pipelines = append(pipelines, p)
	}
	m.mu.Unlock()

	var firstErr error
	for _, p := range pipelines {
		if err := p.RecoverFromSpool(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// RecoverOrphans handles spools left by a previous process: unacked
// entries are re-sent, then the run's files are disposed of normally.
// Called once at startup before any new run begins.
func (m *Manager) RecoverOrphans(ctx context.Context) error {
	entries, err := os.ReadDir(m.spoolRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading spool root: %w", err)
	}

	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		runID := e.Name()
		if err := m.dispose(ctx, runID); err != nil {
			m.logger.Warn("orphan spool recovery failed",
				slog.String(trawllog.RunIDKey, runID),
				slog.Any("error", err))
			continue
		}
		m.logger.Info("orphan run logs recovered", slog.String(trawllog.RunIDKey, runID))
	}
	return nil
}

// CloseAll closes every open pipeline without disposing files, for
// worker shutdown.
func (m *Manager) CloseAll(ctx context.Context) error {
	m.mu.Lock()
	pipelines := m.pipelines
	m.pipelines = make(map[string]*Pipeline)
	m.mu.Unlock()

	var firstErr error
	for runID, p := range pipelines {
		if err := p.Close(ctx); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("closing pipeline %s: %w", runID, err)
		}
	}
	return firstErr
}

func (m *Manager) walDir(runID string) string {
	return filepath.Join(m.walRoot, runID)
}

func (m *Manager) spoolDir(runID string) string {
	return filepath.Join(m.spoolRoot, runID)
}
