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
	"time"

	trawllog "github.com/trawlhq/trawl/internal/log"
	"github.com/trawlhq/trawl/internal/wire"
)

// senderLoop drains the ring into batches, shipping on size or on the
// flush interval. A failed send frees the batch from memory without
// advancing acked_seq: the entries stay in the spool and return via
// RecoverFromSpool once the transport is healthy again.
func (p *Pipeline) senderLoop() {
	defer close(p.done)

	ticker := time.NewTicker(p.cfg.FlushInterval)
	defer ticker.Stop()

	batch := make([]*wire.LogEntry, 0, p.cfg.BatchSize)
	for {
		select {
		case e := <-p.ring:
			batch = append(batch, e)
			if len(batch) >= p.cfg.BatchSize {
				p.ship(&batch)
			}

		case <-ticker.C:
			p.ship(&batch)
			p.syncWALs()

		case reply := <-p.flushCh:
			p.drainRing(&batch)
			err := p.ship(&batch)
			if serr := p.syncWALs(); err == nil {
				err = serr
			}
			reply <- err

		case reply := <-p.recoverCh:
			ctx, cancel := context.WithTimeout(context.Background(), p.cfg.SendTimeout)
			reply <- p.recover(ctx)
			cancel()

		case <-p.stop:
			p.drainRing(&batch)
			p.ship(&batch)
			p.syncWALs()
			return
		}
	}
}

// drainRing moves everything currently buffered in the ring into batch
// without blocking.
func (p *Pipeline) drainRing(batch *[]*wire.LogEntry) {
	for {
		select {
		case e := <-p.ring:
			*batch = append(*batch, e)
		default:
			return
		}
	}
}

// ship sends the accumulated batch and advances per-stream acks on
// success. The batch slice is reset either way.
func (p *Pipeline) ship(batch *[]*wire.LogEntry) error {
	if len(*batch) == 0 {
		return nil
	}
	entries := make([]*wire.LogEntry, len(*batch))
	copy(entries, *batch)
	*batch = (*batch)[:0]

	p.monitor.Observe(len(p.ring))

	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.SendTimeout)
	defer cancel()

	if p.limiter != nil {
		if err := p.waitRate(ctx, len(entries)); err != nil {
			return err
		}
	}

	if err := p.sender.SendLogBatch(ctx, entries); err != nil {
		if p.metrics != nil {
			p.metrics.LogBatches.WithLabelValues("failure").Inc()
		}
		p.logger.Warn("log batch send failed",
			slog.Int("entries", len(entries)),
			slog.Any("error", err))
		return err
	}
	if p.metrics != nil {
		p.metrics.LogBatches.WithLabelValues("success").Inc()
	}

	return p.ackBatch(ctx, entries)
}

// waitRate paces sends; batches larger than the burst are split across
// limiter waits rather than erroring.
func (p *Pipeline) waitRate(ctx context.Context, n int) error {
	for n > 0 {
		chunk := n
		if burst := p.limiter.Burst(); chunk > burst {
			chunk = burst
		}
		if err := p.limiter.WaitN(ctx, chunk); err != nil {
			return fmt.Errorf("rate limit wait: %w", err)
		}
		n -= chunk
	}
	return nil
}

// ackBatch advances each stream's acked_seq to the highest seq in the
// confirmed batch.
func (p *Pipeline) ackBatch(ctx context.Context, entries []*wire.LogEntry) error {
	maxSeq := make(map[wire.LogStream]uint64)
	for _, e := range entries {
		if e.Seq > maxSeq[e.Stream] {
			maxSeq[e.Stream] = e.Seq
		}
	}
	var firstErr error
	for stream, seq := range maxSeq {
		if err := p.spool.Ack(ctx, stream, seq); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("acking %s up to %d: %w", stream, seq, err)
		}
	}
	return firstErr
}

// recover re-sends every unacked spool entry in per-stream seq order,
// acking each confirmed chunk.
func (p *Pipeline) recover(ctx context.Context) error {
	cursors, err := p.spool.Cursors(ctx)
	if err != nil {
		return err
	}

	for stream, c := range cursors {
		if c.AckedSeq >= c.LastSeq {
			continue
		}
		chunk := make([]*wire.LogEntry, 0, p.cfg.BatchSize)
		flushChunk := func() error {
			if len(chunk) == 0 {
				return nil
			}
			if err := p.sender.SendLogBatch(ctx, chunk); err != nil {
				return err
			}
			if err := p.spool.Ack(ctx, stream, chunk[len(chunk)-1].Seq); err != nil {
				return err
			}
			chunk = chunk[:0]
			return nil
		}

		err := p.spool.IterUnacked(ctx, stream, func(e *wire.LogEntry) error {
			chunk = append(chunk, e)
			if len(chunk) >= p.cfg.BatchSize {
				return flushChunk()
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("recovering %s/%s: %w", p.runID, stream, err)
		}
		if err := flushChunk(); err != nil {
			return fmt.Errorf("recovering %s/%s: %w", p.runID, stream, err)
		}
		p.logger.Info("spool recovered",
			slog.String(trawllog.StreamKey, string(stream)),
			slog.Uint64("acked_seq", c.AckedSeq),
			slog.Uint64("last_seq", c.LastSeq))
	}
	return nil
}

// syncWALs fsyncs every open WAL file.
func (p *Pipeline) syncWALs() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var firstErr error
	for stream, w := range p.wals {
		if err := w.Sync(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("syncing wal %s: %w", stream, err)
		}
	}
	return firstErr
}
