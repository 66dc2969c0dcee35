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

package transport

import (
	"context"

	"github.com/trawlhq/trawl/internal/wire"
)

// DefaultChunkThreshold is the batch payload size above which the
// sender switches from per-entry publication to the chunk channel.
const DefaultChunkThreshold = 512 << 10

// BatchSender adapts a Transport to the log pipeline's sender. Small
// batches go out entry by entry on the log channel; batches whose
// content exceeds the threshold are compressed and shipped on the chunk
// channel instead, grouped per stream.
type BatchSender struct {
	transport Transport
	threshold int
}

// NewBatchSender wraps t. threshold <= 0 selects DefaultChunkThreshold.
func NewBatchSender(t Transport, threshold int) *BatchSender {
	if threshold <= 0 {
		threshold = DefaultChunkThreshold
	}
	return &BatchSender{transport: t, threshold: threshold}
}

// SendLogBatch ships entries, choosing the channel by payload size.
func (s *BatchSender) SendLogBatch(ctx context.Context, entries []*wire.LogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	if payloadSize(entries) <= s.threshold {
		return s.transport.SendLogBatch(ctx, entries)
	}
	for _, group := range splitByStream(entries) {
		chunk, err := wire.NewLogChunk(group)
		if err != nil {
			return err
		}
		if err := s.transport.SendLogChunk(ctx, chunk); err != nil {
			return err
		}
	}
	return nil
}

func payloadSize(entries []*wire.LogEntry) int {
	size := 0
	for _, e := range entries {
		size += len(e.Content)
	}
	return size
}

// splitByStream partitions entries by stream, preserving the original
// order within each stream. Order of entries within a stream is what
// downstream idempotency keys on.
func splitByStream(entries []*wire.LogEntry) [][]*wire.LogEntry {
	var groups [][]*wire.LogEntry
	index := make(map[wire.LogStream]int)
	for _, e := range entries {
		i, ok := index[e.Stream]
		if !ok {
			i = len(groups)
			index[e.Stream] = i
			groups = append(groups, nil)
		}
		groups[i] = append(groups[i], e)
	}
	return groups
}
