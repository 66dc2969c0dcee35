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

package dedup

import (
	"context"
	"encoding/binary"
	"hash/fnv"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/redis/go-redis/v9"

	trawlerrors "github.com/trawlhq/trawl/pkg/errors"
)

// Options carries the shared filter's collaborators.
type Options struct {
	// Client is the shared Redis client. Required.
	Client *redis.Client
}

// Bitmap is a Bloom filter over one Redis string, so several masters
// dedup against the same state. Bits are set with double hashing
// (position_i = h1 + i*h2 mod m) over a 128-bit FNV-1a split into two
// halves; sizing comes from the same estimate the in-memory filter
// uses.
type Bitmap struct {
	key    string
	bits   uint
	hashes uint
	client *redis.Client
}

var _ Filter = (*Bitmap)(nil)

// NewBitmap builds the shared filter for one batch.
func NewBitmap(batchID string, cfg Config, opts Options) (*Bitmap, error) {
	if batchID == "" {
		return nil, &trawlerrors.ValidationError{Field: "batch_id", Message: "required"}
	}
	if opts.Client == nil {
		return nil, &trawlerrors.ValidationError{Field: "redis_client", Message: "required"}
	}
	cfg.withDefaults()
	m, k := bloom.EstimateParameters(cfg.ExpectedItems, cfg.FalsePositive)
	return &Bitmap{
		key:    cfg.Namespace + ":dedup:" + batchID,
		bits:   m,
		hashes: k,
		client: opts.Client,
	}, nil
}

// Key is the Redis key holding the filter, for lifecycle bookkeeping.
func (b *Bitmap) Key() string {
	return b.key
}

func (b *Bitmap) positions(data []byte) []int64 {
	h := fnv.New128a()
	h.Write(data)
	sum := h.Sum(nil)
	h1 := binary.BigEndian.Uint64(sum[:8])
	h2 := binary.BigEndian.Uint64(sum[8:])

	out := make([]int64, b.hashes)
	for i := uint(0); i < b.hashes; i++ {
		out[i] = int64((h1 + uint64(i)*h2) % uint64(b.bits))
	}
	return out
}

// Add marks the pair seen and reports whether it was new. Two masters
// adding the same URL at once may both see it as new; the queues
// tolerate the duplicate enqueue that causes.
func (b *Bitmap) Add(ctx context.Context, projectID, url string) (bool, error) {
	pos := b.positions(item(projectID, url))
	seen, err := b.test(ctx, pos)
	if err != nil {
		return false, err
	}
	if seen {
		return false, nil
	}
	pipe := b.client.Pipeline()
	for _, p := range pos {
		pipe.SetBit(ctx, b.key, p, 1)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return false, trawlerrors.Transient("dedup_add", err)
	}
	return true, nil
}

// Exists reports whether the pair was probably seen before.
func (b *Bitmap) Exists(ctx context.Context, projectID, url string) (bool, error) {
	return b.test(ctx, b.positions(item(projectID, url)))
}

func (b *Bitmap) test(ctx context.Context, pos []int64) (bool, error) {
	pipe := b.client.Pipeline()
	cmds := make([]*redis.IntCmd, len(pos))
	for i, p := range pos {
		cmds[i] = pipe.GetBit(ctx, b.key, p)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return false, trawlerrors.Transient("dedup_test", err)
	}
	for _, cmd := range cmds {
		if cmd.Val() == 0 {
			return false, nil
		}
	}
	return true, nil
}

// Drop deletes the backing key.
func (b *Bitmap) Drop(ctx context.Context) error {
	if err := b.client.Del(ctx, b.key).Err(); err != nil {
		return trawlerrors.Transient("dedup_drop", err)
	}
	return nil
}
