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
	"sync"

	"github.com/bits-and-blooms/bloom/v3"
)

// Memory is a process-local Bloom filter for single-master
// deployments.
type Memory struct {
	mu sync.Mutex
	f  *bloom.BloomFilter
}

var _ Filter = (*Memory)(nil)

// NewMemory builds a local filter sized for cfg.
func NewMemory(cfg Config) *Memory {
	cfg.withDefaults()
	return &Memory{f: bloom.NewWithEstimates(cfg.ExpectedItems, cfg.FalsePositive)}
}

// Add marks the pair seen and reports whether it was new.
func (m *Memory) Add(_ context.Context, projectID, url string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.f.TestOrAdd(item(projectID, url)), nil
}

// Exists reports whether the pair was probably seen before.
func (m *Memory) Exists(_ context.Context, projectID, url string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.f.Test(item(projectID, url)), nil
}

// Drop clears the filter.
func (m *Memory) Drop(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.f.ClearAll()
	return nil
}
