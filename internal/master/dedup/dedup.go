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

// Package dedup keeps crawl queues from re-enqueueing URLs a batch has
// already seen. Filters are probabilistic: a false positive skips a
// URL that was never crawled, a tolerable loss; a false negative never
// happens, so nothing is crawled twice because of the filter. One
// filter exists per batch and the batch manager owns its lifecycle.
package dedup

import "context"

// Filter answers whether a (project, url) pair was already seen.
type Filter interface {
	// Add marks the pair seen and reports whether it was new.
	Add(ctx context.Context, projectID, url string) (added bool, err error)

	// Exists reports whether the pair was probably seen before.
	Exists(ctx context.Context, projectID, url string) (bool, error)

	// Drop releases the filter's storage. The filter is empty
	// afterwards but remains usable.
	Drop(ctx context.Context) error
}

// Config sizes a filter.
type Config struct {
	// ExpectedItems is the URL volume the filter is dimensioned for.
	// Defaults to 1_000_000.
	ExpectedItems uint

	// FalsePositive is the acceptable false-positive rate at capacity.
	// Defaults to 0.01.
	FalsePositive float64

	// Namespace prefixes the Redis key of shared filters. Defaults to
	// "trawl".
	Namespace string
}

func (c *Config) withDefaults() {
	if c.ExpectedItems == 0 {
		c.ExpectedItems = 1_000_000
	}
	if c.FalsePositive <= 0 || c.FalsePositive >= 1 {
		c.FalsePositive = 0.01
	}
	if c.Namespace == "" {
		c.Namespace = "trawl"
	}
}

// item is the filter key for one URL within one project. The NUL
// separator keeps ("a", "b/c") and ("a/b", "c") distinct.
func item(projectID, url string) []byte {
	b := make([]byte, 0, len(projectID)+1+len(url))
	b = append(b, projectID...)
	b = append(b, 0)
	b = append(b, url...)
	return b
}
