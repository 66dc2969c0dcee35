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

package registry

import (
	"context"
	"log/slog"
	"time"

	trawllog "github.com/trawlhq/trawl/internal/log"
)

// Sweeper runs the registry's offline-detection pass on a cadence.
type Sweeper struct {
	registry *Registry
	interval time.Duration
	logger   *slog.Logger
}

// NewSweeper builds a sweep loop over reg. interval <= 0 selects the
// registry's CleanupInterval.
func NewSweeper(reg *Registry, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = reg.cfg.CleanupInterval
	}
	return &Sweeper{
		registry: reg,
		interval: interval,
		logger:   trawllog.WithComponent(reg.logger, "master.sweeper"),
	}
}

// Run loops until ctx is done. Pass failures are logged and retried on
// the next tick; they never stop the loop.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			marked, evicted, err := s.registry.Sweep(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				s.logger.Warn("sweep pass failed", trawllog.Error(err))
				continue
			}
			if marked > 0 || evicted > 0 {
				s.logger.Info("sweep pass done",
					trawllog.Int("marked_offline", marked),
					trawllog.Int("evicted", evicted))
			}
		}
	}
}
