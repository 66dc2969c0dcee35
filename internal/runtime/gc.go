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

package runtime

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// touch records use of a cached environment so the sweeper keeps it.
// Best effort: a failed touch only risks an early eviction.
func (r *Resolver) touch(hash string) {
	lock := r.lockFor(hash)
	lock.Lock()
	defer lock.Unlock()

	root := filepath.Join(r.venvsDir, hash)
	m, err := readManifest(root)
	if err != nil {
		return
	}
	m.LastUsed = time.Now().UTC()
	if err := writeManifest(root, *m); err != nil {
		r.logger.Warn("touch failed", slog.String("hash", shortHash(hash)), slog.Any("error", err))
	}
}

// List returns the manifests of every finished environment.
func (r *Resolver) List() ([]Manifest, error) {
	entries, err := os.ReadDir(r.venvsDir)
	if err != nil {
		return nil, err
	}
	var out []Manifest
	for _, e := range entries {
		if !e.IsDir() || strings.HasSuffix(e.Name(), ".partial") {
			continue
		}
		m, err := readManifest(filepath.Join(r.venvsDir, e.Name()))
		if err != nil {
			continue
		}
		out = append(out, *m)
	}
	return out, nil
}

// Remove deletes the environment for hash. Safe to call for a hash
// that does not exist.
func (r *Resolver) Remove(hash string) error {
	lock := r.lockFor(hash)
	lock.Lock()
	defer lock.Unlock()
	return os.RemoveAll(filepath.Join(r.venvsDir, hash))
}

// Prewarm builds the environment for a spec ahead of any task that
// needs it.
func (r *Resolver) Prewarm(ctx context.Context, spec Spec) (*Handle, error) {
	return r.Resolve(ctx, spec)
}

// GC removes finished environments unused for longer than maxAge and
// any partial directory left by a crashed build. Returns the number of
// directories removed.
func (r *Resolver) GC(maxAge time.Duration) (int, error) {
	entries, err := os.ReadDir(r.venvsDir)
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		path := filepath.Join(r.venvsDir, e.Name())

		if strings.HasSuffix(e.Name(), ".partial") {
			// Only reap partials old enough that no build can still own them.
			if info, err := e.Info(); err == nil && info.ModTime().Before(cutoff) {
				if err := os.RemoveAll(path); err == nil {
					removed++
				}
			}
			continue
		}

		hash := e.Name()
		lock := r.lockFor(hash)
		lock.Lock()
		m, err := readManifest(path)
		stale := err != nil // no manifest: interrupted build under the final name
		if err == nil {
			last := m.LastUsed
			if last.IsZero() {
				last = m.CreatedAt
			}
			stale = last.Before(cutoff)
		}
		if stale {
			if err := os.RemoveAll(path); err == nil {
				removed++
				r.logger.Info("runtime evicted", slog.String("hash", shortHash(hash)))
			}
		}
		lock.Unlock()
	}
	return removed, nil
}

// RunGC sweeps on the given interval until ctx is cancelled. Interval
// zero disables the sweeper.
func (r *Resolver) RunGC(ctx context.Context, interval, maxAge time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := r.GC(maxAge); err != nil {
				r.logger.Warn("runtime gc failed", slog.Any("error", err))
			} else if n > 0 {
				r.logger.Info("runtime gc", slog.Int("removed", n))
			}
		}
	}
}
