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

// Package artifact downloads and caches project code on the worker.
// Artifacts live under <dir>/<project_id>/<file_hash>/; the hash in the
// path makes a cache hit exact, so a project update (new hash) never
// collides with a running task using the old artifact.
package artifact

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	trawllog "github.com/trawlhq/trawl/internal/log"
	"github.com/trawlhq/trawl/internal/wire"
	"github.com/trawlhq/trawl/pkg/httpclient"
)

// maxArtifactBytes bounds a single download. Crawl projects are small;
// anything past this is a misconfigured URL, not a project.
const maxArtifactBytes = 2 << 30

// Store fetches and caches project artifacts by content hash.
type Store struct {
	dir    string
	client *http.Client
	logger *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// Options tunes a Store. Zero values select defaults.
type Options struct {
	// Client overrides the HTTP client, mainly for tests.
	Client *http.Client

	Logger *slog.Logger
}

// NewStore creates the cache root and returns a store.
func NewStore(dir string, opts Options) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("artifact: create cache dir: %w", err)
	}

	client := opts.Client
	if client == nil {
		cfg := httpclient.DefaultConfig()
		cfg.UserAgent = "trawl-worker/1.0"
		var err error
		client, err = httpclient.New(cfg)
		if err != nil {
			return nil, fmt.Errorf("artifact: build http client: %w", err)
		}
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Store{
		dir:    dir,
		client: client,
		logger: trawllog.WithComponent(logger, "artifact"),
		locks:  make(map[string]*sync.Mutex),
	}, nil
}

// Fetch ensures the task's artifact is present locally and returns the
// directory holding it. Concurrent fetches of the same artifact share
// one download.
func (s *Store) Fetch(ctx context.Context, task *wire.Task) (string, error) {
	if task.DownloadURL == "" {
		return "", fmt.Errorf("artifact: task %s has no download_url", task.TaskID)
	}
	key := task.FileHash
	if key == "" {
		// No content hash means no way to verify, but the artifact can
		// still be cached against its source URL.
		sum := sha256.Sum256([]byte(task.DownloadURL))
		key = hex.EncodeToString(sum[:16])
	}

	final := filepath.Join(s.dir, task.ProjectID, key)
	if dirExists(final) {
		return final, nil
	}

	lock := s.lockFor(task.ProjectID + "/" + key)
	lock.Lock()
	defer lock.Unlock()

	if dirExists(final) {
		return final, nil
	}

	if err := s.download(ctx, task, final); err != nil {
		return "", err
	}
	s.logger.Info("artifact fetched",
		trawllog.String("project_id", task.ProjectID),
		trawllog.String("file_hash", key),
	)
	return final, nil
}

func (s *Store) lockFor(key string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[key] = lock
	}
	return lock
}

func (s *Store) download(ctx context.Context, task *wire.Task, final string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, task.DownloadURL, nil)
	if err != nil {
		return fmt.Errorf("artifact: build request: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("artifact: download %s: %w", task.ProjectID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("artifact: download %s: unexpected status %d", task.ProjectID, resp.StatusCode)
	}

	tmp, err := os.CreateTemp(s.dir, "download-*")
	if err != nil {
		return fmt.Errorf("artifact: create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	hasher := sha256.New()
	n, err := io.Copy(tmp, io.TeeReader(io.LimitReader(resp.Body, maxArtifactBytes+1), hasher))
	if err != nil {
		return fmt.Errorf("artifact: download %s: %w", task.ProjectID, err)
	}
	if n > maxArtifactBytes {
		return fmt.Errorf("artifact: download %s: exceeds %d bytes", task.ProjectID, int64(maxArtifactBytes))
	}

	if task.FileHash != "" {
		got := hex.EncodeToString(hasher.Sum(nil))
		if !strings.EqualFold(got, task.FileHash) {
			return fmt.Errorf("artifact: checksum mismatch for %s: got %s want %s",
				task.ProjectID, got, task.FileHash)
		}
	}

	partial := final + ".partial"
	if err := os.RemoveAll(partial); err != nil {
		return fmt.Errorf("artifact: clear stale partial: %w", err)
	}
	if err := os.MkdirAll(partial, 0o755); err != nil {
		return fmt.Errorf("artifact: create partial dir: %w", err)
	}

	if err := s.materialize(tmp.Name(), partial, task); err != nil {
		os.RemoveAll(partial)
		return err
	}
	if err := os.Rename(partial, final); err != nil {
		os.RemoveAll(partial)
		return fmt.Errorf("artifact: finalize %s: %w", task.ProjectID, err)
	}
	return nil
}

// materialize unpacks a compressed artifact, or places a plain file
// under its entry point name.
func (s *Store) materialize(src, dest string, task *wire.Task) error {
	if task.IsCompressed {
		return unpack(src, dest)
	}

	name := task.EntryPoint
	if name == "" {
		name = pathBase(task.DownloadURL)
	}
	if name == "" || !filepath.IsLocal(name) {
		return fmt.Errorf("artifact: unsafe file name %q", name)
	}
	target := filepath.Join(dest, name)
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("artifact: create parent dir: %w", err)
	}
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("artifact: open download: %w", err)
	}
	defer in.Close()
	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("artifact: create %s: %w", name, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("artifact: write %s: %w", name, err)
	}
	return out.Close()
}

// pathBase extracts the file name from a download URL, ignoring query
// parameters (presigned URLs carry long query strings).
func pathBase(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	base := path.Base(u.Path)
	if base == "." || base == "/" {
		return ""
	}
	return base
}

func dirExists(dir string) bool {
	info, err := os.Stat(dir)
	return err == nil && info.IsDir()
}
