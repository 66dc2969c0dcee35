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

package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	trawlerrors "github.com/trawlhq/trawl/pkg/errors"
)

// watchDebounce coalesces the event bursts editors and atomic writers
// produce into one reload.
const watchDebounce = 200 * time.Millisecond

// Snapshot is the hot-reloadable slice of the configuration. Anything
// not in here requires a restart to change.
type Snapshot struct {
	LogLevel          string
	HeartbeatInterval time.Duration
	MaxConcurrent     int
	PollTimeout       time.Duration
}

// Store hands out the boot configuration and an atomically swappable
// snapshot of the tunable settings. Swaps come from the file watcher
// and from control-plane config_update messages; readers load the
// current snapshot wherever they need a tunable value.
type Store struct {
	cfg    *Config
	path   string
	logger *slog.Logger
	snap   atomic.Pointer[Snapshot]

	mu   sync.Mutex
	subs []func(Snapshot)
}

// NewStore wraps cfg. path is the config file to watch; empty disables
// Watch. A nil logger selects slog.Default().
func NewStore(cfg *Config, path string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{cfg: cfg, path: path, logger: logger}
	snap := snapshotOf(cfg)
	s.snap.Store(&snap)
	return s
}

func snapshotOf(cfg *Config) Snapshot {
	return Snapshot{
		LogLevel:          cfg.Log.Level,
		HeartbeatInterval: cfg.Heartbeat.Interval,
		MaxConcurrent:     cfg.Execution.MaxConcurrent,
		PollTimeout:       cfg.Transport.PollTimeout,
	}
}

// Config returns the boot configuration. It never changes after
// startup; tunable values live in Snapshot.
func (s *Store) Config() *Config {
	return s.cfg
}

// Snapshot returns the current tunable settings.
func (s *Store) Snapshot() Snapshot {
	return *s.snap.Load()
}

// Subscribe registers fn to run after every snapshot swap. Callbacks
// run on the swapping goroutine and must not block.
func (s *Store) Subscribe(fn func(Snapshot)) {
	s.mu.Lock()
	s.subs = append(s.subs, fn)
	s.mu.Unlock()
}

// swap installs next if it differs from the current snapshot and
// notifies subscribers. Reports whether anything changed.
func (s *Store) swap(next Snapshot) bool {
	if next == *s.snap.Load() {
		return false
	}
	s.snap.Store(&next)

	s.mu.Lock()
	subs := make([]func(Snapshot), len(s.subs))
	copy(subs, s.subs)
	s.mu.Unlock()
	for _, fn := range subs {
		fn(next)
	}
	s.logger.Info("config snapshot updated",
		slog.String("log_level", next.LogLevel),
		slog.Int("max_concurrent", next.MaxConcurrent),
		slog.Duration("heartbeat_interval", next.HeartbeatInterval))
	return true
}

// ApplyControl folds a config_update control payload into the
// snapshot. Unknown keys are ignored so masters may ship settings this
// worker version does not know. Reports whether anything changed.
func (s *Store) ApplyControl(params map[string]any) (bool, error) {
	next := s.Snapshot()

	if v, ok := params["log_level"]; ok {
		level, ok := v.(string)
		if !ok {
			return false, &trawlerrors.ValidationError{Field: "log_level", Message: "must be a string"}
		}
		next.LogLevel = level
	}
	if v, ok := params["max_concurrent"]; ok {
		n, err := intValue(v)
		if err != nil || n < 1 {
			return false, &trawlerrors.ValidationError{Field: "max_concurrent", Message: "must be a positive integer"}
		}
		next.MaxConcurrent = n
	}
	if v, ok := params["heartbeat_interval"]; ok {
		d, err := durationValue(v)
		if err != nil || d <= 0 {
			return false, &trawlerrors.ValidationError{Field: "heartbeat_interval", Message: "must be a positive duration"}
		}
		next.HeartbeatInterval = d
	}
	if v, ok := params["poll_timeout"]; ok {
		d, err := durationValue(v)
		if err != nil || d <= 0 {
			return false, &trawlerrors.ValidationError{Field: "poll_timeout", Message: "must be a positive duration"}
		}
		next.PollTimeout = d
	}
	return s.swap(next), nil
}

// intValue accepts the numeric shapes JSON decoding produces.
func intValue(v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		return int(n), nil
	default:
		return 0, fmt.Errorf("not a number: %T", v)
	}
}

// durationValue accepts "45s" strings and numeric seconds.
func durationValue(v any) (time.Duration, error) {
	switch d := v.(type) {
	case string:
		return time.ParseDuration(d)
	case int:
		return time.Duration(d) * time.Second, nil
	case int64:
		return time.Duration(d) * time.Second, nil
	case float64:
		return time.Duration(d * float64(time.Second)), nil
	default:
		return 0, fmt.Errorf("not a duration: %T", v)
	}
}

// Watch reloads the snapshot when the config file changes, until ctx
// is done. The parent directory is watched because atomic writers
// replace the file, which would silently drop a watch on the file
// itself. A file that fails to load keeps the current snapshot.
func (s *Store) Watch(ctx context.Context) error {
	if s.path == "" {
		<-ctx.Done()
		return nil
	}
	path, err := filepath.Abs(s.path)
	if err != nil {
		return fmt.Errorf("failed to get absolute path: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("failed to watch config directory: %w", err)
	}
	s.logger.Info("config watcher started", slog.String("path", path))

	var (
		pendingMu sync.Mutex
		pending   *time.Timer
	)
	defer func() {
		pendingMu.Lock()
		if pending != nil {
			pending.Stop()
		}
		pendingMu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			pendingMu.Lock()
			if pending != nil {
				pending.Stop()
			}
			pending = time.AfterFunc(watchDebounce, func() { s.reload(path) })
			pendingMu.Unlock()
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn("config watcher error", slog.Any("error", err))
		}
	}
}

// reload re-resolves the file and swaps the snapshot. Load errors are
// logged and the running snapshot stays in force: a broken edit must
// not take the worker down.
func (s *Store) reload(path string) {
	cfg, err := Load(path)
	if err != nil {
		s.logger.Warn("config reload failed, keeping current settings",
			slog.String("path", path), slog.Any("error", err))
		return
	}
	s.swap(snapshotOf(cfg))
}
