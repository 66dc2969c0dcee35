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
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	goruntime "runtime"
	"strings"
	"sync"
	"time"

	trawllog "github.com/trawlhq/trawl/internal/log"
	"github.com/trawlhq/trawl/internal/metrics"
	trawlerrors "github.com/trawlhq/trawl/pkg/errors"
)

const manifestName = "manifest.json"

// Manifest is written at the environment root when a build completes.
// Its presence marks the build as finished; a directory without one is
// garbage from an interrupted build.
type Manifest struct {
	Hash          string    `json:"hash"`
	PythonVersion string    `json:"python_version"`
	Python        string    `json:"python"`
	Requirements  []string  `json:"requirements,omitempty"`
	Constraints   []string  `json:"constraints,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	LastUsed      time.Time `json:"last_used"`
}

// CommandRunner executes a build step and returns its combined output.
// Swapped out in tests so builds need no real interpreter.
type CommandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	return cmd.CombinedOutput()
}

// Resolver turns specs into handles, building missing environments at
// most once per hash. Safe for concurrent use.
type Resolver struct {
	venvsDir     string
	pythonPaths  []string
	pkgManager   string
	buildTimeout time.Duration
	logger       *slog.Logger
	metrics      *metrics.Metrics
	run          CommandRunner

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// Options configures a Resolver beyond its config block.
type Options struct {
	// Logger defaults to slog.Default.
	Logger *slog.Logger

	// Metrics may be nil.
	Metrics *metrics.Metrics

	// Run defaults to running real commands.
	Run CommandRunner
}

// ResolverConfig carries the subset of worker configuration the
// resolver needs. It mirrors config.RuntimeConfig without importing it
// so the package stays usable from the master side too.
type ResolverConfig struct {
	VenvsDir       string
	PythonPaths    []string
	PackageManager string
	BuildTimeout   time.Duration
}

// NewResolver creates a resolver rooted at cfg.VenvsDir, creating the
// directory if needed.
func NewResolver(cfg ResolverConfig, opts Options) (*Resolver, error) {
	if cfg.VenvsDir == "" {
		return nil, &trawlerrors.ConfigError{Key: "runtime.venvs_dir", Reason: "required"}
	}
	if err := os.MkdirAll(cfg.VenvsDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating venvs dir: %w", err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	runner := opts.Run
	if runner == nil {
		runner = execRunner
	}
	pkgManager := cfg.PackageManager
	if pkgManager == "" {
		pkgManager = "uv"
	}
	buildTimeout := cfg.BuildTimeout
	if buildTimeout == 0 {
		buildTimeout = 15 * time.Minute
	}

	return &Resolver{
		venvsDir:     cfg.VenvsDir,
		pythonPaths:  cfg.PythonPaths,
		pkgManager:   pkgManager,
		buildTimeout: buildTimeout,
		logger:       trawllog.WithComponent(logger, "runtime"),
		metrics:      opts.Metrics,
		run:          runner,
		locks:        make(map[string]*sync.Mutex),
	}, nil
}

// Resolve returns a handle for the spec, building the environment if
// no cached one exists. Idempotent by spec hash; concurrent calls for
// the same hash serialize on a per-hash lock and all but the first
// return the cached result.
func (r *Resolver) Resolve(ctx context.Context, spec Spec) (*Handle, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	hash := spec.Hash()

	if h, ok := r.cached(hash); ok {
		r.touch(hash)
		return h, nil
	}

	lock := r.lockFor(hash)
	lock.Lock()
	defer lock.Unlock()

	// Double-check: another resolve may have built it while we waited.
	if h, ok := r.cached(hash); ok {
		r.touch(hash)
		return h, nil
	}

	start := time.Now()
	h, err := r.build(ctx, spec, hash)
	if err != nil {
		if r.metrics != nil {
			r.metrics.RuntimeBuilds.WithLabelValues("failed").Inc()
		}
		return nil, err
	}
	if r.metrics != nil {
		r.metrics.RuntimeBuilds.WithLabelValues("success").Inc()
	}
	r.logger.Info("runtime built",
		slog.String("hash", shortHash(hash)),
		slog.String("python_version", spec.PythonVersion),
		slog.Int("requirements", len(spec.Requirements)),
		trawllog.Duration("duration", time.Since(start).Milliseconds()))
	return h, nil
}

// cached returns a handle when a finished environment exists for hash.
func (r *Resolver) cached(hash string) (*Handle, bool) {
	root := filepath.Join(r.venvsDir, hash)
	m, err := readManifest(root)
	if err != nil {
		return nil, false
	}
	python := m.Python
	if python == "" || !fileExists(python) {
		python = venvPython(root)
	}
	return &Handle{Hash: hash, Path: root, Python: python}, true
}

func (r *Resolver) lockFor(hash string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.locks[hash]
	if !ok {
		l = &sync.Mutex{}
		r.locks[hash] = l
	}
	return l
}

// build creates the environment under <hash>.partial and renames it
// into place once complete. Any failure removes the partial directory
// so a half-built venv never sits under the final path.
func (r *Resolver) build(ctx context.Context, spec Spec, hash string) (*Handle, error) {
	buildErr := func(stage string, err error) error {
		return &trawlerrors.RuntimeBuildError{RuntimeHash: hash, Stage: stage, Cause: err}
	}

	python, err := r.findInterpreter(ctx, spec.PythonVersion)
	if err != nil {
		return nil, buildErr("interpreter", err)
	}

	ctx, cancel := context.WithTimeout(ctx, r.buildTimeout)
	defer cancel()

	partial := filepath.Join(r.venvsDir, hash+".partial")
	final := filepath.Join(r.venvsDir, hash)

	// A crashed build may have left a stale partial behind.
	if err := os.RemoveAll(partial); err != nil {
		return nil, buildErr("prepare", err)
	}

	cleanup := func(stage string, err error) (*Handle, error) {
		_ = os.RemoveAll(partial)
		return nil, buildErr(stage, err)
	}

	if out, err := r.run(ctx, python, "-m", "venv", partial); err != nil {
		return cleanup("venv", fmt.Errorf("%w: %s", err, firstLine(out)))
	}

	if len(spec.Requirements) > 0 {
		reqFile := filepath.Join(partial, "requirements.txt")
		if err := os.WriteFile(reqFile, []byte(strings.Join(spec.Requirements, "\n")+"\n"), 0o644); err != nil {
			return cleanup("install", err)
		}
		var conFile string
		if len(spec.Constraints) > 0 {
			conFile = filepath.Join(partial, "constraints.txt")
			if err := os.WriteFile(conFile, []byte(strings.Join(spec.Constraints, "\n")+"\n"), 0o644); err != nil {
				return cleanup("install", err)
			}
		}
		name, args := r.installCommand(partial, reqFile, conFile)
		if out, err := r.run(ctx, name, args...); err != nil {
			return cleanup("install", fmt.Errorf("%w: %s", err, firstLine(out)))
		}
	}

	now := time.Now().UTC()
	manifest := Manifest{
		Hash:          hash,
		PythonVersion: spec.PythonVersion,
		Python:        venvPython(partial),
		Requirements:  spec.Requirements,
		Constraints:   spec.Constraints,
		CreatedAt:     now,
		LastUsed:      now,
	}
	if err := writeManifest(partial, manifest); err != nil {
		return cleanup("manifest", err)
	}

	if err := os.Rename(partial, final); err != nil {
		return cleanup("finalize", err)
	}

	return &Handle{Hash: hash, Path: final, Python: venvPython(final)}, nil
}

// installCommand builds the package-manager invocation. Both managers
// run non-interactively with deterministic output.
func (r *Resolver) installCommand(venvDir, reqFile, conFile string) (string, []string) {
	python := venvPython(venvDir)
	switch r.pkgManager {
	case "uv":
		args := []string{"pip", "install", "--python", python, "--no-progress", "-r", reqFile}
		if conFile != "" {
			args = append(args, "-c", conFile)
		}
		return "uv", args
	default: // pip
		args := []string{"-m", "pip", "install", "--no-input", "--disable-pip-version-check", "-r", reqFile}
		if conFile != "" {
			args = append(args, "-c", conFile)
		}
		return python, args
	}
}

// findInterpreter locates a Python matching the requested version.
// Preference order: mise-managed interpreter, preregistered paths from
// config, then PATH candidates by version-prefix match.
func (r *Resolver) findInterpreter(ctx context.Context, version string) (string, error) {
	if path, err := r.miseInterpreter(ctx, version); err == nil {
		return path, nil
	}

	for _, path := range r.pythonPaths {
		if !fileExists(path) {
			continue
		}
		if got, err := r.interpreterVersion(ctx, path); err == nil && versionMatches(version, got) {
			return path, nil
		}
	}

	for _, name := range pathCandidates(version) {
		path, err := exec.LookPath(name)
		if err != nil {
			continue
		}
		if got, err := r.interpreterVersion(ctx, path); err == nil && versionMatches(version, got) {
			return path, nil
		}
	}

	return "", fmt.Errorf("no python interpreter matching %q", version)
}

func (r *Resolver) miseInterpreter(ctx context.Context, version string) (string, error) {
	if _, err := exec.LookPath("mise"); err != nil {
		return "", err
	}
	out, err := r.run(ctx, "mise", "which", "python@"+version)
	if err != nil {
		return "", err
	}
	path := strings.TrimSpace(string(out))
	if path == "" || !fileExists(path) {
		return "", fmt.Errorf("mise reported no interpreter for %s", version)
	}
	return path, nil
}

// interpreterVersion runs `<python> --version` and extracts the bare
// version string.
func (r *Resolver) interpreterVersion(ctx context.Context, python string) (string, error) {
	out, err := r.run(ctx, python, "--version")
	if err != nil {
		return "", err
	}
	fields := strings.Fields(strings.TrimSpace(string(out)))
	if len(fields) < 2 {
		return "", fmt.Errorf("unexpected version output %q", strings.TrimSpace(string(out)))
	}
	return fields[len(fields)-1], nil
}

// pathCandidates lists executable names to try for a version, most
// specific first: python3.11 for "3.11.4" or "3.11", then python3 and
// python.
func pathCandidates(version string) []string {
	var names []string
	parts := strings.Split(version, ".")
	if len(parts) >= 2 {
		names = append(names, "python"+parts[0]+"."+parts[1])
	}
	names = append(names, "python"+parts[0], "python3", "python")
	return dedupe(names)
}

// versionMatches reports whether got satisfies the requested version
// prefix: "3.11" matches "3.11.4" but not "3.1.14".
func versionMatches(want, got string) bool {
	wp := strings.Split(want, ".")
	gp := strings.Split(got, ".")
	if len(wp) > len(gp) {
		return false
	}
	for i := range wp {
		if wp[i] != gp[i] {
			return false
		}
	}
	return true
}

func dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := in[:0]
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

func venvPython(root string) string {
	if goruntime.GOOS == "windows" {
		return filepath.Join(root, "Scripts", "python.exe")
	}
	return filepath.Join(root, "bin", "python")
}

// VenvBin returns the directory that must be prepended to PATH when
// executing inside the environment.
func VenvBin(root string) string {
	if goruntime.GOOS == "windows" {
		return filepath.Join(root, "Scripts")
	}
	return filepath.Join(root, "bin")
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func firstLine(out []byte) string {
	s := strings.TrimSpace(string(out))
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	const max = 300
	if len(s) > max {
		s = s[:max]
	}
	return s
}

func shortHash(hash string) string {
	if len(hash) > 12 {
		return hash[:12]
	}
	return hash
}

func readManifest(root string) (*Manifest, error) {
	raw, err := os.ReadFile(filepath.Join(root, manifestName))
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("parsing manifest: %w", err)
	}
	return &m, nil
}

func writeManifest(root string, m Manifest) error {
	raw, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(root, manifestName), raw, 0o644)
}
