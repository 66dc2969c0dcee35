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
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	trawlerrors "github.com/trawlhq/trawl/pkg/errors"
)

// fakeRunner satisfies build commands without a real interpreter.
type fakeRunner struct {
	mu       sync.Mutex
	builds   int
	failVenv bool
}

func (f *fakeRunner) run(_ context.Context, name string, args ...string) ([]byte, error) {
	switch {
	case name == "mise":
		return nil, errors.New("mise unavailable")
	case len(args) == 1 && args[0] == "--version":
		return []byte("Python 3.11.4\n"), nil
	case len(args) >= 3 && args[0] == "-m" && args[1] == "venv":
		f.mu.Lock()
		f.builds++
		fail := f.failVenv
		f.mu.Unlock()
		if fail {
			return []byte("venv: boom"), errors.New("exit status 1")
		}
		dir := args[2]
		if err := os.MkdirAll(filepath.Join(dir, "bin"), 0o755); err != nil {
			return nil, err
		}
		return nil, os.WriteFile(filepath.Join(dir, "bin", "python"), []byte("#!/bin/sh\n"), 0o755)
	case name == "uv":
		return []byte("installed"), nil
	case len(args) >= 2 && args[0] == "-m" && args[1] == "pip":
		return []byte("installed"), nil
	}
	return nil, fmt.Errorf("unexpected command %s %v", name, args)
}

func (f *fakeRunner) buildCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.builds
}

func newTestResolver(t *testing.T, runner *fakeRunner) *Resolver {
	t.Helper()

	dir := t.TempDir()
	fakePython := filepath.Join(dir, "python3.11")
	require.NoError(t, os.WriteFile(fakePython, []byte("#!/bin/sh\n"), 0o755))

	r, err := NewResolver(ResolverConfig{
		VenvsDir:       filepath.Join(dir, "venvs"),
		PythonPaths:    []string{fakePython},
		PackageManager: "uv",
	}, Options{Run: runner.run})
	require.NoError(t, err)
	return r
}

func TestSpecHashIgnoresEnvVarsAndOrder(t *testing.T) {
	base := Spec{
		PythonVersion: "3.11",
		Requirements:  []string{"requests==2.31.0", "lxml"},
	}

	reordered := Spec{
		PythonVersion: "3.11",
		Requirements:  []string{"lxml", "requests==2.31.0"},
	}
	assert.Equal(t, base.Hash(), reordered.Hash())

	withEnv := base
	withEnv.EnvVars = map[string]string{"API_KEY": "secret"}
	assert.Equal(t, base.Hash(), withEnv.Hash())

	withDupes := Spec{
		PythonVersion: "3.11",
		Requirements:  []string{"lxml", "lxml", "requests==2.31.0"},
	}
	assert.Equal(t, base.Hash(), withDupes.Hash())

	differentVersion := base
	differentVersion.PythonVersion = "3.12"
	assert.NotEqual(t, base.Hash(), differentVersion.Hash())

	withConstraints := base
	withConstraints.Constraints = []string{"urllib3<2"}
	assert.NotEqual(t, base.Hash(), withConstraints.Hash())
}

func TestSpecValidate(t *testing.T) {
	tests := []struct {
		name    string
		spec    Spec
		wantErr bool
	}{
		{"valid", Spec{PythonVersion: "3.11", Requirements: []string{"requests==2.31.0", "pkg[extra]>=1.0"}}, false},
		{"missing version", Spec{Requirements: []string{"requests"}}, true},
		{"flag injection", Spec{PythonVersion: "3.11", Requirements: []string{"--index-url=http://evil"}}, true},
		{"shell chars", Spec{PythonVersion: "3.11", Requirements: []string{"pkg; rm -rf /"}}, true},
		{"empty requirement", Spec{PythonVersion: "3.11", Requirements: []string{"  "}}, true},
		{"bad constraint", Spec{PythonVersion: "3.11", Constraints: []string{"-r other.txt"}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.spec.Validate()
			if tt.wantErr {
				var verr *trawlerrors.ValidationError
				require.Error(t, err)
				assert.ErrorAs(t, err, &verr)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestResolveBuildsOnceAndCaches(t *testing.T) {
	runner := &fakeRunner{}
	r := newTestResolver(t, runner)

	spec := Spec{PythonVersion: "3.11", Requirements: []string{"requests"}}

	h1, err := r.Resolve(context.Background(), spec)
	require.NoError(t, err)
	assert.Equal(t, spec.Hash(), h1.Hash)
	assert.DirExists(t, h1.Path)
	assert.FileExists(t, filepath.Join(h1.Path, manifestName))
	assert.Equal(t, 1, runner.buildCount())

	// Second resolve must come from cache.
	h2, err := r.Resolve(context.Background(), spec)
	require.NoError(t, err)
	assert.Equal(t, h1.Path, h2.Path)
	assert.Equal(t, 1, runner.buildCount())

	// No partial directory may remain.
	assert.NoDirExists(t, h1.Path+".partial")
}

func TestResolveConcurrentSameSpec(t *testing.T) {
	runner := &fakeRunner{}
	r := newTestResolver(t, runner)

	spec := Spec{PythonVersion: "3.11", Requirements: []string{"lxml"}}

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = r.Resolve(context.Background(), spec)
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	assert.Equal(t, 1, runner.buildCount(), "per-hash lock must collapse concurrent builds")
}

func TestResolveCleansUpFailedBuild(t *testing.T) {
	runner := &fakeRunner{failVenv: true}
	r := newTestResolver(t, runner)

	spec := Spec{PythonVersion: "3.11"}
	_, err := r.Resolve(context.Background(), spec)
	require.Error(t, err)

	var berr *trawlerrors.RuntimeBuildError
	require.ErrorAs(t, err, &berr)
	assert.Equal(t, "venv", berr.Stage)
	assert.Equal(t, spec.Hash(), berr.RuntimeHash)

	// Neither the final nor the partial path may exist.
	assert.NoDirExists(t, filepath.Join(r.venvsDir, spec.Hash()))
	assert.NoDirExists(t, filepath.Join(r.venvsDir, spec.Hash()+".partial"))
}

func TestResolveEnvVarsShareEnvironment(t *testing.T) {
	runner := &fakeRunner{}
	r := newTestResolver(t, runner)

	a := Spec{PythonVersion: "3.11", Requirements: []string{"requests"}, EnvVars: map[string]string{"A": "1"}}
	b := Spec{PythonVersion: "3.11", Requirements: []string{"requests"}, EnvVars: map[string]string{"B": "2"}}

	h1, err := r.Resolve(context.Background(), a)
	require.NoError(t, err)
	h2, err := r.Resolve(context.Background(), b)
	require.NoError(t, err)

	assert.Equal(t, h1.Path, h2.Path)
	assert.Equal(t, 1, runner.buildCount())
}

func TestGCEvictsStaleEnvironments(t *testing.T) {
	runner := &fakeRunner{}
	r := newTestResolver(t, runner)

	stale := Spec{PythonVersion: "3.11", Requirements: []string{"old-package"}}
	fresh := Spec{PythonVersion: "3.11", Requirements: []string{"new-package"}}

	hStale, err := r.Resolve(context.Background(), stale)
	require.NoError(t, err)
	_, err = r.Resolve(context.Background(), fresh)
	require.NoError(t, err)

	// Age the stale environment's manifest.
	m, err := readManifest(hStale.Path)
	require.NoError(t, err)
	m.LastUsed = time.Now().Add(-48 * time.Hour)
	require.NoError(t, writeManifest(hStale.Path, *m))

	removed, err := r.GC(24 * time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	assert.NoDirExists(t, hStale.Path)
	assert.DirExists(t, filepath.Join(r.venvsDir, fresh.Hash()))
}

func TestGCReapsOldPartials(t *testing.T) {
	runner := &fakeRunner{}
	r := newTestResolver(t, runner)

	partial := filepath.Join(r.venvsDir, "deadbeef.partial")
	require.NoError(t, os.MkdirAll(partial, 0o755))
	old := time.Now().Add(-48 * time.Hour)
	require.NoError(t, os.Chtimes(partial, old, old))

	removed, err := r.GC(24 * time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.NoDirExists(t, partial)
}

func TestListAndRemove(t *testing.T) {
	runner := &fakeRunner{}
	r := newTestResolver(t, runner)

	spec := Spec{PythonVersion: "3.11", Requirements: []string{"requests"}}
	h, err := r.Resolve(context.Background(), spec)
	require.NoError(t, err)

	manifests, err := r.List()
	require.NoError(t, err)
	require.Len(t, manifests, 1)
	assert.Equal(t, spec.Hash(), manifests[0].Hash)
	assert.Equal(t, "3.11", manifests[0].PythonVersion)

	require.NoError(t, r.Remove(h.Hash))
	manifests, err = r.List()
	require.NoError(t, err)
	assert.Empty(t, manifests)
}

func TestVersionMatches(t *testing.T) {
	assert.True(t, versionMatches("3.11", "3.11.4"))
	assert.True(t, versionMatches("3", "3.12.0"))
	assert.True(t, versionMatches("3.11.4", "3.11.4"))
	assert.False(t, versionMatches("3.11", "3.1.14"))
	assert.False(t, versionMatches("3.12", "3.11.4"))
	assert.False(t, versionMatches("3.11.4.1", "3.11.4"))
}
