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

// Package capability probes the host for optional features the
// dispatcher can steer matching tasks to. Probes run once; the result
// rides along on every heartbeat so the master's view converges within
// one heartbeat interval of a worker restart.
package capability

import (
	"os/exec"
	"sync"

	"github.com/trawlhq/trawl/internal/wire"
)

// Browser is the capability name for a headless browser engine.
const Browser = "browser"

// browserCommands are probed in preference order. Playwright manages
// its own browser downloads, so its CLI alone is enough; the bare
// chromium variants cover the common distro package names.
var browserCommands = []string{
	"playwright",
	"chromium",
	"chromium-browser",
	"google-chrome",
	"google-chrome-stable",
}

// Detector discovers worker capabilities. The zero value is not
// usable; construct with NewDetector.
type Detector struct {
	lookPath func(file string) (string, error)

	once sync.Once
	caps map[string]wire.Capability
}

// NewDetector returns a Detector probing the real PATH.
func NewDetector() *Detector {
	return &Detector{lookPath: exec.LookPath}
}

// Detect returns the capability set, probing on first call. The map is
// shared across callers and must not be mutated.
func (d *Detector) Detect() map[string]wire.Capability {
	d.once.Do(func() {
		d.caps = map[string]wire.Capability{
			Browser: d.probeBrowser(),
		}
	})
	return d.caps
}

// probeBrowser looks for a usable browser engine. All discovered
// engines run headless on a worker host; Headless is false only when
// nothing was found at all.
func (d *Detector) probeBrowser() wire.Capability {
	for _, cmd := range browserCommands {
		if path, err := d.lookPath(cmd); err == nil {
			return wire.Capability{Enabled: true, Path: path, Headless: true}
		}
	}
	return wire.Capability{Enabled: false}
}
