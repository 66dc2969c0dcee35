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

package capability

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stubDetector(found map[string]string) *Detector {
	return &Detector{
		lookPath: func(file string) (string, error) {
			if path, ok := found[file]; ok {
				return path, nil
			}
			return "", errors.New("not found")
		},
	}
}

func TestDetectFindsBrowser(t *testing.T) {
	d := stubDetector(map[string]string{
		"chromium": "/usr/bin/chromium",
	})

	caps := d.Detect()

	browser, ok := caps[Browser]
	require.True(t, ok)
	assert.True(t, browser.Enabled)
	assert.Equal(t, "/usr/bin/chromium", browser.Path)
	assert.True(t, browser.Headless)
}

func TestDetectPrefersPlaywright(t *testing.T) {
	d := stubDetector(map[string]string{
		"playwright":    "/usr/local/bin/playwright",
		"google-chrome": "/usr/bin/google-chrome",
	})

	assert.Equal(t, "/usr/local/bin/playwright", d.Detect()[Browser].Path)
}

func TestDetectReportsAbsentBrowser(t *testing.T) {
	d := stubDetector(nil)

	browser := d.Detect()[Browser]
	assert.False(t, browser.Enabled)
	assert.Empty(t, browser.Path)
}

func TestDetectProbesOnce(t *testing.T) {
	calls := 0
	d := &Detector{
		lookPath: func(string) (string, error) {
			calls++
			return "", errors.New("not found")
		},
	}

	first := d.Detect()
	second := d.Detect()

	assert.Equal(t, len(browserCommands), calls)
	assert.Equal(t, first, second)
}
