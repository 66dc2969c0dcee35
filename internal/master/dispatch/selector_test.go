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

package dispatch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trawlhq/trawl/internal/master/registry"
	"github.com/trawlhq/trawl/internal/wire"
	trawlerrors "github.com/trawlhq/trawl/pkg/errors"
)

func selectorWorker() *registry.WorkerInfo {
	return &registry.WorkerInfo{
		WorkerID:      "w1",
		Region:        "eu-west-1",
		Tags:          []string{"spider", "fast"},
		CPUPercent:    30,
		MaxConcurrent: 4,
		Capabilities: map[string]wire.Capability{
			"browser": {Enabled: true, Path: "/usr/bin/chromium"},
			"ocr":     {Enabled: false},
		},
	}
}

func mustMatch(t *testing.T, sel Selector, w *registry.WorkerInfo) bool {
	t.Helper()
	m, err := NewMatcher(sel)
	require.NoError(t, err)
	ok, err := m.Match(w)
	require.NoError(t, err)
	return ok
}

func TestEmptySelectorAdmitsEveryWorker(t *testing.T) {
	assert.True(t, mustMatch(t, Selector{}, selectorWorker()))
}

func TestSelectorCapabilities(t *testing.T) {
	w := selectorWorker()
	assert.True(t, mustMatch(t, Selector{Capabilities: []string{"browser"}}, w))
	assert.False(t, mustMatch(t, Selector{Capabilities: []string{"ocr"}}, w),
		"disabled capability does not count")
	assert.False(t, mustMatch(t, Selector{Capabilities: []string{"gpu"}}, w))
}

func TestSelectorRegionGlobs(t *testing.T) {
	w := selectorWorker()
	assert.True(t, mustMatch(t, Selector{Regions: []string{"eu-*"}}, w))
	assert.True(t, mustMatch(t, Selector{Regions: []string{"us-*", "eu-west-*"}}, w))
	assert.False(t, mustMatch(t, Selector{Regions: []string{"us-*"}}, w))
}

func TestSelectorTags(t *testing.T) {
	w := selectorWorker()
	assert.True(t, mustMatch(t, Selector{Tags: []string{"spider"}}, w))
	assert.True(t, mustMatch(t, Selector{Tags: []string{"spider", "fast"}}, w))
	assert.False(t, mustMatch(t, Selector{Tags: []string{"spider", "gpu"}}, w))
}

func TestSelectorExpression(t *testing.T) {
	w := selectorWorker()
	assert.True(t, mustMatch(t, Selector{
		Expression: `cpu < 50 && "spider" in tags`,
	}, w))
	assert.False(t, mustMatch(t, Selector{
		Expression: `cpu < 10`,
	}, w))
	assert.True(t, mustMatch(t, Selector{
		Expression: `"browser" in capabilities && region startsWith "eu-"`,
	}, w))
}

func TestSelectorClausesCombine(t *testing.T) {
	w := selectorWorker()
	sel := Selector{
		Capabilities: []string{"browser"},
		Regions:      []string{"eu-*"},
		Tags:         []string{"spider"},
		Expression:   `running < max_concurrent`,
	}
	assert.True(t, mustMatch(t, sel, w))

	sel.Regions = []string{"ap-*"}
	assert.False(t, mustMatch(t, sel, w))
}

func TestNewMatcherRejectsBadRegionPattern(t *testing.T) {
	_, err := NewMatcher(Selector{Regions: []string{"["}})
	var verr *trawlerrors.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "regions", verr.Field)
}

func TestNewMatcherRejectsBadExpression(t *testing.T) {
	_, err := NewMatcher(Selector{Expression: "cpu <"})
	var verr *trawlerrors.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "expression", verr.Field)
}

func TestMatchReportsNonBoolExpression(t *testing.T) {
	// Undefined variables dodge compile-time checking and surface at
	// evaluation.
	m, err := NewMatcher(Selector{Expression: "mystery_attribute"})
	require.NoError(t, err)

	_, err = m.Match(selectorWorker())
	assert.Error(t, err)
}
