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

// Package runtime resolves task runtime specs into cached virtual
// environments. Environments are content-addressed by a hash of the
// spec, built at most once per hash, and shared by every task whose
// spec hashes to the same value.
package runtime

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"slices"
	"strings"

	trawlerrors "github.com/trawlhq/trawl/pkg/errors"
)

// Spec describes the environment a task needs. Requirements carry set
// semantics: order and duplicates do not affect identity. EnvVars are
// applied at execution time and deliberately excluded from the hash so
// that tasks differing only in credentials share an environment.
type Spec struct {
	PythonVersion string            `json:"python_version"`
	Requirements  []string          `json:"requirements,omitempty"`
	Constraints   []string          `json:"constraints,omitempty"`
	EnvVars       map[string]string `json:"env_vars,omitempty"`
}

// packagePattern accepts PEP 508-ish requirement strings, including
// extras and version pins. The leading character class rejects
// anything that could read as a command-line flag.
var packagePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._@/+=:~\[\]\(\),<>!#-]*$`)

// Validate rejects specs that cannot produce a safe install command.
func (s Spec) Validate() error {
	if s.PythonVersion == "" {
		return &trawlerrors.ValidationError{Field: "python_version", Message: "required"}
	}
	for _, req := range s.Requirements {
		req = strings.TrimSpace(req)
		if req == "" {
			return &trawlerrors.ValidationError{Field: "requirements", Message: "empty requirement"}
		}
		if strings.HasPrefix(req, "-") {
			return &trawlerrors.ValidationError{
				Field:   "requirements",
				Message: fmt.Sprintf("requirement %q must not start with '-'", req),
			}
		}
		if !packagePattern.MatchString(req) {
			return &trawlerrors.ValidationError{
				Field:   "requirements",
				Message: fmt.Sprintf("requirement %q contains invalid characters", req),
			}
		}
	}
	for _, con := range s.Constraints {
		con = strings.TrimSpace(con)
		if con == "" || strings.HasPrefix(con, "-") || !packagePattern.MatchString(con) {
			return &trawlerrors.ValidationError{
				Field:   "constraints",
				Message: fmt.Sprintf("constraint %q is not a valid requirement string", con),
			}
		}
	}
	return nil
}

// Hash returns the content address of the environment this spec
// resolves to: SHA-256 over a canonical JSON encoding of the version,
// the sorted, deduplicated requirements and the constraints. EnvVars
// never participate.
func (s Spec) Hash() string {
	reqs := slices.Clone(s.Requirements)
	for i := range reqs {
		reqs[i] = strings.TrimSpace(reqs[i])
	}
	slices.Sort(reqs)
	reqs = slices.Compact(reqs)

	canonical := struct {
		PythonVersion string   `json:"python_version"`
		Requirements  []string `json:"requirements"`
		Constraints   []string `json:"constraints"`
	}{
		PythonVersion: s.PythonVersion,
		Requirements:  reqs,
		Constraints:   s.Constraints,
	}

	// Marshal of a struct with no maps is deterministic.
	raw, err := json.Marshal(canonical)
	if err != nil {
		// Statically impossible for this shape; fail loudly if it ever isn't.
		panic(fmt.Sprintf("runtime: spec hash marshal: %v", err))
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// Handle points at a resolved, fully built environment. Immutable once
// returned; outlives every task that references it.
type Handle struct {
	// Hash is the spec hash the environment was built from.
	Hash string `json:"hash"`

	// Path is the environment root under the venvs directory.
	Path string `json:"path"`

	// Python is the interpreter inside the environment.
	Python string `json:"python"`
}
