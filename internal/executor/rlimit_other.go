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

//go:build !linux

package executor

import "errors"

// applyLimits is a no-op where prlimit is unavailable; the caller
// logs a warning and the process runs without resource caps.
func applyLimits(pid int, cpuSeconds, memoryMB int64) error {
	return errors.New("resource limits unsupported on this platform")
}
