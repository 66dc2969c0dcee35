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

//go:build linux

package executor

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// applyLimits caps the child's CPU seconds and address space via
// prlimit. Zero values leave the corresponding limit untouched.
func applyLimits(pid int, cpuSeconds, memoryMB int64) error {
	if cpuSeconds > 0 {
		lim := unix.Rlimit{Cur: uint64(cpuSeconds), Max: uint64(cpuSeconds)}
		if err := unix.Prlimit(pid, unix.RLIMIT_CPU, &lim, nil); err != nil {
			return fmt.Errorf("setting cpu limit: %w", err)
		}
	}
	if memoryMB > 0 {
		bytes := uint64(memoryMB) * 1024 * 1024
		lim := unix.Rlimit{Cur: bytes, Max: bytes}
		if err := unix.Prlimit(pid, unix.RLIMIT_AS, &lim, nil); err != nil {
			return fmt.Errorf("setting memory limit: %w", err)
		}
	}
	return nil
}
