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

package heartbeat

import (
	"context"
	"runtime"
	"sync"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
)

// HostSample is one reading of host resource usage, in percent.
type HostSample struct {
	CPUPercent    float64
	MemoryPercent float64
	DiskPercent   float64
}

// HostInfo is the static host description advertised in heartbeats.
type HostInfo struct {
	OSType      string
	OSVersion   string
	MachineArch string
}

// Sampler reads host state for heartbeat reports. Implementations
// tolerate partial failure and report what they could read; a field
// that cannot be sampled stays zero.
type Sampler interface {
	Sample(ctx context.Context) HostSample
	Info() HostInfo
}

type hostSampler struct {
	// path is the mount whose usage stands in for "disk" in reports,
	// normally the worker's data dir.
	path string

	once sync.Once
	info HostInfo
}

// NewSampler returns a gopsutil-backed Sampler measuring disk usage at
// path ("/" when empty).
func NewSampler(path string) Sampler {
	if path == "" {
		path = "/"
	}
	s := &hostSampler{path: path}
	// CPU percent is a delta between consecutive readings; prime the
	// baseline so the first report is not a since-boot average.
	_, _ = cpu.Percent(0, false)
	return s
}

func (s *hostSampler) Sample(ctx context.Context) HostSample {
	var out HostSample
	if pcts, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(pcts) > 0 {
		out.CPUPercent = pcts[0]
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		out.MemoryPercent = vm.UsedPercent
	}
	if du, err := disk.UsageWithContext(ctx, s.path); err == nil {
		out.DiskPercent = du.UsedPercent
	}
	return out
}

func (s *hostSampler) Info() HostInfo {
	s.once.Do(func() {
		s.info = HostInfo{OSType: runtime.GOOS, MachineArch: runtime.GOARCH}
		hi, err := host.Info()
		if err != nil {
			return
		}
		if hi.PlatformVersion != "" {
			s.info.OSVersion = hi.PlatformVersion
		} else {
			s.info.OSVersion = hi.KernelVersion
		}
		if hi.KernelArch != "" {
			s.info.MachineArch = hi.KernelArch
		}
	})
	return s.info
}
