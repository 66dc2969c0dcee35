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

package worker

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/trawlhq/trawl/internal/config"
)

// CheckStatus classifies one preflight check outcome.
type CheckStatus string

const (
	// CheckOK means the check passed.
	CheckOK CheckStatus = "ok"
	// CheckWarn means the worker can start but something deserves
	// attention.
	CheckWarn CheckStatus = "warn"
	// CheckFail means the worker cannot do useful work.
	CheckFail CheckStatus = "fail"
)

// Check is one preflight check result. The doctor command renders
// these; run aborts on any CheckFail.
type Check struct {
	Name   string      `json:"name"`
	Status CheckStatus `json:"status"`
	Detail string      `json:"detail,omitempty"`
}

// Healthy reports whether no check failed.
func Healthy(checks []Check) bool {
	for _, c := range checks {
		if c.Status == CheckFail {
			return false
		}
	}
	return true
}

// Preflight runs the boot health checks: interpreter, package manager,
// data directory, transport reachability and identity. It never
// mutates remote state; the transport check is a ping, not a
// registration.
func Preflight(ctx context.Context, cfg *config.Config) []Check {
	return []Check{
		checkInterpreter(ctx, cfg),
		checkPackageManager(cfg),
		checkDataDir(cfg),
		checkTransport(ctx, cfg),
		checkIdentity(cfg),
	}
}

func checkInterpreter(ctx context.Context, cfg *config.Config) Check {
	version, path, err := discoverPython(ctx, cfg.Runtime.PythonPaths)
	if err != nil {
		return Check{
			Name:   "python interpreter",
			Status: CheckFail,
			Detail: "no python found; install python3 or set runtime.python_paths",
		}
	}
	return Check{
		Name:   "python interpreter",
		Status: CheckOK,
		Detail: fmt.Sprintf("%s (%s)", version, path),
	}
}

func checkPackageManager(cfg *config.Config) Check {
	name := cfg.Runtime.PackageManager
	if name == "" {
		name = "uv"
	}
	if path, err := exec.LookPath(name); err == nil {
		return Check{Name: "package manager", Status: CheckOK, Detail: fmt.Sprintf("%s (%s)", name, path)}
	}
	if name != "pip" {
		if _, err := exec.LookPath("pip"); err == nil {
			return Check{
				Name:   "package manager",
				Status: CheckWarn,
				Detail: fmt.Sprintf("%s not on PATH; set runtime.package_manager to pip or install %s", name, name),
			}
		}
	}
	return Check{
		Name:   "package manager",
		Status: CheckFail,
		Detail: fmt.Sprintf("neither %s nor pip found on PATH", name),
	}
}

func checkDataDir(cfg *config.Config) Check {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return Check{Name: "data directory", Status: CheckFail, Detail: err.Error()}
	}
	probe := filepath.Join(cfg.DataDir, ".write-probe")
	if err := os.WriteFile(probe, []byte("ok"), 0o600); err != nil {
		return Check{
			Name:   "data directory",
			Status: CheckFail,
			Detail: fmt.Sprintf("%s not writable: %v", cfg.DataDir, err),
		}
	}
	os.Remove(probe)
	return Check{Name: "data directory", Status: CheckOK, Detail: cfg.DataDir}
}

func checkTransport(ctx context.Context, cfg *config.Config) Check {
	switch cfg.Transport.Mode {
	case config.ModeDirect:
		return checkRedis(ctx, cfg.Transport.RedisURL)
	case config.ModeGateway:
		return checkGateway(cfg.Transport.GatewayEndpoint(), cfg.Transport.ConnectTimeout)
	default:
		return Check{
			Name:   "transport",
			Status: CheckFail,
			Detail: fmt.Sprintf("unknown mode %q", cfg.Transport.Mode),
		}
	}
}

func checkRedis(ctx context.Context, url string) Check {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return Check{Name: "redis", Status: CheckFail, Detail: err.Error()}
	}
	client := redis.NewClient(opts)
	defer client.Close()

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return Check{
			Name:   "redis",
			Status: CheckFail,
			Detail: fmt.Sprintf("%s unreachable: %v", opts.Addr, err),
		}
	}
	return Check{Name: "redis", Status: CheckOK, Detail: opts.Addr}
}

func checkGateway(endpoint string, timeout time.Duration) Check {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	conn, err := net.DialTimeout("tcp", endpoint, timeout)
	if err != nil {
		return Check{
			Name:   "gateway",
			Status: CheckFail,
			Detail: fmt.Sprintf("%s unreachable: %v", endpoint, err),
		}
	}
	conn.Close()
	return Check{Name: "gateway", Status: CheckOK, Detail: endpoint}
}

func checkIdentity(cfg *config.Config) Check {
	if cfg.WorkerID != "" {
		return Check{Name: "identity", Status: CheckOK, Detail: "worker_id " + cfg.WorkerID + " (externally managed)"}
	}
	if _, err := os.Stat(cfg.IdentityPath()); err == nil {
		return Check{Name: "identity", Status: CheckOK, Detail: cfg.IdentityPath()}
	}
	if cfg.Transport.Mode == config.ModeDirect {
		return Check{Name: "identity", Status: CheckOK, Detail: "none yet; a local identity is minted on first boot"}
	}
	return Check{
		Name:   "identity",
		Status: CheckWarn,
		Detail: "none yet; gateway mode needs an api key or install key on first boot",
	}
}

// discoverPython finds the first working interpreter among the
// configured paths and the conventional names, returning its version
// and path.
func discoverPython(ctx context.Context, paths []string) (version, path string, err error) {
	candidates := append([]string{}, paths...)
	candidates = append(candidates, "python3", "python")

	for _, cand := range candidates {
		resolved := cand
		if !filepath.IsAbs(cand) {
			if found, err := exec.LookPath(cand); err == nil {
				resolved = found
			} else {
				continue
			}
		}
		out, err := exec.CommandContext(ctx, resolved, "--version").CombinedOutput()
		if err != nil {
			continue
		}
		fields := strings.Fields(strings.TrimSpace(string(out)))
		if len(fields) < 2 {
			continue
		}
		return fields[len(fields)-1], resolved, nil
	}
	return "", "", fmt.Errorf("no python interpreter found")
}

// probePython returns just the interpreter version for heartbeat
// advertisement; errors degrade to an empty version.
func probePython(ctx context.Context, paths []string) (string, error) {
	version, _, err := discoverPython(ctx, paths)
	return version, err
}
