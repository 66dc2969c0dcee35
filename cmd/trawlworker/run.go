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

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/trawlhq/trawl/internal/config"
	"github.com/trawlhq/trawl/internal/worker"
)

type runFlags struct {
	name            string
	host            string
	port            int
	transportMode   string
	redisURL        string
	gatewayEndpoint string
	workerID        string
	workerKey       string
	logLevel        string
}

func newRunCommand() *cobra.Command {
	var flags runFlags

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the worker engine",
		Long: `Start the worker: register with the master, poll for tasks and
execute them until SIGTERM or SIGINT. In-flight tasks get the grace
period to finish; anything still running is left unacked so another
worker picks it up.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorker(cmd, flags)
		},
	}

	cmd.Flags().StringVar(&flags.name, "name", "", "Worker name shown in heartbeats (default: hostname)")
	cmd.Flags().StringVar(&flags.host, "host", "", "Advertised address")
	cmd.Flags().IntVar(&flags.port, "port", 0, "Advertised port")
	cmd.Flags().StringVar(&flags.transportMode, "transport", "", "Transport mode (direct, gateway)")
	cmd.Flags().StringVar(&flags.redisURL, "redis-url", "", "Redis connection URL (direct mode)")
	cmd.Flags().StringVar(&flags.gatewayEndpoint, "gateway-endpoint", "", "Gateway host:port (gateway mode)")
	cmd.Flags().StringVar(&flags.workerID, "worker-id", "", "Worker identity (default: persisted or minted on first boot)")
	cmd.Flags().StringVar(&flags.workerKey, "worker-key", "", "One-shot install key for first-boot registration (gateway mode)")
	cmd.Flags().StringVar(&flags.logLevel, "log-level", "", "Log level (DEBUG, INFO, WARNING, ERROR)")

	return cmd
}

func runWorker(cmd *cobra.Command, flags runFlags) error {
	path := configPath(cmd)
	cfg, err := loadConfig(path, flags)
	if err != nil {
		return &exitError{code: exitFailure, cause: err}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w, err := worker.New(ctx, cfg, worker.Options{
		Version:    version,
		Commit:     commit,
		BuildDate:  buildDate,
		ConfigPath: path,
		InstallKey: flags.workerKey,
	})
	if err != nil {
		return &exitError{code: exitFailure, cause: err}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	errCh := make(chan error, 1)
	go func() { errCh <- w.Run(ctx) }()

	select {
	case sig := <-sigCh:
		slog.Info("shutting down", slog.String("signal", sig.String()))
		cancel()
		// The engine drains in-flight runs for the grace period; give
		// transport teardown a margin on top before declaring the
		// shutdown stuck.
		select {
		case err := <-errCh:
			if err != nil {
				return &exitError{code: exitFailure, cause: err}
			}
			return nil
		case <-time.After(cfg.Execution.GracePeriod + 30*time.Second):
			slog.Error("shutdown timed out")
			return &exitError{code: exitTimeout}
		}
	case err := <-errCh:
		if err != nil {
			return &exitError{code: exitFailure, cause: err}
		}
		return nil
	}
}

// loadConfig resolves the effective configuration: defaults, then the
// YAML file, then environment variables (inside config.Load), then the
// CLI flags, then a final validation over the merged result.
func loadConfig(path string, flags runFlags) (*config.Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		// No file is fine; env and flags may carry everything.
		path = ""
	}
	cfg, err := config.LoadFile(path)
	if err != nil {
		return nil, err
	}
	if err := applyFlags(cfg, flags); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyFlags(cfg *config.Config, flags runFlags) error {
	if flags.name != "" {
		cfg.Name = flags.name
	}
	if flags.host != "" {
		cfg.Host = flags.host
	}
	if flags.port != 0 {
		cfg.Port = flags.port
	}
	if flags.transportMode != "" {
		cfg.Transport.Mode = config.TransportMode(flags.transportMode)
	}
	if flags.redisURL != "" {
		cfg.Transport.RedisURL = flags.redisURL
	}
	if flags.gatewayEndpoint != "" {
		host, portStr, err := net.SplitHostPort(flags.gatewayEndpoint)
		if err != nil {
			return fmt.Errorf("invalid --gateway-endpoint %q: %w", flags.gatewayEndpoint, err)
		}
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return fmt.Errorf("invalid --gateway-endpoint port %q: %w", portStr, err)
		}
		cfg.Transport.GatewayHost = host
		cfg.Transport.GatewayPort = port
	}
	if flags.workerID != "" {
		cfg.WorkerID = flags.workerID
	}
	if flags.logLevel != "" {
		cfg.Log.Level = normalizeLevel(flags.logLevel)
	}
	return nil
}

// normalizeLevel maps the CLI's uppercase level names onto the config
// vocabulary. WARNING is accepted as an alias for warn.
func normalizeLevel(level string) string {
	switch level {
	case "DEBUG", "debug":
		return "debug"
	case "INFO", "info":
		return "info"
	case "WARNING", "WARN", "warning", "warn":
		return "warn"
	case "ERROR", "error":
		return "error"
	default:
		return level
	}
}
