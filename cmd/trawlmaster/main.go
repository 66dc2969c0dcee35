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
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/trawlhq/trawl/internal/gateway"
	trawllog "github.com/trawlhq/trawl/internal/log"
	"github.com/trawlhq/trawl/internal/master"
)

// Version information (injected via ldflags at build time)
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	var (
		redisURL      = flag.String("redis-url", "", "Redis connection URL (default redis://localhost:6379/0)")
		namespace     = flag.String("namespace", "", "Key namespace shared with the workers")
		queueBackend  = flag.String("queue-backend", "", "Task queue backend (redis, memory)")
		dispatchEvery = flag.Duration("dispatch-interval", 0, "Dispatch pump cadence")
		maxRetries    = flag.Int("max-retries", 0, "Per-task delivery budget")
		minIdle       = flag.Duration("min-idle", 0, "Unacked age before a delivery is reclaimed")
		artifactURL   = flag.String("artifact-url", "", "Artifact metadata service base URL")
		adminAddr     = flag.String("admin", "", "Health and metrics listen address (empty disables)")
		gatewayAddr   = flag.String("gateway", "", "gRPC gateway listen address (empty disables)")
		gatewayCert   = flag.String("gateway-tls-cert", "", "Path to gateway TLS certificate")
		gatewayKey    = flag.String("gateway-tls-key", "", "Path to gateway TLS private key")
		gatewayCA     = flag.String("gateway-client-ca", "", "Path to CA bundle for client certificates")
		receiptSecret = flag.String("receipt-secret", "", "Receipt signing secret (or TRAWL_RECEIPT_SECRET)")
		showVersion   = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("trawlmaster %s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	logger := trawllog.New(trawllog.FromEnv())
	slog.SetDefault(logger)

	secret := *receiptSecret
	if secret == "" {
		secret = os.Getenv("TRAWL_RECEIPT_SECRET")
	}

	m, err := master.New(master.Config{
		Namespace:        *namespace,
		RedisURL:         *redisURL,
		QueueBackend:     *queueBackend,
		DispatchInterval: *dispatchEvery,
		MaxRetries:       *maxRetries,
		MinIdleTime:      *minIdle,
		ArtifactURL:      *artifactURL,
		AdminAddr:        *adminAddr,
		GatewayAddr:      *gatewayAddr,
		GatewayTLS: gateway.TLSConfig{
			CertPath:     *gatewayCert,
			KeyPath:      *gatewayKey,
			ClientCAPath: *gatewayCA,
		},
		ReceiptSecret: secret,
	}, master.Options{
		Version:   version,
		Commit:    commit,
		BuildDate: buildDate,
		Logger:    logger,
	})
	if err != nil {
		logger.Error("failed to create master", trawllog.Error(err))
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() { errCh <- m.Run(ctx) }()

	select {
	case sig := <-sigCh:
		logger.Info("shutting down", slog.String("signal", sig.String()))
		cancel()
		select {
		case err := <-errCh:
			if err != nil {
				logger.Error("shutdown error", trawllog.Error(err))
				os.Exit(1)
			}
		case <-time.After(30 * time.Second):
			logger.Error("shutdown timed out")
			os.Exit(1)
		}
	case err := <-errCh:
		if err != nil {
			logger.Error("master error", trawllog.Error(err))
			os.Exit(1)
		}
	}
}
