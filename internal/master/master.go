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

// Package master assembles the master daemon: worker registry and
// offline sweeper, per-project crawl queue, batch manager, dispatch
// pump, result consumer, heartbeat ingest, and the optional gRPC
// gateway, all sharing one Redis connection.
package master

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/trawlhq/trawl/internal/gateway"
	trawllog "github.com/trawlhq/trawl/internal/log"
	"github.com/trawlhq/trawl/internal/master/batch"
	"github.com/trawlhq/trawl/internal/master/crawlqueue"
	"github.com/trawlhq/trawl/internal/master/dedup"
	"github.com/trawlhq/trawl/internal/master/dispatch"
	"github.com/trawlhq/trawl/internal/master/registry"
	"github.com/trawlhq/trawl/internal/metrics"
	trawlerrors "github.com/trawlhq/trawl/pkg/errors"
)

// Queue backends. The backend is fixed for the life of the process:
// switching between them invalidates receipts and in-flight state.
const (
	// BackendRedis keeps dispatchable tasks in per-project Redis
	// streams, durable and shared across masters.
	BackendRedis = "redis"

	// BackendMemory keeps them in process memory. Single master only;
	// a restart drops the backlog, though batch records survive and
	// batches can be re-run.
	BackendMemory = "memory"
)

// Config tunes the master daemon.
type Config struct {
	// Namespace prefixes every Redis key. Defaults to "trawl".
	Namespace string

	// RedisURL locates the shared Redis. Defaults to
	// redis://localhost:6379/0.
	RedisURL string

	// Consumer names this master in the consumer groups it shares
	// with other masters. Defaults to a generated "master-<id>".
	Consumer string

	// QueueBackend selects where dispatchable tasks wait, BackendRedis
	// or BackendMemory. Defaults to BackendRedis.
	QueueBackend string

	// DispatchInterval paces the dispatch pump. Defaults to 1s.
	DispatchInterval time.Duration

	// ReclaimInterval paces the crawl queue reclaim pass. Redis
	// backend only. Defaults to 30s.
	ReclaimInterval time.Duration

	// SweepInterval paces the registry offline sweep. Defaults to 30s.
	SweepInterval time.Duration

	// IngestInterval paces the heartbeat ingest scan that folds
	// direct-worker liveness hashes into the registry. Defaults to 15s.
	IngestInterval time.Duration

	// ConnectTimeout bounds the startup Redis ping. Defaults to 5s.
	ConnectTimeout time.Duration

	// MaxRetries is the per-task delivery budget. Defaults to 3.
	MaxRetries int

	// MinIdleTime is how long a queue delivery sits unacked before the
	// reclaim pass may adopt it. It must outlive the longest crawl, or
	// running tasks get re-driven. Defaults to 60s.
	MinIdleTime time.Duration

	// SeedPriority is the priority batch seeds enqueue at. Defaults
	// to 3.
	SeedPriority int

	// ArtifactURL is the artifact metadata service consulted at
	// dispatch time. Empty ships tasks with whatever artifact fields
	// they already carry.
	ArtifactURL string

	// Selector constrains task placement. The zero selector admits
	// every worker.
	Selector dispatch.Selector

	// AdminAddr serves health and metrics over HTTP. Empty disables
	// the listener.
	AdminAddr string

	// GatewayAddr serves gRPC workers. Empty disables the gateway.
	GatewayAddr string

	// GatewayTLS configures the gateway listener.
	GatewayTLS gateway.TLSConfig

	// ReceiptSecret signs gateway delivery receipts. Required when the
	// gateway is enabled, and must match across every master behind
	// the same endpoint or failover invalidates unacked receipts.
	ReceiptSecret string

	// HeartbeatTTL bounds worker liveness keys. Defaults to 90s.
	HeartbeatTTL time.Duration

	// OfflineThreshold is how long after its last heartbeat a worker
	// is marked offline. Defaults to 90s.
	OfflineThreshold time.Duration

	// MaxOfflineTime is how long after its last heartbeat an offline
	// worker is evicted from the registry. Defaults to 1h.
	MaxOfflineTime time.Duration
}

func (c *Config) withDefaults() {
	if c.Namespace == "" {
		c.Namespace = "trawl"
	}
	if c.RedisURL == "" {
		c.RedisURL = "redis://localhost:6379/0"
	}
	if c.Consumer == "" {
		c.Consumer = "master-" + uuid.New().String()[:8]
	}
	if c.QueueBackend == "" {
		c.QueueBackend = BackendRedis
	}
	if c.DispatchInterval <= 0 {
		c.DispatchInterval = time.Second
	}
	if c.ReclaimInterval <= 0 {
		c.ReclaimInterval = 30 * time.Second
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 30 * time.Second
	}
	if c.IngestInterval <= 0 {
		c.IngestInterval = 15 * time.Second
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 5 * time.Second
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.MinIdleTime <= 0 {
		c.MinIdleTime = 60 * time.Second
	}
}

// Options carries build metadata and the logger.
type Options struct {
	Version   string
	Commit    string
	BuildDate string

	// Logger receives master diagnostics. Defaults to slog.Default().
	Logger *slog.Logger
}

// Master is the assembled daemon. Build it with New, run it with Run.
type Master struct {
	cfg  Config
	opts Options

	logger  *slog.Logger
	metrics *metrics.Metrics

	client   *redis.Client
	registry *registry.Registry
	sweeper  *registry.Sweeper
	queue    *crawlqueue.Queue     // nil with the memory backend
	reclaim  *crawlqueue.Reclaimer // nil with the memory backend
	batches  *batch.Manager
	pump     *dispatch.Pump
	results  *resultConsumer
	ingest   *heartbeatIngest
	gateway  *gateway.Server // nil unless GatewayAddr is set

	mu      sync.Mutex
	started bool
}

// New wires the daemon. It opens no connections; Run does the first
// Redis round trip.
func New(cfg Config, opts Options) (*Master, error) {
	cfg.withDefaults()
	if cfg.QueueBackend != BackendRedis && cfg.QueueBackend != BackendMemory {
		return nil, &trawlerrors.ValidationError{
			Field:   "queue_backend",
			Message: fmt.Sprintf("unknown backend %q", cfg.QueueBackend),
		}
	}
	if cfg.GatewayAddr != "" && cfg.ReceiptSecret == "" {
		return nil, &trawlerrors.ValidationError{
			Field:   "receipt_secret",
			Message: "required when the gateway is enabled",
		}
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = trawllog.WithComponent(logger, "master")

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, &trawlerrors.ConfigError{Key: "redis_url", Reason: "unparseable", Cause: err}
	}
	redisOpts.DialTimeout = cfg.ConnectTimeout
	redisOpts.MaxRetries = 3
	client := redis.NewClient(redisOpts)

	m := &Master{
		cfg:     cfg,
		opts:    opts,
		logger:  logger,
		metrics: metrics.New(),
		client:  client,
	}

	m.registry, err = registry.New(registry.Config{
		Namespace:        cfg.Namespace,
		HeartbeatTTL:     cfg.HeartbeatTTL,
		OfflineThreshold: cfg.OfflineThreshold,
		MaxOfflineTime:   cfg.MaxOfflineTime,
		CleanupInterval:  cfg.SweepInterval,
	}, registry.Options{Logger: logger, Client: client})
	if err != nil {
		return nil, err
	}
	m.sweeper = registry.NewSweeper(m.registry, cfg.SweepInterval)

	// The backend choice binds the pump and the batch manager to the
	// same queue, so seeds and discovered links land where dispatch
	// reads.
	var backend dispatch.Backend
	var batchQueue batch.Queue
	var filters batch.FilterFactory
	switch cfg.QueueBackend {
	case BackendRedis:
		m.queue, err = crawlqueue.New(crawlqueue.Config{
			Namespace:   cfg.Namespace,
			Consumer:    cfg.Consumer,
			MaxRetries:  cfg.MaxRetries,
			MinIdleTime: cfg.MinIdleTime,
		}, crawlqueue.Options{Logger: logger, Metrics: m.metrics, Client: client})
		if err != nil {
			return nil, err
		}
		m.reclaim = crawlqueue.NewReclaimer(m.queue, cfg.ReclaimInterval)
		backend = m.queue
		batchQueue = m.queue
		// Shared-bitmap filters keep dedup deterministic across
		// masters on the same backend.
		filters = func(batchID string) (dedup.Filter, error) {
			return dedup.NewBitmap(batchID, dedup.Config{Namespace: cfg.Namespace},
				dedup.Options{Client: client})
		}
	case BackendMemory:
		mq := dispatch.NewMemoryQueue(cfg.MaxRetries)
		backend = mq
		batchQueue = mq
		// nil selects the manager's in-memory Bloom filters, matching
		// the queue's single-process scope.
	}

	m.batches, err = batch.New(batch.Config{
		Namespace:    cfg.Namespace,
		SeedPriority: cfg.SeedPriority,
	}, batch.Options{Logger: logger, Client: client, Queue: batchQueue, Filters: filters})
	if err != nil {
		return nil, err
	}

	var artifacts dispatch.ArtifactSource
	if cfg.ArtifactURL != "" {
		artifacts, err = dispatch.NewHTTPArtifactSource(cfg.ArtifactURL, nil)
		if err != nil {
			return nil, err
		}
	}
	dispatcher, err := dispatch.New(dispatch.Config{
		Namespace: cfg.Namespace,
		Selector:  cfg.Selector,
	}, dispatch.Options{
		Logger:    logger,
		Metrics:   m.metrics,
		Client:    client,
		Registry:  m.registry,
		Artifacts: artifacts,
	})
	if err != nil {
		return nil, err
	}
	m.pump = dispatch.NewPump(backend, dispatcher, m.dispatchableProjects, cfg.DispatchInterval)

	m.results = newResultConsumer(resultConsumerConfig{
		Namespace: cfg.Namespace,
		Consumer:  cfg.Consumer,
	}, resultConsumerDeps{
		Logger:   logger,
		Metrics:  m.metrics,
		Client:   client,
		Pump:     m.pump,
		Queue:    m.queue,
		Batches:  m.batches,
		Registry: m.registry,
	})
	m.ingest = newHeartbeatIngest(cfg.Namespace, cfg.IngestInterval, client, m.registry, logger)

	if cfg.GatewayAddr != "" {
		m.gateway, err = gateway.New(gateway.Config{
			Namespace: cfg.Namespace,
			Addr:      cfg.GatewayAddr,
			TLS:       cfg.GatewayTLS,
		}, gateway.Options{
			Logger:        logger,
			Metrics:       m.metrics,
			Client:        client,
			Registry:      m.registry,
			Keys:          gateway.NewRedisKeyStore(client, cfg.Namespace),
			ReceiptSecret: []byte(cfg.ReceiptSecret),
		})
		if err != nil {
			return nil, err
		}
	}

	return m, nil
}

// Batches exposes the batch manager, the daemon's control surface for
// crawl lifecycles.
func (m *Master) Batches() *batch.Manager { return m.batches }

// Registry exposes the worker directory.
func (m *Master) Registry() *registry.Registry { return m.registry }

// Run starts every loop and blocks until ctx is cancelled or one loop
// fails. A cancelled context is a normal shutdown and returns nil.
func (m *Master) Run(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return fmt.Errorf("master already started")
	}
	m.started = true
	m.mu.Unlock()

	defer m.close()

	pingCtx, cancel := context.WithTimeout(ctx, m.cfg.ConnectTimeout)
	err := m.client.Ping(pingCtx).Err()
	cancel()
	if err != nil {
		return trawlerrors.Transient("master_connect", err)
	}
	if err := m.results.ensureGroup(ctx); err != nil {
		return err
	}

	m.logger.Info("master starting",
		slog.String("version", m.opts.Version),
		slog.String("namespace", m.cfg.Namespace),
		slog.String("queue_backend", m.cfg.QueueBackend),
		slog.Bool("gateway", m.gateway != nil))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return m.sweeper.Run(gctx) })
	g.Go(func() error { return m.ingest.Run(gctx) })
	g.Go(func() error { return m.pump.Run(gctx) })
	g.Go(func() error { return m.results.Run(gctx) })
	if m.reclaim != nil {
		g.Go(func() error { return m.reclaim.Run(gctx) })
	}
	if m.gateway != nil {
		g.Go(func() error { return m.serveGateway(gctx) })
	}
	if m.cfg.AdminAddr != "" {
		g.Go(func() error { return m.serveAdmin(gctx) })
	}

	err = g.Wait()
	if err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

// dispatchableProjects lists the projects of running batches, the set
// the pump drains each sweep.
func (m *Master) dispatchableProjects(ctx context.Context) ([]string, error) {
	batches, err := m.batches.List(ctx)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{}, len(batches))
	ids := make([]string, 0, len(batches))
	for _, b := range batches {
		if b.State != batch.BatchRunning {
			continue
		}
		if _, ok := seen[b.ProjectID]; ok {
			continue
		}
		seen[b.ProjectID] = struct{}{}
		ids = append(ids, b.ProjectID)
	}
	return ids, nil
}

func (m *Master) serveGateway(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() { errCh <- m.gateway.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		m.gateway.Shutdown(shutCtx)
		<-errCh
		return nil
	case err := <-errCh:
		return err
	}
}

func (m *Master) serveAdmin(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.metrics.Handler())
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, _ *http.Request) {
		rw.WriteHeader(http.StatusOK)
		fmt.Fprintln(rw, "ok")
	})

	ln, err := net.Listen("tcp", m.cfg.AdminAddr)
	if err != nil {
		return fmt.Errorf("admin listener: %w", err)
	}
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	m.logger.Info("admin listening", slog.String("addr", ln.Addr().String()))

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

// close releases resources after the loops have stopped.
func (m *Master) close() {
	m.client.Close()
}
