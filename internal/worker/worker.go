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

// Package worker assembles one worker process: identity, transport,
// runtime resolver, executor, log pipelines, engine and heartbeat,
// wired at startup and torn down together. Nothing in here is global;
// two Workers in one process stay independent, which is what the
// integration tests rely on.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/trawlhq/trawl/internal/artifact"
	"github.com/trawlhq/trawl/internal/capability"
	"github.com/trawlhq/trawl/internal/config"
	"github.com/trawlhq/trawl/internal/engine"
	"github.com/trawlhq/trawl/internal/executor"
	"github.com/trawlhq/trawl/internal/heartbeat"
	"github.com/trawlhq/trawl/internal/identity"
	trawllog "github.com/trawlhq/trawl/internal/log"
	"github.com/trawlhq/trawl/internal/logpipe"
	"github.com/trawlhq/trawl/internal/metrics"
	"github.com/trawlhq/trawl/internal/runtime"
	"github.com/trawlhq/trawl/internal/tracing"
	"github.com/trawlhq/trawl/internal/transport"
	"github.com/trawlhq/trawl/internal/transport/direct"
	"github.com/trawlhq/trawl/internal/transport/gateway"
	trawlerrors "github.com/trawlhq/trawl/pkg/errors"
)

// Options contains worker options set at build time.
type Options struct {
	Version   string
	Commit    string
	BuildDate string

	// ConfigPath, when set, is watched for live reload of the tunable
	// subset of the configuration.
	ConfigPath string

	// InstallKey is the one-shot first-boot credential for gateway
	// mode. Ignored once a persisted identity exists.
	InstallKey string

	// Logger overrides the logger built from cfg.Log. Overriding
	// disables dynamic log level changes.
	Logger *slog.Logger
}

// Worker is one assembled worker process.
type Worker struct {
	cfg   *config.Config
	store *config.Store
	opts  Options

	logger   *slog.Logger
	logLevel *slog.LevelVar
	metrics  *metrics.Metrics
	tracer   *tracing.Provider

	identity  *identity.Identity
	transport transport.Transport
	resolver  *runtime.Resolver
	executor  *executor.Executor
	artifacts *artifact.Store
	logs      *logpipe.Manager
	engine    *engine.Engine
	reporter  *heartbeat.Reporter
	reclaimer *direct.Reclaimer

	mu      sync.Mutex
	started bool
}

// New assembles a worker from cfg. It resolves the worker identity
// (which may call the master in gateway mode, hence the context) and
// constructs every component, but opens no transport channel; the
// first network contact is Run's registration.
func New(ctx context.Context, cfg *config.Config, opts Options) (*Worker, error) {
	if cfg == nil {
		return nil, &trawlerrors.ValidationError{Field: "config", Message: "required"}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := opts.Logger
	var logLevel *slog.LevelVar
	if logger == nil {
		logger, logLevel = trawllog.NewDynamic(&trawllog.Config{
			Level:     cfg.Log.Level,
			Format:    trawllog.Format(cfg.Log.Format),
			Output:    os.Stderr,
			AddSource: cfg.Log.AddSource,
		})
	}
	logger = trawllog.WithComponent(logger, "worker")

	m := metrics.New()

	id, err := resolveIdentity(ctx, cfg, opts, logger)
	if err != nil {
		return nil, err
	}
	logger = trawllog.WithWorker(logger, id.WorkerID)

	tp, reclaimer, err := buildTransport(cfg, id, logger, m)
	if err != nil {
		return nil, err
	}

	resolver, err := runtime.NewResolver(runtime.ResolverConfig{
		VenvsDir:       cfg.RuntimesDir(),
		PythonPaths:    cfg.Runtime.PythonPaths,
		PackageManager: cfg.Runtime.PackageManager,
		BuildTimeout:   cfg.Runtime.BuildTimeout,
	}, runtime.Options{Logger: logger, Metrics: m})
	if err != nil {
		return nil, fmt.Errorf("building runtime resolver: %w", err)
	}

	exec := executor.New(executor.Config{
		MaxConcurrent: cfg.Execution.MaxConcurrent,
		MaxLineBytes:  cfg.Execution.MaxLineBytes,
		GracePeriod:   cfg.Execution.GracePeriod,
	}, logger)

	artifacts, err := artifact.NewStore(cfg.ProjectsDir(), artifact.Options{Logger: logger})
	if err != nil {
		return nil, fmt.Errorf("building artifact store: %w", err)
	}

	var archiver *logpipe.Archiver
	if cfg.Logs.Archive.Enabled {
		uploader, err := logpipe.NewS3Uploader(ctx, logpipe.S3Config{
			Bucket:         cfg.Logs.Archive.Bucket,
			Region:         cfg.Logs.Archive.Region,
			Endpoint:       cfg.Logs.Archive.Endpoint,
			ForcePathStyle: cfg.Logs.Archive.ForcePathStyle,
		})
		if err != nil {
			return nil, fmt.Errorf("building log archiver: %w", err)
		}
		archiver = logpipe.NewArchiver(uploader, cfg.Logs.Archive.Prefix, logger)
	}
	logs := logpipe.NewManager(cfg.WALDir(), cfg.SpoolDir(), logpipe.Config{
		BatchSize:         cfg.Logs.BatchSize,
		FlushInterval:     cfg.Logs.FlushInterval,
		MaxQueueSize:      cfg.Logs.MaxQueueSize,
		WarningThreshold:  cfg.Logs.WarningThreshold,
		CriticalThreshold: cfg.Logs.CriticalThreshold,
		DropOnCritical:    cfg.Logs.DropOnCritical,
		RateLimit:         cfg.Logs.RateLimit,
		RateBurst:         cfg.Logs.RateBurst,
	}, transport.NewBatchSender(tp, 0), archiver, logger, m)

	store := config.NewStore(cfg, opts.ConfigPath, logger)

	eng, err := engine.New(engine.Config{
		WorkerID:           id.WorkerID,
		Workers:            cfg.Execution.MaxConcurrent,
		QueueSize:          cfg.Execution.MaxQueueSize,
		PollTimeout:        cfg.Transport.PollTimeout,
		DrainTimeout:       cfg.Execution.GracePeriod,
		DefaultTaskTimeout: cfg.Execution.DefaultTimeout,
	}, engine.Options{
		Transport: tp,
		Executor:  exec,
		Resolver:  resolver,
		Artifacts: artifacts,
		Logs:      logs,
		Metrics:   m,
		Logger:    logger,
		OnConfigUpdate: func(params map[string]any) error {
			_, err := store.ApplyControl(params)
			return err
		},
	})
	if err != nil {
		return nil, err
	}

	detector := capability.NewDetector()
	pyVersion, _ := probePython(ctx, cfg.Runtime.PythonPaths)

	reporter, err := heartbeat.New(heartbeat.Config{
		WorkerID:               id.WorkerID,
		Name:                   nameOf(id, cfg),
		Host:                   cfg.Host,
		Port:                   cfg.Port,
		Region:                 cfg.Region,
		Version:                opts.Version,
		PythonVersion:          pyVersion,
		MaxConcurrent:          cfg.Execution.MaxConcurrent,
		Interval:               cfg.Heartbeat.Interval,
		MinInterval:            cfg.Heartbeat.MinInterval,
		DegradedInterval:       cfg.Heartbeat.DegradedInterval,
		MaxConsecutiveFailures: cfg.Heartbeat.MaxConsecutiveFailures,
		ReconnectBackoffMax:    cfg.Heartbeat.ReconnectBackoffMax,
	}, tp, heartbeat.Options{
		Logger:       logger,
		Metrics:      m,
		Stats:        eng.Stats,
		Capabilities: detector.Detect,
		OnDisconnect: func(err error) {
			logger.Warn("heartbeat channel degraded", trawllog.Error(err))
		},
	})
	if err != nil {
		return nil, err
	}

	var tracer *tracing.Provider
	if cfg.Observability.Enabled {
		tracer, err = tracing.NewProvider(ctx, tracing.Config{
			Enabled:        cfg.Observability.Tracing.Exporter != "" && cfg.Observability.Tracing.Exporter != "none",
			ServiceName:    cfg.Observability.ServiceName,
			ServiceVersion: opts.Version,
			Exporter:       cfg.Observability.Tracing.Exporter,
			Endpoint:       cfg.Observability.Tracing.Endpoint,
			Insecure:       cfg.Observability.Tracing.Insecure,
			SampleRate:     cfg.Observability.Tracing.SampleRate,
		})
		if err != nil {
			// Tracing is best effort; a worker without spans still crawls.
			logger.Warn("tracing disabled", trawllog.Error(err))
		}
	}

	w := &Worker{
		cfg:       cfg,
		store:     store,
		opts:      opts,
		logger:    logger,
		logLevel:  logLevel,
		metrics:   m,
		tracer:    tracer,
		identity:  id,
		transport: tp,
		resolver:  resolver,
		executor:  exec,
		artifacts: artifacts,
		logs:      logs,
		engine:    eng,
		reporter:  reporter,
		reclaimer: reclaimer,
	}
	store.Subscribe(w.applySnapshot)
	return w, nil
}

// resolveIdentity loads or establishes who this worker is. Direct-mode
// workers may mint a local identity; gateway workers must arrive with
// credentials or an install key.
func resolveIdentity(ctx context.Context, cfg *config.Config, opts Options, logger *slog.Logger) (*identity.Identity, error) {
	mgr, err := identity.NewManager(cfg.IdentityPath(), identity.Options{Logger: logger})
	if err != nil {
		return nil, err
	}

	resolve := identity.ResolveOptions{
		WorkerID:   cfg.WorkerID,
		APIKey:     cfg.Transport.APIKey,
		Name:       cfg.Name,
		InstallKey: opts.InstallKey,
		Host:       cfg.Host,
		Port:       cfg.Port,
		AllowLocal: cfg.Transport.Mode == config.ModeDirect,
	}
	if opts.InstallKey != "" {
		ex, err := identity.NewExchange(cfg.Transport.MasterURL, nil)
		if err != nil {
			return nil, err
		}
		resolve.Exchange = ex
	}
	return mgr.Resolve(ctx, resolve)
}

// buildTransport constructs the channel for cfg.Transport.Mode. The
// reclaimer is non-nil only for direct mode, where this worker adopts
// its own stuck deliveries.
func buildTransport(cfg *config.Config, id *identity.Identity, logger *slog.Logger, m *metrics.Metrics) (transport.Transport, *direct.Reclaimer, error) {
	switch cfg.Transport.Mode {
	case config.ModeDirect:
		registerURL := ""
		if cfg.Transport.MasterURL != "" {
			registerURL = cfg.Transport.MasterURL + "/api/v1/workers/register-direct"
		}
		dt, err := direct.New(direct.Config{
			WorkerID:          id.WorkerID,
			RedisURL:          cfg.Transport.RedisURL,
			Namespace:         cfg.Transport.Namespace,
			ConnectTimeout:    cfg.Transport.ConnectTimeout,
			HeartbeatInterval: cfg.Heartbeat.Interval,
			MinIdleTime:       cfg.Transport.MinIdleTime,
			MaxRetries:        cfg.Transport.MaxRetries,
			RegisterURL:       registerURL,
		}, direct.Options{Logger: logger, Metrics: m})
		if err != nil {
			return nil, nil, err
		}
		return dt, direct.NewReclaimer(dt, cfg.Transport.ReclaimInterval), nil

	case config.ModeGateway:
		gt, err := gateway.New(gateway.Config{
			WorkerID:       id.WorkerID,
			APIKey:         id.APIKey,
			Host:           cfg.Transport.GatewayHost,
			Port:           cfg.Transport.GatewayPort,
			TLSEnabled:     cfg.Transport.TLS.Enabled,
			TLSVerify:      cfg.Transport.TLS.VerifyCertificate,
			CACertPath:     cfg.Transport.TLS.CACertPath,
			ClientCertPath: cfg.Transport.TLS.ClientCertPath,
			ClientKeyPath:  cfg.Transport.TLS.ClientKeyPath,
			ConnectTimeout: cfg.Transport.ConnectTimeout,
			ReceiptTTL:     cfg.Transport.ReceiptTTL,
			ReconnectMax:   cfg.Heartbeat.ReconnectBackoffMax,
		}, gateway.Options{Logger: logger})
		if err != nil {
			return nil, nil, err
		}
		return gt, nil, nil

	default:
		return nil, nil, &trawlerrors.ConfigError{
			Key:    "transport.mode",
			Reason: fmt.Sprintf("unknown mode %q", cfg.Transport.Mode),
		}
	}
}

func nameOf(id *identity.Identity, cfg *config.Config) string {
	if id.Name != "" {
		return id.Name
	}
	return cfg.Name
}

// applySnapshot folds a changed config snapshot into the running
// components. Callbacks arrive on the swapping goroutine, so only
// cheap setter calls happen here.
func (w *Worker) applySnapshot(snap config.Snapshot) {
	w.reporter.SetInterval(snap.HeartbeatInterval)
	if w.logLevel != nil {
		w.logLevel.Set(trawllog.ParseLevel(snap.LogLevel))
	}
}

// WorkerID returns the resolved worker identity.
func (w *Worker) WorkerID() string {
	return w.identity.WorkerID
}

// Stats reports live engine load.
func (w *Worker) Stats() engine.Stats {
	return w.engine.Stats()
}

// Run registers with the master and drives every component loop until
// ctx is cancelled, then drains. Unacked deliveries stay pending for
// the master's reclaim pass; spooled log output survives on disk for
// the next boot.
func (w *Worker) Run(ctx context.Context) error {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return fmt.Errorf("worker already started")
	}
	w.started = true
	w.mu.Unlock()

	defer w.close()

	reg, err := w.register(ctx)
	if err != nil {
		return err
	}
	w.reporter.SetInterval(reg.HeartbeatInterval)
	w.logger.Info("worker registered",
		slog.String("transport", string(w.cfg.Transport.Mode)),
		slog.Duration("heartbeat_interval", reg.HeartbeatInterval))

	// Output stranded by a crash ships before new runs produce more.
	recoverCtx, cancel := context.WithTimeout(ctx, time.Minute)
	if err := w.logs.RecoverOrphans(recoverCtx); err != nil {
		w.logger.Warn("orphan log recovery failed", trawllog.Error(err))
	}
	if err := w.logs.RecoverFromSpool(recoverCtx); err != nil {
		w.logger.Warn("spool recovery failed", trawllog.Error(err))
	}
	cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return w.engine.Run(gctx) })
	g.Go(func() error { return w.reporter.Run(gctx) })
	g.Go(func() error { return w.store.Watch(gctx) })
	if w.reclaimer != nil {
		g.Go(func() error { return w.reclaimer.Run(gctx) })
	}
	if w.cfg.Runtime.GCInterval > 0 {
		g.Go(func() error {
			w.resolver.RunGC(gctx, w.cfg.Runtime.GCInterval, w.cfg.Runtime.GCMaxAge)
			return nil
		})
	}
	if addr := w.metricsAddr(); addr != "" {
		g.Go(func() error { return w.serveMetrics(gctx, addr) })
	}

	err = g.Wait()
	if err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

// register performs the initial registration, retrying transient
// failures with doubling backoff. A worker that cannot register does
// not poll.
func (w *Worker) register(ctx context.Context) (*transport.Registration, error) {
	backoff := time.Second
	for {
		hb := w.reporter.Snapshot(ctx)
		reg, err := w.transport.Register(ctx, hb)
		if err == nil {
			return reg, nil
		}
		if !trawlerrors.Retryable(err) {
			return nil, err
		}
		w.logger.Warn("registration failed, retrying",
			trawllog.Error(err),
			slog.Duration("backoff", backoff))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		if backoff < w.cfg.Heartbeat.ReconnectBackoffMax {
			backoff *= 2
		}
	}
}

func (w *Worker) metricsAddr() string {
	if !w.cfg.Observability.Enabled {
		return ""
	}
	return w.cfg.Observability.MetricsAddr
}

// serveMetrics exposes the Prometheus registry and a liveness probe
// until ctx is cancelled.
func (w *Worker) serveMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", w.metrics.Handler())
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, _ *http.Request) {
		rw.WriteHeader(http.StatusOK)
		fmt.Fprintln(rw, "ok")
	})

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("metrics listener: %w", err)
	}
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	w.logger.Info("metrics listening", slog.String("addr", ln.Addr().String()))

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
func (w *Worker) close() {
	if w.tracer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		w.tracer.Shutdown(ctx)
		cancel()
	}
	w.transport.Close()
}
