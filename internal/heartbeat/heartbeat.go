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

// Package heartbeat reports worker liveness and load to the master on a
// fixed cadence, and owns the degraded-mode recovery loop when the
// channel stops accepting reports.
package heartbeat

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/trawlhq/trawl/internal/engine"
	trawllog "github.com/trawlhq/trawl/internal/log"
	"github.com/trawlhq/trawl/internal/metrics"
	"github.com/trawlhq/trawl/internal/wire"
	trawlerrors "github.com/trawlhq/trawl/pkg/errors"
)

// State is the reporter's view of channel health.
type State string

const (
	// StateRunning means reports are flowing.
	StateRunning State = "RUNNING"
	// StateDegraded means too many consecutive sends failed; the
	// reporter is trying to rebuild the channel instead of reporting.
	StateDegraded State = "DEGRADED"
	// StateStopped means the reporter loop has exited.
	StateStopped State = "STOPPED"
)

// Channel is the slice of the transport the reporter drives.
// transport.Transport satisfies it.
type Channel interface {
	SendHeartbeat(ctx context.Context, hb *wire.Heartbeat) error
	Reconnect(ctx context.Context) error
}

// Config tunes the reporter. Zero values get safe defaults.
type Config struct {
	// WorkerID stamps every report.
	WorkerID string

	// Identity fields advertised with each beat.
	Name    string
	Host    string
	Port    int
	Region  string
	Version string

	// PythonVersion is the default interpreter version the worker
	// resolves runtimes with.
	PythonVersion string

	// MaxConcurrent is the worker's run slot count.
	MaxConcurrent int

	// Interval is the nominal reporting period. The master may issue a
	// different one at registration; see SetInterval.
	Interval time.Duration

	// MinInterval is the fast-retry period after a failed send.
	MinInterval time.Duration

	// DegradedInterval is the first delay between recovery attempts
	// once the reporter is degraded; it doubles up to
	// ReconnectBackoffMax while the channel stays down.
	DegradedInterval time.Duration

	// MaxConsecutiveFailures is how many sends may fail in a row
	// before the reporter goes degraded.
	MaxConsecutiveFailures int

	// ReconnectBackoffMax caps the delay between recovery attempts.
	ReconnectBackoffMax time.Duration

	// SendTimeout bounds one send or reconnect attempt.
	SendTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
	if c.MinInterval <= 0 {
		c.MinInterval = 5 * time.Second
	}
	if c.DegradedInterval <= 0 {
		c.DegradedInterval = 60 * time.Second
	}
	if c.MaxConsecutiveFailures <= 0 {
		c.MaxConsecutiveFailures = 5
	}
	if c.ReconnectBackoffMax <= 0 {
		c.ReconnectBackoffMax = 2 * time.Minute
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 10 * time.Second
	}
	return c
}

// Options carries the reporter's collaborators.
type Options struct {
	Logger  *slog.Logger
	Metrics *metrics.Metrics

	// Stats supplies live run counts. Nil reports zero load.
	Stats func() engine.Stats

	// Capabilities supplies the optional-feature probe results. Nil
	// advertises none.
	Capabilities func() map[string]wire.Capability

	// Sampler overrides host metric collection. Nil uses the gopsutil
	// sampler rooted at "/".
	Sampler Sampler

	// OnDisconnect fires once per transition into DEGRADED, with the
	// send error that tipped the counter.
	OnDisconnect func(error)
}

// Reporter publishes heartbeats and recovers the channel when they
// stop getting through.
type Reporter struct {
	cfg     Config
	channel Channel
	sampler Sampler
	stats   func() engine.Stats
	caps    func() map[string]wire.Capability
	onDisc  func(error)
	metrics *metrics.Metrics
	logger  *slog.Logger

	mu       sync.Mutex
	state    State
	failures int
	interval time.Duration
}

// New creates a Reporter. channel is required.
func New(cfg Config, channel Channel, opts Options) (*Reporter, error) {
	if channel == nil {
		return nil, &trawlerrors.ValidationError{Field: "channel", Message: "required"}
	}
	cfg = cfg.withDefaults()
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	if opts.Sampler == nil {
		opts.Sampler = NewSampler("")
	}
	return &Reporter{
		cfg:      cfg,
		channel:  channel,
		sampler:  opts.Sampler,
		stats:    opts.Stats,
		caps:     opts.Capabilities,
		onDisc:   opts.OnDisconnect,
		metrics:  opts.Metrics,
		logger:   trawllog.WithComponent(opts.Logger, "heartbeat"),
		state:    StateRunning,
		interval: cfg.Interval,
	}, nil
}

// State reports the current reporter state.
func (r *Reporter) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// SetInterval adopts a master-issued reporting period. Zero or negative
// keeps the configured one.
func (r *Reporter) SetInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	r.mu.Lock()
	r.interval = d
	r.mu.Unlock()
}

// Snapshot builds the report the next beat would send. The worker also
// uses it as the registration payload.
func (r *Reporter) Snapshot(ctx context.Context) *wire.Heartbeat {
	sample := r.sampler.Sample(ctx)
	info := r.sampler.Info()
	hb := &wire.Heartbeat{
		WorkerID:      r.cfg.WorkerID,
		Status:        string(r.State()),
		CPUPercent:    sample.CPUPercent,
		MemoryPercent: sample.MemoryPercent,
		DiskPercent:   sample.DiskPercent,
		MaxConcurrent: r.cfg.MaxConcurrent,
		Timestamp:     time.Now().UTC(),
		Name:          r.cfg.Name,
		Host:          r.cfg.Host,
		Port:          r.cfg.Port,
		Region:        r.cfg.Region,
		Version:       r.cfg.Version,
		OSType:        info.OSType,
		OSVersion:     info.OSVersion,
		MachineArch:   info.MachineArch,
		PythonVersion: r.cfg.PythonVersion,
	}
	if r.stats != nil {
		hb.RunningTasks = r.stats().Running
	}
	if r.caps != nil {
		hb.Capabilities = r.caps()
	}
	return hb
}

// Run reports until ctx is cancelled. It never returns an error from
// the channel; send failures feed the degraded-mode state machine
// instead.
func (r *Reporter) Run(ctx context.Context) error {
	defer r.setState(StateStopped)

	delay := r.sendOnce(ctx)
	backoff := r.cfg.DegradedInterval
	timer := time.NewTimer(delay)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		}
		if r.State() == StateDegraded {
			delay, backoff = r.recoverOnce(ctx, backoff)
		} else {
			delay = r.sendOnce(ctx)
			backoff = r.cfg.DegradedInterval
		}
		timer.Reset(delay)
	}
}

// sendOnce publishes one beat and returns the delay until the next
// cycle per the outcome.
func (r *Reporter) sendOnce(ctx context.Context) time.Duration {
	hb := r.Snapshot(ctx)
	sctx, cancel := context.WithTimeout(ctx, r.cfg.SendTimeout)
	err := r.channel.SendHeartbeat(sctx, hb)
	cancel()

	if err == nil {
		r.noteSuccess()
		return r.nominalInterval()
	}
	if ctx.Err() != nil {
		return r.nominalInterval()
	}

	r.metrics.HeartbeatFailures.Inc()
	n := r.noteFailure()
	r.logger.Warn("heartbeat send failed",
		slog.Int("consecutive_failures", n),
		trawllog.Error(err))

	if n >= r.cfg.MaxConsecutiveFailures {
		r.enterDegraded(err)
		return r.cfg.DegradedInterval
	}
	return r.cfg.MinInterval
}

// recoverOnce attempts to rebuild the channel while degraded. On
// success the reporter is running again and reports immediately; on
// failure the backoff doubles up to the cap.
func (r *Reporter) recoverOnce(ctx context.Context, backoff time.Duration) (delay, next time.Duration) {
	rctx, cancel := context.WithTimeout(ctx, r.cfg.SendTimeout)
	err := r.channel.Reconnect(rctx)
	cancel()

	if err != nil {
		next = backoff * 2
		if next > r.cfg.ReconnectBackoffMax {
			next = r.cfg.ReconnectBackoffMax
		}
		if ctx.Err() == nil {
			r.logger.Warn("reconnect failed",
				trawllog.Duration("next_attempt_in", backoff.Milliseconds()),
				trawllog.Error(err))
		}
		return backoff, next
	}

	r.logger.Info("transport reconnected")
	r.markRunning()
	return r.sendOnce(ctx), r.cfg.DegradedInterval
}

func (r *Reporter) noteSuccess() {
	r.mu.Lock()
	recovered := r.state == StateDegraded
	r.state = StateRunning
	r.failures = 0
	r.mu.Unlock()
	if recovered {
		r.logger.Info("heartbeat channel recovered")
	}
}

func (r *Reporter) noteFailure() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures++
	return r.failures
}

// enterDegraded transitions to DEGRADED and fires the disconnect
// callback, once per episode.
func (r *Reporter) enterDegraded(cause error) {
	r.mu.Lock()
	already := r.state == StateDegraded
	r.state = StateDegraded
	r.mu.Unlock()
	if already {
		return
	}
	r.logger.Error("heartbeat channel degraded, attempting recovery",
		slog.Int("failures", r.cfg.MaxConsecutiveFailures),
		trawllog.Error(cause))
	if r.onDisc != nil {
		r.onDisc(cause)
	}
}

func (r *Reporter) markRunning() {
	r.mu.Lock()
	r.state = StateRunning
	r.failures = 0
	r.mu.Unlock()
}

func (r *Reporter) setState(s State) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}

func (r *Reporter) nominalInterval() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.interval
}
