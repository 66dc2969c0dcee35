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

// Package metrics exposes Prometheus collectors for the worker and
// master processes. Collectors are registered on a private registry so
// tests can create as many instances as they like without colliding on
// the global default.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector the process records.
type Metrics struct {
	registry *prometheus.Registry

	// TasksTotal counts finished runs by terminal status.
	TasksTotal *prometheus.CounterVec

	// TasksRunning tracks in-flight runs.
	TasksRunning prometheus.Gauge

	// QueueDepth tracks the scheduler backlog.
	QueueDepth prometheus.Gauge

	// LogEntries counts log entries accepted into pipelines.
	LogEntries prometheus.Counter

	// LogEntriesDropped counts entries shed under backpressure.
	LogEntriesDropped prometheus.Counter

	// LogBatches counts batches handed to the transport.
	LogBatches *prometheus.CounterVec

	// HeartbeatFailures counts failed heartbeat sends.
	HeartbeatFailures prometheus.Counter

	// ReclaimedTasks counts pending entries claimed from other consumers.
	ReclaimedTasks prometheus.Counter

	// DeadLettered counts tasks parked after exhausting their retry budget.
	DeadLettered prometheus.Counter

	// DispatchTotal counts master-side dispatch attempts by outcome.
	DispatchTotal *prometheus.CounterVec

	// RuntimeBuilds counts environment builds by outcome.
	RuntimeBuilds *prometheus.CounterVec

	// TaskDuration observes run wall time by terminal status.
	TaskDuration *prometheus.HistogramVec
}

// New creates the collectors on a fresh private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		TasksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trawl_tasks_total",
			Help: "Finished runs by terminal status.",
		}, []string{"status"}),
		TasksRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "trawl_tasks_running",
			Help: "Runs currently executing.",
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "trawl_queue_depth",
			Help: "Tasks waiting in the scheduler.",
		}),
		LogEntries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "trawl_log_entries_total",
			Help: "Log entries accepted into run pipelines.",
		}),
		LogEntriesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "trawl_log_entries_dropped_total",
			Help: "Log entries dropped under backpressure.",
		}),
		LogBatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trawl_log_send_batches_total",
			Help: "Log batches handed to the transport by outcome.",
		}, []string{"outcome"}),
		HeartbeatFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "trawl_heartbeat_failures_total",
			Help: "Heartbeat sends that failed.",
		}),
		ReclaimedTasks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "trawl_reclaimed_tasks_total",
			Help: "Pending stream entries claimed from stale consumers.",
		}),
		DeadLettered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "trawl_dead_lettered_total",
			Help: "Tasks moved to a dead-letter stream.",
		}),
		DispatchTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trawl_dispatch_total",
			Help: "Dispatch attempts by outcome.",
		}, []string{"outcome"}),
		RuntimeBuilds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trawl_runtime_builds_total",
			Help: "Runtime environment builds by outcome.",
		}, []string{"outcome"}),
		TaskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "trawl_task_duration_seconds",
			Help:    "Run wall time by terminal status.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 14),
		}, []string{"status"}),
	}

	reg.MustRegister(
		m.TasksTotal,
		m.TasksRunning,
		m.QueueDepth,
		m.LogEntries,
		m.LogEntriesDropped,
		m.LogBatches,
		m.HeartbeatFailures,
		m.ReclaimedTasks,
		m.DeadLettered,
		m.DispatchTotal,
		m.RuntimeBuilds,
		m.TaskDuration,
	)

	return m
}

// Handler returns the scrape endpoint for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for additional collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
