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

// Package tracing wires OpenTelemetry into the worker and master.
// Task executions produce a task.execute span with runtime.resolve,
// artifact.fetch and process.run children; the master traces dispatch
// decisions. Correlation IDs bridge the HTTP surfaces that sit outside
// the traced gRPC/Redis paths.
package tracing

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"google.golang.org/grpc/credentials"
)

// Span attribute keys shared by worker and master spans.
const (
	AttrRunID       = attribute.Key("trawl.run_id")
	AttrTaskID      = attribute.Key("trawl.task_id")
	AttrWorkerID    = attribute.Key("trawl.worker_id")
	AttrProjectID   = attribute.Key("trawl.project_id")
	AttrBatchID     = attribute.Key("trawl.batch_id")
	AttrRuntimeHash = attribute.Key("trawl.runtime_hash")
	AttrStatus      = attribute.Key("trawl.status")
	AttrTransport   = attribute.Key("trawl.transport")
)

// Config selects the exporter and sampling behavior.
type Config struct {
	Enabled        bool   `yaml:"enabled"`
	ServiceName    string `yaml:"service_name"`
	ServiceVersion string `yaml:"service_version"`

	// Exporter is one of "otlp-grpc", "otlp-http", "stdout" or "none".
	Exporter string `yaml:"exporter"`
	Endpoint string `yaml:"endpoint"`

	// Insecure disables TLS on the OTLP connection. Dev only.
	Insecure   bool   `yaml:"insecure"`
	CACertPath string `yaml:"ca_cert_path"`

	// SampleRate is the fraction of traces kept, 0.0 to 1.0. Error
	// spans are kept regardless when AlwaysSampleErrors is set.
	SampleRate         float64 `yaml:"sample_rate"`
	AlwaysSampleErrors bool    `yaml:"always_sample_errors"`
}

// Provider owns the tracer provider lifecycle. A disabled config still
// yields a working Provider whose tracers record nothing.
type Provider struct {
	tp *sdktrace.TracerProvider
}

// NewProvider builds and installs the global tracer provider.
func NewProvider(ctx context.Context, cfg Config) (*Provider, error) {
	if !cfg.Enabled || cfg.Exporter == "none" || cfg.Exporter == "" {
		otel.SetTracerProvider(noop.NewTracerProvider())
		return &Provider{}, nil
	}

	exporter, err := newExporter(ctx, cfg)
	if err != nil {
		return nil, err
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			"", // no schema URL, avoids merge conflicts with the default resource
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("tracing: build resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(newSampler(cfg)),
		sdktrace.WithBatcher(exporter),
	)
	otel.SetTracerProvider(tp)
	return &Provider{tp: tp}, nil
}

// Tracer returns a tracer for the given instrumentation scope.
func (p *Provider) Tracer(name string) trace.Tracer {
	if p.tp == nil {
		return noop.NewTracerProvider().Tracer(name)
	}
	return p.tp.Tracer(name)
}

// ForceFlush exports all buffered spans synchronously.
func (p *Provider) ForceFlush(ctx context.Context) error {
	if p.tp == nil {
		return nil
	}
	return p.tp.ForceFlush(ctx)
}

// Shutdown flushes pending spans and releases resources.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tp == nil {
		return nil
	}
	return p.tp.Shutdown(ctx)
}

func newExporter(ctx context.Context, cfg Config) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case "stdout":
		return stdouttrace.New(stdouttrace.WithPrettyPrint())

	case "otlp-grpc":
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
		if cfg.Insecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		} else {
			tlsCfg, err := buildTLSConfig(cfg.CACertPath)
			if err != nil {
				return nil, err
			}
			opts = append(opts, otlptracegrpc.WithTLSCredentials(credentials.NewTLS(tlsCfg)))
		}
		return otlptracegrpc.New(ctx, opts...)

	case "otlp-http":
		opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.Endpoint)}
		if cfg.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		} else {
			tlsCfg, err := buildTLSConfig(cfg.CACertPath)
			if err != nil {
				return nil, err
			}
			opts = append(opts, otlptracehttp.WithTLSClientConfig(tlsCfg))
		}
		return otlptracehttp.New(ctx, opts...)

	default:
		return nil, fmt.Errorf("tracing: unknown exporter %q", cfg.Exporter)
	}
}

// buildTLSConfig trusts the system pool, or only the given CA when one
// is configured.
func buildTLSConfig(caCertPath string) (*tls.Config, error) {
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if caCertPath == "" {
		pool, err := x509.SystemCertPool()
		if err != nil {
			return nil, fmt.Errorf("tracing: system cert pool: %w", err)
		}
		cfg.RootCAs = pool
		return cfg, nil
	}

	pem, err := os.ReadFile(caCertPath)
	if err != nil {
		return nil, fmt.Errorf("tracing: read CA certificate: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("tracing: parse CA certificate %s", caCertPath)
	}
	cfg.RootCAs = pool
	return cfg, nil
}

func newSampler(cfg Config) sdktrace.Sampler {
	var base sdktrace.Sampler
	switch {
	case cfg.SampleRate >= 1.0 || cfg.SampleRate == 0:
		// Unset rate means sample everything.
		base = sdktrace.AlwaysSample()
	case cfg.SampleRate < 0:
		base = sdktrace.NeverSample()
	default:
		base = sdktrace.TraceIDRatioBased(cfg.SampleRate)
	}
	if cfg.AlwaysSampleErrors {
		return &errorAwareSampler{base: base}
	}
	return base
}

// errorAwareSampler keeps every span marked failed at start time and
// defers to the base sampler for the rest.
type errorAwareSampler struct {
	base sdktrace.Sampler
}

func (s *errorAwareSampler) ShouldSample(p sdktrace.SamplingParameters) sdktrace.SamplingResult {
	for _, attr := range p.Attributes {
		if attr.Key == "error" && attr.Value.AsBool() {
			return sdktrace.SamplingResult{
				Decision:   sdktrace.RecordAndSample,
				Tracestate: trace.SpanContextFromContext(p.ParentContext).TraceState(),
			}
		}
		if attr.Key == AttrStatus && attr.Value.AsString() == "failed" {
			return sdktrace.SamplingResult{
				Decision:   sdktrace.RecordAndSample,
				Tracestate: trace.SpanContextFromContext(p.ParentContext).TraceState(),
			}
		}
	}
	return s.base.ShouldSample(p)
}

func (s *errorAwareSampler) Description() string {
	return "ErrorAwareSampler{base=" + s.base.Description() + "}"
}
