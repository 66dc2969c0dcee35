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

package tracing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

func TestDisabledProviderStillTraces(t *testing.T) {
	p, err := NewProvider(context.Background(), Config{Enabled: false})
	require.NoError(t, err)
	defer p.Shutdown(context.Background())

	tracer := p.Tracer("trawl/engine")
	ctx, span := tracer.Start(context.Background(), "task.execute")
	require.NotNil(t, ctx)
	span.End()
}

func TestProviderRejectsUnknownExporter(t *testing.T) {
	_, err := NewProvider(context.Background(), Config{
		Enabled:  true,
		Exporter: "jaeger",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown exporter")
}

func TestSamplerKeepsFailedSpans(t *testing.T) {
	s := newSampler(Config{SampleRate: -1, AlwaysSampleErrors: true})

	traceID := trace.TraceID{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}
	failed := sdktrace.SamplingParameters{
		ParentContext: context.Background(),
		TraceID:       traceID,
		Name:          "task.execute",
		Attributes:    []attribute.KeyValue{AttrStatus.String("failed")},
	}
	assert.Equal(t, sdktrace.RecordAndSample, s.ShouldSample(failed).Decision)

	ok := sdktrace.SamplingParameters{
		ParentContext: context.Background(),
		TraceID:       traceID,
		Name:          "task.execute",
		Attributes:    []attribute.KeyValue{AttrStatus.String("success")},
	}
	assert.Equal(t, sdktrace.Drop, s.ShouldSample(ok).Decision)
}

func TestSamplerDefaultsToAlways(t *testing.T) {
	s := newSampler(Config{})
	assert.Equal(t, sdktrace.AlwaysSample().Description(), s.Description())
}
