// Copyright 2025 Kadir Pekel
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

package observability

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics records engine and HTTP metrics. A nil *Metrics is a valid no-op.
type Metrics struct {
	registry *prometheus.Registry
	provider *sdkmetric.MeterProvider

	runsStarted  metric.Int64Counter
	runsFinished metric.Int64Counter
	runDuration  metric.Float64Histogram
	steps        metric.Int64Counter
	stepDuration metric.Float64Histogram
	records      metric.Int64Counter
	httpRequests metric.Int64Counter
	httpDuration metric.Float64Histogram
}

// NewMetrics creates the meters on a dedicated Prometheus registry. It returns
// nil when metrics are disabled.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	registry := prometheus.NewRegistry()
	exporter, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	meter := provider.Meter("flowline")

	m := &Metrics{registry: registry, provider: provider}

	if m.runsStarted, err = meter.Int64Counter("flowline_runs_started_total",
		metric.WithDescription("Runs started or resumed")); err != nil {
		return nil, fmt.Errorf("failed to create runs started counter: %w", err)
	}
	if m.runsFinished, err = meter.Int64Counter("flowline_runs_finished_total",
		metric.WithDescription("Run segments that stopped, by final status")); err != nil {
		return nil, fmt.Errorf("failed to create runs finished counter: %w", err)
	}
	if m.runDuration, err = meter.Float64Histogram("flowline_run_duration_seconds",
		metric.WithDescription("Run segment duration in seconds")); err != nil {
		return nil, fmt.Errorf("failed to create run duration histogram: %w", err)
	}
	if m.steps, err = meter.Int64Counter("flowline_steps_total",
		metric.WithDescription("Step executions by final status")); err != nil {
		return nil, fmt.Errorf("failed to create steps counter: %w", err)
	}
	if m.stepDuration, err = meter.Float64Histogram("flowline_step_duration_seconds",
		metric.WithDescription("Step execution duration in seconds")); err != nil {
		return nil, fmt.Errorf("failed to create step duration histogram: %w", err)
	}
	if m.records, err = meter.Int64Counter("flowline_records_total",
		metric.WithDescription("Stream records published by kind")); err != nil {
		return nil, fmt.Errorf("failed to create records counter: %w", err)
	}
	if m.httpRequests, err = meter.Int64Counter("flowline_http_requests_total",
		metric.WithDescription("HTTP requests")); err != nil {
		return nil, fmt.Errorf("failed to create http requests counter: %w", err)
	}
	if m.httpDuration, err = meter.Float64Histogram("flowline_http_request_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds")); err != nil {
		return nil, fmt.Errorf("failed to create http duration histogram: %w", err)
	}
	return m, nil
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RunStarted counts a run segment starting. kind is workflow or network.
func (m *Metrics) RunStarted(ctx context.Context, kind, name string) {
	if m == nil {
		return
	}
	m.runsStarted.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("name", name),
	))
}

// RunFinished records a run segment stopping at status.
func (m *Metrics) RunFinished(ctx context.Context, kind, name, status string, d time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("name", name),
		attribute.String("status", status),
	)
	m.runsFinished.Add(ctx, 1, attrs)
	m.runDuration.Record(ctx, d.Seconds(), attrs)
}

// StepFinished records one step execution.
func (m *Metrics) StepFinished(ctx context.Context, workflow, step, status string, d time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("workflow", workflow),
		attribute.String("step", step),
		attribute.String("status", status),
	)
	m.steps.Add(ctx, 1, attrs)
	m.stepDuration.Record(ctx, d.Seconds(), attrs)
}

// RecordPublished counts a stream record.
func (m *Metrics) RecordPublished(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	m.records.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// HTTPRequest records one served request. route is the router pattern, not
// the raw path.
func (m *Metrics) HTTPRequest(ctx context.Context, method, route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("route", route),
		attribute.String("status", strconv.Itoa(status)),
	)
	m.httpRequests.Add(ctx, 1, attrs)
	m.httpDuration.Record(ctx, d.Seconds(), attrs)
}

// Shutdown flushes and stops the meter provider.
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m == nil || m.provider == nil {
		return nil
	}
	return m.provider.Shutdown(ctx)
}
