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
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// MetricsConfig enables the Prometheus exporter.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Recorder records the broker's operational metrics.
type Recorder interface {
	RecordTaskRun(ctx context.Context, status string, duration time.Duration)
	RecordToolCall(ctx context.Context, toolPath string, duration time.Duration, err error)
	RecordApproval(ctx context.Context, resolution string)
	RecordHTTPRequest(ctx context.Context, method, path string, statusCode int, duration time.Duration)
	RecordSessionCreated(ctx context.Context)

	// Handler serves the scrape endpoint.
	Handler() http.Handler
}

// PromRecorder is the Prometheus-backed Recorder.
type PromRecorder struct {
	taskDuration  metric.Float64Histogram
	taskRuns      metric.Int64Counter
	toolDuration  metric.Float64Histogram
	toolCalls     metric.Int64Counter
	toolErrors    metric.Int64Counter
	approvals     metric.Int64Counter
	httpDuration  metric.Float64Histogram
	httpRequests  metric.Int64Counter
	sessionsTotal metric.Int64Counter
}

func initMetrics(cfg MetricsConfig) (Recorder, error) {
	if !cfg.Enabled {
		return NoopRecorder{}, nil
	}

	exporter, err := otelprom.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}
	meter := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter)).Meter("runlet")

	r := &PromRecorder{}
	if r.taskDuration, err = meter.Float64Histogram(
		"runlet_task_duration_seconds",
		metric.WithDescription("Task execution duration in seconds"),
	); err != nil {
		return nil, err
	}
	if r.taskRuns, err = meter.Int64Counter(
		"runlet_tasks_total",
		metric.WithDescription("Total tasks by terminal status"),
	); err != nil {
		return nil, err
	}
	if r.toolDuration, err = meter.Float64Histogram(
		"runlet_tool_call_duration_seconds",
		metric.WithDescription("Tool call duration in seconds"),
	); err != nil {
		return nil, err
	}
	if r.toolCalls, err = meter.Int64Counter(
		"runlet_tool_calls_total",
		metric.WithDescription("Total tool calls"),
	); err != nil {
		return nil, err
	}
	if r.toolErrors, err = meter.Int64Counter(
		"runlet_tool_errors_total",
		metric.WithDescription("Total failed tool calls"),
	); err != nil {
		return nil, err
	}
	if r.approvals, err = meter.Int64Counter(
		"runlet_approvals_total",
		metric.WithDescription("Total approval resolutions"),
	); err != nil {
		return nil, err
	}
	if r.httpDuration, err = meter.Float64Histogram(
		"runlet_http_request_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds"),
	); err != nil {
		return nil, err
	}
	if r.httpRequests, err = meter.Int64Counter(
		"runlet_http_requests_total",
		metric.WithDescription("Total HTTP requests"),
	); err != nil {
		return nil, err
	}
	if r.sessionsTotal, err = meter.Int64Counter(
		"runlet_sessions_created_total",
		metric.WithDescription("Total sessions created"),
	); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *PromRecorder) RecordTaskRun(ctx context.Context, status string, duration time.Duration) {
	attrs := metric.WithAttributes(attribute.String("status", status))
	r.taskDuration.Record(ctx, duration.Seconds(), attrs)
	r.taskRuns.Add(ctx, 1, attrs)
}

func (r *PromRecorder) RecordToolCall(ctx context.Context, toolPath string, duration time.Duration, err error) {
	attrs := metric.WithAttributes(attribute.String("tool", toolPath))
	r.toolDuration.Record(ctx, duration.Seconds(), attrs)
	r.toolCalls.Add(ctx, 1, attrs)
	if err != nil {
		r.toolErrors.Add(ctx, 1, attrs)
	}
}

func (r *PromRecorder) RecordApproval(ctx context.Context, resolution string) {
	r.approvals.Add(ctx, 1, metric.WithAttributes(attribute.String("resolution", resolution)))
}

func (r *PromRecorder) RecordHTTPRequest(ctx context.Context, method, path string, statusCode int, duration time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("path", path),
		attribute.Int("status", statusCode),
	)
	r.httpDuration.Record(ctx, duration.Seconds(), attrs)
	r.httpRequests.Add(ctx, 1, attrs)
}

func (r *PromRecorder) RecordSessionCreated(ctx context.Context) {
	r.sessionsTotal.Add(ctx, 1)
}

func (r *PromRecorder) Handler() http.Handler {
	return promhttp.Handler()
}

// NoopRecorder drops every measurement.
type NoopRecorder struct{}

func (NoopRecorder) RecordTaskRun(context.Context, string, time.Duration)            {}
func (NoopRecorder) RecordToolCall(context.Context, string, time.Duration, error)    {}
func (NoopRecorder) RecordApproval(context.Context, string)                          {}
func (NoopRecorder) RecordHTTPRequest(context.Context, string, string, int, time.Duration) {}
func (NoopRecorder) RecordSessionCreated(context.Context)                            {}

// Handler replies 503 so scrapes fail visibly when metrics are off.
func (NoopRecorder) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "metrics not enabled", http.StatusServiceUnavailable)
	})
}

var (
	_ Recorder = (*PromRecorder)(nil)
	_ Recorder = NoopRecorder{}
)
