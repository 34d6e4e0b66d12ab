// Copyright (C) 2025 chouse-ui contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package observability provides Prometheus metrics for the assistant
// service.
//
// # Description
//
// Counters, histograms and gauges for the streaming chat endpoint and tool
// execution. Exposed on /metrics; all operations are thread-safe via
// Prometheus's internal locking.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Metric Definitions
// =============================================================================

const metricsNamespace = "chouse"

const assistantSubsystem = "assistant"

// AssistantMetrics holds all Prometheus metrics for assistant operations.
//
// Initialize once at startup via InitMetrics(). All helper methods tolerate a
// nil receiver so unit tests can run without registering metrics.
type AssistantMetrics struct {
	// RequestsTotal counts assistant requests by endpoint and status.
	// Labels: endpoint, status (success, error)
	RequestsTotal *prometheus.CounterVec

	// ActiveStreams tracks currently open streaming responses.
	// Labels: endpoint
	ActiveStreams *prometheus.GaugeVec

	// StreamDurationSeconds measures total stream duration.
	// Labels: endpoint, status (success, error)
	StreamDurationSeconds *prometheus.HistogramVec

	// TimeToFirstOutputSeconds measures latency until the first frame that
	// carries content (buffering delays first output past first token).
	// Labels: endpoint
	TimeToFirstOutputSeconds *prometheus.HistogramVec

	// ErrorsTotal counts errors by endpoint and error code.
	// Labels: endpoint, error_code
	ErrorsTotal *prometheus.CounterVec

	// KeepAlivesTotal counts keep-alive frames sent.
	// Labels: endpoint
	KeepAlivesTotal *prometheus.CounterVec

	// ClientDisconnectsTotal counts clients that dropped mid-stream.
	// Labels: endpoint
	ClientDisconnectsTotal *prometheus.CounterVec

	// ToolInvocationsTotal counts tool executions by tool name and status.
	// Labels: tool, status (success, error)
	ToolInvocationsTotal *prometheus.CounterVec
}

// DefaultMetrics is the singleton instance. Initialized by InitMetrics().
var DefaultMetrics *AssistantMetrics

// InitMetrics creates and registers all metrics on the default registry.
// Call once at startup; a second call panics on duplicate registration.
func InitMetrics() *AssistantMetrics {
	DefaultMetrics = &AssistantMetrics{
		RequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: assistantSubsystem,
				Name:      "requests_total",
				Help:      "Total assistant requests by endpoint and status",
			},
			[]string{"endpoint", "status"},
		),

		ActiveStreams: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: assistantSubsystem,
				Name:      "active_streams",
				Help:      "Number of currently open streaming responses",
			},
			[]string{"endpoint"},
		),

		StreamDurationSeconds: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: assistantSubsystem,
				Name:      "stream_duration_seconds",
				Help:      "Total stream duration in seconds",
				Buckets:   []float64{1, 5, 10, 30, 60, 120, 300},
			},
			[]string{"endpoint", "status"},
		),

		TimeToFirstOutputSeconds: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: assistantSubsystem,
				Name:      "time_to_first_output_seconds",
				Help:      "Time from request to first content frame in seconds",
				Buckets:   []float64{0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0},
			},
			[]string{"endpoint"},
		),

		ErrorsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: assistantSubsystem,
				Name:      "errors_total",
				Help:      "Total assistant errors by endpoint and error code",
			},
			[]string{"endpoint", "error_code"},
		),

		KeepAlivesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: assistantSubsystem,
				Name:      "keepalives_total",
				Help:      "Total keep-alive frames sent",
			},
			[]string{"endpoint"},
		),

		ClientDisconnectsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: assistantSubsystem,
				Name:      "client_disconnects_total",
				Help:      "Total client disconnections during streaming",
			},
			[]string{"endpoint"},
		),

		ToolInvocationsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: assistantSubsystem,
				Name:      "tool_invocations_total",
				Help:      "Total tool executions by tool name and status",
			},
			[]string{"tool", "status"},
		),
	}

	return DefaultMetrics
}

// =============================================================================
// Error Codes
// =============================================================================

// ErrorCode categorizes an error for metrics labeling.
type ErrorCode string

const (
	// ErrorCodeValidation indicates request validation failure.
	ErrorCodeValidation ErrorCode = "validation"

	// ErrorCodeThreadNotFound indicates an unknown or foreign thread.
	ErrorCodeThreadNotFound ErrorCode = "thread_not_found"

	// ErrorCodeEngine indicates a model provider failure.
	ErrorCodeEngine ErrorCode = "engine_error"

	// ErrorCodeStorage indicates a persistence failure.
	ErrorCodeStorage ErrorCode = "storage_error"

	// ErrorCodeInternal indicates an internal server error.
	ErrorCodeInternal ErrorCode = "internal"
)

// =============================================================================
// Endpoint Names
// =============================================================================

// Endpoint labels the HTTP surface a metric belongs to.
type Endpoint string

const (
	// EndpointChatStream is the streaming chat endpoint.
	EndpointChatStream Endpoint = "chat_stream"

	// EndpointThreads covers thread administration endpoints.
	EndpointThreads Endpoint = "threads"
)

// =============================================================================
// Helper Methods
// =============================================================================

// RecordRequest records a completed request.
func (m *AssistantMetrics) RecordRequest(endpoint Endpoint, success bool) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(string(endpoint), statusLabel(success)).Inc()
}

// RecordError records an error occurrence.
func (m *AssistantMetrics) RecordError(endpoint Endpoint, code ErrorCode) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(string(endpoint), string(code)).Inc()
}

// StreamStarted increments the active streams gauge.
func (m *AssistantMetrics) StreamStarted(endpoint Endpoint) {
	if m == nil {
		return
	}
	m.ActiveStreams.WithLabelValues(string(endpoint)).Inc()
}

// StreamEnded decrements the active streams gauge.
func (m *AssistantMetrics) StreamEnded(endpoint Endpoint) {
	if m == nil {
		return
	}
	m.ActiveStreams.WithLabelValues(string(endpoint)).Dec()
}

// RecordStreamDuration records the total stream duration.
func (m *AssistantMetrics) RecordStreamDuration(endpoint Endpoint, seconds float64, success bool) {
	if m == nil {
		return
	}
	m.StreamDurationSeconds.WithLabelValues(string(endpoint), statusLabel(success)).Observe(seconds)
}

// RecordTimeToFirstOutput records latency until the first content frame.
func (m *AssistantMetrics) RecordTimeToFirstOutput(endpoint Endpoint, seconds float64) {
	if m == nil {
		return
	}
	m.TimeToFirstOutputSeconds.WithLabelValues(string(endpoint)).Observe(seconds)
}

// RecordKeepAlive increments the keep-alive counter.
func (m *AssistantMetrics) RecordKeepAlive(endpoint Endpoint) {
	if m == nil {
		return
	}
	m.KeepAlivesTotal.WithLabelValues(string(endpoint)).Inc()
}

// RecordClientDisconnect increments the disconnect counter.
func (m *AssistantMetrics) RecordClientDisconnect(endpoint Endpoint) {
	if m == nil {
		return
	}
	m.ClientDisconnectsTotal.WithLabelValues(string(endpoint)).Inc()
}

// RecordToolInvocation records one tool execution.
func (m *AssistantMetrics) RecordToolInvocation(tool string, success bool) {
	if m == nil {
		return
	}
	m.ToolInvocationsTotal.WithLabelValues(tool, statusLabel(success)).Inc()
}

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
}
