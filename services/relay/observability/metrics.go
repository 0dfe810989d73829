// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides Prometheus metrics for the relay.
//
// # Metrics
//
// HTTP surface:
//   - aleutian_relay_http_requests_total{route,method,status}
//   - aleutian_relay_http_request_duration_seconds{route,method}
//   - aleutian_relay_rate_limited_total{route}
//
// Chat streaming:
//   - aleutian_relay_chat_requests_total{outcome}
//   - aleutian_relay_chat_errors_total{stage,error_code}
//   - aleutian_relay_chat_active_streams
//   - aleutian_relay_chat_threads_created_total
//   - aleutian_relay_chat_time_to_first_fragment_seconds
//   - aleutian_relay_chat_stream_duration_seconds{outcome}
//   - aleutian_relay_chat_reply_bytes
//   - aleutian_relay_chat_keepalives_total
//   - aleutian_relay_chat_client_disconnects_total
//
// Feedback:
//   - aleutian_relay_feedback_received_total
//
// # Disabled Metrics
//
// Every recording method is safe to call on a nil *Metrics, so components
// take a *Metrics and work unchanged when metrics are turned off.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Constants
// =============================================================================

const metricsNamespace = "aleutian"
const relaySubsystem = "relay"

// Outcome labels a finished chat request.
type Outcome string

const (
	OutcomeSuccess          Outcome = "success"
	OutcomeInvalid          Outcome = "invalid"
	OutcomeSetupError       Outcome = "setup_error"
	OutcomeStreamError      Outcome = "stream_error"
	OutcomeClientDisconnect Outcome = "client_disconnect"
)

// Stage labels where in the chat exchange an error happened.
type Stage string

const (
	StageThread   Stage = "thread"
	StageRun      Stage = "run"
	StageStream   Stage = "stream"
	StageAssemble Stage = "assemble"
)

// ErrorCode classifies chat errors.
type ErrorCode string

const (
	ErrorCodeUpstream         ErrorCode = "upstream"
	ErrorCodeRunFailed        ErrorCode = "run_failed"
	ErrorCodeTimeout          ErrorCode = "timeout"
	ErrorCodeClientDisconnect ErrorCode = "client_disconnect"
	ErrorCodeInternal         ErrorCode = "internal"
)

// =============================================================================
// Struct Definition
// =============================================================================

// Metrics holds every relay collector.
//
// # Thread Safety
//
// Prometheus collectors are safe for concurrent use.
type Metrics struct {
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	RateLimitedTotal    *prometheus.CounterVec

	ChatRequestsTotal      *prometheus.CounterVec
	ChatErrorsTotal        *prometheus.CounterVec
	ActiveStreams          prometheus.Gauge
	ThreadsCreatedTotal    prometheus.Counter
	TimeToFirstFragment    prometheus.Histogram
	StreamDurationSeconds  *prometheus.HistogramVec
	ReplyBytes             prometheus.Histogram
	KeepAlivesTotal        prometheus.Counter
	ClientDisconnectsTotal prometheus.Counter

	FeedbackReceivedTotal prometheus.Counter
}

// NewMetrics creates and registers the relay collectors on reg.
//
// # Description
//
// Collectors are registered on the given registerer rather than the
// process default so that tests can use a fresh prometheus.NewRegistry()
// each time without duplicate-registration panics.
//
// # Inputs
//
//   - reg: Registerer to attach collectors to. Must not be nil.
//
// # Outputs
//
//   - *Metrics: Ready for use.
//
// # Examples
//
//	reg := prometheus.NewRegistry()
//	m := observability.NewMetrics(reg)
//	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		HTTPRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: relaySubsystem,
				Name:      "http_requests_total",
				Help:      "Total HTTP requests by route, method and status code",
			},
			[]string{"route", "method", "status"},
		),
		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: relaySubsystem,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request latency in seconds, including full stream time",
				Buckets:   []float64{0.005, 0.025, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{"route", "method"},
		),
		RateLimitedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: relaySubsystem,
				Name:      "rate_limited_total",
				Help:      "Requests rejected by the rate limiter",
			},
			[]string{"route"},
		),
		ChatRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: relaySubsystem,
				Name:      "chat_requests_total",
				Help:      "Chat requests by outcome",
			},
			[]string{"outcome"},
		),
		ChatErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: relaySubsystem,
				Name:      "chat_errors_total",
				Help:      "Chat errors by stage and error code",
			},
			[]string{"stage", "error_code"},
		),
		ActiveStreams: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: relaySubsystem,
				Name:      "chat_active_streams",
				Help:      "Chat requests currently being relayed",
			},
		),
		ThreadsCreatedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: relaySubsystem,
				Name:      "chat_threads_created_total",
				Help:      "Threads created upstream for requests without a thread reference",
			},
		),
		TimeToFirstFragment: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: relaySubsystem,
				Name:      "chat_time_to_first_fragment_seconds",
				Help:      "Time from request start to the first text fragment from upstream",
				Buckets:   []float64{0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0},
			},
		),
		StreamDurationSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: relaySubsystem,
				Name:      "chat_stream_duration_seconds",
				Help:      "Total chat stream duration in seconds",
				Buckets:   []float64{1, 5, 10, 30, 60, 120, 300},
			},
			[]string{"outcome"},
		),
		ReplyBytes: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: relaySubsystem,
				Name:      "chat_reply_bytes",
				Help:      "Size of the cleaned reply sent to the client",
				Buckets:   prometheus.ExponentialBuckets(64, 4, 8),
			},
		),
		KeepAlivesTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: relaySubsystem,
				Name:      "chat_keepalives_total",
				Help:      "Keep-alive comments written to chat streams",
			},
		),
		ClientDisconnectsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: relaySubsystem,
				Name:      "chat_client_disconnects_total",
				Help:      "Chat clients that disconnected before the stream finished",
			},
		),
		FeedbackReceivedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: relaySubsystem,
				Name:      "feedback_received_total",
				Help:      "Feedback submissions accepted",
			},
		),
	}
}

// =============================================================================
// Recording Methods
// =============================================================================

// RecordHTTPRequest records one completed HTTP request.
func (m *Metrics) RecordHTTPRequest(route, method, status string, seconds float64) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(route, method, status).Inc()
	m.HTTPRequestDuration.WithLabelValues(route, method).Observe(seconds)
}

// RecordRateLimited records a request rejected by the rate limiter.
func (m *Metrics) RecordRateLimited(route string) {
	if m == nil {
		return
	}
	m.RateLimitedTotal.WithLabelValues(route).Inc()
}

// RecordChatRequest records the final outcome of a chat request.
func (m *Metrics) RecordChatRequest(outcome Outcome) {
	if m == nil {
		return
	}
	m.ChatRequestsTotal.WithLabelValues(string(outcome)).Inc()
}

// RecordChatError records a chat error at a given stage.
func (m *Metrics) RecordChatError(stage Stage, code ErrorCode) {
	if m == nil {
		return
	}
	m.ChatErrorsTotal.WithLabelValues(string(stage), string(code)).Inc()
}

// StreamStarted increments the active stream gauge.
func (m *Metrics) StreamStarted() {
	if m == nil {
		return
	}
	m.ActiveStreams.Inc()
}

// StreamEnded decrements the active stream gauge.
func (m *Metrics) StreamEnded() {
	if m == nil {
		return
	}
	m.ActiveStreams.Dec()
}

// RecordThreadCreated counts a thread created upstream.
func (m *Metrics) RecordThreadCreated() {
	if m == nil {
		return
	}
	m.ThreadsCreatedTotal.Inc()
}

// RecordTimeToFirstFragment records upstream latency to first text.
func (m *Metrics) RecordTimeToFirstFragment(seconds float64) {
	if m == nil {
		return
	}
	m.TimeToFirstFragment.Observe(seconds)
}

// RecordStreamDuration records total stream time.
func (m *Metrics) RecordStreamDuration(outcome Outcome, seconds float64) {
	if m == nil {
		return
	}
	m.StreamDurationSeconds.WithLabelValues(string(outcome)).Observe(seconds)
}

// RecordReplyBytes records the size of a delivered reply.
func (m *Metrics) RecordReplyBytes(n int) {
	if m == nil {
		return
	}
	m.ReplyBytes.Observe(float64(n))
}

// RecordKeepAlive counts a keep-alive comment.
func (m *Metrics) RecordKeepAlive() {
	if m == nil {
		return
	}
	m.KeepAlivesTotal.Inc()
}

// RecordClientDisconnect counts a client that went away mid-stream.
func (m *Metrics) RecordClientDisconnect() {
	if m == nil {
		return
	}
	m.ClientDisconnectsTotal.Inc()
}

// RecordFeedback counts an accepted feedback submission.
func (m *Metrics) RecordFeedback() {
	if m == nil {
		return
	}
	m.FeedbackReceivedTotal.Inc()
}
