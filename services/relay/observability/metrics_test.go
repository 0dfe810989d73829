// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package observability

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMetrics(t *testing.T) (*Metrics, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	return NewMetrics(reg), reg
}

// TestNewMetrics_IsolatedRegistries verifies that two instances can be
// created on separate registries without a registration panic.
func TestNewMetrics_IsolatedRegistries(t *testing.T) {
	assert.NotPanics(t, func() {
		newTestMetrics(t)
		newTestMetrics(t)
	})
}

// TestNewMetrics_DuplicateOnSameRegistryPanics verifies that promauto
// rejects a second registration on the same registry.
func TestNewMetrics_DuplicateOnSameRegistryPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewMetrics(reg)
	assert.Panics(t, func() { NewMetrics(reg) })
}

// TestRecordChatRequest verifies outcome counters.
func TestRecordChatRequest(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordChatRequest(OutcomeSuccess)
	m.RecordChatRequest(OutcomeSuccess)
	m.RecordChatRequest(OutcomeInvalid)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.ChatRequestsTotal.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ChatRequestsTotal.WithLabelValues("invalid")))
}

// TestStreamGauge verifies that the active stream gauge returns to zero.
func TestStreamGauge(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.StreamStarted()
	m.StreamStarted()
	assert.Equal(t, 2.0, testutil.ToFloat64(m.ActiveStreams))

	m.StreamEnded()
	m.StreamEnded()
	assert.Equal(t, 0.0, testutil.ToFloat64(m.ActiveStreams))
}

// TestCounters verifies the plain counters.
func TestCounters(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordThreadCreated()
	m.RecordKeepAlive()
	m.RecordKeepAlive()
	m.RecordClientDisconnect()
	m.RecordFeedback()
	m.RecordRateLimited("/chat")
	m.RecordChatError(StageRun, ErrorCodeUpstream)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.ThreadsCreatedTotal))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.KeepAlivesTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ClientDisconnectsTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FeedbackReceivedTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RateLimitedTotal.WithLabelValues("/chat")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ChatErrorsTotal.WithLabelValues("run", "upstream")))
}

// TestHistograms verifies that observations are collected.
func TestHistograms(t *testing.T) {
	m, reg := newTestMetrics(t)

	m.RecordHTTPRequest("/chat", "POST", "200", 0.2)
	m.RecordTimeToFirstFragment(0.5)
	m.RecordStreamDuration(OutcomeSuccess, 3)
	m.RecordReplyBytes(512)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("/chat", "POST", "200")))

	count, err := testutil.GatherAndCount(reg,
		"aleutian_relay_http_request_duration_seconds",
		"aleutian_relay_chat_time_to_first_fragment_seconds",
		"aleutian_relay_chat_stream_duration_seconds",
		"aleutian_relay_chat_reply_bytes",
	)
	require.NoError(t, err)
	assert.Equal(t, 4, count)
}

// TestNilMetrics_NoOp verifies that every method is safe on nil.
func TestNilMetrics_NoOp(t *testing.T) {
	var m *Metrics

	assert.NotPanics(t, func() {
		m.RecordHTTPRequest("/", "GET", "200", 0)
		m.RecordRateLimited("/chat")
		m.RecordChatRequest(OutcomeSuccess)
		m.RecordChatError(StageThread, ErrorCodeInternal)
		m.StreamStarted()
		m.StreamEnded()
		m.RecordThreadCreated()
		m.RecordTimeToFirstFragment(1)
		m.RecordStreamDuration(OutcomeSuccess, 1)
		m.RecordReplyBytes(1)
		m.RecordKeepAlive()
		m.RecordClientDisconnect()
		m.RecordFeedback()
	})
}
