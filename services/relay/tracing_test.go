// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package relay

import (
	"bytes"
	"context"
	"testing"

	"github.com/AleutianAI/AleutianRelay/services/relay/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"google.golang.org/grpc/connectivity"
)

func restoreTracerProvider(t *testing.T) {
	previous := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(previous) })
}

// TestInitTracer_Disabled verifies that no provider is installed when
// tracing is off.
func TestInitTracer_Disabled(t *testing.T) {
	restoreTracerProvider(t)
	before := otel.GetTracerProvider()

	cfg := testConfig()
	cfg.TraceExporter = config.TraceExporterNone
	cleanup, err := initTracer(cfg, &bytes.Buffer{})

	require.NoError(t, err)
	require.NotNil(t, cleanup)
	cleanup(context.Background())
	assert.Same(t, before, otel.GetTracerProvider())
}

// TestInitTracer_Stdout verifies that spans are flushed to the writer on
// cleanup.
func TestInitTracer_Stdout(t *testing.T) {
	restoreTracerProvider(t)

	var buf bytes.Buffer
	cfg := testConfig()
	cfg.TraceExporter = config.TraceExporterStdout
	cleanup, err := initTracer(cfg, &buf)
	require.NoError(t, err)

	_, span := otel.Tracer("relay-test").Start(context.Background(), "relay.test_span")
	span.End()
	cleanup(context.Background())

	out := buf.String()
	assert.Contains(t, out, "relay.test_span")
	assert.Contains(t, out, serviceName)
}

// TestInitTracer_OTLP verifies that the gRPC exporter is created lazily,
// without dialling the collector.
func TestInitTracer_OTLP(t *testing.T) {
	restoreTracerProvider(t)

	cfg := testConfig()
	cfg.TraceExporter = config.TraceExporterOTLP
	cfg.OTLPEndpoint = "127.0.0.1:4317"
	cleanup, err := initTracer(cfg, &bytes.Buffer{})

	require.NoError(t, err)
	cleanup(context.Background())
}

// TestTracingShutdown_ClosesCollectorConn verifies that shutting tracing
// down also closes the gRPC connection to the collector.
func TestTracingShutdown_ClosesCollectorConn(t *testing.T) {
	restoreTracerProvider(t)

	cfg := testConfig()
	cfg.TraceExporter = config.TraceExporterOTLP
	cfg.OTLPEndpoint = "127.0.0.1:4317"
	tr, err := startTracing(cfg, &bytes.Buffer{})
	require.NoError(t, err)
	require.NotNil(t, tr.conn)
	require.NotEqual(t, connectivity.Shutdown, tr.conn.GetState())

	tr.shutdown(context.Background())

	assert.Equal(t, connectivity.Shutdown, tr.conn.GetState())
}

// TestTracingShutdown_Disabled verifies that shutdown is a no-op when
// nothing was started.
func TestTracingShutdown_Disabled(t *testing.T) {
	cfg := testConfig()
	cfg.TraceExporter = config.TraceExporterNone
	tr, err := startTracing(cfg, &bytes.Buffer{})
	require.NoError(t, err)

	assert.NotPanics(t, func() { tr.shutdown(context.Background()) })
	assert.Nil(t, tr.conn)
}
