// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package relay

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/AleutianAI/AleutianRelay/services/relay/config"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// tracerShutdownTimeout bounds the final span flush.
const tracerShutdownTimeout = 5 * time.Second

// initTracer installs the global tracer provider and propagators.
//
// # Description
//
// The exporter follows cfg.TracingMode(): OTLP over insecure gRPC to the
// configured collector, pretty-printed spans on stdout, or nothing. With
// no exporter the global no-op provider stays in place, so otelgin and the
// handler spans cost almost nothing.
//
// # Inputs
//
//   - cfg: Relay configuration.
//   - stdout: Destination for the stdout exporter.
//
// # Outputs
//
//   - func(context.Context): Flushes and shuts the provider down. Never nil.
//   - error: Non-nil if the exporter cannot be created.
//
// # Limitations
//
//   - Uses an insecure gRPC connection; the collector is expected on the
//     local network.
func initTracer(cfg config.Config, stdout io.Writer) (func(context.Context), error) {
	t, err := startTracing(cfg, stdout)
	if err != nil {
		return nil, err
	}
	return t.shutdown, nil
}

// tracing owns what initTracer creates. Both fields are nil when tracing
// is off; conn is nil unless spans go to a collector.
type tracing struct {
	provider *sdktrace.TracerProvider
	conn     *grpc.ClientConn
}

// shutdown flushes pending spans, then closes the collector connection,
// which the exporter does not own.
func (t *tracing) shutdown(ctx context.Context) {
	if t.provider != nil {
		ctx, cancel := context.WithTimeout(ctx, tracerShutdownTimeout)
		defer cancel()
		if err := t.provider.Shutdown(ctx); err != nil {
			slog.Error("failed to shutdown tracer provider", "error", err)
		}
	}
	if t.conn != nil {
		if err := t.conn.Close(); err != nil {
			slog.Error("failed to close trace collector connection", "error", err)
		}
	}
}

func startTracing(cfg config.Config, stdout io.Writer) (*tracing, error) {
	ctx := context.Background()
	mode := cfg.TracingMode()
	t := &tracing{}

	var exporter sdktrace.SpanExporter
	switch mode {
	case config.TraceExporterNone:
		slog.Info("Tracing disabled")
		return t, nil

	case config.TraceExporterStdout:
		exp, err := stdouttrace.New(stdouttrace.WithWriter(stdout), stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("failed to create stdout trace exporter: %w", err)
		}
		exporter = exp

	default:
		conn, err := grpc.NewClient(cfg.OTLPEndpoint,
			grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			return nil, fmt.Errorf("failed to create gRPC connection: %w", err)
		}
		t.conn = conn
		exp, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
		if err != nil {
			t.shutdown(ctx)
			return nil, fmt.Errorf("failed to create trace exporter: %w", err)
		}
		exporter = exp
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String(serviceName)))
	if err != nil {
		t.shutdown(ctx)
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	t.provider = sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter))

	otel.SetTracerProvider(t.provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))

	slog.Info("Tracing enabled", "exporter", mode, "endpoint", cfg.OTLPEndpoint)

	return t, nil
}
