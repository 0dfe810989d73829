// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package middleware provides the Gin middleware of the relay's HTTP shell.
//
// # Chain
//
// The relay installs, in order:
//
//	Recovery
//	   │
//	   ▼
//	RequestID ─► RequestLogger ─► otelgin ─► SecurityHeaders ─► CORS ─► BodyLimit
//	                                                                      │
//	                                                    /chat only:       ▼
//	                                                    RateLimiter ─► handler
//
// Every rejection made here (413, 429) uses the same {"error": "..."} body
// as the handlers.
package middleware

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/AleutianAI/AleutianRelay/services/relay/datatypes"
	"github.com/AleutianAI/AleutianRelay/services/relay/observability"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// unmatchedRoute labels requests that matched no route, keeping metric
// cardinality bounded.
const unmatchedRoute = "unmatched"

// maxRequestIDLength bounds an inbound request ID before it is trusted.
const maxRequestIDLength = 128

// =============================================================================
// Request ID
// =============================================================================

// RequestID assigns every request an ID for log correlation.
//
// # Description
//
// An inbound X-Request-Id is kept when it is a plausible token, otherwise a
// new UUID is generated. The ID is stored under datatypes.RequestIDKey and
// echoed in the response header.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(datatypes.RequestIDHeader)
		if !validRequestID(id) {
			id = uuid.New().String()
		}
		c.Set(datatypes.RequestIDKey, id)
		c.Header(datatypes.RequestIDHeader, id)
		c.Next()
	}
}

func validRequestID(id string) bool {
	if id == "" || len(id) > maxRequestIDLength {
		return false
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-', r == '_', r == '.':
		default:
			return false
		}
	}
	return true
}

// =============================================================================
// Request Logger
// =============================================================================

// RequestLogger logs each completed request and records HTTP metrics.
//
// # Description
//
// Replaces gin's default text logger with slog so request lines share the
// format and sinks of every other log line. Server errors log at ERROR,
// client errors at WARN, the rest at INFO. For the chat route the latency
// covers the whole stream.
//
// # Inputs
//
//   - metrics: Optional collectors. May be nil.
//
// # Outputs
//
//   - gin.HandlerFunc: Middleware for router.Use.
func RequestLogger(metrics *observability.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		latency := time.Since(start)

		route := c.FullPath()
		if route == "" {
			route = unmatchedRoute
		}
		status := c.Writer.Status()
		metrics.RecordHTTPRequest(route, c.Request.Method, strconv.Itoa(status), latency.Seconds())

		level := slog.LevelInfo
		switch {
		case status >= 500:
			level = slog.LevelError
		case status >= 400:
			level = slog.LevelWarn
		}

		attrs := []any{
			"request_id", c.GetString(datatypes.RequestIDKey),
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", status,
			"latency", latency,
			"client_ip", c.ClientIP(),
			"bytes", c.Writer.Size(),
		}
		if len(c.Errors) > 0 {
			attrs = append(attrs, "errors", c.Errors.String())
		}
		slog.Log(c.Request.Context(), level, "HTTP request", attrs...)
	}
}

// =============================================================================
// Recovery
// =============================================================================

// Recovery turns a handler panic into a generic 500 and logs it.
//
// A panic after an event stream has started cannot change the status; the
// connection is closed with whatever was already flushed.
func Recovery() gin.HandlerFunc {
	return gin.CustomRecoveryWithWriter(nil, func(c *gin.Context, recovered any) {
		slog.Error("Recovered from handler panic",
			"request_id", c.GetString(datatypes.RequestIDKey),
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"panic", recovered,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError,
			datatypes.ErrorResponse{Error: datatypes.MsgUnexpectedError})
	})
}
