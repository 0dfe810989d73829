// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package middleware

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/AleutianAI/AleutianRelay/services/relay/datatypes"
	"github.com/AleutianAI/AleutianRelay/services/relay/observability"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func okHandler(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) }

// =============================================================================
// SecurityHeaders Tests
// =============================================================================

// TestSecurityHeaders_AllPresent verifies the full hardening header set.
func TestSecurityHeaders_AllPresent(t *testing.T) {
	router := gin.New()
	router.Use(SecurityHeaders(SecurityOptions()))
	router.GET("/health", okHandler)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, w.Code)
	h := w.Header()
	assert.Equal(t, "DENY", h.Get("X-Frame-Options"))
	assert.Equal(t, "nosniff", h.Get("X-Content-Type-Options"))
	assert.Equal(t, "0", h.Get("X-XSS-Protection"))
	assert.Equal(t, "max-age=31536000; includeSubDomains; preload", h.Get("Strict-Transport-Security"))
	assert.Equal(t, "strict-origin-when-cross-origin", h.Get("Referrer-Policy"))
	assert.Equal(t, "same-origin", h.Get("Cross-Origin-Opener-Policy"))
	assert.Equal(t, "require-corp", h.Get("Cross-Origin-Embedder-Policy"))
	assert.Equal(t, "same-origin", h.Get("Cross-Origin-Resource-Policy"))
	assert.Equal(t, "off", h.Get("X-DNS-Prefetch-Control"))
	assert.Equal(t, "none", h.Get("X-Permitted-Cross-Domain-Policies"))
	assert.Equal(t, "noopen", h.Get("X-Download-Options"))
	assert.Equal(t, "enforce, max-age=30", h.Get("Expect-CT"))
	assert.Empty(t, h.Get("X-Powered-By"))

	csp := h.Get("Content-Security-Policy")
	assert.Contains(t, csp, "default-src 'self'")
	assert.Contains(t, csp, "connect-src 'self' https://api.openai.com")
	assert.Contains(t, csp, "frame-ancestors 'none'")
}

// =============================================================================
// CORS Tests
// =============================================================================

func newCORSRouter(t *testing.T) *gin.Engine {
	t.Helper()
	mw, err := CORS("https://chat.example.com/")
	require.NoError(t, err)

	router := gin.New()
	router.Use(mw)
	router.POST("/chat", okHandler)
	return router
}

// TestCORS_PreflightAllowedOrigin verifies the preflight answer for the
// configured origin.
func TestCORS_PreflightAllowedOrigin(t *testing.T) {
	router := newCORSRouter(t)

	req := httptest.NewRequest(http.MethodOptions, "/chat", nil)
	req.Header.Set("Origin", "https://chat.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	req.Header.Set("Access-Control-Request-Headers", "content-type,x-thread-id")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "https://chat.example.com", w.Header().Get("Access-Control-Allow-Origin"))
	methods := w.Header().Get("Access-Control-Allow-Methods")
	assert.Contains(t, methods, "POST")
	assert.Contains(t, methods, "OPTIONS")
	assert.Contains(t, strings.ToLower(w.Header().Get("Access-Control-Allow-Headers")), "x-thread-id")
}

// TestCORS_SimpleRequest verifies headers on an actual cross-origin POST.
func TestCORS_SimpleRequest(t *testing.T) {
	router := newCORSRouter(t)

	req := httptest.NewRequest(http.MethodPost, "/chat", nil)
	req.Header.Set("Origin", "https://chat.example.com")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "https://chat.example.com", w.Header().Get("Access-Control-Allow-Origin"))
}

// TestCORS_OtherOriginRejected verifies that other origins get no grant.
func TestCORS_OtherOriginRejected(t *testing.T) {
	router := newCORSRouter(t)

	req := httptest.NewRequest(http.MethodPost, "/chat", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
}

// TestCORS_InvalidClientURL verifies that a non-URL origin is an error.
func TestCORS_InvalidClientURL(t *testing.T) {
	for _, raw := range []string{"", "chat.example.com", "ftp://chat.example.com", "https://"} {
		_, err := CORS(raw)
		assert.Error(t, err, raw)
	}
}

// TestNormalizeOrigin verifies origin reduction.
func TestNormalizeOrigin(t *testing.T) {
	got, err := normalizeOrigin("  http://localhost:5173/app/  ")
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:5173", got)
}

// =============================================================================
// BodyLimit Tests
// =============================================================================

func newBodyLimitRouter(limit int64) *gin.Engine {
	router := gin.New()
	router.Use(BodyLimit(limit))
	router.POST("/feedback", func(c *gin.Context) {
		body, err := io.ReadAll(c.Request.Body)
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, datatypes.ErrorResponse{Error: datatypes.MsgBodyTooLarge})
			return
		}
		c.String(http.StatusOK, "%d", len(body))
	})
	return router
}

// TestBodyLimit_DeclaredLengthRejected verifies the up-front 413.
func TestBodyLimit_DeclaredLengthRejected(t *testing.T) {
	router := newBodyLimitRouter(16)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/feedback", strings.NewReader(strings.Repeat("x", 17))))

	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	assert.JSONEq(t, `{"error":"Request body too large"}`, w.Body.String())
}

// TestBodyLimit_UndeclaredLengthCapped verifies that a body without a
// Content-Length still trips the limit when read.
func TestBodyLimit_UndeclaredLengthCapped(t *testing.T) {
	router := newBodyLimitRouter(16)

	req := httptest.NewRequest(http.MethodPost, "/feedback", io.NopCloser(strings.NewReader(strings.Repeat("x", 64))))
	req.ContentLength = -1
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}

// TestBodyLimit_WithinLimit verifies that small bodies pass untouched.
func TestBodyLimit_WithinLimit(t *testing.T) {
	router := newBodyLimitRouter(16)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/feedback", strings.NewReader(strings.Repeat("x", 16))))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "16", w.Body.String())
}

// =============================================================================
// RequestID / RequestLogger / Recovery Tests
// =============================================================================

// TestRequestID verifies generation, propagation and replacement.
func TestRequestID(t *testing.T) {
	router := gin.New()
	router.Use(RequestID())
	router.GET("/", func(c *gin.Context) {
		c.String(http.StatusOK, c.GetString(datatypes.RequestIDKey))
	})

	tests := []struct {
		name    string
		inbound string
		keep    bool
	}{
		{"absent", "", false},
		{"valid", "req-123_abc.def", true},
		{"invalid characters", "bad id\n", false},
		{"too long", strings.Repeat("a", maxRequestIDLength+1), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.inbound != "" {
				req.Header.Set(datatypes.RequestIDHeader, tt.inbound)
			}
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			id := w.Header().Get(datatypes.RequestIDHeader)
			assert.Equal(t, id, w.Body.String())
			if tt.keep {
				assert.Equal(t, tt.inbound, id)
				return
			}
			_, err := uuid.Parse(id)
			assert.NoError(t, err)
		})
	}
}

// TestRequestLogger_RecordsMetrics verifies that routes are labelled by
// their pattern and unknown paths collapse to one label.
func TestRequestLogger_RecordsMetrics(t *testing.T) {
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	router := gin.New()
	router.Use(RequestLogger(metrics))
	router.GET("/health", okHandler)

	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/health", nil))
	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/nope/123", nil))

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.HTTPRequestsTotal.WithLabelValues("/health", "GET", "200")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.HTTPRequestsTotal.WithLabelValues(unmatchedRoute, "GET", "404")))
}

// TestRecovery verifies that a panic becomes the generic 500 body.
func TestRecovery(t *testing.T) {
	router := gin.New()
	router.Use(Recovery())
	router.GET("/boom", func(c *gin.Context) { panic("kaboom") })

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/boom", nil))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.JSONEq(t, `{"error":"An unexpected error occurred. Please try again later."}`, w.Body.String())
}
