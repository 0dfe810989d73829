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
	"context"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianRelay/services/relay/datatypes"
	"github.com/AleutianAI/AleutianRelay/services/relay/observability"
	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// =============================================================================
// Configuration
// =============================================================================

// RateLimitConfig configures a RateLimiter.
//
// # Fields
//
//   - Window: Period over which Max requests are allowed.
//   - Max: Requests allowed per source address per Window. Also the burst.
//   - Metrics: Optional collectors. May be nil.
//   - Now: Clock override for tests. Nil uses time.Now.
type RateLimitConfig struct {
	Window  time.Duration
	Max     int
	Metrics *observability.Metrics
	Now     func() time.Time
}

// =============================================================================
// Struct Definition
// =============================================================================

// RateLimiter limits requests per client address.
//
// # Description
//
// Each address gets a token bucket holding Max tokens that refills
// continuously at Max per Window. A client that has been idle for a full
// window is back to Max, so the visible behaviour matches a sliding window
// of Max requests. Buckets idle that long are indistinguishable from new
// ones and are dropped by Sweep.
//
// # Thread Safety
//
// Safe for concurrent use.
type RateLimiter struct {
	limit    rate.Limit
	interval time.Duration
	burst    int
	window   time.Duration
	metrics  *observability.Metrics
	now      func() time.Time

	mu       sync.Mutex
	visitors map[string]*visitor
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter creates a RateLimiter.
//
// # Inputs
//
//   - cfg: Window and Max must both be positive.
//
// # Outputs
//
//   - *RateLimiter: Ready for use. Call Run to evict idle buckets.
//
// # Examples
//
//	limiter := middleware.NewRateLimiter(middleware.RateLimitConfig{
//	    Window: 15 * time.Minute,
//	    Max:    100,
//	})
//	go limiter.Run(ctx)
//	router.POST("/chat", limiter.Middleware(), chat.HandleChat)
func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	if cfg.Window <= 0 || cfg.Max <= 0 {
		panic("NewRateLimiter: Window and Max must be positive")
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	interval := cfg.Window / time.Duration(cfg.Max)
	return &RateLimiter{
		limit:    rate.Every(interval),
		interval: interval,
		burst:    cfg.Max,
		window:   cfg.Window,
		metrics:  cfg.Metrics,
		now:      now,
		visitors: make(map[string]*visitor),
	}
}

// =============================================================================
// Middleware
// =============================================================================

// Middleware returns the Gin handler enforcing the limit.
//
// # Description
//
// Every response carries RateLimit-Limit, RateLimit-Remaining and
// RateLimit-Reset (seconds until the bucket is full again). Rejected
// requests get 429 with Retry-After and the fixed error body.
func (l *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.ClientIP()
		now := l.now()

		allowed, tokens := l.take(key, now)

		remaining := int(math.Floor(tokens))
		c.Header("RateLimit-Limit", strconv.Itoa(l.burst))
		c.Header("RateLimit-Remaining", strconv.Itoa(max(remaining, 0)))
		c.Header("RateLimit-Reset", strconv.Itoa(l.secondsUntil(float64(l.burst)-tokens)))

		if !allowed {
			c.Header("Retry-After", strconv.Itoa(l.secondsUntil(1-tokens)))
			l.metrics.RecordRateLimited(c.FullPath())
			slog.Warn("Rate limit exceeded",
				"request_id", c.GetString(datatypes.RequestIDKey),
				"client_ip", key,
				"path", c.Request.URL.Path,
			)
			c.AbortWithStatusJSON(http.StatusTooManyRequests,
				datatypes.ErrorResponse{Error: datatypes.MsgTooManyRequests})
			return
		}
		c.Next()
	}
}

// take consumes one token for key if available and returns the tokens
// left afterwards.
func (l *RateLimiter) take(key string, now time.Time) (bool, float64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	v, ok := l.visitors[key]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.visitors[key] = v
	}
	v.lastSeen = now

	allowed := v.limiter.AllowN(now, 1)
	return allowed, v.limiter.TokensAt(now)
}

// secondsUntil converts a token deficit into whole seconds of refill.
func (l *RateLimiter) secondsUntil(tokens float64) int {
	if tokens <= 0 {
		return 0
	}
	return int(math.Ceil(tokens * l.interval.Seconds()))
}

// =============================================================================
// Eviction
// =============================================================================

// Sweep drops buckets that have been idle for at least one window.
//
// # Outputs
//
//   - int: Number of buckets removed.
func (l *RateLimiter) Sweep(now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for key, v := range l.visitors {
		if now.Sub(v.lastSeen) >= l.window {
			delete(l.visitors, key)
			removed++
		}
	}
	return removed
}

// Run sweeps idle buckets once per window until ctx is cancelled.
func (l *RateLimiter) Run(ctx context.Context) {
	ticker := time.NewTicker(l.window)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := l.Sweep(l.now()); n > 0 {
				slog.Debug("Evicted idle rate limit buckets", "count", n)
			}
		}
	}
}

// Len reports the number of tracked addresses.
func (l *RateLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.visitors)
}
