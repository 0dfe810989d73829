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
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/unrolled/secure"
)

// =============================================================================
// Policy Values
// =============================================================================

// contentSecurityPolicy restricts everything to the relay's own origin,
// except outbound connections to the assistant API.
var contentSecurityPolicy = strings.Join([]string{
	"default-src 'self'",
	"script-src 'self' 'unsafe-inline'",
	"style-src 'self' 'unsafe-inline'",
	"img-src 'self' data:",
	"connect-src 'self' https://api.openai.com",
	"font-src 'self' https:",
	"object-src 'none'",
	"frame-ancestors 'none'",
}, "; ")

const hstsMaxAgeSeconds = 31536000

// extraSecurityHeaders are set on every response in addition to those
// secure.Options produces. secure has no option for any of them.
var extraSecurityHeaders = map[string]string{
	"Expect-CT":            "enforce, max-age=30",
	"X-Download-Options":   "noopen",
	"Origin-Agent-Cluster": "?1",
}

// =============================================================================
// Middleware
// =============================================================================

// SecurityOptions returns the unrolled/secure options the relay runs with.
//
// HSTS is sent even over plain HTTP because TLS normally terminates at a
// proxy in front of the relay.
func SecurityOptions() secure.Options {
	return secure.Options{
		FrameDeny:                     true,
		ContentTypeNosniff:            true,
		BrowserXssFilter:              true,
		CustomBrowserXssValue:         "0",
		STSSeconds:                    hstsMaxAgeSeconds,
		STSIncludeSubdomains:          true,
		STSPreload:                    true,
		ForceSTSHeader:                true,
		ContentSecurityPolicy:         contentSecurityPolicy,
		ReferrerPolicy:                "strict-origin-when-cross-origin",
		CrossOriginOpenerPolicy:       "same-origin",
		CrossOriginEmbedderPolicy:     "require-corp",
		CrossOriginResourcePolicy:     "same-origin",
		XDNSPrefetchControl:           "off",
		XPermittedCrossDomainPolicies: "none",
	}
}

// SecurityHeaders applies the relay's response hardening headers.
//
// # Description
//
// Wraps an unrolled/secure instance for Gin. secure.Process writes its
// headers and may reject the request (bad host, SSL redirect); either way
// the chain is aborted. X-Powered-By is removed in case anything set it.
//
// # Inputs
//
//   - opts: Usually SecurityOptions().
//
// # Outputs
//
//   - gin.HandlerFunc: Middleware for router.Use.
func SecurityHeaders(opts secure.Options) gin.HandlerFunc {
	sec := secure.New(opts)

	return func(c *gin.Context) {
		for name, value := range extraSecurityHeaders {
			c.Header(name, value)
		}
		c.Writer.Header().Del("X-Powered-By")

		if err := sec.Process(c.Writer, c.Request); err != nil {
			slog.Warn("Request rejected by security middleware",
				"path", c.Request.URL.Path,
				"error", err,
			)
			c.Abort()
			return
		}

		// secure wrote a redirect
		if status := c.Writer.Status(); status > http.StatusMultipleChoices && status < http.StatusBadRequest {
			c.Abort()
			return
		}
		c.Next()
	}
}
