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
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianRelay/services/relay/datatypes"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

// corsMaxAge is how long browsers may cache a preflight result.
const corsMaxAge = 10 * time.Minute

// CORS allows cross-origin requests from exactly one client origin.
//
// # Description
//
// Only GET, POST and OPTIONS are allowed, with the Content-Type and
// X-Thread-Id request headers. X-Request-Id is exposed so the client can
// quote it in bug reports. Credentials are not allowed.
//
// # Inputs
//
//   - clientURL: The single allowed origin, e.g. "https://chat.example.com".
//     A path or trailing slash is ignored.
//
// # Outputs
//
//   - gin.HandlerFunc: Middleware for router.Use.
//   - error: Non-nil when clientURL is not an absolute http(s) URL.
//
// # Limitations
//
//   - Requests from any other origin are answered with 403 by gin-contrib/cors
//     rather than passed through without CORS headers.
func CORS(clientURL string) (gin.HandlerFunc, error) {
	origin, err := normalizeOrigin(clientURL)
	if err != nil {
		return nil, err
	}

	return cors.New(cors.Config{
		AllowOrigins:     []string{origin},
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:     []string{"Content-Type", datatypes.ThreadIDHeader},
		ExposeHeaders:    []string{datatypes.RequestIDHeader},
		AllowCredentials: false,
		MaxAge:           corsMaxAge,
	}), nil
}

// normalizeOrigin reduces a client URL to scheme://host[:port].
func normalizeOrigin(clientURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(clientURL))
	if err != nil {
		return "", fmt.Errorf("parse client URL: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", fmt.Errorf("client URL %q must be an absolute http or https URL", clientURL)
	}
	return u.Scheme + "://" + u.Host, nil
}
