// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"net/http"
	"time"

	"github.com/AleutianAI/AleutianRelay/services/relay/datatypes"
	"github.com/gin-gonic/gin"
)

// ServiceName identifies the relay in health responses and traces.
const ServiceName = "aleutian-relay"

// HealthCheck returns a liveness handler reporting uptime since startedAt.
// It does not contact the upstream service.
func HealthCheck(startedAt time.Time) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, datatypes.HealthResponse{
			Status:  "ok",
			Service: ServiceName,
			Uptime:  time.Since(startedAt).Round(time.Second).String(),
		})
	}
}
