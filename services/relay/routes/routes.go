// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routes

import (
	"net/http"

	"github.com/AleutianAI/AleutianRelay/services/relay/handlers"
	"github.com/gin-gonic/gin"
)

// Dependencies are the handlers mounted by SetupRoutes.
//
// # Fields
//
//   - Chat: POST /chat. Required.
//   - Feedback: POST /feedback. Required.
//   - Health: GET /health. Required.
//   - ChatLimiter: Runs before Chat only. May be nil.
//   - Metrics: Served at GET /metrics. Nil leaves the route unregistered.
type Dependencies struct {
	Chat        handlers.ChatHandler
	Feedback    handlers.FeedbackHandler
	Health      gin.HandlerFunc
	ChatLimiter gin.HandlerFunc
	Metrics     http.Handler
}

// SetupRoutes registers the relay's routes on router.
//
// Global middleware must already be installed; the rate limiter is the only
// per-route middleware.
func SetupRoutes(router *gin.Engine, deps Dependencies) {
	router.GET("/health", deps.Health)
	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics))
	}

	chat := []gin.HandlerFunc{deps.Chat.HandleChat}
	if deps.ChatLimiter != nil {
		chat = append([]gin.HandlerFunc{deps.ChatLimiter}, chat...)
	}
	router.POST("/chat", chat...)
	router.POST("/feedback", deps.Feedback.HandleFeedback)
}
