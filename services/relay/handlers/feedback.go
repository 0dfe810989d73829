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
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/AleutianAI/AleutianRelay/services/relay/datatypes"
	"github.com/AleutianAI/AleutianRelay/services/relay/observability"
	"github.com/gin-gonic/gin"
)

// FeedbackHandler handles POST /feedback.
type FeedbackHandler interface {
	// HandleFeedback logs the submitted JSON and acknowledges it.
	//
	// # Description
	//
	// The payload is not interpreted or stored. Only application/json
	// bodies are parsed: any well-formed JSON value is accepted and
	// malformed JSON gets 400. An empty body, or a body of any other
	// content type, is logged as {}.
	HandleFeedback(c *gin.Context)
}

type feedbackHandler struct {
	metrics *observability.Metrics
}

// NewFeedbackHandler creates a FeedbackHandler. metrics may be nil.
func NewFeedbackHandler(metrics *observability.Metrics) FeedbackHandler {
	return &feedbackHandler{metrics: metrics}
}

// HandleFeedback implements FeedbackHandler.
func (h *feedbackHandler) HandleFeedback(c *gin.Context) {
	body, ok := readBody(c)
	if !ok {
		return
	}

	body = bytes.TrimSpace(body)
	if len(body) == 0 || !strings.EqualFold(c.ContentType(), gin.MIMEJSON) {
		body = []byte("{}")
	}

	// Decoded so both log handlers render structure, not bytes.
	var payload any
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&payload); err != nil || dec.More() {
		c.JSON(http.StatusBadRequest, datatypes.ErrorResponse{Error: datatypes.MsgInvalidJSON})
		return
	}

	slog.Info(datatypes.MsgFeedbackReceived,
		"request_id", c.GetString(datatypes.RequestIDKey),
		"payload", payload,
	)
	h.metrics.RecordFeedback()

	c.JSON(http.StatusOK, datatypes.MessageResponse{Message: datatypes.MsgFeedbackReceived})
}
