// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

// =============================================================================
// Stream Events
// =============================================================================

// InfoEvent announces a newly created thread. It is the first event of a
// chat stream and only appears when the request carried no thread header.
//
//	{"info":{"id":"thread_abc"}}
type InfoEvent struct {
	Info ThreadInfo `json:"info"`
}

// ThreadInfo identifies a thread.
type ThreadInfo struct {
	ID string `json:"id"`
}

// ContentEvent carries the complete, cleaned assistant reply.
//
//	{"content":"..."}
type ContentEvent struct {
	Content string `json:"content"`
}

// ErrorEvent reports a failure after the stream has started.
//
//	{"error":"..."}
type ErrorEvent struct {
	Error string `json:"error"`
}

// StreamDone is the payload of the terminal sentinel frame.
const StreamDone = "[DONE]"

// =============================================================================
// JSON Responses
// =============================================================================

// ErrorResponse is the body of every non-streaming error reply.
type ErrorResponse struct {
	Error string `json:"error"`
}

// MessageResponse is a plain acknowledgement body.
type MessageResponse struct {
	Message string `json:"message"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
	Uptime  string `json:"uptime"`
}

// Client-facing messages.
const (
	MsgUnexpectedError  = "An unexpected error occurred. Please try again later."
	MsgInvalidInput     = "Invalid input: "
	MsgFeedbackReceived = "Feedback received"
	MsgInvalidJSON      = "Invalid JSON payload"
	MsgBodyTooLarge     = "Request body too large"
	MsgTooManyRequests  = "Too many requests, please try again later."
)

// =============================================================================
// Request Correlation
// =============================================================================

const (
	// RequestIDHeader carries the request ID in both directions.
	RequestIDHeader = "X-Request-Id"

	// RequestIDKey is the gin context key holding the request ID.
	RequestIDKey = "request_id"
)
