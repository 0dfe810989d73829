// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package assistant

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sashabaranov/go-openai"
)

// Upstream event kinds the relay cares about. Everything else passes
// through Recv untouched and is ignored by callers.
const (
	EventMessageDelta  = "thread.message.delta"
	EventRunCompleted  = "thread.run.completed"
	EventRunFailed     = "thread.run.failed"
	EventRunCancelled  = "thread.run.cancelled"
	EventRunExpired    = "thread.run.expired"
	EventRunIncomplete = "thread.run.incomplete"
	EventError         = "error"
	EventDone          = "done"
)

// contentTypeText is the only delta content part type that carries text.
const contentTypeText = "text"

// RunEvent is one typed event from a streaming run.
//
// Data is kept raw; the accessor methods decode only the shapes the relay
// needs so that new upstream fields never break iteration.
type RunEvent struct {
	Kind string
	Data json.RawMessage
}

// messageDelta mirrors the subset of a thread.message.delta payload that
// carries generated text.
type messageDelta struct {
	ID    string `json:"id"`
	Delta struct {
		Content []deltaContent `json:"content"`
	} `json:"delta"`
}

type deltaContent struct {
	Index int    `json:"index"`
	Type  string `json:"type"`
	Text  *struct {
		Value string `json:"value"`
	} `json:"text,omitempty"`
}

// TextDelta returns the text carried by a message delta event.
//
// # Description
//
// Only content parts of type "text" contribute. When a delta carries
// several text parts their values are concatenated in order. Non-delta
// events, deltas without text parts, and undecodable payloads all report
// ok=false.
//
// # Outputs
//
//   - string: Concatenated text of the delta's text parts.
//   - bool: True if the event carried at least one text part.
func (e RunEvent) TextDelta() (string, bool) {
	if e.Kind != EventMessageDelta {
		return "", false
	}
	var md messageDelta
	if err := json.Unmarshal(e.Data, &md); err != nil {
		return "", false
	}

	var sb strings.Builder
	found := false
	for _, part := range md.Delta.Content {
		if part.Type != contentTypeText || part.Text == nil {
			continue
		}
		sb.WriteString(part.Text.Value)
		found = true
	}
	return sb.String(), found
}

// Failure reports whether the event marks an unsuccessful run.
//
// Returns a *RunError for thread.run.failed, thread.run.cancelled and
// thread.run.expired, nil for every other event.
func (e RunEvent) Failure() error {
	var status openai.RunStatus
	switch e.Kind {
	case EventRunFailed:
		status = openai.RunStatusFailed
	case EventRunCancelled:
		status = openai.RunStatusCancelled
	case EventRunExpired:
		status = openai.RunStatusExpired
	default:
		return nil
	}

	runErr := &RunError{Status: status}
	var run openai.Run
	if err := json.Unmarshal(e.Data, &run); err == nil {
		runErr.RunID = run.ID
		if run.Status != "" {
			runErr.Status = run.Status
		}
		if run.LastError != nil {
			runErr.Code = string(run.LastError.Code)
			runErr.Message = run.LastError.Message
		}
	}
	return runErr
}

// =============================================================================
// Error Types
// =============================================================================

// RunError describes a run that reached a terminal, unsuccessful status.
type RunError struct {
	RunID   string
	Status  openai.RunStatus
	Code    string
	Message string
}

func (e *RunError) Error() string {
	msg := fmt.Sprintf("run %s ended with status %s", e.RunID, e.Status)
	if e.Code != "" {
		msg += fmt.Sprintf(" (%s)", e.Code)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	return msg
}

// StreamError is an error reported in-band by the service as an "error"
// event in the middle of a run stream.
type StreamError struct {
	// APIError is the decoded error body. Never nil.
	APIError *openai.APIError
}

func (e *StreamError) Error() string {
	return "upstream stream error: " + e.APIError.Error()
}

// Unwrap exposes the decoded API error to errors.As.
func (e *StreamError) Unwrap() error {
	return e.APIError
}

// newStreamError decodes an error event payload. The service has sent both
// the bare error object and the {"error": {...}} envelope; both are
// accepted, and anything else is kept verbatim as the message.
func newStreamError(data []byte) *StreamError {
	var envelope openai.ErrorResponse
	if err := json.Unmarshal(data, &envelope); err == nil && envelope.Error != nil {
		return &StreamError{APIError: envelope.Error}
	}

	apiErr := &openai.APIError{}
	if err := json.Unmarshal(data, apiErr); err == nil && apiErr.Message != "" {
		return &StreamError{APIError: apiErr}
	}
	return &StreamError{APIError: &openai.APIError{Message: strings.TrimSpace(string(data))}}
}
