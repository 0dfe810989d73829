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
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/AleutianAI/AleutianRelay/services/relay/datatypes"
)

// =============================================================================
// Interface Definition
// =============================================================================

// SSEWriter defines the contract for writing Server-Sent Events to the
// chat client.
//
// # Description
//
// Every event is a single frame of the form
//
//	data: <json>\n\n
//
// with no event name, flushed immediately. The stream ends with the literal
// frame "data: [DONE]\n\n".
//
// # Thread Safety
//
// Implementations must be safe for concurrent use. The heartbeat goroutine
// writes keep-alive comments while the handler goroutine writes events.
//
// # Limitations
//
//   - Must be used with an http.Flusher-compatible ResponseWriter
type SSEWriter interface {
	// WriteInfo writes {"info":{"id":threadID}}.
	WriteInfo(threadID string) error

	// WriteContent writes {"content":content}.
	WriteContent(content string) error

	// WriteError writes {"error":errMsg}.
	//
	// # Description
	//
	// Used only once the stream has started and a JSON error response is
	// no longer possible. The message must already be sanitized.
	WriteError(errMsg string) error

	// WriteDone writes the terminal sentinel frame. Calls after the first
	// are no-ops.
	WriteDone() error

	// WriteKeepAlive sends an SSE comment (": ping\n\n").
	//
	// # Description
	//
	// Comments are ignored by SSE clients but keep proxies and load
	// balancers from timing out an idle connection while a run is in
	// progress. Keep-alives are dropped once the stream is done.
	WriteKeepAlive() error

	// Started reports whether any bytes have been written to the body.
	Started() bool
}

// =============================================================================
// Struct Definition
// =============================================================================

// sseWriter implements SSEWriter for HTTP responses.
//
// # Fields
//
//   - writer: Underlying response
//   - flusher: Flushes each frame to the client
//   - started: Set by the first successful write
//   - done: Set once the sentinel is written
//   - mu: Serializes frames
type sseWriter struct {
	writer  http.ResponseWriter
	flusher http.Flusher
	started bool
	done    bool
	mu      sync.Mutex
}

// =============================================================================
// Constructor
// =============================================================================

// NewSSEWriter creates a new SSEWriter for the given ResponseWriter.
//
// # Inputs
//
//   - w: HTTP ResponseWriter. Must implement http.Flusher.
//
// # Outputs
//
//   - SSEWriter: Ready to write events.
//   - error: Non-nil if the ResponseWriter does not support flushing.
//
// # Examples
//
//	writer, err := NewSSEWriter(c.Writer)
//	if err != nil {
//	    c.JSON(http.StatusInternalServerError, datatypes.ErrorResponse{Error: datatypes.MsgUnexpectedError})
//	    return
//	}
//	writer.WriteContent("Hello")
//	writer.WriteDone()
func NewSSEWriter(w http.ResponseWriter) (SSEWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("ResponseWriter does not support http.Flusher")
	}
	return &sseWriter{writer: w, flusher: flusher}, nil
}

// =============================================================================
// Methods
// =============================================================================

func (w *sseWriter) WriteInfo(threadID string) error {
	return w.writeJSON(datatypes.InfoEvent{Info: datatypes.ThreadInfo{ID: threadID}})
}

func (w *sseWriter) WriteContent(content string) error {
	return w.writeJSON(datatypes.ContentEvent{Content: content})
}

func (w *sseWriter) WriteError(errMsg string) error {
	return w.writeJSON(datatypes.ErrorEvent{Error: errMsg})
}

func (w *sseWriter) WriteDone() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.done {
		return nil
	}
	w.done = true
	return w.writeFrameLocked("data: " + datatypes.StreamDone + "\n\n")
}

func (w *sseWriter) WriteKeepAlive() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.done {
		return nil
	}
	// SSE comment format: colon followed by text, then double newline
	return w.writeFrameLocked(": ping\n\n")
}

func (w *sseWriter) Started() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.started
}

// writeJSON serializes v and writes it as one data frame.
func (w *sseWriter) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.done {
		return fmt.Errorf("write event: stream already done")
	}
	return w.writeFrameLocked("data: " + string(data) + "\n\n")
}

// writeFrameLocked writes and flushes one frame. Caller holds mu.
//
// SSE headers go out with the first frame, so a handler that fails before
// streaming can still send an ordinary JSON error response.
func (w *sseWriter) writeFrameLocked(frame string) error {
	if !w.started {
		SetSSEHeaders(w.writer)
	}
	if _, err := io.WriteString(w.writer, frame); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	w.started = true
	w.flusher.Flush()
	return nil
}

// =============================================================================
// Helper Functions
// =============================================================================

// SetSSEHeaders configures HTTP response headers for SSE streaming.
//
// # Description
//
// Sets the required headers for Server-Sent Events:
//   - Content-Type: text/event-stream
//   - Cache-Control: no-cache
//   - Connection: keep-alive
//   - X-Accel-Buffering: no (disables nginx buffering)
//
// Called by the writer on the first frame; exported for handlers that
// stream without an SSEWriter.
func SetSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

// =============================================================================
// Compile-time Interface Check
// =============================================================================

var _ SSEWriter = (*sseWriter)(nil)
