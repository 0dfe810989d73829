// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// =============================================================================
// CHAT RELAY
// =============================================================================
//
// POST /chat forwards one user message to the assistant and relays the reply
// as Server-Sent Events.
//
// # Stream Shape
//
//	data: {"info":{"id":"thread_abc"}}     only when no X-Thread-Id was sent
//	: ping                                 while the run is in progress
//	data: {"content":"full reply"}         omitted when the reply is empty
//	data: [DONE]                           always last
//
// On a failure after the first frame the content frame is replaced by
// data: {"error":"..."} and [DONE] still follows. Failures before the first
// frame are answered with a plain 500 JSON body.
//
// # Flow
//
//  1. Read and validate the body (400 on failure, no upstream call)
//  2. Reuse X-Thread-Id or create a thread and announce it
//  3. Start the heartbeat
//  4. Start a streaming run with the trimmed message
//  5. Accumulate cleaned text fragments until the run stream ends
//  6. Collapse whitespace, emit content, emit [DONE]
//
// Client disconnect cancels the request context, which aborts the upstream
// request.

package handlers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianRelay/services/assistant"
	"github.com/AleutianAI/AleutianRelay/services/relay/datatypes"
	"github.com/AleutianAI/AleutianRelay/services/relay/observability"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// =============================================================================
// Interface Definition
// =============================================================================

// ChatHandler handles the chat relay endpoint.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use. Gin calls handlers from
// one goroutine per connection.
type ChatHandler interface {
	// HandleChat processes POST /chat.
	HandleChat(c *gin.Context)
}

// ChatOptions configures a ChatHandler.
//
// # Fields
//
//   - AssistantID: Upstream assistant that answers every run.
//   - HeartbeatInterval: Keep-alive period while streaming. Zero disables.
//   - UpstreamTimeout: Bound on thread creation plus the whole run. Zero
//     means no bound beyond the client connection.
//   - Metrics: Optional collectors. Nil disables recording.
//   - NewAccumulator: Reply buffer factory. Nil selects non-strict secure
//     memory.
type ChatOptions struct {
	AssistantID       string
	HeartbeatInterval time.Duration
	UpstreamTimeout   time.Duration
	Metrics           *observability.Metrics
	NewAccumulator    AccumulatorFactory
}

// =============================================================================
// Struct Definition
// =============================================================================

type chatHandler struct {
	client assistant.Client
	opts   ChatOptions
	tracer trace.Tracer
}

// =============================================================================
// Constructor
// =============================================================================

// NewChatHandler creates a ChatHandler.
//
// # Description
//
// Panics if client is nil or the assistant ID is empty; both are startup
// wiring errors.
//
// # Inputs
//
//   - client: Upstream assistant client. Must not be nil.
//   - opts: Handler options.
//
// # Outputs
//
//   - ChatHandler: Ready for use with a Gin router.
//
// # Examples
//
//	chat := handlers.NewChatHandler(client, handlers.ChatOptions{
//	    AssistantID:       cfg.AssistantID,
//	    HeartbeatInterval: cfg.HeartbeatInterval,
//	    Metrics:           metrics,
//	})
//	router.POST("/chat", chat.HandleChat)
func NewChatHandler(client assistant.Client, opts ChatOptions) ChatHandler {
	if client == nil {
		panic("NewChatHandler: client must not be nil")
	}
	if opts.AssistantID == "" {
		panic("NewChatHandler: AssistantID must not be empty")
	}
	if opts.NewAccumulator == nil {
		opts.NewAccumulator = SecureAccumulatorFactory(false)
	}
	return &chatHandler{
		client: client,
		opts:   opts,
		tracer: otel.Tracer("aleutian.relay.handlers"),
	}
}

// =============================================================================
// Handler
// =============================================================================

// HandleChat implements ChatHandler.
func (h *chatHandler) HandleChat(c *gin.Context) {
	start := time.Now()
	requestID := c.GetString(datatypes.RequestIDKey)
	metrics := h.opts.Metrics

	ctx, span := h.tracer.Start(c.Request.Context(), "HandleChat")
	defer span.End()

	body, ok := readBody(c)
	if !ok {
		metrics.RecordChatRequest(observability.OutcomeInvalid)
		return
	}

	req, err := datatypes.ParseChatRequest(body)
	if err != nil {
		metrics.RecordChatRequest(observability.OutcomeInvalid)
		span.SetStatus(codes.Error, "invalid request")
		slog.Debug("Rejected chat request", "request_id", requestID, "reason", err.Error())
		c.JSON(http.StatusBadRequest, datatypes.ErrorResponse{Error: datatypes.MsgInvalidInput + err.Error()})
		return
	}

	metrics.StreamStarted()
	defer metrics.StreamEnded()

	outcome := observability.OutcomeSuccess
	defer func() {
		metrics.RecordChatRequest(outcome)
		metrics.RecordStreamDuration(outcome, time.Since(start).Seconds())
	}()

	writer, err := NewSSEWriter(c.Writer)
	if err != nil {
		outcome = h.fail(c, nil, span, observability.StageThread, err)
		return
	}

	if h.opts.UpstreamTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.opts.UpstreamTimeout)
		defer cancel()
	}

	threadID := c.GetHeader(datatypes.ThreadIDHeader)
	if threadID == "" {
		threadID, err = h.client.CreateThread(ctx)
		if err != nil {
			outcome = h.fail(c, writer, span, observability.StageThread, fmt.Errorf("create thread: %w", err))
			return
		}
		metrics.RecordThreadCreated()
		span.SetAttributes(attribute.Bool("chat.thread_created", true))

		if err := writer.WriteInfo(threadID); err != nil {
			outcome = h.fail(c, writer, span, observability.StageThread, fmt.Errorf("write info event: %w", err))
			return
		}
	}
	span.SetAttributes(
		attribute.String("chat.thread_id", threadID),
		attribute.Int("chat.message_length", len(req.Message)),
	)

	stopHeartbeat := h.startHeartbeat(ctx, writer)
	defer stopHeartbeat()

	acc, err := h.opts.NewAccumulator()
	if err != nil {
		stopHeartbeat()
		outcome = h.fail(c, writer, span, observability.StageAssemble, fmt.Errorf("create reply accumulator: %w", err))
		return
	}
	defer acc.Destroy()

	stream, err := h.client.StreamRun(ctx, assistant.RunParams{
		ThreadID:    threadID,
		AssistantID: h.opts.AssistantID,
		Message:     req.Message,
	})
	if err != nil {
		stopHeartbeat()
		outcome = h.fail(c, writer, span, observability.StageRun, fmt.Errorf("start run: %w", err))
		return
	}
	defer stream.Close()

	if err := h.consumeRun(stream, acc, start); err != nil {
		stopHeartbeat()
		outcome = h.fail(c, writer, span, observability.StageStream, err)
		return
	}

	text, digest, err := acc.Finalize()
	stopHeartbeat()
	if err != nil {
		outcome = h.fail(c, writer, span, observability.StageAssemble, fmt.Errorf("finalize reply: %w", err))
		return
	}

	reply := collapseWhitespace(stripCitations(text))
	if reply != "" {
		if err := writer.WriteContent(reply); err != nil {
			outcome = h.fail(c, writer, span, observability.StageAssemble, fmt.Errorf("write content event: %w", err))
			return
		}
	}
	if err := writer.WriteDone(); err != nil {
		outcome = h.fail(c, writer, span, observability.StageAssemble, fmt.Errorf("write done event: %w", err))
		return
	}

	metrics.RecordReplyBytes(len(reply))
	span.SetAttributes(attribute.Int("chat.reply_bytes", len(reply)))
	span.SetStatus(codes.Ok, "")
	slog.Info("Chat relay completed",
		"request_id", requestID,
		"thread_id", threadID,
		"reply_bytes", len(reply),
		"reply_sha256", digest,
		"secure_buffer", acc.Secure(),
		"duration", time.Since(start),
	)
}

// consumeRun reads run events until the stream ends, appending cleaned text
// fragments to acc.
//
// # Outputs
//
//   - error: nil when the run stream ended normally. A *assistant.RunError
//     when the run reported failed, cancelled or expired.
func (h *chatHandler) consumeRun(stream assistant.RunStream, acc ReplyAccumulator, start time.Time) error {
	firstFragment := true
	for {
		event, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("receive run event: %w", err)
		}

		if failure := event.Failure(); failure != nil {
			return failure
		}

		fragment, ok := event.TextDelta()
		if !ok {
			continue
		}
		if firstFragment {
			h.opts.Metrics.RecordTimeToFirstFragment(time.Since(start).Seconds())
			firstFragment = false
		}
		if err := acc.Append(stripCitations(fragment)); err != nil {
			return fmt.Errorf("accumulate reply: %w", err)
		}
	}
}

// =============================================================================
// Failure Handling
// =============================================================================

// fail reports err to the client in whatever form is still possible and
// returns the outcome to record.
//
// # Description
//
// Before the first frame the client gets a 500 JSON body. After it, an
// error event followed by [DONE]. A client that has gone away gets
// nothing. The client only ever sees datatypes.MsgUnexpectedError.
func (h *chatHandler) fail(
	c *gin.Context,
	writer SSEWriter,
	span trace.Span,
	stage observability.Stage,
	err error,
) observability.Outcome {
	code := classifyChatError(c.Request.Context(), err)
	h.opts.Metrics.RecordChatError(stage, code)

	span.RecordError(err)
	span.SetStatus(codes.Error, string(code))

	requestID := c.GetString(datatypes.RequestIDKey)
	if code == observability.ErrorCodeClientDisconnect {
		h.opts.Metrics.RecordClientDisconnect()
		slog.Info("Client disconnected during chat relay",
			"request_id", requestID,
			"stage", stage,
		)
		return observability.OutcomeClientDisconnect
	}

	slog.Error("Chat relay failed",
		"request_id", requestID,
		"stage", stage,
		"error_code", code,
		"error", err,
	)

	if writer == nil || !writer.Started() {
		c.JSON(http.StatusInternalServerError, datatypes.ErrorResponse{Error: datatypes.MsgUnexpectedError})
		return observability.OutcomeSetupError
	}

	if werr := writer.WriteError(datatypes.MsgUnexpectedError); werr != nil {
		slog.Debug("Failed to write error event", "request_id", requestID, "error", werr)
	}
	if werr := writer.WriteDone(); werr != nil {
		slog.Debug("Failed to write done event", "request_id", requestID, "error", werr)
	}
	return observability.OutcomeStreamError
}

// classifyChatError maps err to a metric error code. reqCtx is the
// client's request context, which is only cancelled when the client goes
// away.
func classifyChatError(reqCtx context.Context, err error) observability.ErrorCode {
	var runErr *assistant.RunError
	switch {
	case reqCtx.Err() != nil:
		return observability.ErrorCodeClientDisconnect
	case errors.Is(err, context.DeadlineExceeded):
		return observability.ErrorCodeTimeout
	case errors.As(err, &runErr):
		return observability.ErrorCodeRunFailed
	case errors.Is(err, ErrSecureMemoryUnavailable):
		return observability.ErrorCodeInternal
	default:
		return observability.ErrorCodeUpstream
	}
}

// =============================================================================
// Heartbeat
// =============================================================================

// startHeartbeat writes keep-alive comments every HeartbeatInterval until
// the returned stop function is called or ctx ends.
//
// # Description
//
// stop blocks until the heartbeat goroutine has exited, so the caller may
// write to the response directly afterwards. stop is idempotent.
func (h *chatHandler) startHeartbeat(ctx context.Context, writer SSEWriter) (stop func()) {
	if h.opts.HeartbeatInterval <= 0 {
		return func() {}
	}

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		h.runHeartbeat(ctx, writer, done)
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(done)
			wg.Wait()
		})
	}
}

func (h *chatHandler) runHeartbeat(ctx context.Context, writer SSEWriter, done <-chan struct{}) {
	ticker := time.NewTicker(h.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := writer.WriteKeepAlive(); err != nil {
				slog.Debug("Failed to write keepalive", "error", err)
				return
			}
			h.opts.Metrics.RecordKeepAlive()
		}
	}
}

// =============================================================================
// Helpers
// =============================================================================

// readBody reads the request body. On failure it writes the response and
// returns false: 413 when the body limit was hit, 400 otherwise.
func readBody(c *gin.Context) ([]byte, bool) {
	if c.Request.Body == nil {
		return nil, true
	}
	body, err := io.ReadAll(c.Request.Body)
	if err == nil {
		return body, true
	}

	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		c.JSON(http.StatusRequestEntityTooLarge, datatypes.ErrorResponse{Error: datatypes.MsgBodyTooLarge})
		return nil, false
	}
	slog.Debug("Failed to read request body", "error", err)
	c.JSON(http.StatusBadRequest, datatypes.ErrorResponse{Error: datatypes.MsgInvalidJSON})
	return nil, false
}
