// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package assistant is the relay's client for a hosted assistant service.
//
// The hosted service owns every piece of conversation state: threads hold
// the history, runs perform generation, and a streaming run produces a
// finite, non-restartable sequence of typed events. This package exposes
// exactly the three capabilities the relay needs: create a thread, start a
// streaming run on a thread, and iterate the run's events.
//
// # Iteration Contract
//
// RunStream follows the Recv/io.EOF convention used by go-openai streams:
//
//	stream, err := client.StreamRun(ctx, params)
//	if err != nil {
//	    return err
//	}
//	defer stream.Close()
//	for {
//	    event, err := stream.Recv()
//	    if errors.Is(err, io.EOF) {
//	        break // normal end of sequence
//	    }
//	    if err != nil {
//	        return err // upstream error event or transport failure
//	    }
//	    // handle event
//	}
//
// End of sequence and failure are always distinguishable.
package assistant

import (
	"context"
)

// =============================================================================
// Interface Definition
// =============================================================================

// Client defines the contract for the hosted assistant service.
//
// # Description
//
// Client abstracts the upstream API so handlers can be tested against an
// in-memory fake. Implementations must not hold per-conversation state.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use by multiple goroutines.
type Client interface {
	// CreateThread asks the service for a new, empty conversation thread.
	//
	// # Outputs
	//
	//   - string: Opaque thread identifier issued by the service.
	//   - error: Non-nil if the service call failed.
	CreateThread(ctx context.Context) (string, error)

	// StreamRun starts a streaming generation run on a thread.
	//
	// # Description
	//
	// The user message is appended to the thread as part of run creation.
	// The returned stream must be closed by the caller.
	//
	// # Inputs
	//
	//   - ctx: Governs the lifetime of the whole stream, not only the
	//     initial request. Cancelling it aborts iteration.
	//   - params: Thread, assistant, and message for the run.
	//
	// # Outputs
	//
	//   - RunStream: Event iterator for the run.
	//   - error: Non-nil if the run could not be started. Upstream HTTP
	//     errors are returned as *openai.APIError.
	//
	// # Assumptions
	//
	//   - ThreadID is not validated locally. An unknown thread surfaces as
	//     an upstream error here.
	StreamRun(ctx context.Context, params RunParams) (RunStream, error)
}

// RunStream is a lazily produced, finite sequence of run events.
type RunStream interface {
	// Recv returns the next event. It returns io.EOF once the run's event
	// sequence is exhausted, *StreamError when the service reported an
	// error in-band, and any other error on transport failure.
	Recv() (RunEvent, error)

	// Close releases the underlying connection. Safe to call more than once.
	Close() error
}

// RunParams holds the inputs for a single run.
type RunParams struct {
	// ThreadID is the thread to run against.
	ThreadID string

	// AssistantID selects the configured assistant.
	AssistantID string

	// Message is appended to the thread as a user message.
	Message string
}
