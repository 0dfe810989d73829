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
	"errors"
	"testing"

	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestTextDelta_ExtractsText verifies the text of a single text part.
func TestTextDelta_ExtractsText(t *testing.T) {
	ev := RunEvent{
		Kind: EventMessageDelta,
		Data: json.RawMessage(`{"delta":{"content":[{"index":0,"type":"text","text":{"value":"hi 【4:0†source】","annotations":[]}}]}}`),
	}

	text, ok := ev.TextDelta()

	assert.True(t, ok)
	assert.Equal(t, "hi 【4:0†source】", text, "TextDelta returns raw text; cleanup happens downstream")
}

// TestTextDelta_ConcatenatesTextParts verifies that only text parts
// contribute and they are joined in order.
func TestTextDelta_ConcatenatesTextParts(t *testing.T) {
	ev := RunEvent{
		Kind: EventMessageDelta,
		Data: json.RawMessage(`{"delta":{"content":[
			{"index":0,"type":"text","text":{"value":"a"}},
			{"index":1,"type":"image_file","image_file":{"file_id":"f"}},
			{"index":2,"type":"text","text":{"value":"b"}}
		]}}`),
	}

	text, ok := ev.TextDelta()

	assert.True(t, ok)
	assert.Equal(t, "ab", text)
}

// TestTextDelta_NotApplicable verifies the cases that carry no text.
func TestTextDelta_NotApplicable(t *testing.T) {
	tests := []struct {
		name string
		ev   RunEvent
	}{
		{"other kind", RunEvent{Kind: "thread.run.step.delta", Data: json.RawMessage(`{"delta":{"content":[{"type":"text","text":{"value":"x"}}]}}`)}},
		{"no text parts", RunEvent{Kind: EventMessageDelta, Data: json.RawMessage(`{"delta":{"content":[{"type":"image_file"}]}}`)}},
		{"empty content", RunEvent{Kind: EventMessageDelta, Data: json.RawMessage(`{"delta":{}}`)}},
		{"bad json", RunEvent{Kind: EventMessageDelta, Data: json.RawMessage(`{`)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			text, ok := tt.ev.TextDelta()
			assert.False(t, ok)
			assert.Empty(t, text)
		})
	}
}

// TestFailure_TerminalStatuses verifies that failed, cancelled and expired
// runs produce a RunError and that other events do not.
func TestFailure_TerminalStatuses(t *testing.T) {
	failed := RunEvent{
		Kind: EventRunFailed,
		Data: json.RawMessage(`{"id":"run_9","status":"failed","last_error":{"code":"rate_limit_exceeded","message":"slow down"}}`),
	}
	err := failed.Failure()
	require.Error(t, err)

	var runErr *RunError
	require.True(t, errors.As(err, &runErr))
	assert.Equal(t, "run_9", runErr.RunID)
	assert.Equal(t, openai.RunStatusFailed, runErr.Status)
	assert.Equal(t, "rate_limit_exceeded", runErr.Code)
	assert.Contains(t, err.Error(), "slow down")

	cancelled := RunEvent{Kind: EventRunCancelled, Data: json.RawMessage(`not json`)}
	require.True(t, errors.As(cancelled.Failure(), &runErr))
	assert.Equal(t, openai.RunStatusCancelled, runErr.Status)

	expired := RunEvent{Kind: EventRunExpired, Data: json.RawMessage(`{"id":"run_1"}`)}
	require.True(t, errors.As(expired.Failure(), &runErr))
	assert.Equal(t, openai.RunStatusExpired, runErr.Status)

	assert.NoError(t, RunEvent{Kind: EventRunCompleted}.Failure())
	assert.NoError(t, RunEvent{Kind: EventMessageDelta}.Failure())
}
