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

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func body(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

// TestParseChatRequest_LengthBounds verifies the 1..1000 trimmed length
// rule at each boundary.
func TestParseChatRequest_LengthBounds(t *testing.T) {
	tests := []struct {
		name    string
		message string
		wantErr string
	}{
		{"one char", "a", ""},
		{"exactly max", strings.Repeat("a", 1000), ""},
		{"max after trim", "  " + strings.Repeat("a", 1000) + "\n", ""},
		{"max in runes", strings.Repeat("é", 1000), ""},
		{"empty", "", `"message" is not allowed to be empty`},
		{"whitespace only", " \t\n ", `"message" is not allowed to be empty`},
		{"over max", strings.Repeat("a", 1001), `"message" length must be less than or equal to 1000 characters long`},
		{"max in surrogate pairs", strings.Repeat("😀", 500), ""},
		{"over max in surrogate pairs", strings.Repeat("😀", 501), `"message" length must be less than or equal to 1000 characters long`},
		{"surrogate pairs under rune limit", strings.Repeat("😀", 600), `"message" length must be less than or equal to 1000 characters long`},
		{"odd unit count", strings.Repeat("a", 999) + "😀", `"message" length must be less than or equal to 1000 characters long`},
		{"byte order mark only", "\uFEFF \u2028", `"message" is not allowed to be empty`},
		{"max after byte order mark", "\uFEFF" + strings.Repeat("a", 1000) + "\u00A0", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := ParseChatRequest(body(t, map[string]any{"message": tt.message}))
			if tt.wantErr == "" {
				require.NoError(t, err)
				assert.Equal(t, TrimMessage(tt.message), req.Message)
				return
			}
			require.Error(t, err)
			var vErr *ValidationError
			require.True(t, errors.As(err, &vErr))
			assert.Equal(t, tt.wantErr, vErr.Detail)
		})
	}
}

// TestTrimMessage verifies which characters are stripped from the ends of
// a message.
func TestTrimMessage(t *testing.T) {
	assert.Equal(t, "hi", TrimMessage("\uFEFF\t hi\u3000\r\n"))
	assert.Equal(t, "hi", TrimMessage("\u2028hi\u2029"))
	assert.Equal(t, "\u0085hi", TrimMessage("\u0085hi"))
	assert.Equal(t, "a b", TrimMessage(" a b "))
}

// TestUTF16Len verifies that characters outside the Basic Multilingual
// Plane count as two units.
func TestUTF16Len(t *testing.T) {
	assert.Equal(t, 0, UTF16Len(""))
	assert.Equal(t, 3, UTF16Len("abc"))
	assert.Equal(t, 1, UTF16Len("é"))
	assert.Equal(t, 2, UTF16Len("😀"))
	assert.Equal(t, 1200, UTF16Len(strings.Repeat("😀", 600)))
}

// TestParseChatRequest_ShapeErrors verifies details for bodies that are not
// a well-formed message object.
func TestParseChatRequest_ShapeErrors(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantErr string
	}{
		{"empty body", "", `"value" is required`},
		{"not json", "not json", "request body must be valid JSON"},
		{"array", `["hi"]`, `"value" must be of type object`},
		{"null body", `null`, `"value" must be of type object`},
		{"missing message", `{}`, `"message" is required`},
		{"number", `{"message":42}`, `"message" must be a string`},
		{"null message", `{"message":null}`, `"message" must be a string`},
		{"object message", `{"message":{"text":"hi"}}`, `"message" must be a string`},
		{"unknown key", `{"message":"hi","user":"bob"}`, `"user" is not allowed`},
		{"message checked before unknown keys", `{"extra":1}`, `"message" is required`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseChatRequest([]byte(tt.raw))
			require.Error(t, err)
			assert.Equal(t, tt.wantErr, err.Error())
		})
	}
}

// TestParseChatRequest_TrimsMessage verifies that the stored message is the
// trimmed form.
func TestParseChatRequest_TrimsMessage(t *testing.T) {
	req, err := ParseChatRequest([]byte(`{"message":"  hello there \n"}`))

	require.NoError(t, err)
	assert.Equal(t, "hello there", req.Message)
}

// TestChatRequest_Validate verifies direct validation of a constructed
// request.
func TestChatRequest_Validate(t *testing.T) {
	assert.NoError(t, (&ChatRequest{Message: "ok"}).Validate())
	assert.Error(t, (&ChatRequest{Message: ""}).Validate())
	assert.Error(t, (&ChatRequest{Message: strings.Repeat("x", MaxMessageLength+1)}).Validate())
}

// TestStreamEvents_JSONShape verifies the wire shape of each client event.
func TestStreamEvents_JSONShape(t *testing.T) {
	assert.JSONEq(t, `{"info":{"id":"thread_1"}}`, string(body(t, InfoEvent{Info: ThreadInfo{ID: "thread_1"}})))
	assert.JSONEq(t, `{"content":"hi"}`, string(body(t, ContentEvent{Content: "hi"})))
	assert.JSONEq(t, `{"error":"x"}`, string(body(t, ErrorEvent{Error: "x"})))
}
