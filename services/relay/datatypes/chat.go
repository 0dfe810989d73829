// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes provides the request, response, and stream event types
// of the relay's HTTP surface.
package datatypes

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf16"

	"github.com/go-playground/validator/v10"
)

// =============================================================================
// Constants
// =============================================================================

const (
	// MaxMessageLength is the maximum trimmed length of a chat message, in
	// UTF-16 code units, the unit browsers count characters in. Characters
	// outside the Basic Multilingual Plane count twice.
	MaxMessageLength = 1000

	// ThreadIDHeader carries an existing thread reference on a chat request.
	ThreadIDHeader = "X-Thread-Id"

	// messageField is the JSON name used in validation details.
	messageField = "message"
)

// =============================================================================
// Shared Validator Instance
// =============================================================================

// chatValidate is the validator instance for chat datatypes.
// Initialized in init() with custom validators.
var chatValidate *validator.Validate

func init() {
	chatValidate = validator.New()

	_ = chatValidate.RegisterValidation("notblank", validateNotBlank)
	_ = chatValidate.RegisterValidation("utf16max", validateUTF16Max)
}

// validateNotBlank rejects strings that are empty after trimming.
func validateNotBlank(fl validator.FieldLevel) bool {
	return TrimMessage(fl.Field().String()) != ""
}

// validateUTF16Max rejects strings longer than the tag parameter in UTF-16
// code units.
func validateUTF16Max(fl validator.FieldLevel) bool {
	limit, err := strconv.Atoi(fl.Param())
	if err != nil {
		return false
	}
	return UTF16Len(fl.Field().String()) <= limit
}

// UTF16Len returns the length of s in UTF-16 code units.
func UTF16Len(s string) int {
	n := 0
	for _, r := range s {
		n += max(utf16.RuneLen(r), 1)
	}
	return n
}

// TrimMessage removes leading and trailing whitespace the way browsers'
// String.prototype.trim does: Unicode space separators, the ASCII
// whitespace controls, the line and paragraph separators, and the byte
// order mark. U+0085 is kept.
func TrimMessage(s string) string {
	return strings.TrimFunc(s, isMessageSpace)
}

func isMessageSpace(r rune) bool {
	switch r {
	case '\t', '\n', '\v', '\f', '\r', '\uFEFF', '\u2028', '\u2029':
		return true
	}
	return unicode.Is(unicode.Zs, r)
}

// =============================================================================
// Chat Request
// =============================================================================

// ChatRequest is the decoded body of POST /chat.
//
// # Description
//
// Message is stored already trimmed; the trimmed form is what gets
// validated and what is sent upstream. Construct it with ParseChatRequest
// so that decode and validation failures carry client-facing details.
//
// # Validation
//
//   - Message: a JSON string, 1..1000 UTF-16 code units after trimming.
//   - No other keys are allowed in the body.
type ChatRequest struct {
	Message string `json:"message" validate:"notblank,utf16max=1000"`
}

// Validate validates the ChatRequest fields.
//
// # Outputs
//
//   - error: *ValidationError with the first violated rule, or nil.
func (r *ChatRequest) Validate() error {
	err := chatValidate.Struct(r)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return &ValidationError{Detail: err.Error()}
	}
	switch fieldErrs[0].Tag() {
	case "notblank":
		return newFieldError(messageField, "is not allowed to be empty")
	case "utf16max":
		return newFieldError(messageField,
			fmt.Sprintf("length must be less than or equal to %d characters long", MaxMessageLength))
	default:
		return newFieldError(messageField, "is invalid")
	}
}

// ParseChatRequest decodes and validates a chat request body.
//
// # Description
//
// Decoding is done by hand rather than through gin binding so that each
// failure mode maps to its own client-facing detail:
//
//   - body is not JSON          -> "request body must be valid JSON"
//   - body is not an object     -> "\"value\" must be of type object"
//   - message missing           -> "\"message\" is required"
//   - message not a string      -> "\"message\" must be a string"
//   - message blank             -> "\"message\" is not allowed to be empty"
//   - message too long          -> "\"message\" length must be less than or equal to 1000 characters long"
//   - unknown key k             -> "\"k\" is not allowed"
//
// Only the first violation is reported.
//
// # Outputs
//
//   - *ChatRequest: Request with the message trimmed.
//   - error: *ValidationError on any violation.
func ParseChatRequest(body []byte) (*ChatRequest, error) {
	trimmedBody := bytes.TrimSpace(body)
	if len(trimmedBody) == 0 {
		return nil, &ValidationError{Detail: `"value" is required`}
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(trimmedBody, &fields); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			return nil, &ValidationError{Detail: `"value" must be of type object`}
		}
		return nil, &ValidationError{Detail: "request body must be valid JSON"}
	}
	if fields == nil {
		// A literal null.
		return nil, &ValidationError{Detail: `"value" must be of type object`}
	}

	raw, ok := fields[messageField]
	if !ok {
		return nil, newFieldError(messageField, "is required")
	}
	var message string
	if err := json.Unmarshal(raw, &message); err != nil || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return nil, newFieldError(messageField, "must be a string")
	}

	req := &ChatRequest{Message: TrimMessage(message)}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	if extra := unknownKeys(fields); len(extra) > 0 {
		return nil, newFieldError(extra[0], "is not allowed")
	}
	return req, nil
}

// unknownKeys returns body keys other than message, sorted for a
// deterministic report.
func unknownKeys(fields map[string]json.RawMessage) []string {
	var extra []string
	for k := range fields {
		if k != messageField {
			extra = append(extra, k)
		}
	}
	sort.Strings(extra)
	return extra
}

// =============================================================================
// Validation Errors
// =============================================================================

// ValidationError is a client-facing description of an invalid request.
type ValidationError struct {
	Detail string
}

func (e *ValidationError) Error() string {
	return e.Detail
}

func newFieldError(field, rule string) *ValidationError {
	return &ValidationError{Detail: fmt.Sprintf("%q %s", field, rule)}
}
