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
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestStripCitations verifies citation marker removal.
func TestStripCitations(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"single marker", "See docs【12:3†source】.", "See docs."},
		{"several markers", "a【1:0†f.pdf】b【22:14†notes】c", "abc"},
		{"no marker", "plain text, unchanged", "plain text, unchanged"},
		{"bracket without marker", "【not a citation】", "【not a citation】"},
		{"whitespace inside tail", "【1:2†has space】", "【1:2†has space】"},
		{"missing dagger", "【1:2source】", "【1:2source】"},
		{"empty tail", "【1:2†】", "【1:2†】"},
		{"empty", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, stripCitations(tt.in))
		})
	}
}

// TestCollapseWhitespace verifies run collapsing and trimming.
func TestCollapseWhitespace(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"  hello   world  ", "hello world"},
		{"a\n\n\tb\r\nc", "a b c"},
		{"a  b", "a b"},
		{" lead", "lead"},
		{" \n\t ", ""},
		{"", ""},
		{"already clean", "already clean"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, collapseWhitespace(tt.in), "input %q", tt.in)
	}
}
