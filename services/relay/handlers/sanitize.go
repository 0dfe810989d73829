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
	"regexp"
	"strings"
)

// citationPattern matches file-search citation markers such as
// 【12:3†source】: decimal, colon, decimal, dagger, then one or more
// characters that are neither whitespace nor the closing bracket.
// RE2's \s is ASCII only, so Unicode separators are excluded explicitly.
var citationPattern = regexp.MustCompile(`【\d+:\d+†[^\s\v\p{Z}\x{FEFF}】]+】`)

// stripCitations removes every citation marker from a text fragment.
//
// The chat handler applies it per fragment and again to the assembled
// reply, which catches markers split across deltas.
func stripCitations(fragment string) string {
	if !strings.Contains(fragment, "【") {
		return fragment
	}
	return citationPattern.ReplaceAllString(fragment, "")
}

// collapseWhitespace replaces every run of whitespace with one space and
// trims the ends.
//
// strings.Fields splits on unicode.IsSpace, which also covers U+0085 and
// excludes U+FEFF; both are negligible in assistant output.
func collapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
