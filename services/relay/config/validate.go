// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"errors"
	"fmt"
	"strings"
)

// ErrMissingRequired is matched by errors.Is against ValidationResult.Err.
var ErrMissingRequired = errors.New("missing required environment variables")

// ValidationResult is the outcome of checking required keys.
//
// The caller decides what to do with it; the relay's entry point prints
// Diagnostics and exits with status 1.
type ValidationResult struct {
	// MissingKeys holds every required key that was unset or blank, in
	// RequiredKeys order.
	MissingKeys []string
}

// Validate reports every required key that is absent or empty.
func (c Config) Validate() *ValidationResult {
	present := map[string]string{
		EnvOpenAIAPIKey: c.OpenAIAPIKey,
		EnvAssistantID:  c.AssistantID,
		EnvClientURL:    c.ClientURL,
	}

	result := &ValidationResult{}
	for _, key := range RequiredKeys {
		if strings.TrimSpace(present[key]) == "" {
			result.MissingKeys = append(result.MissingKeys, key)
		}
	}
	return result
}

// OK reports whether every required key is present.
func (r *ValidationResult) OK() bool {
	return len(r.MissingKeys) == 0
}

// Diagnostics returns one human-readable line per missing key.
func (r *ValidationResult) Diagnostics() []string {
	lines := make([]string, 0, len(r.MissingKeys))
	for _, key := range r.MissingKeys {
		lines = append(lines, "Missing required environment variable: "+key)
	}
	return lines
}

// Err returns nil when OK, otherwise an error wrapping ErrMissingRequired
// that names the missing keys.
func (r *ValidationResult) Err() error {
	if r.OK() {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrMissingRequired, strings.Join(r.MissingKeys, ", "))
}
