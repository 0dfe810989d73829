// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command relay starts the assistant relay HTTP server.
//
// Configuration comes from the environment, an optional .env file, and an
// optional YAML file. The process exits with status 1 when OPENAI_API_KEY,
// ASSISTANT_ID or CLIENT_URL is missing.
//
// # Environment Variables
//
//   - OPENAI_API_KEY: Upstream credential (required)
//   - ASSISTANT_ID: Assistant that answers chat messages (required)
//   - CLIENT_URL: The only browser origin allowed to call the relay (required)
//   - PORT: Listen port (default: 3000)
//   - OTEL_EXPORTER_OTLP_ENDPOINT: OpenTelemetry collector (optional)
//
// # Usage
//
//	# Build
//	go build -o relay ./cmd/relay
//
//	# Run
//	./relay --env-file .env
//
//	# Check configuration only
//	./relay check-env
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
)

func main() {
	cmd := newRootCmd(os.LookupEnv)
	if err := cmd.ExecuteContext(context.Background()); err != nil {
		var exitErr *exitError
		if errors.As(err, &exitErr) {
			os.Exit(exitErr.code)
		}
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
