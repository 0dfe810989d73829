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
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strings"
	"sync"
)

const (
	// doneSentinel terminates some upstream streams in place of event: done.
	doneSentinel = "[DONE]"

	// maxEventLineSize bounds a single SSE line. Message deltas are small,
	// but completed message and run snapshots can carry large payloads.
	maxEventLineSize = 1024 * 1024
)

// sseRunStream parses a text/event-stream body into RunEvents.
//
// Parsing follows the server-sent events framing: "event:" sets the kind,
// "data:" lines accumulate the payload, a blank line dispatches. Comment
// lines (leading ':') and unknown fields are skipped.
type sseRunStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner

	finished  bool
	closeOnce sync.Once
	closeErr  error
}

func newSSERunStream(body io.ReadCloser) *sseRunStream {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxEventLineSize)
	return &sseRunStream{body: body, scanner: scanner}
}

// Recv implements RunStream.
func (s *sseRunStream) Recv() (RunEvent, error) {
	if s.finished {
		return RunEvent{}, io.EOF
	}

	var (
		kind    string
		data    bytes.Buffer
		pending bool
	)

	for s.scanner.Scan() {
		line := s.scanner.Text()

		if line == "" {
			if !pending {
				continue
			}
			return s.dispatch(kind, data.Bytes())
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")

		switch field {
		case "event":
			kind = value
			pending = true
		case "data":
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(value)
			pending = true
		}
	}

	if err := s.scanner.Err(); err != nil {
		s.finished = true
		return RunEvent{}, fmt.Errorf("read run stream: %w", err)
	}

	// Body ended without a trailing blank line.
	if pending {
		return s.dispatch(kind, data.Bytes())
	}
	s.finished = true
	return RunEvent{}, io.EOF
}

// dispatch converts one complete SSE block into the Recv result.
func (s *sseRunStream) dispatch(kind string, data []byte) (RunEvent, error) {
	payload := bytes.TrimSpace(data)

	if kind == EventDone || string(payload) == doneSentinel {
		s.finished = true
		return RunEvent{}, io.EOF
	}
	if kind == EventError {
		s.finished = true
		return RunEvent{}, newStreamError(payload)
	}

	return RunEvent{Kind: kind, Data: payload}, nil
}

// Close implements RunStream.
func (s *sseRunStream) Close() error {
	s.closeOnce.Do(func() {
		s.finished = true
		s.closeErr = s.body.Close()
	})
	return s.closeErr
}

var _ RunStream = (*sseRunStream)(nil)
