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
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// nonFlushingWriter is a ResponseWriter without http.Flusher.
type nonFlushingWriter struct {
	header http.Header
}

func (w *nonFlushingWriter) Header() http.Header         { return w.header }
func (w *nonFlushingWriter) Write(b []byte) (int, error) { return len(b), nil }
func (w *nonFlushingWriter) WriteHeader(int)             {}

// TestNewSSEWriter_RequiresFlusher verifies that a non-flushing writer is
// rejected.
func TestNewSSEWriter_RequiresFlusher(t *testing.T) {
	_, err := NewSSEWriter(&nonFlushingWriter{header: http.Header{}})
	assert.Error(t, err)
}

// TestSSEWriter_FrameFormat verifies the exact wire format of every frame.
func TestSSEWriter_FrameFormat(t *testing.T) {
	rec := httptest.NewRecorder()
	w, err := NewSSEWriter(rec)
	require.NoError(t, err)

	assert.False(t, w.Started())
	require.NoError(t, w.WriteInfo("thread_1"))
	require.NoError(t, w.WriteKeepAlive())
	require.NoError(t, w.WriteContent("Hello \"world\""))
	require.NoError(t, w.WriteError("oops"))
	require.NoError(t, w.WriteDone())
	assert.True(t, w.Started())

	want := "data: {\"info\":{\"id\":\"thread_1\"}}\n\n" +
		": ping\n\n" +
		"data: {\"content\":\"Hello \\\"world\\\"\"}\n\n" +
		"data: {\"error\":\"oops\"}\n\n" +
		"data: [DONE]\n\n"
	assert.Equal(t, want, rec.Body.String())
	assert.True(t, rec.Flushed)
}

// TestSSEWriter_HeadersOnFirstFrame verifies that SSE headers are applied
// lazily so nothing is committed before the first frame.
func TestSSEWriter_HeadersOnFirstFrame(t *testing.T) {
	rec := httptest.NewRecorder()
	w, err := NewSSEWriter(rec)
	require.NoError(t, err)

	assert.Empty(t, rec.Header().Get("Content-Type"))

	require.NoError(t, w.WriteDone())

	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache", rec.Header().Get("Cache-Control"))
	assert.Equal(t, "keep-alive", rec.Header().Get("Connection"))
	assert.Equal(t, "no", rec.Header().Get("X-Accel-Buffering"))
}

// TestSSEWriter_AfterDone verifies that the sentinel is written once, and
// that events are rejected and keep-alives dropped after it.
func TestSSEWriter_AfterDone(t *testing.T) {
	rec := httptest.NewRecorder()
	w, err := NewSSEWriter(rec)
	require.NoError(t, err)

	require.NoError(t, w.WriteDone())
	require.NoError(t, w.WriteDone())
	require.NoError(t, w.WriteKeepAlive())
	assert.Error(t, w.WriteContent("late"))

	assert.Equal(t, "data: [DONE]\n\n", rec.Body.String())
}

// TestSSEWriter_ConcurrentWrites verifies that frames never interleave.
func TestSSEWriter_ConcurrentWrites(t *testing.T) {
	rec := httptest.NewRecorder()
	w, err := NewSSEWriter(rec)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = w.WriteKeepAlive()
		}()
		go func() {
			defer wg.Done()
			_ = w.WriteContent("x")
		}()
	}
	wg.Wait()

	frames := strings.Split(strings.TrimSuffix(rec.Body.String(), "\n\n"), "\n\n")
	require.Len(t, frames, 40)
	for _, f := range frames {
		assert.Contains(t, []string{": ping", `data: {"content":"x"}`}, f)
	}
}
