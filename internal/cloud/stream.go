// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cloud

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/patelvivekdev/ai-sdk-v5/internal/logging"
	"github.com/patelvivekdev/ai-sdk-v5/internal/stream"
)

// doneMarker terminates an event stream.
var doneMarker = []byte("[DONE]")

// StreamError is a failure after streaming started. Partial holds the text
// received before it.
type StreamError struct {
	Partial string
	Err     error
}

// Error implements the error interface.
func (e *StreamError) Error() string {
	if e.Partial != "" {
		return fmt.Sprintf("stream error (partial content received: %d chars): %v", len(e.Partial), e.Err)
	}
	return fmt.Sprintf("stream error: %v", e.Err)
}

// Unwrap returns the underlying error.
func (e *StreamError) Unwrap() error {
	return e.Err
}

// =============================================================================
// SSE READER
// =============================================================================

// SSEReader parses Server-Sent Events from a stream.
type SSEReader struct {
	reader *bufio.Reader
}

// NewSSEReader creates a new SSE reader from an io.Reader.
func NewSSEReader(r io.Reader) *SSEReader {
	return &SSEReader{reader: bufio.NewReader(r)}
}

// ReadEvent reads the next event and returns its type and data. Multiple
// data lines are joined with "\n". Comment, id and retry lines are ignored.
// Returns io.EOF when the stream ends.
func (s *SSEReader) ReadEvent() (string, []byte, error) {
	var eventType string
	var dataLines [][]byte

	for {
		line, err := s.reader.ReadBytes('\n')
		if err != nil && !(err == io.EOF && len(line) > 0) {
			if err == io.EOF && len(dataLines) > 0 {
				return eventType, bytes.Join(dataLines, []byte("\n")), nil
			}
			return "", nil, err
		}

		line = bytes.TrimRight(line, "\r\n")
		if len(line) == 0 {
			if len(dataLines) > 0 {
				return eventType, bytes.Join(dataLines, []byte("\n")), nil
			}
			continue
		}

		switch {
		case bytes.HasPrefix(line, []byte("event:")):
			eventType = string(bytes.TrimSpace(line[len("event:"):]))
		case bytes.HasPrefix(line, []byte("data:")):
			dataLines = append(dataLines, bytes.TrimPrefix(line[len("data:"):], []byte(" ")))
		}
	}
}

// =============================================================================
// STREAMING
// =============================================================================

// Stream implements stream.Transport. It posts req and emits the decoded
// events in arrival order until [DONE], end of body, or emit refusing an
// event. Non-200 responses return an APIError before anything is emitted.
func (c *Client) Stream(ctx context.Context, req stream.Request, emit stream.EmitFunc) error {
	if !c.IsConfigured() {
		return ErrNotConfigured
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+ChatPath, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	c.setHeaders(httpReq)
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("Cache-Control", "no-cache")

	resp, err := c.streamClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		apiErr := readError(resp)
		logging.Warn("CHAT_REQUEST_FAIL", "status", resp.StatusCode, "model", req.SelectedModel)
		return apiErr
	}

	return processStream(ctx, resp.Body, emit)
}

// processStream decodes SSE data payloads into events. Malformed payloads
// are skipped.
func processStream(ctx context.Context, body io.Reader, emit stream.EmitFunc) error {
	reader := NewSSEReader(body)
	var partial strings.Builder

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		_, data, err := reader.ReadEvent()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			return &StreamError{Partial: partial.String(), Err: err}
		}

		if bytes.Equal(data, doneMarker) {
			return nil
		}

		var ev stream.Event
		if err := json.Unmarshal(data, &ev); err != nil || ev.Type == "" {
			logging.Debug("STREAM_CHUNK_SKIP", "bytes", len(data))
			continue
		}
		if ev.Type == stream.EventTextDelta {
			partial.WriteString(ev.Text)
		}

		if err := emit(ev); err != nil {
			return err
		}
	}
}
