package server

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// SSE event names used by the streaming endpoints
const (
	sseChunk    = "chunk"
	sseMetadata = "metadata"
	sseComplete = "complete"
	sseError    = "error"
)

// SSEWriter helps write Server-Sent Events
type SSEWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// NewSSEWriter creates a new SSE writer
func NewSSEWriter(w http.ResponseWriter) (*SSEWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("streaming not supported")
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	return &SSEWriter{w: w, flusher: flusher}, nil
}

// WriteEvent sends an SSE event
func (s *SSEWriter) WriteEvent(event string, data any) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}

	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", event, jsonData); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// WriteChunk sends one piece of generated text
func (s *SSEWriter) WriteChunk(text string) error {
	return s.WriteEvent(sseChunk, map[string]string{"text": text})
}

// WriteError sends an error event
func (s *SSEWriter) WriteError(err error) {
	s.WriteEvent(sseError, toErrorResponse(err)) //nolint:errcheck
}
