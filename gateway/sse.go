package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/intentgate/intentgate/orchestration"
)

// sseWriter frames orchestration events on an open response using the
// event-stream convention:
//
//	event: <eventType>
//	data: <single-line JSON>
//	<blank line>
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// newSSEWriter prepares the response for streaming. Returns an error when
// the underlying writer cannot flush incrementally.
func newSSEWriter(w http.ResponseWriter) (*sseWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer does not support streaming")
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")

	return &sseWriter{w: w, flusher: flusher}, nil
}

// sendEvent writes one framed event and flushes it to the client.
func (s *sseWriter) sendEvent(event orchestration.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", event.EventType, data); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}
