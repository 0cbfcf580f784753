package streaming

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// SetHeaders sets the SSE response headers a conforming stream requires,
// including a Location/Content-Location header pointing clients at the
// join-stream URL so a disconnected client can reconnect.
func SetHeaders(w http.ResponseWriter, joinURL string) {
	h := w.Header()
	h.Set("Content-Type", "text/event-stream; charset=utf-8")
	h.Set("Cache-Control", "no-store")
	h.Set("X-Accel-Buffering", "no")
	if joinURL != "" {
		h.Set("Location", joinURL)
		h.Set("Content-Location", joinURL)
	}
}

// WriteFrame writes one SSE frame (`event: <type>\ndata: <json>\n\n`) and
// flushes it immediately. No frames are ever buffered past a flush — the
// producer is pull-based from the graph, push-based to the client.
func WriteFrame(w http.ResponseWriter, f Frame) error {
	data, err := json.Marshal(f.Data)
	if err != nil {
		return fmt.Errorf("marshalling frame: %w", err)
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", f.Type, data); err != nil {
		return err
	}
	if flusher, ok := w.(http.Flusher); ok {
		flusher.Flush()
	}
	return nil
}

// Drain reads frames from ch and writes each to w until ch closes or ctx
// (via the request's Done channel, checked by the caller) signals the
// client disconnected. Returns the last frame written (which shows whether
// the stream ended with "values" or "error") and whether the client went
// away.
func Drain(w http.ResponseWriter, done <-chan struct{}, ch <-chan Frame) (last Frame, disconnected bool) {
	for {
		select {
		case <-done:
			return last, true
		case f, ok := <-ch:
			if !ok {
				return last, false
			}
			if err := WriteFrame(w, f); err != nil {
				return last, true
			}
			last = f
		}
	}
}
