package cmd

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/mordilloSan/quickfind/coordinator"
)

const sseKeepAlive = 15 * time.Second

// SSEWriter wraps an http.ResponseWriter for Server-Sent Events
type SSEWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// NewSSEWriter creates a new SSE writer and sets appropriate headers
func NewSSEWriter(w http.ResponseWriter) (*SSEWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("streaming unsupported")
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering

	return &SSEWriter{w: w, flusher: flusher}, nil
}

// SendEvent sends an SSE event with the given event type and data
func (s *SSEWriter) SendEvent(event string, data any) error {
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

// SendComment writes an SSE comment line, which clients ignore. It keeps
// idle connections from being closed by proxies.
func (s *SSEWriter) SendComment(text string) error {
	if _, err := fmt.Fprintf(s.w, ": %s\n\n", text); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// eventName maps a coordinator event onto the SSE event type.
func eventName(ev coordinator.Event) string {
	switch {
	case ev.Progress != nil:
		return "progress"
	case ev.Pass != nil:
		return "pass"
	default:
		return "state"
	}
}

// handleEvents streams coordinator events until the client disconnects.
// The first event is a status snapshot so late subscribers start in sync.
func (d *daemon) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "use GET", http.StatusMethodNotAllowed)
		return
	}

	// Subscribe before the snapshot so nothing between the two is lost.
	events, unsubscribe := d.coord.Subscribe(0)
	defer unsubscribe()

	sse, err := NewSSEWriter(w)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	// The stream outlives the server's WriteTimeout.
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	if err := sse.SendEvent("status", d.coord.Status()); err != nil {
		return
	}

	keepAlive := time.NewTicker(sseKeepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepAlive.C:
			if err := sse.SendComment("keep-alive"); err != nil {
				return
			}
		case ev, ok := <-events:
			if !ok {
				_ = sse.SendEvent("closed", map[string]string{"status": "shutdown"})
				return
			}
			if err := sse.SendEvent(eventName(ev), ev); err != nil {
				return
			}
		}
	}
}
