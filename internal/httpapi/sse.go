package httpapi

import (
	"fmt"
	"net/http"
	"strings"
	"sync"

	ometrics "github.com/borderdesk/borderdesk/internal/metrics"
)

// Event tags on the wire.
const (
	TagSession = "SESSION"
	TagContent = "CONTENT"
	TagThink   = "THINK"
	TagSource  = "SOURCE"
	TagError   = "ERROR"
	TagDone    = "DONE"
)

// EventSink receives framed pipeline events. The SSE writer and the
// websocket mirror both implement it.
type EventSink interface {
	Send(tag, payload string) error
}

// EventWriter frames pipeline output as server-sent events, one event per
// payload: "data: TAG:payload\n\n".
type EventWriter struct {
	mu sync.Mutex
	w  http.ResponseWriter
	fl http.Flusher
}

// NewEventWriter prepares the response for streaming. Returns an error when
// the transport cannot flush.
func NewEventWriter(w http.ResponseWriter) (*EventWriter, error) {
	fl, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("sse: response writer does not support flushing")
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	fl.Flush()
	return &EventWriter{w: w, fl: fl}, nil
}

// Send writes one event. Newlines in the payload are escaped so the SSE
// framing stays one line per event.
func (e *EventWriter) Send(tag, payload string) error {
	payload = strings.ReplaceAll(payload, "\n", "\\n")
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, err := fmt.Fprintf(e.w, "data: %s:%s\n\n", tag, payload); err != nil {
		return err
	}
	e.fl.Flush()
	ometrics.SSEEvents.WithLabelValues(tag).Inc()
	return nil
}

// Comment writes an SSE comment line, used as a heartbeat.
func (e *EventWriter) Comment(text string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, err := fmt.Fprintf(e.w, ": %s\n\n", text); err != nil {
		return err
	}
	e.fl.Flush()
	return nil
}
