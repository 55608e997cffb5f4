package httpapi

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/atelier-ai/atelier/internal/models"
)

// handleSSE serves GET /stream/{task_id}/sse, the EventSource-compatible
// sibling of the WebSocket stream. The same frames flow as SSE data lines;
// event frames carry their event id in the SSE id field so reconnecting
// clients resume via the Last-Event-ID header.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("task_id")

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.sendError(w, http.StatusInternalServerError, "streaming_unsupported", "streaming not supported")
		return
	}

	// CORS (dev-friendly)
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// Last-Event-ID header (EventSource reconnect) wins over the query param.
	replayFrom := int64(-1)
	if lei := r.Header.Get("Last-Event-ID"); lei != "" {
		if n, err := strconv.ParseInt(lei, 10, 64); err == nil && n >= 0 {
			replayFrom = n
		}
	}
	if q := r.URL.Query().Get("last_event_id"); q != "" && replayFrom < 0 {
		if n, err := strconv.ParseInt(q, 10, 64); err == nil && n >= 0 {
			replayFrom = n
		}
	}

	s.runStreamSession(r, &sseTransport{w: w, flusher: flusher}, taskID, replayFrom)
}

// sseTransport writes frames as SSE messages. There are no close codes:
// ending the session ends the response body.
type sseTransport struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func (t *sseTransport) Name() string { return "sse" }

func (t *sseTransport) WriteFrame(f models.Frame) error {
	if evt, ok := f.Data.(models.Event); ok && f.Type == models.FrameTypeEvent {
		if _, err := fmt.Fprintf(t.w, "id: %d\n", evt.EventID); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(t.w, "event: %s\ndata: %s\n\n", f.Type, f.Marshal()); err != nil {
		return err
	}
	t.flusher.Flush()
	return nil
}

// KeepAlive emits a comment line so proxies keep the connection open.
func (t *sseTransport) KeepAlive() error {
	if _, err := fmt.Fprint(t.w, ": ping\n\n"); err != nil {
		return err
	}
	t.flusher.Flush()
	return nil
}

func (t *sseTransport) CloseStatus(code int, reason string) {}

func (t *sseTransport) Activity() <-chan struct{} { return nil }

// PeerGone is nil for SSE; client disconnects surface through the request
// context instead.
func (t *sseTransport) PeerGone() <-chan struct{} { return nil }
