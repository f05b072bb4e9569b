package monitor

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// handleTail streams completed frames as Server-Sent Events, one JSON
// FrameInfo per event.
func (ws *WebServer) handleTail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable buffering for nginx

	id, c := ws.history.Subscribe()
	defer ws.history.Unsubscribe(id)

	// Send initial ping to establish connection
	w.Write([]byte(": ping\n\n"))
	flusher.Flush()

	for {
		select {
		case info, ok := <-c:
			if !ok {
				return
			}
			payload, err := json.Marshal(info)
			if err != nil {
				return
			}
			if _, err := fmt.Fprintf(w, "event: frame\ndata: %s\n\n", payload); err != nil {
				return
			}
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}
