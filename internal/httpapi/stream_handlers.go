package httpapi

import (
	"encoding/json"
	"net/http"
	"time"
)

const streamKeepAlive = 25 * time.Second

// handleAuditStream relays audit events to the caller as Server-Sent Events
// until the client goes away.
func (a *API) handleAuditStream(w http.ResponseWriter, r *http.Request) {
	if a.events == nil {
		writeError(w, r, http.StatusServiceUnavailable, "audit streaming disabled")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	// Long-lived response; the server write timeout must not cut it off.
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	ch := a.events.Subscribe(r.Context())
	_, _ = w.Write([]byte(": stream started\n\n"))
	flusher.Flush()

	ticker := time.NewTicker(streamKeepAlive)
	defer ticker.Stop()
	for {
		select {
		case evt, ok := <-ch:
			if !ok {
				return
			}
			payload, err := json.Marshal(evt)
			if err != nil {
				continue
			}
			_, _ = w.Write([]byte("event: " + evt.Type + "\ndata: "))
			_, _ = w.Write(payload)
			_, _ = w.Write([]byte("\n\n"))
			flusher.Flush()
		case <-ticker.C:
			_, _ = w.Write([]byte(": keep-alive\n\n"))
			flusher.Flush()
		}
	}
}
