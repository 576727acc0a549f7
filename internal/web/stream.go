package web

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// handleEvents serves the live pipeline event feed as Server-Sent Events.
// A slow client does not stall the pipeline: the subscription buffer drops
// under pressure and drops are counted, so the stream is best effort.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // disable nginx buffering if present

	events, unsubscribe := s.sink.Subscribe(64)
	defer unsubscribe()

	// Keep-alive comments let proxies know the connection is live while the
	// pipeline is idle.
	keepAlive := time.NewTicker(25 * time.Second)
	defer keepAlive.Stop()

	fmt.Fprintf(w, ": connected\n\n")
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepAlive.C:
			fmt.Fprintf(w, ": keep-alive\n\n")
			flusher.Flush()
		case ev, open := <-events:
			if !open {
				fmt.Fprintf(w, "event: done\ndata: sink closed\n\n")
				flusher.Flush()
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
			flusher.Flush()
		}
	}
}
