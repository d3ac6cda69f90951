package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"path/filepath"

	"github.com/gorilla/mux"

	"github.com/vibetunnel/core/pkg/protocol"
	"github.com/vibetunnel/core/pkg/stream"
)

// handleStream serves a session's event stream over SSE: the full history
// replays first, then events arrive as the session produces them. The
// connection closes after the exit event.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := s.manager.GetSession(id); err != nil {
		writeSessionError(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// Events are serialized through a channel so the follower goroutine
	// never touches the ResponseWriter directly.
	lines := make(chan []byte, 256)
	streamPath := filepath.Join(s.manager.ControlDir(), id, "stream-out")

	follower := stream.NewFollower(id, streamPath, stream.Handler{
		OnHeader: func(h *protocol.Header) {
			if data, err := json.Marshal(h); err == nil {
				select {
				case lines <- data:
				case <-r.Context().Done():
				}
			}
		},
		OnEvent: func(ev *protocol.Event) {
			var payload interface{} = ev.Data
			if ev.Type == protocol.EventExit {
				payload = ev.ExitCode
			}
			data, err := json.Marshal([]interface{}{ev.Time, string(ev.Type), payload})
			if err != nil {
				return
			}
			select {
			case lines <- data:
			case <-r.Context().Done():
			}
		},
		OnError: func(err error) {
			data, _ := json.Marshal(map[string]string{"error": err.Error()})
			select {
			case lines <- data:
			case <-r.Context().Done():
			}
		},
	})
	defer follower.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-follower.Done():
			// Drain whatever the follower queued before finishing.
			for {
				select {
				case line := <-lines:
					fmt.Fprintf(w, "data: %s\n\n", line)
				default:
					flusher.Flush()
					return
				}
			}
		case line := <-lines:
			fmt.Fprintf(w, "data: %s\n\n", line)
			flusher.Flush()
		}
	}
}
