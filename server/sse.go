package server

import (
	"encoding/base64"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"
)

// handleDeanStream is the dashboard's equivalent of the teacher's
// handleStream: an SSE feed of one DEAN's raw notification bytes,
// base64-encoded, with a catch-up replay for clients subscribing
// mid-stream (session.Session.Catchup, adapted from the teacher's
// rolling ScreenBuffer).
func (s *Server) handleDeanStream(w http.ResponseWriter, r *http.Request) {
	mac := mux.Vars(r)["mac"]
	entry := s.identity.Get(mac)
	if entry == nil {
		http.Error(w, "dean not registered", http.StatusNotFound)
		return
	}
	sess, ok := s.sessions()[entry.RelayAddress]
	if !ok {
		http.Error(w, "dean not connected", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	fmt.Fprintf(w, "event: connected\ndata: %s\n\n", mac)
	flusher.Flush()

	if buf := sess.Catchup(); len(buf) > 0 {
		fmt.Fprintf(w, "data: %s\n\n", base64.StdEncoding.EncodeToString(buf))
		flusher.Flush()
	}

	ch := sess.Subscribe()
	defer sess.Unsubscribe(ch)

	for {
		select {
		case <-r.Context().Done():
			return
		case data, ok := <-ch:
			if !ok {
				return
			}
			fmt.Fprintf(w, "data: %s\n\n", base64.StdEncoding.EncodeToString(data))
			flusher.Flush()
		}
	}
}
