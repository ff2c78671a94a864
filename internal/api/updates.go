package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/seantiz/foundry/internal/model"
)

// handleStreamSession streams the updates of one session as server-sent
// events and ends with a done event when the session finishes.
func (s *Server) handleStreamSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookupSession(w, r)
	if !ok {
		return
	}

	// Subscribing after the session finished is safe: Subscribe on a closed
	// topic returns a closed channel and the stream ends at once.
	ch, unsub := s.engine.Broker().Subscribe(sess.Key())
	defer unsub()

	s.streamUpdates(w, r, "session", ch, true)
}

// handleStreamAll streams the updates of every session until the client
// disconnects.
func (s *Server) handleStreamAll(w http.ResponseWriter, r *http.Request) {
	ch, unsub := s.engine.Broker().SubscribeAll()
	defer unsub()

	s.streamUpdates(w, r, "all", ch, false)
}

func (s *Server) streamUpdates(w http.ResponseWriter, r *http.Request, stream string, ch <-chan model.Update, done bool) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	// Disable write timeout for long-lived SSE connections.
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		s.logger.Error("set write deadline for SSE", "error", err)
	}

	sseClients.WithLabelValues(stream).Inc()
	defer sseClients.WithLabelValues(stream).Dec()

	w.WriteHeader(http.StatusOK)
	flusher, canFlush := w.(http.Flusher)
	if canFlush {
		flusher.Flush()
	}

	for {
		select {
		case u, ok := <-ch:
			if !ok {
				if done {
					_ = writeSSEEvent(w, "done", "stream complete")
					if canFlush {
						flusher.Flush()
					}
				}
				return
			}
			data, err := json.Marshal(u)
			if err != nil {
				s.logger.Error("encode update", "error", err)
				continue
			}
			if err := writeSSEData(w, string(data)); err != nil {
				return // Write failed (e.g. client gone).
			}
			if canFlush {
				flusher.Flush()
			}
		case <-r.Context().Done():
			return // Client disconnected.
		}
	}
}

// writeSSEData writes a data event. Multi-line strings are split so that
// each segment gets its own "data:" prefix.
func writeSSEData(w http.ResponseWriter, data string) error {
	for seg := range strings.SplitSeq(data, "\n") {
		if _, err := fmt.Fprintf(w, "data: %s\n", seg); err != nil {
			return err
		}
	}
	// Blank line terminates the event.
	_, err := fmt.Fprint(w, "\n")
	return err
}

// writeSSEEvent writes a named SSE event (event: <type>\ndata: <data>\n\n).
func writeSSEEvent(w http.ResponseWriter, eventType, data string) error {
	if _, err := fmt.Fprintf(w, "event: %s\n", eventType); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	return nil
}
