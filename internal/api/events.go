package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/basket/sdoh-analyst/internal/bus"
)

const sseKeepAlive = 15 * time.Second

// handleEvents streams turn and tool events as server-sent events. An
// optional turn_id query parameter narrows the stream to one turn.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Bus == nil {
		writeError(w, http.StatusServiceUnavailable, "event bus not configured")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	turnID := strings.TrimSpace(r.URL.Query().Get("turn_id"))

	// Subscribe to everything and filter here: turn.* and tool.* share no
	// common prefix.
	sub := s.cfg.Bus.Subscribe("")
	defer s.cfg.Bus.Unsubscribe(sub)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	keepAlive := time.NewTicker(sseKeepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepAlive.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			if !streamable(ev.Topic) {
				continue
			}
			if turnID != "" && eventTurnID(ev.Payload) != turnID {
				continue
			}
			data, err := json.Marshal(ev.Payload)
			if err != nil {
				s.logger.Warn("sse marshal failed", "topic", ev.Topic, "error", err)
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Topic, data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func streamable(topic string) bool {
	return strings.HasPrefix(topic, "turn.") || strings.HasPrefix(topic, "tool.")
}

func eventTurnID(payload any) string {
	switch p := payload.(type) {
	case bus.TurnStateEvent:
		return p.TurnID
	case bus.ToolEvent:
		return p.TurnID
	case bus.TurnEndEvent:
		return p.TurnID
	}
	return ""
}
