package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tanq16/hlsdl/internal/events"
)

const (
	sseHeartbeat    = 15 * time.Second
	sseWriteTimeout = 10 * time.Second
)

// handleEvents streams every task event as a named server-sent event. A
// client too slow to keep its buffer drained is detached by the bus and the
// stream ends; it is expected to reconnect.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming_unsupported", "streaming not supported")
		return
	}
	rc := http.NewResponseController(w)
	ch, unsubscribe := s.bus.Subscribe(events.DefaultBuffer)
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	// send writes one frame under a deadline so a stuck socket cannot pin
	// the handler forever.
	send := func(frame string) bool {
		if err := rc.SetWriteDeadline(time.Now().Add(sseWriteTimeout)); err != nil && !errors.Is(err, http.ErrNotSupported) {
			return false
		}
		if _, err := fmt.Fprint(w, frame); err != nil {
			log.Debug().Str("op", "api/sse").Err(err).Msg("SSE client gone")
			return false
		}
		flusher.Flush()
		return true
	}
	if !send(": connected\n\n") {
		return
	}

	heartbeat := time.NewTicker(sseHeartbeat)
	defer heartbeat.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			if !send(": ping\n\n") {
				return
			}
		case ev, ok := <-ch:
			if !ok {
				log.Debug().Str("op", "api/sse").Msg("SSE subscription closed by the bus")
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				log.Error().Str("op", "api/sse").Err(err).Msg("Failed to encode event")
				continue
			}
			if !send(fmt.Sprintf("event: %s\ndata: %s\n\n", ev.Type, data)) {
				return
			}
		}
	}
}
