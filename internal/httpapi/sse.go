package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/ent0n29/streamrelay/internal/protocol"
	"github.com/ent0n29/streamrelay/internal/relay"
	"github.com/ent0n29/streamrelay/internal/session"
)

// handleSSE pushes an existing session as server-sent events. The event id
// is the next cursor, so a reconnecting client resumes via Last-Event-ID.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.URL.Query().Get("id"))
	if id == "" {
		respondError(w, http.StatusBadRequest, "missing_id", "query parameter id is required")
		return
	}
	after, err := cursorParam(r, "after")
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_after", err.Error())
		return
	}
	if last := strings.TrimSpace(r.Header.Get("Last-Event-ID")); last != "" {
		n, err := strconv.Atoi(last)
		if err != nil || n < 0 {
			respondError(w, http.StatusBadRequest, "invalid_last_event_id", "Last-Event-ID must be a non-negative integer")
			return
		}
		after = n
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "streaming_unsupported", "response writer cannot flush")
		return
	}
	if _, err := s.relay.Snapshot(id); err != nil {
		respondServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sink := &sseSink{w: w, flusher: flusher}
	err = s.relay.Follow(r.Context(), id, after, sink)
	switch {
	case err == nil:
	case errors.Is(err, relay.ErrSessionClosed), errors.Is(err, session.ErrNotFound):
		_ = sink.event("", protocol.TypeError, protocol.NewError("stream_closed", "stream ended before completion"))
	case r.Context().Err() != nil:
	default:
		log.Debug().Err(err).Str("session_id", id).Msg("sse follow stopped")
	}
}

type sseSink struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func (k *sseSink) Segment(index int, text string) error {
	return k.event(strconv.Itoa(index+1), protocol.TypeContent, protocol.NewContent(index, text))
}

func (k *sseSink) Finished(snap session.Snapshot) error {
	msg := protocol.Terminal(snap)
	t, _ := protocol.TypeOf(msg)
	return k.event("", t, msg)
}

func (k *sseSink) event(id string, t protocol.MessageType, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var b strings.Builder
	if id != "" {
		fmt.Fprintf(&b, "id: %s\n", id)
	}
	fmt.Fprintf(&b, "event: %s\ndata: %s\n\n", t, data)
	if _, err := k.w.Write([]byte(b.String())); err != nil {
		return err
	}
	k.flusher.Flush()
	return nil
}
