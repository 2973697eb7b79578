package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/ent0n29/streamrelay/internal/config"
	"github.com/ent0n29/streamrelay/internal/observability"
	"github.com/ent0n29/streamrelay/internal/relay"
	"github.com/ent0n29/streamrelay/internal/session"
	"github.com/ent0n29/streamrelay/internal/upstream"
)

type Server struct {
	cfg      config.Config
	relay    *relay.Service
	metrics  *observability.Metrics
	upgrader websocket.Upgrader
}

func New(cfg config.Config, svc *relay.Service, metrics *observability.Metrics) *Server {
	return &Server{
		cfg:     cfg,
		relay:   svc,
		metrics: metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Browsers may only connect from the same origin unless any
				// origin is explicitly allowed.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin. Allow them.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Post("/start", s.handleStart)
	r.Get("/poll", s.handlePoll)
	r.Get("/end", s.handleEnd)
	r.Post("/end", s.handleEnd)
	r.Get("/ws", s.handleWS)
	r.Get("/stream", s.handleSSE)

	r.Get("/sessions/{id}", s.handleSnapshot)
	r.Get("/usage", s.handleUsage)
	r.Get("/debug/stages", s.handleStages)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"upstream_mode": s.cfg.UpstreamMode,
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	reg := s.relay.Registry()
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ready",
		"sessions":        reg.Count(),
		"active_sessions": reg.ActiveCount(),
		"session_ttl_ms":  reg.TTL().Milliseconds(),
	})
}

type startResponse struct {
	ID string `json:"id"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req upstream.Request
	if err := decodeJSON(r, &req); err != nil {
		if errors.Is(err, errEmptyBody) {
			respondError(w, http.StatusBadRequest, "invalid_request", "Missing required fields")
			return
		}
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	id, err := s.relay.Start(r.Context(), req)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, startResponse{ID: id})
}

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
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

	res, err := s.relay.Poll(id, after)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (s *Server) handleEnd(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.URL.Query().Get("id"))
	if id == "" {
		respondError(w, http.StatusBadRequest, "missing_id", "query parameter id is required")
		return
	}
	res, err := s.relay.End(r.Context(), id)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := s.relay.Snapshot(chi.URLParam(r, "id"))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, snap)
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	totals, err := s.relay.Usage(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("usage totals")
		respondError(w, http.StatusInternalServerError, "usage_unavailable", err.Error())
		return
	}
	limit, err := cursorParam(r, "limit")
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_limit", err.Error())
		return
	}
	if limit == 0 {
		limit = 50
	}
	recent, err := s.relay.Ledger().Recent(r.Context(), limit)
	if err != nil {
		log.Error().Err(err).Msg("recent usage")
		respondError(w, http.StatusInternalServerError, "usage_unavailable", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"models": totals,
		"recent": recent,
	})
}

// cursorParam parses a non-negative integer query parameter; absent means 0.
func cursorParam(r *http.Request, key string) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.New(key + " must be an integer")
	}
	if n < 0 {
		return 0, errors.New(key + " must be >= 0")
	}
	return n, nil
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

// classify maps service errors onto HTTP status and error code.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, relay.ErrInvalidRequest):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, session.ErrNotFound):
		return http.StatusNotFound, "stream_not_found"
	case errors.Is(err, upstream.ErrStart):
		return http.StatusInternalServerError, "upstream_start_failed"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func respondServiceError(w http.ResponseWriter, err error) {
	status, code := classify(err)
	msg := err.Error()
	if status == http.StatusNotFound {
		msg = "Stream not found"
	}
	respondError(w, status, code, msg)
}
