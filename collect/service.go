package collect

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/tempslabs/replay/pack"
)

// Service exposes the ingest and read API over a Store.
type Service struct {
	store  *Store
	logger *slog.Logger
}

// NewService creates the collect service.
func NewService(store *Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, logger: logger}
}

// Router builds the HTTP API:
//
//	POST   /session-replay/init                    register a session (201)
//	POST   /session-replay/events                  append a packed batch
//	GET    /session-replays                        list sessions (paged)
//	GET    /session-replays/{session_id}           session metadata
//	GET    /session-replays/{session_id}/events    session with events
//	PUT    /session-replays/{session_id}/duration  record total duration
//	DELETE /session-replays/{session_id}           delete session + events
func (s *Service) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Post("/session-replay/init", s.handleInit)
	r.Post("/session-replay/events", s.handleEvents)

	r.Get("/session-replays", s.handleList)
	r.Route("/session-replays/{session_id}", func(r chi.Router) {
		r.Get("/", s.handleGet)
		r.Delete("/", s.handleDelete)
		r.Get("/events", s.handleGetEvents)
		r.Put("/duration", s.handleDuration)
	})
	return r
}

type initRequest struct {
	SessionID      string `json:"sessionId"`
	VisitorID      string `json:"visitorId"`
	UserAgent      string `json:"userAgent"`
	Language       string `json:"language"`
	Timezone       string `json:"timezone"`
	ScreenWidth    int    `json:"screenWidth"`
	ScreenHeight   int    `json:"screenHeight"`
	ColorDepth     int    `json:"colorDepth"`
	ViewportWidth  int    `json:"viewportWidth"`
	ViewportHeight int    `json:"viewportHeight"`
	URL            string `json:"url"`
	Timestamp      string `json:"timestamp"`
}

type initResponse struct {
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
}

func (s *Service) handleInit(w http.ResponseWriter, r *http.Request) {
	var req initRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.SessionID == "" {
		s.writeError(w, http.StatusBadRequest, "sessionId required", nil)
		return
	}

	err := s.store.CreateSession(r.Context(), Session{
		SessionID:      req.SessionID,
		VisitorID:      req.VisitorID,
		UserAgent:      req.UserAgent,
		Language:       req.Language,
		Timezone:       req.Timezone,
		ScreenWidth:    req.ScreenWidth,
		ScreenHeight:   req.ScreenHeight,
		ColorDepth:     req.ColorDepth,
		ViewportWidth:  req.ViewportWidth,
		ViewportHeight: req.ViewportHeight,
		URL:            req.URL,
		CreatedAt:      now(),
	})
	if err != nil {
		s.logger.Error("collect: init session", "error", err)
		s.writeError(w, http.StatusInternalServerError, "Database error", err)
		return
	}

	s.logger.Info("collect: session initialized",
		"session_id", req.SessionID, "url", req.URL)
	s.writeJSON(w, http.StatusCreated, initResponse{
		SessionID: req.SessionID,
		Message:   "Session initialized successfully",
	})
}

type eventsRequest struct {
	SessionID string `json:"sessionId"`
	Events    string `json:"events"`
}

type eventsResponse struct {
	EventCount int    `json:"event_count"`
	Message    string `json:"message"`
}

func (s *Service) handleEvents(w http.ResponseWriter, r *http.Request) {
	var req eventsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.SessionID == "" || req.Events == "" {
		s.writeError(w, http.StatusBadRequest, "sessionId and events required", nil)
		return
	}

	events, err := pack.Unpack(req.Events)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid packed data", err)
		return
	}

	if err := s.store.AppendEvents(r.Context(), req.SessionID, events); err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			s.writeError(w, http.StatusNotFound, "Session not found", err)
			return
		}
		s.logger.Error("collect: append events", "session_id", req.SessionID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "Database error", err)
		return
	}

	s.logger.Debug("collect: events stored",
		"session_id", req.SessionID, "count", len(events))
	s.writeJSON(w, http.StatusOK, eventsResponse{
		EventCount: len(events),
		Message:    fmt.Sprintf("Successfully added %d events", len(events)),
	})
}

type listResponse struct {
	Sessions   []Session `json:"sessions"`
	Page       int64     `json:"page"`
	PerPage    int64     `json:"per_page"`
	TotalCount int64     `json:"total_count"`
}

func (s *Service) handleList(w http.ResponseWriter, r *http.Request) {
	page := queryInt(r, "page", 1)
	perPage := queryInt(r, "per_page", 50)

	sessions, total, err := s.store.ListSessions(r.Context(), page, perPage)
	if err != nil {
		s.logger.Error("collect: list sessions", "error", err)
		s.writeError(w, http.StatusInternalServerError, "Database error", err)
		return
	}
	if sessions == nil {
		sessions = []Session{}
	}
	s.writeJSON(w, http.StatusOK, listResponse{
		Sessions:   sessions,
		Page:       page,
		PerPage:    perPage,
		TotalCount: total,
	})
}

func (s *Service) handleGet(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "session_id")
	sess, err := s.store.GetSession(r.Context(), sessionID)
	if err != nil {
		s.sessionError(w, sessionID, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]Session{"session": sess})
}

type sessionWithEvents struct {
	Session Session       `json:"session"`
	Events  []StoredEvent `json:"events"`
}

func (s *Service) handleGetEvents(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "session_id")
	sess, err := s.store.GetSession(r.Context(), sessionID)
	if err != nil {
		s.sessionError(w, sessionID, err)
		return
	}
	events, err := s.store.GetEvents(r.Context(), sessionID)
	if err != nil {
		s.sessionError(w, sessionID, err)
		return
	}
	if events == nil {
		events = []StoredEvent{}
	}
	s.writeJSON(w, http.StatusOK, sessionWithEvents{Session: sess, Events: events})
}

func (s *Service) handleDuration(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "session_id")
	var req struct {
		Duration int64 `json:"duration"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if err := s.store.UpdateDuration(r.Context(), sessionID, req.Duration); err != nil {
		s.sessionError(w, sessionID, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{
		"message": "Session duration updated successfully",
	})
}

func (s *Service) handleDelete(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "session_id")
	if err := s.store.DeleteSession(r.Context(), sessionID); err != nil {
		s.sessionError(w, sessionID, err)
		return
	}
	s.logger.Info("collect: session deleted", "session_id", sessionID)
	w.WriteHeader(http.StatusOK)
}

func (s *Service) sessionError(w http.ResponseWriter, sessionID string, err error) {
	if errors.Is(err, ErrSessionNotFound) {
		s.writeError(w, http.StatusNotFound, "Session not found", err)
		return
	}
	s.logger.Error("collect: session operation", "session_id", sessionID, "error", err)
	s.writeError(w, http.StatusInternalServerError, "Database error", err)
}

func (s *Service) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("collect: write response", "error", err)
	}
}

type errorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func (s *Service) writeError(w http.ResponseWriter, status int, msg string, err error) {
	resp := errorResponse{Error: msg}
	if err != nil {
		resp.Details = err.Error()
	}
	s.writeJSON(w, status, resp)
}

func queryInt(r *http.Request, key string, def int64) int64 {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 1 {
		return def
	}
	return n
}
