package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/ent0n29/lostfound/internal/chat"
	"github.com/ent0n29/lostfound/internal/config"
	"github.com/ent0n29/lostfound/internal/observability"
	"github.com/ent0n29/lostfound/internal/session"
)

const (
	headerUserID    = "X-User-ID"
	headerUserEmail = "X-User-Email"
	readyTimeout    = 2 * time.Second
)

// ChatService is the conversation engine behind the API.
type ChatService interface {
	Start(ctx context.Context, userID, userEmail string) (chat.Reply, error)
	Send(ctx context.Context, sessionID, text, userID, userEmail string) (chat.Reply, error)
	Get(sessionID string) (*session.Session, error)
	Delete(sessionID string)
}

// Pinger reports whether a backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Server struct {
	cfg      config.Config
	chat     ChatService
	ready    Pinger
	metrics  *observability.Metrics
	log      zerolog.Logger
	upgrader websocket.Upgrader
}

func New(cfg config.Config, chatService ChatService, ready Pinger, metrics *observability.Metrics, log zerolog.Logger) *Server {
	return &Server{
		cfg:     cfg,
		chat:    chatService,
		ready:   ready,
		metrics: metrics,
		log:     log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Browsers may only connect from the same origin unless explicitly allowed.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
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
	r.Get("/v1/perf/latency", s.handlePerfLatency)
	r.Delete("/v1/perf/latency", s.handlePerfReset)

	r.Route("/v1/chat", func(r chi.Router) {
		r.Post("/sessions", s.handleStartSession)
		r.Get("/sessions/{id}", s.handleGetSession)
		r.Delete("/sessions/{id}", s.handleDeleteSession)
		r.Post("/sessions/{id}/messages", s.handleSendMessage)
		r.Get("/ws", s.handleChatWS)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
		defer cancel()
		if err := s.ready.Ping(ctx); err != nil {
			s.log.Warn().Err(err).Msg("readiness check failed")
			respondJSON(w, http.StatusServiceUnavailable, map[string]any{
				"status": "unavailable",
				"detail": err.Error(),
			})
			return
		}
	}
	respondJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

type identity struct {
	UserID    string
	UserEmail string
}

// identityFrom reads the caller identity set by the fronting auth layer.
func identityFrom(r *http.Request) identity {
	id := identity{
		UserID:    strings.TrimSpace(r.Header.Get(headerUserID)),
		UserEmail: strings.TrimSpace(r.Header.Get(headerUserEmail)),
	}
	if id.UserID == "" {
		id.UserID = session.AnonymousUser
	}
	return id
}

func (s *Server) handleStartSession(w http.ResponseWriter, r *http.Request) {
	who := identityFrom(r)
	reply, err := s.chat.Start(r.Context(), who.UserID, who.UserEmail)
	if err != nil {
		s.respondChatError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, reply)
}

type sessionView struct {
	SessionID     string                `json:"session_id"`
	UserID        string                `json:"user_id"`
	Step          session.Step          `json:"step"`
	Intent        session.Intent        `json:"intent"`
	CollectedData session.CollectedData `json:"collected_data"`
	ReportID      string                `json:"report_id,omitempty"`
	Messages      []session.Message     `json:"messages"`
	CreatedAt     time.Time             `json:"created_at"`
	UpdatedAt     time.Time             `json:"updated_at"`
	ExpiresAt     time.Time             `json:"expires_at"`
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.ownedSession(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, sessionView{
		SessionID:     sess.ID,
		UserID:        sess.UserID,
		Step:          sess.Step,
		Intent:        sess.Intent,
		CollectedData: sess.CollectedData,
		ReportID:      sess.ReportID,
		Messages:      sess.Messages,
		CreatedAt:     sess.CreatedAt,
		UpdatedAt:     sess.UpdatedAt,
		ExpiresAt:     sess.ExpiresAt,
	})
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.ownedSession(w, r)
	if !ok {
		return
	}
	s.chat.Delete(sess.ID)
	w.WriteHeader(http.StatusNoContent)
}

type sendRequest struct {
	Message string `json:"message"`
	Text    string `json:"text"`
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	who := identityFrom(r)
	id := strings.TrimSpace(chi.URLParam(r, "id"))

	var req sendRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	text := req.Message
	if strings.TrimSpace(text) == "" {
		text = req.Text
	}

	// An unknown id is not an error here: the turn starts a fresh session.
	if sess, err := s.chat.Get(id); err == nil && sess.UserID != who.UserID {
		respondError(w, http.StatusForbidden, "forbidden", "session belongs to another user")
		return
	}

	reply, err := s.chat.Send(r.Context(), id, text, who.UserID, who.UserEmail)
	if err != nil {
		s.respondChatError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, reply)
}

// ownedSession loads the {id} session and writes 404 or 403 when it cannot be served.
func (s *Server) ownedSession(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		respondError(w, http.StatusBadRequest, "invalid_session_id", "missing session id")
		return nil, false
	}
	sess, err := s.chat.Get(id)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return nil, false
	}
	if sess.UserID != identityFrom(r).UserID {
		respondError(w, http.StatusForbidden, "forbidden", "session belongs to another user")
		return nil, false
	}
	return sess, true
}

// errorCode maps a turn error onto an API status and code.
func errorCode(err error) (int, string) {
	switch {
	case errors.Is(err, chat.ErrEmptyMessage):
		return http.StatusBadRequest, "empty_message"
	case errors.Is(err, chat.ErrUnderstandingUnavailable):
		return http.StatusServiceUnavailable, "understanding_unavailable"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func (s *Server) respondChatError(w http.ResponseWriter, err error) {
	status, code := errorCode(err)
	if status >= http.StatusInternalServerError {
		s.log.Error().Err(err).Str("code", code).Msg("chat request failed")
	}
	respondError(w, status, code, err.Error())
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
