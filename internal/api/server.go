// Package api exposes the conversation engine over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/caregent/caregent/internal/buildinfo"
	"github.com/caregent/caregent/internal/engine"
	"github.com/caregent/caregent/internal/llm"
	"github.com/caregent/caregent/internal/session"
)

// maxRequestBodySize bounds inbound JSON bodies (1MB).
const maxRequestBodySize = 1 << 20

// Processor is the engine surface the API needs.
type Processor interface {
	Process(ctx context.Context, message, sessionID string) (*engine.Reply, error)
}

// Server is the HTTP front end.
type Server struct {
	processor Processor
	sessions  session.Store
	logger    *slog.Logger
	srv       *http.Server
}

// NewServer builds the HTTP server listening on addr.
func NewServer(addr string, processor Processor, sessions session.Store, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		processor: processor,
		sessions:  sessions,
		logger:    logger,
	}
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Recoverer)

	r.Route("/api", func(r chi.Router) {
		r.Post("/conversation", s.handleConversation)
		r.Get("/health", s.handleHealth)
	})
	return r
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

// Start begins serving. It blocks until the listener fails or
// Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("http server listening", "addr", s.srv.Addr)
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

type conversationRequest struct {
	Message   string `json:"message"`
	SessionID string `json:"session_id,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleConversation(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	var req conversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON body"})
		return
	}
	if req.Message == "" {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "message is required"})
		return
	}

	reply, err := s.processor.Process(r.Context(), req.Message, req.SessionID)
	if err != nil {
		var tooLong *llm.MessageTooLongError
		switch {
		case errors.As(err, &tooLong):
			s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: tooLong.Error()})
		case errors.Is(err, session.ErrNotFound):
			s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "session not found"})
		default:
			s.logger.Error("conversation failed", "error", err)
			s.writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
		}
		return
	}

	s.writeJSON(w, http.StatusOK, reply)
}

type healthResponse struct {
	Status           string    `json:"status"`
	Timestamp        time.Time `json:"timestamp"`
	Version          string    `json:"version"`
	ActiveSessions   int       `json:"active_sessions"`
	VerifiedSessions int       `json:"verified_sessions"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	stats, err := s.sessions.Stats(r.Context())
	if err != nil {
		s.logger.Error("session stats failed", "error", err)
		s.writeJSON(w, http.StatusServiceUnavailable, healthResponse{
			Status:    "degraded",
			Timestamp: time.Now().UTC(),
			Version:   buildinfo.Version,
		})
		return
	}
	s.writeJSON(w, http.StatusOK, healthResponse{
		Status:           "healthy",
		Timestamp:        time.Now().UTC(),
		Version:          buildinfo.Version,
		ActiveSessions:   stats.Active,
		VerifiedSessions: stats.Verified,
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("write response failed", "error", err)
	}
}
