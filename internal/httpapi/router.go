// Package httpapi is the thin external surface of §6: the
// /ws/{source} upgrade route that hands connections to
// pipeline.SessionSupervisor, plus the CRUD/admin HTTP routes layered on
// top of the usage store and a standalone text-chat service.
package httpapi

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/voxrelay/orchestrator/internal/config"
	"github.com/voxrelay/orchestrator/internal/metrics"
	"github.com/voxrelay/orchestrator/pkg/pipeline"
	"github.com/voxrelay/orchestrator/pkg/usage"
)

// Server holds the collaborators every route handler needs.
type Server struct {
	cfg        *config.Config
	supervisor *pipeline.SessionSupervisor
	store      usage.Store
	chat       *ChatService
	metrics    *metrics.Registry
	logger     *slog.Logger
}

// New wires the chi router. metricsHandler, if non-nil, is mounted at
// /metrics alongside the API routes.
func New(cfg *config.Config, supervisor *pipeline.SessionSupervisor, store usage.Store, chat *ChatService, reg *metrics.Registry, metricsHandler http.Handler, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{cfg: cfg, supervisor: supervisor, store: store, chat: chat, metrics: reg, logger: logger}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/ws/{source}", s.handleWS)

	if metricsHandler != nil {
		r.Handle("/metrics", metricsHandler)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/chat", s.handleChat)
		r.Post("/chat/stream", s.handleChatStream)
		r.Get("/conversation/{session_id}", s.handleConversation)
		r.Get("/sessions/{user_id}", s.handleListSessions)
		r.Delete("/session/{session_id}", s.handleDeleteSession)

		r.Get("/voice-usage/{user_id}", s.handleVoiceUsage)
		r.Get("/voice-usage/{user_id}/history", s.handleVoiceUsageHistory)

		r.Get("/voice/management/all", s.handleManagementAll)
		r.Get("/voice/management/{user_id}", s.handleManagementUser)
		r.Post("/voice/management/{user_id}/reset", s.handleManagementReset)
		r.Post("/voice/management/{user_id}/abuse-events/{event_id}/review", s.handleManagementReviewAbuseEvent)
	})

	return r
}
