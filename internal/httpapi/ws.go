package httpapi

import (
	"net/http"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"

	"github.com/voxrelay/orchestrator/internal/wsconn"
	"github.com/voxrelay/orchestrator/pkg/pipeline"
)

// handleWS upgrades /ws/{source} and runs the connection's session to
// completion, per §6. The handler itself owns nothing beyond
// parsing and the upgrade; SessionSupervisor.Serve owns the session.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	source := pipeline.Source(chi.URLParam(r, "source"))
	switch source {
	case pipeline.SourceDevice, pipeline.SourcePhone, pipeline.SourceWeb:
	default:
		http.Error(w, "unknown source", http.StatusNotFound)
		return
	}

	q := r.URL.Query()
	userID := q.Get("user_id")

	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket accept failed", "error", err)
		return
	}

	if userID == "" {
		ws.Close(websocket.StatusCode(4001), "user_id missing")
		return
	}

	params := pipeline.SessionParams{
		Source:    source,
		SessionID: q.Get("session_id"),
		UserID:    userID,
		Language:  pipeline.Language(q.Get("language")),
		Role:      pipeline.Role(q.Get("role")),
	}

	providers, err := buildProviders(s.cfg)
	if err != nil {
		s.logger.Error("provider construction failed", "error", err)
		ws.Close(websocket.StatusInternalError, "provider unavailable")
		return
	}

	conn := wsconn.New(ws, source)

	if s.metrics != nil {
		s.metrics.SessionStarted()
		defer s.metrics.SessionEnded()
	}

	logger := s.logger.With("user_id", userID, "source", string(source))
	if err := s.supervisor.Serve(r.Context(), params, providers, conn, nil); err != nil {
		logger.Info("session ended", "error", err)
	}
}
