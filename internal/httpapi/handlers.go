package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/voxrelay/orchestrator/pkg/usage"
)

type chatRequest struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
	InputText string `json:"input_text"`
	Language  string `json:"language"`
	Role      string `json:"role"`
}

type chatResponse struct {
	Reply     string `json:"reply"`
	SessionID string `json:"session_id"`
	MessageID string `json:"message_id"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// handleChat implements POST /api/v1/chat.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.InputText == "" {
		writeError(w, http.StatusBadRequest, "input_text is required")
		return
	}

	reply, sessionID, msgID, err := s.chat.Complete(r.Context(), req.SessionID, req.UserID, req.Role, req.Language, req.InputText)
	if err != nil {
		s.logger.Error("chat completion failed", "error", err)
		writeError(w, http.StatusBadGateway, "completion failed")
		return
	}

	writeJSON(w, http.StatusOK, chatResponse{Reply: reply, SessionID: sessionID, MessageID: msgID})
}

// handleChatStream implements POST /api/v1/chat/stream as server-sent
// events: one data: line per token delta, flushed immediately.
func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.InputText == "" {
		writeError(w, http.StatusBadRequest, "input_text is required")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	_, err := s.chat.Stream(r.Context(), req.SessionID, req.UserID, req.Role, req.Language, req.InputText,
		func(delta string, isEnd bool, messageID string) {
			payload := map[string]any{"reply": delta, "session_id": req.SessionID, "is_end": isEnd}
			if isEnd {
				payload["message_id"] = messageID
			}
			data, _ := json.Marshal(payload)
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		})
	if err != nil {
		s.logger.Error("chat stream failed", "error", err)
		data, _ := json.Marshal(map[string]string{"error": err.Error()})
		fmt.Fprintf(w, "data: %s\n\n", data)
		flusher.Flush()
	}
}

// handleConversation implements GET /api/v1/conversation/{session_id}.
func (s *Server) handleConversation(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "session_id")
	msgs, ok := s.chat.History(sessionID)
	if !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

// handleListSessions implements GET /api/v1/sessions/{user_id}.
func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "user_id")
	writeJSON(w, http.StatusOK, map[string]any{"user_id": userID, "sessions": s.chat.ListSessions(userID)})
}

// handleDeleteSession implements DELETE /api/v1/session/{session_id}.
func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "session_id")
	if !s.chat.DeleteSession(sessionID) {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleVoiceUsage implements GET /api/v1/voice-usage/{user_id}.
func (s *Server) handleVoiceUsage(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "user_id")
	summary, err := s.store.GetUsageSummary(r.Context(), userID, "")
	if err != nil {
		writeError(w, http.StatusInternalServerError, "usage lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// handleVoiceUsageHistory implements GET /api/v1/voice-usage/{user_id}/history.
func (s *Server) handleVoiceUsageHistory(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "user_id")
	sessions, err := s.store.ListUsage(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "usage history lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, sessions)
}

// handleManagementAll implements GET /api/v1/voice/management/all.
func (s *Server) handleManagementAll(w http.ResponseWriter, r *http.Request) {
	userIDs, err := s.store.ListAllUsers(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "user listing failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"users": userIDs})
}

// handleManagementUser implements GET /api/v1/voice/management/{user_id}:
// a per-user admin view combining the usage summary, session history,
// and recorded abuse events so an operator can see and review them
// without a separate endpoint.
func (s *Server) handleManagementUser(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "user_id")
	summary, err := s.store.GetUsageSummary(r.Context(), userID, "")
	if err != nil {
		writeError(w, http.StatusInternalServerError, "usage lookup failed")
		return
	}
	sessions, err := s.store.ListUsage(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "usage history lookup failed")
		return
	}
	abuseEvents, err := s.store.ListAbuseEvents(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "abuse event lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user_id":      userID,
		"summary":      summary,
		"sessions":     sessions,
		"abuse_events": abuseEvents,
	})
}

// handleManagementReviewAbuseEvent implements
// POST /api/v1/voice/management/{user_id}/abuse-events/{event_id}/review:
// a human operator marking one listed abuse event as reviewed.
func (s *Server) handleManagementReviewAbuseEvent(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "user_id")
	eventID := chi.URLParam(r, "event_id")
	if err := s.store.MarkAbuseEventReviewed(r.Context(), userID, eventID); err != nil {
		if err == usage.ErrAbuseEventNotFound {
			writeError(w, http.StatusNotFound, "abuse event not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "mark reviewed failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleManagementReset implements POST /api/v1/voice/management/{user_id}/reset.
func (s *Server) handleManagementReset(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "user_id")
	if err := s.store.ResetUser(r.Context(), userID); err != nil {
		writeError(w, http.StatusInternalServerError, "reset failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
