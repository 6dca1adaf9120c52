package handlers

import (
	"net/http"
	"time"

	"chattest-backend/internal/middleware"
	"chattest-backend/internal/models"
)

// History lists the messages of ?sessionId, optionally only those after ?since.
func (h *SessionHandler) History(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("sessionId")
	if sessionID == "" {
		writeJSON(w, http.StatusBadRequest, errorRespWithFields("VALIDATION_ERROR", "Validation failed",
			map[string]string{"sessionId": "Is required"}, r))
		return
	}

	var since *time.Time
	if raw := r.URL.Query().Get("since"); raw != "" {
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorRespWithFields("VALIDATION_ERROR", "Validation failed",
				map[string]string{"since": "Must be an RFC 3339 timestamp"}, r))
			return
		}
		since = &t
	}

	messages, err := h.coordinator.ListMessages(r.Context(), sessionID, middleware.GetIdentity(r.Context()), since)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"messages": messages,
	})
}

func (h *SessionHandler) PostMessage(w http.ResponseWriter, r *http.Request) {
	var req models.PostMessageRequest
	if err := decodeAndValidate(w, r, &req); err != nil {
		handleServiceError(w, r, err)
		return
	}

	msg, err := h.coordinator.PostMessage(r.Context(), req.SessionID, middleware.GetIdentity(r.Context()), models.MessageDraft{
		ID:            req.ID,
		Content:       req.Content,
		AttachmentURL: req.AttachmentURL,
	})
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, msg)
}
