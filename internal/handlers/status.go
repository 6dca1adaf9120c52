package handlers

import (
	"net/http"

	"chattest-backend/internal/middleware"
	"chattest-backend/internal/models"
	"chattest-backend/internal/services"
)

func (h *SessionHandler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	var req models.UpdateStatusRequest
	if err := decodeAndValidate(w, r, &req); err != nil {
		handleServiceError(w, r, err)
		return
	}

	status, err := h.coordinator.ReportStatus(r.Context(), req.SessionID, middleware.GetIdentity(r.Context()), services.StatusReport{
		IsTyping: req.IsTyping,
		ReadUpTo: req.ReadUpTo,
	})
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, status)
}

func (h *SessionHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("sessionId")
	if sessionID == "" {
		writeJSON(w, http.StatusBadRequest, errorRespWithFields("VALIDATION_ERROR", "Validation failed",
			map[string]string{"sessionId": "Is required"}, r))
		return
	}

	statuses, err := h.coordinator.Snapshot(r.Context(), sessionID, middleware.GetIdentity(r.Context()))
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sessionId": sessionID,
		"statuses":  statuses,
	})
}
