package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"chattest-backend/internal/models"
)

const (
	defaultPageSize = 50
	maxPageSize     = 200
)

type adminCoordinator interface {
	ListSessions(ctx context.Context, filter models.SessionFilter) ([]*models.Session, error)
	Inspect(ctx context.Context, id string) (*models.FullState, error)
}

// AdminHandler serves the operator dashboard. Routes are admin-only.
type AdminHandler struct {
	coordinator adminCoordinator
}

func NewAdminHandler(coordinator adminCoordinator) *AdminHandler {
	return &AdminHandler{coordinator: coordinator}
}

func (h *AdminHandler) ListSessions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	limit, err := queryInt(q.Get("limit"), defaultPageSize)
	if err != nil || limit <= 0 {
		writeJSON(w, http.StatusBadRequest, errorRespWithFields("VALIDATION_ERROR", "Validation failed",
			map[string]string{"limit": "Must be a positive integer"}, r))
		return
	}
	limit = min(limit, maxPageSize)

	offset, err := queryInt(q.Get("offset"), 0)
	if err != nil || offset < 0 {
		writeJSON(w, http.StatusBadRequest, errorRespWithFields("VALIDATION_ERROR", "Validation failed",
			map[string]string{"offset": "Must be a non-negative integer"}, r))
		return
	}

	sessions, err := h.coordinator.ListSessions(r.Context(), models.SessionFilter{
		Status: models.SessionStatus(q.Get("status")),
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sessions": sessions,
		"limit":    limit,
		"offset":   offset,
	})
}

func (h *AdminHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	state, err := h.coordinator.Inspect(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, state)
}

func queryInt(raw string, fallback int) (int, error) {
	if raw == "" {
		return fallback, nil
	}
	return strconv.Atoi(raw)
}
