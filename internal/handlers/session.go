package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"chattest-backend/internal/middleware"
	"chattest-backend/internal/models"
	"chattest-backend/internal/services"
)

type sessionCoordinator interface {
	StartSession(ctx context.Context, creator models.Identity, cfg models.SessionConfig) (*models.Session, error)
	Transition(ctx context.Context, id string, caller models.Identity, action string) (*models.Session, error)
	GetSession(ctx context.Context, id string, caller models.Identity) (*models.Session, error)
	GetTimer(ctx context.Context, id string, caller models.Identity) (models.Timer, error)
	ExtendTimer(ctx context.Context, id string, caller models.Identity, additionalSeconds int) (models.Timer, error)
	GetFullState(ctx context.Context, id string, caller models.Identity) (*models.FullState, error)
	ListMessages(ctx context.Context, id string, caller models.Identity, since *time.Time) ([]models.Message, error)
	PostMessage(ctx context.Context, id string, caller models.Identity, draft models.MessageDraft) (*models.Message, error)
	ReportStatus(ctx context.Context, id string, caller models.Identity, report services.StatusReport) (models.UserStatus, error)
	Snapshot(ctx context.Context, id string, caller models.Identity) (map[string]models.UserStatus, error)
}

// SessionHandler serves the session, history, message and status endpoints.
type SessionHandler struct {
	coordinator sessionCoordinator
}

func NewSessionHandler(coordinator sessionCoordinator) *SessionHandler {
	return &SessionHandler{coordinator: coordinator}
}

func (h *SessionHandler) Create(w http.ResponseWriter, r *http.Request) {
	var cfg models.SessionConfig
	if err := decodeAndValidate(w, r, &cfg); err != nil {
		handleServiceError(w, r, err)
		return
	}

	session, err := h.coordinator.StartSession(r.Context(), middleware.GetIdentity(r.Context()), cfg)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, session)
}

func (h *SessionHandler) Get(w http.ResponseWriter, r *http.Request) {
	session, err := h.coordinator.GetSession(r.Context(), chi.URLParam(r, "id"), middleware.GetIdentity(r.Context()))
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, session)
}

// Update applies a lifecycle action: start, complete or timeout.
func (h *SessionHandler) Update(w http.ResponseWriter, r *http.Request) {
	var req models.UpdateSessionRequest
	if err := decodeAndValidate(w, r, &req); err != nil {
		handleServiceError(w, r, err)
		return
	}

	session, err := h.coordinator.Transition(r.Context(), chi.URLParam(r, "id"), middleware.GetIdentity(r.Context()), req.Action)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, session)
}

func (h *SessionHandler) GetTimer(w http.ResponseWriter, r *http.Request) {
	timer, err := h.coordinator.GetTimer(r.Context(), chi.URLParam(r, "id"), middleware.GetIdentity(r.Context()))
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, timer)
}

func (h *SessionHandler) ExtendTimer(w http.ResponseWriter, r *http.Request) {
	var req models.ExtendTimerRequest
	if err := decodeAndValidate(w, r, &req); err != nil {
		handleServiceError(w, r, err)
		return
	}

	timer, err := h.coordinator.ExtendTimer(r.Context(), chi.URLParam(r, "id"), middleware.GetIdentity(r.Context()), req.AdditionalSeconds)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, timer)
}

func (h *SessionHandler) GetState(w http.ResponseWriter, r *http.Request) {
	state, err := h.coordinator.GetFullState(r.Context(), chi.URLParam(r, "id"), middleware.GetIdentity(r.Context()))
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, state)
}
