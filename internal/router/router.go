package router

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"chattest-backend/internal/handlers"
	"chattest-backend/internal/middleware"
	"chattest-backend/internal/models"
)

type Options struct {
	FrontendURL string
	// MessageRateLimit caps POST /message per user per minute. Zero disables it.
	MessageRateLimit int
}

func New(
	jwtAuth *middleware.JWTAuth,
	authHandler *handlers.AuthHandler,
	sessionHandler *handlers.SessionHandler,
	adminHandler *handlers.AdminHandler,
	wsHandler http.HandlerFunc,
	opts Options,
) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.CORS(opts.FrontendURL))

	// Auth rate limiter (10 req/min per IP)
	authLimiter := middleware.NewRateLimiter(10, time.Minute, middleware.ByIP)

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	})

	r.Route("/api/v1", func(r chi.Router) {

		// ──── Auth Routes (public) ────
		r.Route("/auth", func(r chi.Router) {
			r.Use(authLimiter.Middleware)
			r.Post("/telegram", authHandler.TelegramLogin)
			r.Post("/admin/login", authHandler.AdminLogin)
			r.Post("/refresh", authHandler.Refresh)

			// Logout requires auth
			r.Group(func(r chi.Router) {
				r.Use(jwtAuth.Middleware)
				r.Post("/logout", authHandler.Logout)
			})
		})

		r.Group(func(r chi.Router) {
			r.Use(jwtAuth.Middleware)

			// ──── Session Routes ────
			r.Route("/session", func(r chi.Router) {
				r.Post("/", sessionHandler.Create)
				r.Get("/{id}", sessionHandler.Get)
				r.Patch("/{id}", sessionHandler.Update)
				r.Get("/{id}/timer", sessionHandler.GetTimer)
				r.Patch("/{id}/timer", sessionHandler.ExtendTimer)
				r.Get("/{id}/state", sessionHandler.GetState)
			})

			// ──── Message Routes ────
			r.Get("/history", sessionHandler.History)
			r.Group(func(r chi.Router) {
				if opts.MessageRateLimit > 0 {
					r.Use(middleware.NewRateLimiter(opts.MessageRateLimit, time.Minute, middleware.ByUser).Middleware)
				}
				r.Post("/message", sessionHandler.PostMessage)
			})

			// ──── Status Routes ────
			r.Get("/status", sessionHandler.GetStatus)
			r.Patch("/status", sessionHandler.UpdateStatus)

			// ──── Admin Routes ────
			r.Route("/admin", func(r chi.Router) {
				r.Use(middleware.RequireRole(models.RoleAdmin))
				r.Get("/sessions", adminHandler.ListSessions)
				r.Get("/sessions/{id}", adminHandler.GetSession)
			})
		})

		// ──── WebSocket ────
		// Authenticates with ?token= since browsers cannot set headers on upgrade.
		r.Get("/ws", wsHandler)
	})

	return r
}
