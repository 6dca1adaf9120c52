package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"chattest-backend/internal/config"
	"chattest-backend/internal/database"
	"chattest-backend/internal/handlers"
	"chattest-backend/internal/middleware"
	"chattest-backend/internal/repository"
	"chattest-backend/internal/router"
	"chattest-backend/internal/services"
	"chattest-backend/internal/websocket"
	"chattest-backend/internal/worker"
)

func main() {
	log.Println("🚀 Starting Chattest Backend...")
	ctx := context.Background()

	// ──── Step 1: Load Environment Variables ────
	cfg := config.Load()
	log.Println("✓ Environment variables loaded")

	// ──── Step 2: Initialize Session Storage ────
	var (
		sessions services.SessionStore
		messages services.MessageLog
		counter  repository.UnreadCounter
	)
	switch cfg.StorageDriver {
	case config.StorageMemory:
		sessionRepo := repository.NewMemorySessionRepo()
		messageRepo := repository.NewMemoryMessageRepo(sessionRepo)
		sessions, messages, counter = sessionRepo, messageRepo, messageRepo
		log.Println("⚠ Using in-memory session storage (data is lost on restart)")
	default:
		pool, err := database.NewPostgresPool(ctx, cfg.DatabaseURL, database.DefaultPoolOptions())
		if err != nil {
			log.Fatalf("✗ PostgreSQL connection failed: %v", err)
		}
		defer pool.Close()
		log.Println("✓ PostgreSQL connected")

		if cfg.RunMigrations {
			if err := database.RunMigrations(ctx, pool, cfg.MigrationsDir); err != nil {
				log.Fatalf("✗ Database migration failed: %v", err)
			}
			log.Println("✓ Database migrations applied")
		}

		messageRepo := repository.NewMessageRepo(pool)
		sessions, messages, counter = repository.NewSessionRepo(pool), messageRepo, messageRepo
	}

	// ──── Step 3: Initialize Redis Clients ────
	redisClients, err := database.NewRedisClients(ctx, cfg.RedisURL)
	if err != nil {
		log.Fatalf("✗ Redis connection failed: %v", err)
	}
	defer redisClients.Close()
	log.Println("✓ Redis connected")

	// ──── Step 4: Initialize Services ────
	jwtAuth := middleware.NewJWTAuth(cfg.JWTSecret, cfg.AccessTokenTTL)
	authService := services.NewAuthService(redisClients.Data, jwtAuth, cfg.TelegramBotToken, cfg.AdminUsername, cfg.AdminPasswordHash)

	var sender services.MessageSender
	if cfg.TelegramBotToken != "" {
		telegram := services.NewTelegramClient(cfg.TelegramBotToken)
		defer telegram.Close()
		sender = telegram
	}
	supportNotifier := services.NewSupportNotifier(sender, cfg.TelegramSupportChatID)

	presence := repository.NewPresenceRepo(redisClients.Data, counter, cfg.PresenceTypingTTL, cfg.PresenceTTL)
	replyQueue := worker.NewQueue(redisClients.Queue)

	coordinator := services.NewCoordinator(services.CoordinatorDeps{
		Sessions:     sessions,
		Messages:     messages,
		Statuses:     presence,
		Locker:       services.NewRedisLocker(redisClients.Data, 10*time.Second),
		Publisher:    services.NewRedisPublisher(redisClients.Data),
		Replies:      replyQueue,
		Observer:     supportNotifier,
		HistoryLimit: cfg.HistoryLimit,
	})
	log.Println("✓ Session coordinator ready")

	// ──── Step 5: Start Bot Reply Workers ────
	var workerPool *worker.Pool
	if cfg.BotsEnabled() {
		geminiService, err := services.NewGeminiService(cfg.GeminiAPIKey, cfg.GeminiModel, cfg.GeminiConcurrentReqs)
		if err != nil {
			log.Fatalf("✗ Gemini client initialization failed: %v", err)
		}
		defer geminiService.Close()

		workerPool = worker.NewPool(redisClients.Queue, coordinator, geminiService, cfg.BotWorkers, cfg.HistoryLimit)
		workerPool.Start()
		log.Printf("✓ Bot reply workers started (%d goroutines, model %s)", cfg.BotWorkers, cfg.GeminiModel)
	} else {
		log.Println("⚠ GEMINI_API_KEY not set, bot participants will stay silent")
	}

	// ──── Step 6: Start Retention Sweeper ────
	var sweeper *services.RetentionSweeper
	if cfg.SessionRetention > 0 {
		sweeper = services.NewRetentionSweeper(sessions, messages, presence, cfg.SessionRetention)
		sweeper.Start()
		log.Printf("✓ Retention sweeper started (retention %s)", cfg.SessionRetention)
	}

	// ──── Step 7: Start WebSocket Hub ────
	wsHub := websocket.NewHub(redisClients.PubSub, jwtAuth, coordinator)
	log.Println("✓ WebSocket hub started")

	// ──── Step 8: Start HTTP Server ────
	r := router.New(
		jwtAuth,
		handlers.NewAuthHandler(authService),
		handlers.NewSessionHandler(coordinator),
		handlers.NewAdminHandler(coordinator),
		wsHub.HandleWebSocket,
		router.Options{
			FrontendURL:      cfg.FrontendURL,
			MessageRateLimit: cfg.MessageRateLimit,
		},
	)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Println("Shutting down...")
		if workerPool != nil {
			workerPool.Stop()
		}
		if sweeper != nil {
			sweeper.Stop()
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		server.Shutdown(ctx)
	}()

	log.Printf("✓ Chattest Backend ready on http://localhost:%s", cfg.Port)
	log.Printf("  API: http://localhost:%s/api/v1", cfg.Port)
	log.Printf("  WS:  ws://localhost:%s/api/v1/ws", cfg.Port)

	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		log.Fatalf("Server error: %v", err)
	}
}
