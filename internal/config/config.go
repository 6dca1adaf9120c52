package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	StorageMemory   = "memory"
	StoragePostgres = "postgres"
)

type Config struct {
	// Server
	Port string
	Env  string

	// Storage
	StorageDriver string
	DatabaseURL   string
	MigrationsDir string
	RunMigrations bool

	// Redis
	RedisURL string

	// Auth
	JWTSecret         string
	AccessTokenTTL    time.Duration
	AdminUsername     string
	AdminPasswordHash string

	// Telegram
	TelegramBotToken      string
	TelegramSupportChatID string

	// Gemini AI
	GeminiAPIKey         string
	GeminiModel          string
	GeminiConcurrentReqs int
	BotWorkers           int

	// Sessions
	HistoryLimit      int
	PresenceTypingTTL time.Duration
	PresenceTTL       time.Duration
	SessionRetention  time.Duration
	MessageRateLimit  int

	// Frontend
	FrontendURL string
}

func Load() *Config {
	// Load .env file if it exists
	godotenv.Load()

	cfg := &Config{
		Port:                  getEnvOrDefault("PORT", "8080"),
		Env:                   getEnvOrDefault("ENV", "development"),
		StorageDriver:         strings.ToLower(getEnvOrDefault("STORAGE_DRIVER", StoragePostgres)),
		DatabaseURL:           getEnvOrDefault("DATABASE_URL", ""),
		MigrationsDir:         getEnvOrDefault("MIGRATIONS_DIR", "migrations"),
		RunMigrations:         getEnvAsBoolOrDefault("RUN_MIGRATIONS", true),
		RedisURL:              mustGetEnv("REDIS_URL"),
		JWTSecret:             mustGetEnv("JWT_SECRET"),
		AccessTokenTTL:        getEnvAsDurationOrDefault("ACCESS_TOKEN_TTL", 15*time.Minute),
		AdminUsername:         getEnvOrDefault("ADMIN_USERNAME", ""),
		AdminPasswordHash:     getEnvOrDefault("ADMIN_PASSWORD_HASH", ""),
		TelegramBotToken:      getEnvOrDefault("TELEGRAM_BOT_TOKEN", ""),
		TelegramSupportChatID: getEnvOrDefault("TELEGRAM_SUPPORT_CHAT_ID", ""),
		GeminiAPIKey:          getEnvOrDefault("GEMINI_API_KEY", ""),
		GeminiModel:           getEnvOrDefault("GEMINI_MODEL", "gemini-2.0-flash"),
		GeminiConcurrentReqs:  getEnvAsIntOrDefault("GEMINI_CONCURRENT_REQUESTS", 5),
		BotWorkers:            getEnvAsIntOrDefault("BOT_WORKERS", 5),
		HistoryLimit:          getEnvAsIntOrDefault("HISTORY_LIMIT", 100),
		PresenceTypingTTL:     getEnvAsDurationOrDefault("PRESENCE_TYPING_TTL", 5*time.Second),
		PresenceTTL:           getEnvAsDurationOrDefault("PRESENCE_TTL", 24*time.Hour),
		SessionRetention:      getEnvAsDurationOrDefault("SESSION_RETENTION", 30*24*time.Hour),
		MessageRateLimit:      getEnvAsIntOrDefault("MESSAGE_RATE_LIMIT", 60),
		FrontendURL:           getEnvOrDefault("FRONTEND_URL", "http://localhost:5173"),
	}

	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("invalid configuration: %v", err))
	}

	return cfg
}

// Validate reports every inconsistent setting at once.
func (c *Config) Validate() error {
	var errs []error

	switch c.StorageDriver {
	case StorageMemory:
	case StoragePostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required when STORAGE_DRIVER=postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("STORAGE_DRIVER must be %q or %q, got %q", StoragePostgres, StorageMemory, c.StorageDriver))
	}

	if c.IsProduction() && len(c.JWTSecret) < 32 {
		errs = append(errs, errors.New("JWT_SECRET must be at least 32 characters in production"))
	}
	if (c.AdminUsername == "") != (c.AdminPasswordHash == "") {
		errs = append(errs, errors.New("ADMIN_USERNAME and ADMIN_PASSWORD_HASH must be set together"))
	}
	if c.TelegramSupportChatID != "" && c.TelegramBotToken == "" {
		errs = append(errs, errors.New("TELEGRAM_SUPPORT_CHAT_ID requires TELEGRAM_BOT_TOKEN"))
	}
	if c.PresenceTypingTTL <= 0 || c.PresenceTTL <= 0 || c.AccessTokenTTL <= 0 {
		errs = append(errs, errors.New("ACCESS_TOKEN_TTL, PRESENCE_TYPING_TTL and PRESENCE_TTL must be positive"))
	}
	if c.SessionRetention < 0 {
		errs = append(errs, errors.New("SESSION_RETENTION must not be negative"))
	}
	if c.HistoryLimit <= 0 || c.BotWorkers <= 0 || c.GeminiConcurrentReqs <= 0 {
		errs = append(errs, errors.New("HISTORY_LIMIT, BOT_WORKERS and GEMINI_CONCURRENT_REQUESTS must be positive"))
	}

	return errors.Join(errs...)
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// BotsEnabled reports whether bot participants get generated replies.
func (c *Config) BotsEnabled() bool {
	return c.GeminiAPIKey != ""
}

func mustGetEnv(key string) string {
	val := os.Getenv(key)
	if val == "" {
		panic(fmt.Sprintf("required environment variable %s is not set", key))
	}
	return val
}

func getEnvOrDefault(key, defaultVal string) string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	return val
}

func getEnvAsIntOrDefault(key string, defaultVal int) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return defaultVal
	}
	return n
}

// getEnvAsDurationOrDefault accepts Go durations ("90s") or bare seconds ("90").
func getEnvAsDurationOrDefault(key string, defaultVal time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	if d, err := time.ParseDuration(val); err == nil {
		return d
	}
	if n, err := strconv.Atoi(val); err == nil {
		return time.Duration(n) * time.Second
	}
	return defaultVal
}

func getEnvAsBoolOrDefault(key string, defaultVal bool) bool {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return defaultVal
	}
	return b
}
