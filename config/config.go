// Package config reads process settings from the environment, optionally seeded
// from a local .env file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Env      string
	LogLevel string
	Port     string

	// HTTP limits
	AllowedOrigins  string
	BodyLimitBytes  int
	RateLimitMax    int
	RateLimitWindow time.Duration

	// DatabaseDriver is "postgres" or "memory".
	DatabaseDriver string
	DatabaseURL    string

	JWTSecret     string
	AdminEmail    string
	AdminPassword string

	AppBaseURL string

	Email EmailConfig

	Worker WorkerConfig

	IdempotencyWaitTimeout time.Duration
}

type EmailConfig struct {
	BaseURL   string
	Sender    string
	AuthToken string
	Timeout   time.Duration
}

type WorkerConfig struct {
	Count         int
	IdleInterval  time.Duration
	RetryInterval time.Duration
}

// Load reads the configuration. A missing .env file is not an error.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("loading .env: %w", err)
	}

	bodyLimit := envInt("BODY_LIMIT_BYTES", 0)
	if bodyLimit <= 0 {
		bodyLimit = envInt("BODY_LIMIT_MB", 4) * 1024 * 1024
	}

	cfg := Config{
		Env:             envString("APP_ENV", "production"),
		LogLevel:        envString("LOG_LEVEL", "info"),
		Port:            envString("PORT", "8080"),
		AllowedOrigins:  envString("ALLOWED_ORIGINS", "*"),
		BodyLimitBytes:  bodyLimit,
		RateLimitMax:    envInt("RATE_LIMIT_MAX", 60),
		RateLimitWindow: time.Duration(envInt("RATE_LIMIT_WINDOW_SECONDS", 60)) * time.Second,
		DatabaseDriver:  strings.ToLower(envString("DB_DRIVER", "postgres")),
		DatabaseURL:     os.Getenv("DATABASE_URL"),
		JWTSecret:       os.Getenv("JWT_SECRET_KEY"),
		AdminEmail:      os.Getenv("ADMIN_EMAIL"),
		AdminPassword:   os.Getenv("ADMIN_PASSWORD"),
		AppBaseURL:      strings.TrimRight(envString("APP_BASE_URL", "http://localhost:8080"), "/"),
		Email: EmailConfig{
			BaseURL:   strings.TrimRight(os.Getenv("EMAIL_BASE_URL"), "/"),
			Sender:    os.Getenv("EMAIL_SENDER"),
			AuthToken: os.Getenv("EMAIL_AUTH_TOKEN"),
			Timeout:   time.Duration(envInt("EMAIL_TIMEOUT_MS", 10_000)) * time.Millisecond,
		},
		Worker: WorkerConfig{
			Count:         envInt("WORKER_COUNT", 1),
			IdleInterval:  time.Duration(envInt("WORKER_IDLE_INTERVAL_SECONDS", 10)) * time.Second,
			RetryInterval: time.Duration(envInt("WORKER_RETRY_INTERVAL_MS", 1000)) * time.Millisecond,
		},
		IdempotencyWaitTimeout: time.Duration(envInt("IDEMPOTENCY_WAIT_TIMEOUT_MS", 5000)) * time.Millisecond,
	}

	// Prefer JWT_SECRET_KEY, fallback to JWT_SECRET
	if strings.TrimSpace(cfg.JWTSecret) == "" {
		cfg.JWTSecret = os.Getenv("JWT_SECRET")
	}

	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%d sslmode=disable TimeZone=UTC",
			envString("DB_HOST", "db"), os.Getenv("DB_USER"), os.Getenv("DB_PASSWORD"),
			os.Getenv("DB_NAME"), envInt("DB_PORT", 5432))
	}

	return cfg, cfg.Validate()
}

// Validate reports settings the process cannot start without.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.JWTSecret) == "" {
		errs = append(errs, errors.New("JWT secret not configured (set JWT_SECRET_KEY or JWT_SECRET)"))
	}
	if c.Email.BaseURL == "" {
		errs = append(errs, errors.New("EMAIL_BASE_URL is required"))
	}
	if c.Email.Sender == "" {
		errs = append(errs, errors.New("EMAIL_SENDER is required"))
	}
	if c.DatabaseDriver != "postgres" && c.DatabaseDriver != "memory" {
		errs = append(errs, fmt.Errorf("unsupported DB_DRIVER %q", c.DatabaseDriver))
	}
	if c.Worker.Count < 0 {
		errs = append(errs, errors.New("WORKER_COUNT must not be negative"))
	}
	return errors.Join(errs...)
}

// IsLocal reports whether the process runs in a developer environment.
func (c Config) IsLocal() bool {
	return c.Env == "local" || c.Env == "development"
}

// envInt reads an int env var with a default fallback.
func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envString(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}
