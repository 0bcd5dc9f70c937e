// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"

	// Storage
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)
	RedisURL    string // Shared rate-limit counters and sweeper lock (optional)
	AutoMigrate bool

	// Payment processor
	StripeSecretKey     string
	StripeWebhookSecret string

	// Security
	JWTSecret   string // HMAC secret for verifying session tokens issued upstream
	AdminSecret string // Admin API secret

	// CORSAllowedOrigins lists browser origins allowed to call the API; "*"
	// allows any.
	CORSAllowedOrigins []string

	// Rate limiting
	RateLimitRPS   float64
	RateLimitBurst int

	// Settlement
	CASMaxAttempts    int
	SwapMaxAgeDays    int
	SwapSweepSchedule string // cron spec, empty disables the in-process sweeper

	// Tracing
	OTLPEndpoint string
}

const (
	DefaultPort              = "8080"
	DefaultEnv               = "development"
	DefaultLogLevel          = "info"
	DefaultLogFormat         = "json"
	DefaultRateLimitRPS      = 10
	DefaultRateLimitBurst    = 20
	DefaultCASMaxAttempts    = 5
	DefaultSwapMaxAgeDays    = 7
	DefaultSwapSweepSchedule = "@every 15m"
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:                getEnv("PORT", DefaultPort),
		Env:                 getEnv("ENV", DefaultEnv),
		LogLevel:            getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:           getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:         os.Getenv("DATABASE_URL"),
		RedisURL:            os.Getenv("REDIS_URL"),
		AutoMigrate:         getEnvBool("AUTO_MIGRATE", false),
		StripeSecretKey:     os.Getenv("STRIPE_SECRET_KEY"),
		StripeWebhookSecret: os.Getenv("STRIPE_WEBHOOK_SECRET"),
		JWTSecret:           os.Getenv("JWT_SECRET"),
		AdminSecret:         os.Getenv("ADMIN_SECRET"),
		CORSAllowedOrigins:  getEnvList("CORS_ALLOWED_ORIGINS"),
		RateLimitRPS:        getEnvFloat("RATE_LIMIT_RPS", DefaultRateLimitRPS),
		RateLimitBurst:      int(getEnvInt64("RATE_LIMIT_BURST", DefaultRateLimitBurst)),
		CASMaxAttempts:      int(getEnvInt64("CAS_MAX_ATTEMPTS", DefaultCASMaxAttempts)),
		SwapMaxAgeDays:      int(getEnvInt64("SWAP_MAX_AGE_DAYS", DefaultSwapMaxAgeDays)),
		SwapSweepSchedule:   getEnv("SWAP_SWEEP_SCHEDULE", DefaultSwapSweepSchedule),
		OTLPEndpoint:        os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.StripeWebhookSecret == "" {
		return fmt.Errorf("STRIPE_WEBHOOK_SECRET is required")
	}
	if !strings.HasPrefix(c.StripeWebhookSecret, "whsec_") {
		return fmt.Errorf("STRIPE_WEBHOOK_SECRET must start with whsec_")
	}
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if c.AdminSecret == "" {
		return fmt.Errorf("ADMIN_SECRET is required")
	}
	if c.IsProduction() {
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required in production")
		}
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required in production")
		}
		if c.StripeSecretKey == "" {
			return fmt.Errorf("STRIPE_SECRET_KEY is required in production")
		}
	}
	if c.CASMaxAttempts < 1 {
		return fmt.Errorf("CAS_MAX_ATTEMPTS must be at least 1")
	}
	if c.SwapMaxAgeDays < 1 {
		return fmt.Errorf("SWAP_MAX_AGE_DAYS must be at least 1")
	}
	if c.RateLimitRPS <= 0 || c.RateLimitBurst <= 0 {
		return fmt.Errorf("RATE_LIMIT_RPS and RATE_LIMIT_BURST must be positive")
	}
	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvList(key string) []string {
	var out []string
	for _, v := range strings.Split(os.Getenv(key), ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
