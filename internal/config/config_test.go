package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Test helper to set env vars and clean up after
func setEnv(t *testing.T, key, value string) {
	t.Helper()
	old := os.Getenv(key)
	os.Setenv(key, value)
	t.Cleanup(func() {
		if old == "" {
			os.Unsetenv(key)
		} else {
			os.Setenv(key, old)
		}
	})
}

func setRequired(t *testing.T) {
	t.Helper()
	setEnv(t, "STRIPE_WEBHOOK_SECRET", "whsec_test")
	setEnv(t, "JWT_SECRET", "jwt-secret")
	setEnv(t, "ADMIN_SECRET", "admin-secret")
	setEnv(t, "ENV", "development")
}

func validConfig() Config {
	return Config{
		Env:                 "development",
		StripeWebhookSecret: "whsec_abc",
		JWTSecret:           "jwt",
		AdminSecret:         "admin",
		RateLimitRPS:        1,
		RateLimitBurst:      1,
		CASMaxAttempts:      3,
		SwapMaxAgeDays:      7,
	}
}

func TestLoad_WithValidConfig(t *testing.T) {
	setRequired(t)
	setEnv(t, "PORT", "9090")
	setEnv(t, "SWAP_MAX_AGE_DAYS", "14")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, 14, cfg.SwapMaxAgeDays)
	assert.Equal(t, DefaultCASMaxAttempts, cfg.CASMaxAttempts)
	assert.Equal(t, DefaultSwapSweepSchedule, cfg.SwapSweepSchedule)
	assert.False(t, cfg.AutoMigrate)
}

func TestLoad_MissingWebhookSecret(t *testing.T) {
	setRequired(t)
	setEnv(t, "STRIPE_WEBHOOK_SECRET", "")

	_, err := Load()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "STRIPE_WEBHOOK_SECRET is required")
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "valid config", mutate: func(c *Config) {}},
		{
			name:    "webhook secret without prefix",
			mutate:  func(c *Config) { c.StripeWebhookSecret = "abc" },
			wantErr: "must start with whsec_",
		},
		{
			name:    "missing jwt secret",
			mutate:  func(c *Config) { c.JWTSecret = "" },
			wantErr: "JWT_SECRET is required",
		},
		{
			name:    "missing admin secret",
			mutate:  func(c *Config) { c.AdminSecret = "" },
			wantErr: "ADMIN_SECRET is required",
		},
		{
			name:    "production requires database",
			mutate:  func(c *Config) { c.Env = "production" },
			wantErr: "DATABASE_URL is required in production",
		},
		{
			name: "production requires redis",
			mutate: func(c *Config) {
				c.Env = "production"
				c.DatabaseURL = "postgres://localhost/settle"
			},
			wantErr: "REDIS_URL is required in production",
		},
		{
			name:    "zero cas attempts",
			mutate:  func(c *Config) { c.CASMaxAttempts = 0 },
			wantErr: "CAS_MAX_ATTEMPTS",
		},
		{
			name:    "zero max age",
			mutate:  func(c *Config) { c.SwapMaxAgeDays = 0 },
			wantErr: "SWAP_MAX_AGE_DAYS",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestConfig_IsDevelopment(t *testing.T) {
	cfg := &Config{Env: "development"}
	assert.True(t, cfg.IsDevelopment())
	assert.False(t, cfg.IsProduction())

	cfg.Env = "production"
	assert.False(t, cfg.IsDevelopment())
	assert.True(t, cfg.IsProduction())
}

func TestGetEnvHelpers(t *testing.T) {
	setEnv(t, "TEST_INT", "42")
	setEnv(t, "TEST_FLOAT", "2.5")
	setEnv(t, "TEST_BOOL", "true")
	setEnv(t, "TEST_INVALID", "not_a_number")
	setEnv(t, "TEST_LIST", " https://a.example , ,https://b.example")

	assert.Equal(t, int64(42), getEnvInt64("TEST_INT", 0))
	assert.Equal(t, int64(99), getEnvInt64("TEST_INVALID", 99))
	assert.Equal(t, 2.5, getEnvFloat("TEST_FLOAT", 0))
	assert.Equal(t, 1.0, getEnvFloat("TEST_INVALID", 1))
	assert.True(t, getEnvBool("TEST_BOOL", false))
	assert.False(t, getEnvBool("TEST_INVALID", false))
	assert.Equal(t, "default", getEnv("NONEXISTENT_VAR", "default"))
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, getEnvList("TEST_LIST"))
	assert.Nil(t, getEnvList("NONEXISTENT_VAR"))
}
