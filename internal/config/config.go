// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

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
	RedisURL    string // Lock service and cache (optional, uses in-process locks if not set)

	// Identity
	JWTSecret string

	// Escrow
	CommissionRate       float64       // Fraction of totalAmount withheld on release
	Currency             string        // Wallet currency for new wallets
	LockTTL              time.Duration // Order/reference lock TTL
	WithdrawalDailyLimit int64         // Whole currency units per rolling 24h

	// Sweeper
	SweepInterval  time.Duration
	StallThreshold time.Duration
	StrikeLimit    int

	// Escrow reconciliation
	ReconcileInterval time.Duration

	// Payment gateway
	StripeWebhookSecret string

	// Tracing
	OTLPEndpoint string
}

const (
	DefaultPort                 = "8080"
	DefaultEnv                  = "development"
	DefaultLogLevel             = "info"
	DefaultLogFormat            = "text"
	DefaultCommissionRate       = 0.10
	DefaultCurrency             = "NGN"
	DefaultLockTTL              = 30 * time.Second
	DefaultWithdrawalDailyLimit = 500_000
	DefaultSweepInterval        = time.Hour
	DefaultStallThreshold       = 48 * time.Hour
	DefaultStrikeLimit          = 3
	DefaultReconcileInterval    = 15 * time.Minute

	MinLockTTL = 30 * time.Second
	MaxLockTTL = 60 * time.Second
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:                 getEnv("PORT", DefaultPort),
		Env:                  getEnv("ENV", DefaultEnv),
		LogLevel:             getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:            getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:          os.Getenv("DATABASE_URL"),
		RedisURL:             os.Getenv("REDIS_URL"),
		JWTSecret:            os.Getenv("JWT_SECRET"),
		CommissionRate:       getEnvFloat("COMMISSION_RATE", DefaultCommissionRate),
		Currency:             getEnv("CURRENCY", DefaultCurrency),
		LockTTL:              getEnvDuration("LOCK_TTL", DefaultLockTTL),
		WithdrawalDailyLimit: getEnvInt64("WITHDRAWAL_DAILY_LIMIT", DefaultWithdrawalDailyLimit),
		SweepInterval:        getEnvDuration("SWEEP_INTERVAL", DefaultSweepInterval),
		StallThreshold:       getEnvDuration("STALL_THRESHOLD", DefaultStallThreshold),
		StrikeLimit:          int(getEnvInt64("STRIKE_LIMIT", DefaultStrikeLimit)),
		ReconcileInterval:    getEnvDuration("RECONCILE_INTERVAL", DefaultReconcileInterval),
		StripeWebhookSecret:  os.Getenv("STRIPE_WEBHOOK_SECRET"),
		OTLPEndpoint:         os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.IsProduction() {
		if c.JWTSecret == "" {
			return fmt.Errorf("JWT_SECRET is required in production")
		}
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required in production")
		}
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required in production")
		}
	}

	if c.CommissionRate < 0 || c.CommissionRate >= 1 {
		return fmt.Errorf("COMMISSION_RATE must be in [0, 1), got %v", c.CommissionRate)
	}

	if c.LockTTL < MinLockTTL || c.LockTTL > MaxLockTTL {
		return fmt.Errorf("LOCK_TTL must be between %s and %s, got %s", MinLockTTL, MaxLockTTL, c.LockTTL)
	}

	if c.StrikeLimit <= 0 {
		return fmt.Errorf("STRIKE_LIMIT must be positive")
	}

	if c.SweepInterval <= 0 || c.StallThreshold <= 0 {
		return fmt.Errorf("SWEEP_INTERVAL and STALL_THRESHOLD must be positive")
	}

	if c.WithdrawalDailyLimit <= 0 {
		return fmt.Errorf("WITHDRAWAL_DAILY_LIMIT must be positive")
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

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
