package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() Config {
	return Config{
		Env:                  DefaultEnv,
		CommissionRate:       DefaultCommissionRate,
		LockTTL:              DefaultLockTTL,
		WithdrawalDailyLimit: DefaultWithdrawalDailyLimit,
		SweepInterval:        DefaultSweepInterval,
		StallThreshold:       DefaultStallThreshold,
		StrikeLimit:          DefaultStrikeLimit,
	}
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("ENV", "development")
	t.Setenv("PORT", "9090")
	t.Setenv("COMMISSION_RATE", "")
	t.Setenv("LOCK_TTL", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, DefaultCommissionRate, cfg.CommissionRate)
	assert.Equal(t, DefaultLockTTL, cfg.LockTTL)
	assert.Equal(t, DefaultStallThreshold, cfg.StallThreshold)
	assert.Equal(t, DefaultStrikeLimit, cfg.StrikeLimit)
	assert.Equal(t, DefaultReconcileInterval, cfg.ReconcileInterval)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("ENV", "development")
	t.Setenv("COMMISSION_RATE", "0.05")
	t.Setenv("LOCK_TTL", "45s")
	t.Setenv("SWEEP_INTERVAL", "10m")
	t.Setenv("STRIKE_LIMIT", "5")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 0.05, cfg.CommissionRate)
	assert.Equal(t, 45*time.Second, cfg.LockTTL)
	assert.Equal(t, 10*time.Minute, cfg.SweepInterval)
	assert.Equal(t, 5, cfg.StrikeLimit)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "valid config", mutate: func(c *Config) {}},
		{
			name:    "production requires jwt secret",
			mutate:  func(c *Config) { c.Env = "production" },
			wantErr: "JWT_SECRET is required",
		},
		{
			name: "production requires redis",
			mutate: func(c *Config) {
				c.Env = "production"
				c.JWTSecret = "s"
				c.DatabaseURL = "postgres://x"
			},
			wantErr: "REDIS_URL is required",
		},
		{
			name:    "commission out of range",
			mutate:  func(c *Config) { c.CommissionRate = 1.2 },
			wantErr: "COMMISSION_RATE",
		},
		{
			name:    "lock ttl too short",
			mutate:  func(c *Config) { c.LockTTL = 5 * time.Second },
			wantErr: "LOCK_TTL",
		},
		{
			name:    "lock ttl too long",
			mutate:  func(c *Config) { c.LockTTL = 2 * time.Minute },
			wantErr: "LOCK_TTL",
		},
		{
			name:    "zero strike limit",
			mutate:  func(c *Config) { c.StrikeLimit = 0 },
			wantErr: "STRIKE_LIMIT",
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
				require.Error(t, err)
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
	t.Setenv("TEST_INT", "42")
	t.Setenv("TEST_INVALID", "not_a_number")
	t.Setenv("TEST_DURATION", "90s")

	assert.Equal(t, int64(42), getEnvInt64("TEST_INT", 0))
	assert.Equal(t, int64(99), getEnvInt64("TEST_INVALID", 99))
	assert.Equal(t, 90*time.Second, getEnvDuration("TEST_DURATION", time.Second))
	assert.Equal(t, time.Second, getEnvDuration("TEST_INVALID", time.Second))
	assert.Equal(t, 0.5, getEnvFloat("NONEXISTENT_FLOAT_VAR", 0.5))
}
