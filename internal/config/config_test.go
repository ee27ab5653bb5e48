package config

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequired(t *testing.T) {
	t.Helper()
	for k, v := range map[string]string{
		"APP_ENV":               "test",
		"APP_PORT":              "8080",
		"DB_USER":               "app",
		"DB_HOST":               "localhost",
		"DB_PORT":               "3306",
		"DB_NAME":               "showtime",
		"JWT_SECRET":            "jwt",
		"STRIPE_SECRET_KEY":     "sk_test",
		"STRIPE_WEBHOOK_SECRET": "whsec_test",
		"TICKET_SECRET":         "ticket",
	} {
		t.Setenv(k, v)
	}
}

func TestLoad_Defaults(t *testing.T) {
	setRequired(t)
	t.Setenv("REDIS_ADDR", "")
	t.Setenv("REDIS_HOST", "")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 5*time.Minute, cfg.SeatLockTTL)
	assert.Equal(t, 30*time.Second, cfg.SweepInterval)
	assert.Equal(t, 10, cfg.MaxSeatsPerBooking)
	assert.Equal(t, "inr", cfg.Currency)
	assert.Equal(t, 2*time.Hour, cfg.ReminderLead)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
}

func TestLoad_ReportsEveryMissingVar(t *testing.T) {
	setRequired(t)
	t.Setenv("JWT_SECRET", "")
	t.Setenv("TICKET_SECRET", "")
	t.Setenv("OUTBOX_BATCH", "lots")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "JWT_SECRET")
	assert.Contains(t, err.Error(), "TICKET_SECRET")
	assert.Contains(t, err.Error(), "OUTBOX_BATCH")
}

func TestLoad_ClampsSeatLockTTL(t *testing.T) {
	setRequired(t)
	t.Setenv("SEAT_LOCK_TTL", "10s")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, time.Minute, cfg.SeatLockTTL)

	t.Setenv("SEAT_LOCK_TTL", "1h")
	cfg, err = Load()
	require.NoError(t, err)
	assert.Equal(t, 15*time.Minute, cfg.SeatLockTTL)
}

func TestLoad_RejectsBadLimits(t *testing.T) {
	setRequired(t)
	t.Setenv("MAX_SEATS_PER_BOOKING", "0")
	_, err := Load()
	assert.ErrorContains(t, err, "MAX_SEATS_PER_BOOKING")
}

func TestRedisConfig_HostPort(t *testing.T) {
	t.Setenv("REDIS_ADDR", "ignored:1")
	t.Setenv("REDIS_HOST", "cache")
	t.Setenv("REDIS_PORT", "6380")
	t.Setenv("REDIS_DB", "2")
	cfg := LoadRedisConfig()
	assert.Equal(t, "cache:6380", cfg.Addr)
	assert.Equal(t, 2, cfg.DB)
}

func TestNewRedisClient(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	rdb, err := NewRedisClient(context.Background(), RedisConfig{Addr: addr})
	require.NoError(t, err)
	defer rdb.Close()

	mr.Close()
	_, err = NewRedisClient(context.Background(), RedisConfig{Addr: addr})
	assert.Error(t, err)
}

func TestCacheConfig(t *testing.T) {
	t.Setenv("CACHE_METHODS", "get, head")
	t.Setenv("CACHE_TTL", "1m")
	cfg := LoadCacheConfig()
	assert.True(t, cfg.Methods["GET"])
	assert.True(t, cfg.Methods["HEAD"])
	assert.False(t, cfg.Methods["POST"])
	assert.Equal(t, time.Minute, cfg.TTL)
}

func TestRateLimitConfig(t *testing.T) {
	t.Setenv("RATE_LIMIT_KEY_STRATEGY", "bogus")
	t.Setenv("RATE_LIMIT_BURST", "5")
	t.Setenv("RATE_LIMIT_REFILL_EVERY", "2s")
	t.Setenv("RATE_LIMIT_TTL", "1s")
	t.Setenv("RATE_LIMIT_ENABLED", "off")

	cfg := LoadRateLimitConfig()
	assert.False(t, cfg.Enabled)
	assert.Equal(t, "user_route", cfg.KeyStrategy)
	assert.Equal(t, 5, cfg.Capacity)
	assert.Equal(t, 1, cfg.RefillTokens)
	assert.Equal(t, 2*time.Second, cfg.RefillInterval)
	assert.Equal(t, 10*time.Second, cfg.TTL)
}
