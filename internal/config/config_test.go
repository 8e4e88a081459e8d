package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoad_Defaults(t *testing.T) {
	cfg := Load()

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.False(t, cfg.LogPretty)
	assert.Equal(t, BackendMemory, cfg.Backend)
	assert.Equal(t, "LockTable", cfg.TableName)
	assert.Equal(t, "lockId", cfg.PartitionKey)
	assert.Equal(t, "lockGroup", cfg.SortKey)
	assert.Empty(t, cfg.TTLKey)
	assert.Equal(t, time.Hour, cfg.TTL)
	assert.Equal(t, DefaultMaxPayloadSize, cfg.MaxPayloadSize)
	assert.Equal(t, DefaultTTLCleanupInterval, cfg.TTLCleanupInterval)
	assert.Equal(t, DefaultShutdownTimeout, cfg.ShutdownTimeout)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("LOG_PRETTY", "true")
	t.Setenv("BACKEND", BackendPostgres)
	t.Setenv("DATABASE_URL", "postgres://localhost/locks")
	t.Setenv("LOCK_TABLE_NAME", "my_locks")
	t.Setenv("LOCK_TTL_KEY", "expiresAt")
	t.Setenv("LOCK_TTL", "30m")
	t.Setenv("SHUTDOWN_TIMEOUT", "5s")

	cfg := Load()

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.True(t, cfg.LogPretty)
	assert.Equal(t, BackendPostgres, cfg.Backend)
	assert.Equal(t, "postgres://localhost/locks", cfg.DatabaseURL)
	assert.Equal(t, "my_locks", cfg.TableName)
	assert.Equal(t, "expiresAt", cfg.TTLKey)
	assert.Equal(t, 30*time.Minute, cfg.TTL)
	assert.Equal(t, 5*time.Second, cfg.ShutdownTimeout)
}

func TestLoad_InvalidValuesFallBack(t *testing.T) {
	t.Setenv("LOG_PRETTY", "not-a-bool")
	t.Setenv("LOCK_TTL", "not-a-duration")

	cfg := Load()

	assert.False(t, cfg.LogPretty)
	assert.Equal(t, time.Hour, cfg.TTL)
}
