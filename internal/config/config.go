// Package config provides configuration management for lockbox.
package config

import (
	"os"
	"strconv"
	"time"
)

// Backend selection values for the BACKEND variable.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendDynamoDB = "dynamodb"
)

const (
	// DefaultMaxPayloadSize is the default max request body size for the
	// lock API (64KB). Acquire bodies only carry options and a small
	// attribute payload.
	DefaultMaxPayloadSize int64 = 64 * 1024

	// DefaultTTLCleanupInterval is how often the Postgres backend sweeps
	// expired records when a TTL key is configured.
	DefaultTTLCleanupInterval = 5 * time.Minute

	// DefaultShutdownTimeout bounds graceful shutdown, including the
	// release of all held locks.
	DefaultShutdownTimeout = 30 * time.Second
)

// Config holds the application configuration.
type Config struct {
	// Port is the HTTP server port.
	Port string

	// LogLevel is the zerolog level name.
	LogLevel string

	// LogPretty switches to console output for development.
	LogPretty bool

	// Backend selects the record store: memory, postgres or dynamodb.
	Backend string

	// DatabaseURL is the Postgres connection string (postgres backend).
	DatabaseURL string

	// DynamoDBEndpoint overrides the DynamoDB endpoint, for local stacks.
	DynamoDBEndpoint string

	// TableName is the lock table name.
	TableName string

	// PartitionKey and SortKey override the key attribute names.
	PartitionKey string
	SortKey      string

	// TTLKey, when non-empty, enables the record TTL attribute.
	TTLKey string

	// TTL is the record time-to-live written when TTLKey is set.
	TTL time.Duration

	// LeaderLock, when set to "group/id", makes the server join a leader
	// election on that lock at startup.
	LeaderLock string

	// MaxPayloadSize is the maximum request body size for the lock API in bytes.
	MaxPayloadSize int64

	// TTLCleanupInterval is the sweep period of the Postgres TTL cleanup.
	TTLCleanupInterval time.Duration

	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration
}

// Load loads configuration from environment variables with defaults.
func Load() *Config {
	return &Config{
		Port:               getEnvOrDefault("PORT", "8080"),
		LogLevel:           getEnvOrDefault("LOG_LEVEL", "info"),
		LogPretty:          getEnvBoolOrDefault("LOG_PRETTY", false),
		Backend:            getEnvOrDefault("BACKEND", BackendMemory),
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		DynamoDBEndpoint:   os.Getenv("DYNAMODB_ENDPOINT"),
		TableName:          getEnvOrDefault("LOCK_TABLE_NAME", "LockTable"),
		PartitionKey:       getEnvOrDefault("LOCK_PARTITION_KEY", "lockId"),
		SortKey:            getEnvOrDefault("LOCK_SORT_KEY", "lockGroup"),
		TTLKey:             os.Getenv("LOCK_TTL_KEY"),
		TTL:                getEnvDurationOrDefault("LOCK_TTL", time.Hour),
		LeaderLock:         os.Getenv("LEADER_LOCK"),
		MaxPayloadSize:     getEnvInt64OrDefault("MAX_PAYLOAD_SIZE", DefaultMaxPayloadSize),
		TTLCleanupInterval: getEnvDurationOrDefault("TTL_CLEANUP_INTERVAL", DefaultTTLCleanupInterval),
		ShutdownTimeout:    getEnvDurationOrDefault("SHUTDOWN_TIMEOUT", DefaultShutdownTimeout),
	}
}

// getEnvOrDefault returns the environment variable value or the default if not set.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt64OrDefault returns the environment variable value as int64 or the default if not set or invalid.
func getEnvInt64OrDefault(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseInt(value, 10, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// getEnvBoolOrDefault returns the environment variable value as bool or the default if not set or invalid.
func getEnvBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// getEnvDurationOrDefault returns the environment variable value as a duration or the default if not set or invalid.
func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
