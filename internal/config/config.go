package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	ServerPort            string
	DatabaseURL           string
	RedisURL              string
	JWTSecret             string
	JWTExpiry             time.Duration
	LogLevel              string
	LogPretty             bool
	CacheTTL              time.Duration
	PendingWriteTimeout   time.Duration
	NotificationListLimit int
}

func LoadConfig() (*Config, error) {
	jwtExpiry, err := getDuration("JWT_EXPIRY", 24*time.Hour)
	if err != nil {
		return nil, err
	}
	cacheTTL, err := getDuration("CACHE_TTL", 5*time.Minute)
	if err != nil {
		return nil, err
	}
	pendingTimeout, err := getDuration("PENDING_WRITE_TIMEOUT", 30*time.Second)
	if err != nil {
		return nil, err
	}
	listLimit, err := getInt("NOTIFICATION_LIST_LIMIT", 50)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		ServerPort:            getEnv("SERVER_PORT", "8080"),
		DatabaseURL:           os.Getenv("DATABASE_URL"),
		RedisURL:              os.Getenv("REDIS_URL"),
		JWTSecret:             os.Getenv("JWT_SECRET"),
		JWTExpiry:             jwtExpiry,
		LogLevel:              getEnv("LOG_LEVEL", "info"),
		LogPretty:             getEnv("LOG_PRETTY", "false") == "true",
		CacheTTL:              cacheTTL,
		PendingWriteTimeout:   pendingTimeout,
		NotificationListLimit: listLimit,
	}

	// Validate required fields. Redis is optional: without it the result
	// cache lives in process memory.
	if cfg.DatabaseURL == "" {
		return nil, errors.New("DATABASE_URL is required")
	}
	if cfg.JWTSecret == "" {
		return nil, errors.New("JWT_SECRET is required")
	}
	if cfg.NotificationListLimit <= 0 {
		return nil, errors.New("NOTIFICATION_LIST_LIMIT must be positive")
	}

	return cfg, nil
}

// Helper: get env with default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s format: %w", key, err)
	}
	return d, nil
}

func getInt(key string, defaultValue int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s format: %w", key, err)
	}
	return n, nil
}
