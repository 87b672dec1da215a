package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all runtime configuration, loaded once at process start.
type Config struct {
	AppEnv    string
	Port      string
	LogLevel  string
	LogFormat string

	DatabaseURL string

	RedisPrimaryAddr  string
	RedisFallbackAddr string
	RedisDB           int
	RedisPassword     string
	RedisDialTimeout  time.Duration
	RedisOpTimeout    time.Duration
	RedisRetries      int
	RedisDefaultTTL   time.Duration

	SessionCookieName string
	SessionSecret     string
}

func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg := &Config{
		AppEnv:            getEnv("APP_ENV", "development"),
		Port:              getEnv("PORT", "8080"),
		LogLevel:          getEnv("LOG_LEVEL", "info"),
		LogFormat:         getEnv("LOG_FORMAT", "text"),
		DatabaseURL:       getEnv("DATABASE_URL", ""),
		RedisPrimaryAddr:  getEnv("REDIS_PRIMARY_ADDR", "localhost:6379"),
		RedisFallbackAddr: getEnv("REDIS_FALLBACK_ADDR", "localhost:6380"),
		RedisPassword:     getEnv("REDIS_PASSWORD", ""),
		SessionCookieName: getEnv("SESSION_COOKIE_NAME", "session"),
		SessionSecret:     getEnv("SESSION_SECRET", ""),
	}

	var err error
	if cfg.RedisDB, err = getEnvInt("REDIS_DB", 0); err != nil {
		return nil, err
	}
	if cfg.RedisRetries, err = getEnvInt("REDIS_RETRIES", 2); err != nil {
		return nil, err
	}
	if cfg.RedisDialTimeout, err = getEnvDuration("REDIS_DIAL_TIMEOUT", 2*time.Second); err != nil {
		return nil, err
	}
	if cfg.RedisOpTimeout, err = getEnvDuration("REDIS_OP_TIMEOUT", 2*time.Second); err != nil {
		return nil, err
	}
	if cfg.RedisDefaultTTL, err = getEnvDuration("REDIS_DEFAULT_TTL", time.Hour); err != nil {
		return nil, err
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.SessionSecret == "" {
		return nil, fmt.Errorf("SESSION_SECRET is required")
	}
	if cfg.RedisRetries < 1 {
		return nil, fmt.Errorf("REDIS_RETRIES must be at least 1")
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer: %w", key, err)
	}
	return n, nil
}

func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s must be a duration (e.g. \"2s\"): %w", key, err)
	}
	return d, nil
}
