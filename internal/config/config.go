package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"
)

// Config contains all runtime settings for the watch-progress daemon.
type Config struct {
	BindAddr                 string
	ShutdownTimeout          time.Duration
	SessionInactivityTimeout time.Duration
	// WSPingInterval is the keepalive period for page bridges. Pongs count as
	// session activity, so it must stay below SessionInactivityTimeout.
	WSPingInterval   time.Duration
	MetricsNamespace string
	LogLevel         slog.Level

	AllowAnyOrigin bool

	// BackendURL is the origin report endpoints are resolved against.
	BackendURL       string
	ThrottleInterval time.Duration

	IngestEnabled    bool
	DatabaseURL      string
	IngestSQLitePath string
	IngestRedisURL   string
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:                 envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace:         envOrDefault("APP_METRICS_NAMESPACE", "watchtrack"),
		AllowAnyOrigin:           false,
		BackendURL:               envOrDefault("WATCH_BACKEND_URL", "http://localhost:8080"),
		IngestEnabled:            true,
		DatabaseURL:              stringsTrimSpace("DATABASE_URL"),
		IngestSQLitePath:         stringsTrimSpace("INGEST_SQLITE_PATH"),
		IngestRedisURL:           stringsTrimSpace("INGEST_REDIS_URL"),
		ShutdownTimeout:          15 * time.Second,
		SessionInactivityTimeout: 2 * time.Minute,
		WSPingInterval:           30 * time.Second,
		ThrottleInterval:         10 * time.Second,
		LogLevel:                 slog.LevelInfo,
	}
	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionInactivityTimeout, err = durationFromEnv("APP_SESSION_INACTIVITY_TIMEOUT", cfg.SessionInactivityTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.WSPingInterval, err = durationFromEnv("APP_WS_PING_INTERVAL", cfg.WSPingInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.ThrottleInterval, err = durationFromEnv("WATCH_THROTTLE_INTERVAL", cfg.ThrottleInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.IngestEnabled, err = boolFromEnv("INGEST_ENABLED", cfg.IngestEnabled)
	if err != nil {
		return Config{}, err
	}
	cfg.LogLevel, err = levelFromEnv("APP_LOG_LEVEL", cfg.LogLevel)
	if err != nil {
		return Config{}, err
	}

	if cfg.SessionInactivityTimeout < 5*time.Second {
		return Config{}, fmt.Errorf("APP_SESSION_INACTIVITY_TIMEOUT must be at least 5s")
	}
	if cfg.WSPingInterval <= 0 || cfg.WSPingInterval >= cfg.SessionInactivityTimeout {
		return Config{}, fmt.Errorf("APP_WS_PING_INTERVAL must be positive and below APP_SESSION_INACTIVITY_TIMEOUT")
	}
	if cfg.ThrottleInterval < time.Second {
		return Config{}, fmt.Errorf("WATCH_THROTTLE_INTERVAL must be at least 1s")
	}
	u, err := url.Parse(strings.TrimSpace(cfg.BackendURL))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return Config{}, fmt.Errorf("WATCH_BACKEND_URL must be an absolute http(s) url")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}

func levelFromEnv(key string, fallback slog.Level) (slog.Level, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(v)); err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return lvl, nil
}
