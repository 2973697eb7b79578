package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the stream relay.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string

	AllowAnyOrigin bool

	SessionTTL    time.Duration
	SweepSchedule string

	SegmenterRulesFile string
	// SegmenterHardLimit overrides the rules file when positive.
	SegmenterHardLimit float64
	StripTrailing      bool

	UpstreamMode         string
	UpstreamTimeout      time.Duration
	UpstreamStartRetries int
	UpstreamRetryBase    time.Duration
	UpstreamRetryCap     time.Duration

	DatabaseURL string

	LogLevel  string
	LogPretty bool
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:         envOrDefault("APP_BIND_ADDR", ":3010"),
		MetricsNamespace: envOrDefault("APP_METRICS_NAMESPACE", "streamrelay"),
		AllowAnyOrigin:   false,
		SessionTTL:       24 * time.Hour,
		// Matches the cron descriptor syntax of robfig/cron.
		SweepSchedule:        envOrDefault("STREAM_SWEEP_SCHEDULE", "@every 10m"),
		SegmenterRulesFile:   stringsTrimSpace("SEGMENTER_RULES_FILE"),
		UpstreamMode:         strings.ToLower(envOrDefault("UPSTREAM_MODE", "openai")),
		UpstreamTimeout:      10 * time.Minute,
		UpstreamStartRetries: 2,
		UpstreamRetryBase:    250 * time.Millisecond,
		UpstreamRetryCap:     4 * time.Second,
		DatabaseURL:          stringsTrimSpace("DATABASE_URL"),
		LogLevel:             strings.ToLower(envOrDefault("LOG_LEVEL", "info")),
		ShutdownTimeout:      15 * time.Second,
	}
	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionTTL, err = durationFromEnv("STREAM_SESSION_TTL", cfg.SessionTTL)
	if err != nil {
		return Config{}, err
	}
	cfg.SegmenterHardLimit, err = floatFromEnv("SEGMENTER_HARD_LIMIT", cfg.SegmenterHardLimit)
	if err != nil {
		return Config{}, err
	}
	cfg.StripTrailing, err = boolFromEnv("SEGMENTER_STRIP_TRAILING", cfg.StripTrailing)
	if err != nil {
		return Config{}, err
	}
	cfg.UpstreamTimeout, err = durationFromEnv("UPSTREAM_TIMEOUT", cfg.UpstreamTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.UpstreamStartRetries, err = intFromEnv("UPSTREAM_START_RETRIES", cfg.UpstreamStartRetries)
	if err != nil {
		return Config{}, err
	}
	cfg.UpstreamRetryBase, err = durationFromEnv("UPSTREAM_RETRY_BASE", cfg.UpstreamRetryBase)
	if err != nil {
		return Config{}, err
	}
	cfg.UpstreamRetryCap, err = durationFromEnv("UPSTREAM_RETRY_CAP", cfg.UpstreamRetryCap)
	if err != nil {
		return Config{}, err
	}
	cfg.LogPretty, err = boolFromEnv("LOG_PRETTY", cfg.LogPretty)
	if err != nil {
		return Config{}, err
	}

	if cfg.SessionTTL < time.Second {
		return Config{}, fmt.Errorf("STREAM_SESSION_TTL must be at least 1s")
	}
	if cfg.SegmenterHardLimit < 0 {
		return Config{}, fmt.Errorf("SEGMENTER_HARD_LIMIT must be >= 0")
	}
	if cfg.UpstreamStartRetries < 0 {
		return Config{}, fmt.Errorf("UPSTREAM_START_RETRIES must be >= 0")
	}
	if cfg.UpstreamRetryCap < cfg.UpstreamRetryBase {
		return Config{}, fmt.Errorf("UPSTREAM_RETRY_CAP must be >= UPSTREAM_RETRY_BASE")
	}
	switch cfg.UpstreamMode {
	case "openai", "mock":
	default:
		return Config{}, fmt.Errorf("UPSTREAM_MODE must be one of openai, mock")
	}
	switch cfg.LogLevel {
	case "trace", "debug", "info", "warn", "error":
	default:
		return Config{}, fmt.Errorf("LOG_LEVEL must be one of trace, debug, info, warn, error")
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

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func floatFromEnv(key string, fallback float64) (float64, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return f, nil
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
