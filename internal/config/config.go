// Package config loads the scheduler's configuration from environment
// variables, mirroring cmd/app/main.go's Config struct and
// getEnvWithDefault helper in the teacher repository.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds every setting cmd/scheduler/main.go needs to wire up a
// run: process identity for logging, the worker subprocess to spawn,
// the supervisor fleet's timing knobs, and the optional Slack/Sentry/
// OTLP integrations.
type Config struct {
	Port     string
	Env      string
	LogLevel string

	WorkerPath   string
	WorkerArgs   []string
	AssemblyPath string

	Supervisors         int
	HangTimeout         time.Duration
	StreamTimeout       time.Duration
	SmallBatchThreshold int
	RespawnInterval     time.Duration

	SentryDSN string

	SlackBotToken string
	SlackChannel  string

	MetricsEnabled bool
	OTLPEndpoint   string
	OTLPInsecure   bool
}

// Load reads Config from the environment. WorkerPath and AssemblyPath
// have no sensible default and are required; everything else falls
// back to a default tuned for a moderate local test suite.
func Load() (Config, error) {
	cfg := Config{
		Port:     getEnvWithDefault("PORT", "8080"),
		Env:      getEnvWithDefault("APP_ENV", "development"),
		LogLevel: getEnvWithDefault("LOG_LEVEL", "info"),

		WorkerPath:   os.Getenv("SWARMTEST_WORKER_PATH"),
		AssemblyPath: os.Getenv("SWARMTEST_ASSEMBLY_PATH"),

		SentryDSN: os.Getenv("SENTRY_DSN"),

		SlackBotToken: os.Getenv("SLACK_BOT_TOKEN"),
		SlackChannel:  os.Getenv("SLACK_CHANNEL_ID"),

		OTLPEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if cfg.WorkerPath == "" {
		return Config{}, fmt.Errorf("config: SWARMTEST_WORKER_PATH is required")
	}
	if cfg.AssemblyPath == "" {
		return Config{}, fmt.Errorf("config: SWARMTEST_ASSEMBLY_PATH is required")
	}

	if raw := os.Getenv("SWARMTEST_WORKER_ARGS"); raw != "" {
		cfg.WorkerArgs = strings.Split(raw, ",")
	}

	var err error
	if cfg.Supervisors, err = getEnvIntWithDefault("SWARMTEST_SUPERVISORS", 4); err != nil {
		return Config{}, err
	}
	if cfg.SmallBatchThreshold, err = getEnvIntWithDefault("SWARMTEST_SMALL_BATCH_THRESHOLD", 10); err != nil {
		return Config{}, err
	}

	hangSeconds, err := getEnvIntWithDefault("SWARMTEST_HANG_TIMEOUT_SECONDS", 30)
	if err != nil {
		return Config{}, err
	}
	cfg.HangTimeout = time.Duration(hangSeconds) * time.Second

	streamSeconds, err := getEnvIntWithDefault("SWARMTEST_STREAM_TIMEOUT_SECONDS", 15)
	if err != nil {
		return Config{}, err
	}
	cfg.StreamTimeout = time.Duration(streamSeconds) * time.Second

	respawnMs, err := getEnvIntWithDefault("SWARMTEST_RESPAWN_INTERVAL_MS", 200)
	if err != nil {
		return Config{}, err
	}
	cfg.RespawnInterval = time.Duration(respawnMs) * time.Millisecond

	cfg.MetricsEnabled = getEnvBoolWithDefault("SWARMTEST_METRICS_ENABLED", true)
	cfg.OTLPInsecure = getEnvBoolWithDefault("OTEL_EXPORTER_OTLP_INSECURE", false)

	return cfg, nil
}

// getEnvWithDefault retrieves an environment variable or returns a
// default value if not set.
func getEnvWithDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntWithDefault(key string, defaultValue int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("config: %s must be an integer, got %q: %w", key, raw, err)
	}
	return v, nil
}

func getEnvBoolWithDefault(key string, defaultValue bool) bool {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return defaultValue
	}
	return v
}
