// Package config loads the saga worker configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/fortressi/sagatask/queue/redisqueue"
	"github.com/rs/zerolog"
)

// Config holds the worker settings.
type Config struct {
	ServiceName string
	LogLevel    string
	// LogJSON selects JSON log lines; false writes human readable output.
	LogJSON bool
	// MetricsAddr is where /metrics is served. Empty disables it.
	MetricsAddr string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	Queue redisqueue.Config

	// TracingEnabled exports task spans to TracingEndpoint.
	TracingEnabled    bool
	TracingEndpoint   string
	TracingSampleRate float64
}

// Load reads SAGATASK_* variables, falling back to defaults, and validates
// the result.
func Load() (*Config, error) {
	cfg := &Config{
		ServiceName: GetEnv("SAGATASK_SERVICE_NAME", "sagaworker"),
		LogLevel:    GetEnv("SAGATASK_LOG_LEVEL", "info"),
		LogJSON:     GetEnvBool("SAGATASK_LOG_JSON", true),
		MetricsAddr: GetEnv("SAGATASK_METRICS_ADDR", ":9090"),

		RedisAddr:     GetEnv("SAGATASK_REDIS_ADDR", "localhost:6379"),
		RedisPassword: GetEnv("SAGATASK_REDIS_PASSWORD", ""),
		RedisDB:       GetEnvInt("SAGATASK_REDIS_DB", 0),

		Queue: redisqueue.Config{
			Stream:          GetEnv("SAGATASK_STREAM", redisqueue.DefaultConfig.Stream),
			Group:           GetEnv("SAGATASK_GROUP", redisqueue.DefaultConfig.Group),
			Consumer:        GetEnv("SAGATASK_CONSUMER", defaultConsumer()),
			BatchSize:       GetEnvInt("SAGATASK_BATCH_SIZE", redisqueue.DefaultConfig.BatchSize),
			Block:           GetEnvDuration("SAGATASK_BLOCK", redisqueue.DefaultConfig.Block),
			MaxRetries:      GetEnvInt("SAGATASK_MAX_RETRIES", redisqueue.DefaultConfig.MaxRetries),
			ClaimMinIdle:    GetEnvDuration("SAGATASK_CLAIM_MIN_IDLE", redisqueue.DefaultConfig.ClaimMinIdle),
			ReclaimInterval: GetEnvDuration("SAGATASK_RECLAIM_INTERVAL", redisqueue.DefaultConfig.ReclaimInterval),
		},

		TracingEnabled:    GetEnvBool("SAGATASK_TRACING_ENABLED", false),
		TracingEndpoint:   GetEnv("SAGATASK_TRACING_ENDPOINT", "http://localhost:14268/api/traces"),
		TracingSampleRate: GetEnvFloat("SAGATASK_TRACING_SAMPLE_RATE", 1),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the settings the worker cannot run without.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.RedisAddr) == "" {
		errs = append(errs, errors.New("redis address is required"))
	}
	if strings.TrimSpace(c.Queue.Stream) == "" {
		errs = append(errs, errors.New("stream is required"))
	}
	if strings.TrimSpace(c.Queue.Group) == "" {
		errs = append(errs, errors.New("consumer group is required"))
	}
	if c.Queue.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("batch size must be positive, got %d", c.Queue.BatchSize))
	}
	if c.Queue.Block <= 0 {
		errs = append(errs, fmt.Errorf("block must be positive, got %s", c.Queue.Block))
	}
	if c.Queue.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("max retries must not be negative, got %d", c.Queue.MaxRetries))
	}
	if c.TracingEnabled && strings.TrimSpace(c.TracingEndpoint) == "" {
		errs = append(errs, errors.New("tracing endpoint is required when tracing is enabled"))
	}
	if c.TracingSampleRate < 0 || c.TracingSampleRate > 1 {
		errs = append(errs, fmt.Errorf("tracing sample rate must be within [0, 1], got %g", c.TracingSampleRate))
	}
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("log level: %w", err))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// Level returns the parsed log level.
func (c *Config) Level() zerolog.Level {
	lvl, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil {
		return zerolog.InfoLevel
	}
	return lvl
}

func defaultConsumer() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return redisqueue.DefaultConfig.Consumer
	}
	return host
}

// GetEnv returns the value of key, or defaultValue when it is unset or empty.
func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// GetEnvInt returns key parsed as an int, or defaultValue.
func GetEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

// GetEnvFloat returns key parsed as a float64, or defaultValue.
func GetEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// GetEnvBool returns key parsed as a bool, or defaultValue.
func GetEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

// GetEnvDuration returns key parsed as a time.Duration, or defaultValue.
func GetEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
