package main

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/xraph/crmrelay"
	blobredis "github.com/xraph/crmrelay/blobstore/redis"
)

// Process roles.
const (
	RoleAll     = "all"
	RoleIngest  = "ingest"
	RoleConsume = "consume"
)

// Config source kinds.
const (
	ConfigStoreFS    = "fs"
	ConfigStoreRedis = "redis"
)

// Config is the process configuration, loaded from the environment.
type Config struct {
	Role     string
	HTTPAddr string

	// RedisURL selects the redis queue. Empty means an in-process memory
	// queue, which only works when one process both ingests and consumes.
	RedisURL string

	ConfigStore       string
	ConfigDir         string
	ConfigRedisPrefix string

	Relay crmrelay.Config

	LogLevel  string
	LogFormat string // json or text
}

// Load reads .env when present and then the environment.
func Load() (*Config, error) {
	_ = godotenv.Load(".env")

	def := crmrelay.DefaultConfig()
	cfg := &Config{
		Role:              getEnv("CRMRELAY_ROLE", RoleAll),
		HTTPAddr:          getEnv("HTTP_ADDR", ":8080"),
		RedisURL:          getEnv("REDIS_URL", ""),
		ConfigStore:       getEnv("CONFIG_STORE", ConfigStoreFS),
		ConfigDir:         getEnv("CONFIG_DIR", "./config"),
		ConfigRedisPrefix: getEnv("CONFIG_REDIS_PREFIX", blobredis.DefaultPrefix),
		Relay: crmrelay.Config{
			MasterPublicKeyName: getEnv("CONFIG_MASTER_PUBLIC_KEY", def.MasterPublicKeyName),
			RequireTokenExpiry:  getEnvAsBool("RELAY_REQUIRE_TOKEN_EXPIRY", def.RequireTokenExpiry),
			Concurrency:         getEnvAsInt("RELAY_CONCURRENCY", def.Concurrency),
			PollInterval:        getEnvAsDuration("RELAY_POLL_INTERVAL", def.PollInterval),
			BatchSize:           getEnvAsInt("RELAY_BATCH_SIZE", def.BatchSize),
			VisibilityTimeout:   getEnvAsDuration("RELAY_VISIBILITY_TIMEOUT", def.VisibilityTimeout),
			RequestTimeout:      getEnvAsDuration("RELAY_REQUEST_TIMEOUT", def.RequestTimeout),
			MaxAttempts:         getEnvAsInt("RELAY_MAX_ATTEMPTS", def.MaxAttempts),
			RetrySchedule:       getEnvAsDurations("RELAY_RETRY_SCHEDULE", def.RetrySchedule),
			ShutdownTimeout:     getEnvAsDuration("RELAY_SHUTDOWN_TIMEOUT", def.ShutdownTimeout),
			AssertionTTL:        getEnvAsDuration("RELAY_ASSERTION_TTL", def.AssertionTTL),
			TenantRateLimit:     getEnvAsInt("RELAY_TENANT_RATE_LIMIT", def.TenantRateLimit),
		},
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	switch c.Role {
	case RoleAll, RoleIngest, RoleConsume:
	default:
		return fmt.Errorf("unknown CRMRELAY_ROLE %q", c.Role)
	}
	if c.Role != RoleAll && c.RedisURL == "" {
		return fmt.Errorf("REDIS_URL is required for role %q", c.Role)
	}

	switch c.ConfigStore {
	case ConfigStoreFS:
		if c.ConfigDir == "" {
			return fmt.Errorf("CONFIG_DIR is required")
		}
	case ConfigStoreRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required when CONFIG_STORE=redis")
		}
	default:
		return fmt.Errorf("unknown CONFIG_STORE %q", c.ConfigStore)
	}

	if c.Relay.MasterPublicKeyName == "" {
		return fmt.Errorf("master public key name is required")
	}
	if c.Relay.VisibilityTimeout <= c.Relay.RequestTimeout {
		return fmt.Errorf("RELAY_VISIBILITY_TIMEOUT must exceed RELAY_REQUEST_TIMEOUT")
	}
	if c.LogLevel == "" {
		return fmt.Errorf("log level is required")
	}
	return nil
}

// Ingests reports whether this process serves POST /.
func (c *Config) Ingests() bool { return c.Role == RoleAll || c.Role == RoleIngest }

// Consumes reports whether this process runs the consumer engine.
func (c *Config) Consumes() bool { return c.Role == RoleAll || c.Role == RoleConsume }

// SlogLevel maps LogLevel to a slog level, defaulting to info.
func (c *Config) SlogLevel() slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDurations parses a comma-separated list such as "5s,30s,2m".
func getEnvAsDurations(key string, defaultValue []time.Duration) []time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	parts := strings.Split(valueStr, ",")
	out := make([]time.Duration, 0, len(parts))
	for _, p := range parts {
		d, err := time.ParseDuration(strings.TrimSpace(p))
		if err != nil {
			return defaultValue
		}
		out = append(out, d)
	}
	return out
}
