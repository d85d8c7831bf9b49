// Package config provides application configuration loading.
// This is part of the platform layer and contains no business logic.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// =============================================================================
// Module-Specific Config Interfaces (Principle of Least Privilege)
// =============================================================================

// DatabaseConfig provides database connection settings.
type DatabaseConfig interface {
	GetDatabaseURL() string
}

// RedisConfig provides Redis connection settings for the broker and dedup store.
type RedisConfig interface {
	GetRedisURL() string
	GetRedisTLSInsecure() bool
}

// HTTPConfig provides settings for the HTTP server.
type HTTPConfig interface {
	GetHTTPAddr() string
	GetCORSAllowAll() bool
	GetCORSOrigins() []string
	GetIngestRateLimit() float64
	GetIngestRateBurst() int
}

// FollowupConfig provides settings for the follow-up scheduling engine.
type FollowupConfig interface {
	GetDefaultTimezone() string
	GetWorkingHourStart() int
	GetWorkingHourEnd() int
	GetPingDelay() time.Duration
	GetDedupTTL() time.Duration
}

// WorkerConfig provides settings for the asynq worker process.
type WorkerConfig interface {
	GetWorkerConcurrency() int
	GetResyncInterval() time.Duration
}

// WebhookConfig provides settings for outbound webhook delivery.
type WebhookConfig interface {
	GetRevision() string
	GetWebhookTimeout() time.Duration
}

// =============================================================================
// Main Config Struct
// =============================================================================

// Config holds all application configuration values.
type Config struct {
	Env               string
	HTTPAddr          string
	DatabaseURL       string
	RedisURL          string
	RedisTLSInsecure  bool
	CORSAllowAll      bool
	CORSOrigins       []string
	IngestRateLimit   float64
	IngestRateBurst   int
	DefaultTimezone   string
	WorkingHourStart  int
	WorkingHourEnd    int
	PingDelay         time.Duration
	DedupTTL          time.Duration
	WorkerConcurrency int
	ResyncInterval    time.Duration
	Revision          string
	WebhookTimeout    time.Duration
}

// DatabaseConfig implementation
func (c *Config) GetDatabaseURL() string { return c.DatabaseURL }

// RedisConfig implementation
func (c *Config) GetRedisURL() string       { return c.RedisURL }
func (c *Config) GetRedisTLSInsecure() bool { return c.RedisTLSInsecure }

// HTTPConfig implementation
func (c *Config) GetHTTPAddr() string         { return c.HTTPAddr }
func (c *Config) GetCORSAllowAll() bool       { return c.CORSAllowAll }
func (c *Config) GetCORSOrigins() []string    { return c.CORSOrigins }
func (c *Config) GetIngestRateLimit() float64 { return c.IngestRateLimit }
func (c *Config) GetIngestRateBurst() int     { return c.IngestRateBurst }

// FollowupConfig implementation
func (c *Config) GetDefaultTimezone() string  { return c.DefaultTimezone }
func (c *Config) GetWorkingHourStart() int    { return c.WorkingHourStart }
func (c *Config) GetWorkingHourEnd() int      { return c.WorkingHourEnd }
func (c *Config) GetPingDelay() time.Duration { return c.PingDelay }
func (c *Config) GetDedupTTL() time.Duration  { return c.DedupTTL }

// WorkerConfig implementation
func (c *Config) GetWorkerConcurrency() int        { return c.WorkerConcurrency }
func (c *Config) GetResyncInterval() time.Duration { return c.ResyncInterval }

// WebhookConfig implementation
func (c *Config) GetRevision() string              { return c.Revision }
func (c *Config) GetWebhookTimeout() time.Duration { return c.WebhookTimeout }

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Env:               getEnv("APP_ENV", "development"),
		HTTPAddr:          getEnv("HTTP_ADDR", ":8080"),
		DatabaseURL:       getEnv("DATABASE_URL", ""),
		RedisURL:          getEnv("REDIS_URL", ""),
		RedisTLSInsecure:  strings.EqualFold(getEnv("REDIS_TLS_INSECURE", "false"), "true"),
		CORSAllowAll:      strings.EqualFold(getEnv("CORS_ALLOW_ALL", "false"), "true"),
		CORSOrigins:       splitCSV(getEnv("CORS_ORIGINS", "http://localhost:4200")),
		IngestRateLimit:   mustFloat(getEnv("INGEST_RATE_LIMIT", "50")),
		IngestRateBurst:   mustInt(getEnv("INGEST_RATE_BURST", "100")),
		DefaultTimezone:   getEnv("DEFAULT_TIMEZONE", "America/La_Paz"),
		WorkingHourStart:  mustInt(getEnv("WORKING_HOUR_START", "9")),
		WorkingHourEnd:    mustInt(getEnv("WORKING_HOUR_END", "22")),
		PingDelay:         mustDuration(getEnv("PING_DELAY", "10m")),
		DedupTTL:          mustDuration(getEnv("DEDUP_TTL", "48h")),
		WorkerConcurrency: mustInt(getEnv("WORKER_CONCURRENCY", "10")),
		ResyncInterval:    mustDuration(getEnv("RESYNC_INTERVAL", "1m")),
		Revision:          getEnv("AURUM_REV", "dev"),
		WebhookTimeout:    mustDuration(getEnv("WEBHOOK_TIMEOUT", "10s")),
	}

	if containsWildcard(cfg.CORSOrigins) {
		cfg.CORSAllowAll = true
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.RedisURL == "" {
		return nil, fmt.Errorf("REDIS_URL is required")
	}
	if cfg.WorkingHourStart < 0 || cfg.WorkingHourEnd > 24 || cfg.WorkingHourStart >= cfg.WorkingHourEnd {
		return nil, fmt.Errorf("invalid working window: start=%d end=%d", cfg.WorkingHourStart, cfg.WorkingHourEnd)
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok {
		return val
	}
	return fallback
}

func mustDuration(value string) time.Duration {
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0
	}
	return d
}

func mustInt(value string) int {
	result, err := strconv.Atoi(value)
	if err != nil {
		return 0
	}
	return result
}

func mustFloat(value string) float64 {
	result, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0
	}
	return result
}

func splitCSV(value string) []string {
	parts := strings.Split(value, ",")
	results := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			results = append(results, trimmed)
		}
	}
	return results
}

func containsWildcard(values []string) bool {
	for _, value := range values {
		if value == "*" {
			return true
		}
	}
	return false
}
