// Package config loads server configuration from environment variables.
//
// Optional variables:
//   - STORE_DRIVER: "memory", "sqlite" or "postgres" (default "sqlite").
//   - DATABASE_URL: PostgreSQL connection string, required when
//     STORE_DRIVER=postgres.
//   - SQLITE_PATH: database file for the sqlite driver (default "flagkit.db").
//   - HTTP_ADDR: listen address for the HTTP server (default ":8080").
//   - LOG_LEVEL: debug, info, warn or error (default "info").
//   - LOG_FORMAT: json or text (default "json").
//   - CACHE_TTL: lifetime of cached evaluation results (default "5s",
//     must be > 0 if set).
//   - MAX_JSON_BODY_SIZE: max HTTP JSON request body size in bytes
//     (default "1048576", must be > 0 if set).
//   - EVAL_RATE_LIMIT: evaluate requests per minute per client IP
//     (default "0", which disables limiting).
//   - BULK_CONCURRENCY: flags evaluated in parallel by one bulk request
//     (default "8", must be > 0 if set).
//   - AUDIT_WRITE_TIMEOUT: upper bound on a single audit insert
//     (default "2s", must be > 0 if set).
//   - ENFORCE_KILL_SWITCH: when true, flags with enabled=false evaluate to
//     "disabled" without running rules (default "true").
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	defaultStoreDriver              = "sqlite"
	defaultSQLitePath               = "flagkit.db"
	defaultHTTPAddr                 = ":8080"
	defaultCacheTTL                 = 5 * time.Second
	defaultMaxJSONBodySize    int64 = 1 << 20 // 1MB
	defaultBulkConcurrency          = 8
	defaultAuditWriteTimeout        = 2 * time.Second
)

// Config holds the runtime configuration for the flagkit server.
type Config struct {
	StoreDriver       string
	DatabaseURL       string
	SQLitePath        string
	HTTPAddr          string
	LogLevel          string
	LogFormat         string
	CacheTTL          time.Duration
	MaxJSONBodySize   int64
	EvalRateLimit     int
	BulkConcurrency   int
	AuditWriteTimeout time.Duration
	EnforceKillSwitch bool
}

// Load reads configuration from environment variables, applying defaults where
// appropriate. It returns an error if required variables are missing or if
// optional values fail validation.
func Load() (Config, error) {
	storeDriver := strings.ToLower(envOrDefault("STORE_DRIVER", defaultStoreDriver))
	databaseURL := strings.TrimSpace(os.Getenv("DATABASE_URL"))
	switch storeDriver {
	case "memory", "sqlite":
	case "postgres":
		if databaseURL == "" {
			return Config{}, errors.New("DATABASE_URL is required when STORE_DRIVER=postgres")
		}
	default:
		return Config{}, fmt.Errorf("STORE_DRIVER must be one of memory, sqlite, postgres; got %q", storeDriver)
	}

	logFormat := strings.ToLower(envOrDefault("LOG_FORMAT", "json"))
	if logFormat != "json" && logFormat != "text" {
		return Config{}, fmt.Errorf("LOG_FORMAT must be json or text; got %q", logFormat)
	}

	cacheTTL, err := positiveDuration("CACHE_TTL", defaultCacheTTL)
	if err != nil {
		return Config{}, err
	}

	auditWriteTimeout, err := positiveDuration("AUDIT_WRITE_TIMEOUT", defaultAuditWriteTimeout)
	if err != nil {
		return Config{}, err
	}

	maxJSONBodySize := defaultMaxJSONBodySize
	if v := strings.TrimSpace(os.Getenv("MAX_JSON_BODY_SIZE")); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 1 {
			return Config{}, errors.New("MAX_JSON_BODY_SIZE must be a positive integer (bytes)")
		}
		maxJSONBodySize = n
	}

	evalRateLimit := 0
	if v := strings.TrimSpace(os.Getenv("EVAL_RATE_LIMIT")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return Config{}, errors.New("EVAL_RATE_LIMIT must be a non-negative integer")
		}
		evalRateLimit = n
	}

	bulkConcurrency := defaultBulkConcurrency
	if v := strings.TrimSpace(os.Getenv("BULK_CONCURRENCY")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return Config{}, errors.New("BULK_CONCURRENCY must be a positive integer")
		}
		bulkConcurrency = n
	}

	enforceKillSwitch := true
	if v := strings.TrimSpace(os.Getenv("ENFORCE_KILL_SWITCH")); v != "" {
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			return Config{}, fmt.Errorf("parse ENFORCE_KILL_SWITCH: %w", err)
		}
		enforceKillSwitch = parsed
	}

	return Config{
		StoreDriver:       storeDriver,
		DatabaseURL:       databaseURL,
		SQLitePath:        envOrDefault("SQLITE_PATH", defaultSQLitePath),
		HTTPAddr:          envOrDefault("HTTP_ADDR", defaultHTTPAddr),
		LogLevel:          envOrDefault("LOG_LEVEL", "info"),
		LogFormat:         logFormat,
		CacheTTL:          cacheTTL,
		MaxJSONBodySize:   maxJSONBodySize,
		EvalRateLimit:     evalRateLimit,
		BulkConcurrency:   bulkConcurrency,
		AuditWriteTimeout: auditWriteTimeout,
		EnforceKillSwitch: enforceKillSwitch,
	}, nil
}

func positiveDuration(key string, fallback time.Duration) (time.Duration, error) {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback, nil
	}

	parsed, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	if parsed <= 0 {
		return 0, fmt.Errorf("%s must be > 0", key)
	}
	return parsed, nil
}

func envOrDefault(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}
