package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	ServerPort  string
	DatabaseURL string
	RedisURL    string

	JWTSecret string
	JWTExpiry time.Duration

	// OperatorKey guards the privileged cursor-reset endpoint.
	OperatorKey string

	// Profiles is the compact "name:type1,type2;other:type3" registry spec.
	Profiles string

	PullLimitDefault int
	PullLimitMax     int
	PullCacheTTL     time.Duration

	AdapterTimeout time.Duration

	// LedgerRetention is how long synced idempotency rows are kept before
	// the purge worker removes them. Unresolved conflicts are never purged.
	LedgerRetention time.Duration

	LogLevel string
}

func LoadConfig() (*Config, error) {
	expiry, err := getDuration("JWT_EXPIRY", 24*time.Hour)
	if err != nil {
		return nil, err
	}
	cacheTTL, err := getDuration("PULL_CACHE_TTL", 3*time.Second)
	if err != nil {
		return nil, err
	}
	adapterTimeout, err := getDuration("ADAPTER_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, err
	}
	retention, err := getDuration("LEDGER_RETENTION", 30*24*time.Hour)
	if err != nil {
		return nil, err
	}
	limitDefault, err := getInt("PULL_LIMIT_DEFAULT", 100)
	if err != nil {
		return nil, err
	}
	limitMax, err := getInt("PULL_LIMIT_MAX", 1000)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		ServerPort:       getEnv("SERVER_PORT", "8080"),
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		RedisURL:         os.Getenv("REDIS_URL"),
		JWTSecret:        os.Getenv("JWT_SECRET"),
		JWTExpiry:        expiry,
		OperatorKey:      os.Getenv("OPERATOR_KEY"),
		Profiles:         getEnv("SYNC_PROFILES", "default:order,customer,product"),
		PullLimitDefault: limitDefault,
		PullLimitMax:     limitMax,
		PullCacheTTL:     cacheTTL,
		AdapterTimeout:   adapterTimeout,
		LedgerRetention:  retention,
		LogLevel:         getEnv("LOG_LEVEL", "info"),
	}

	// Validate required fields
	if cfg.DatabaseURL == "" {
		return nil, errors.New("DATABASE_URL is required")
	}
	if cfg.RedisURL == "" {
		return nil, errors.New("REDIS_URL is required")
	}
	if cfg.JWTSecret == "" {
		return nil, errors.New("JWT_SECRET is required")
	}
	if cfg.PullLimitDefault <= 0 || cfg.PullLimitMax < cfg.PullLimitDefault {
		return nil, errors.New("pull limits must satisfy 0 < PULL_LIMIT_DEFAULT <= PULL_LIMIT_MAX")
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
