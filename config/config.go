package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	// Server
	Port string // default: 8080

	// Subscription store
	StoreDriver          string // "postgres" or "memory", default: postgres
	PostgresDSN          string
	RunMigrations        bool
	SubscriptionCacheTTL time.Duration // 0 disables the Redis read-through cache

	// Cache, outbox and rate limiting
	RedisAddr string

	// Billing engine (Lago)
	LagoAPIBase   string
	LagoAPIKey    string
	LagoEventCode string        // default: credit_cents
	LagoTimeout   time.Duration // default: 10s

	// Hooks
	SubscriptionHeader        string // default: x-openwebui-subscription-id
	UnknownSubscriptionPolicy string // "allow" or "deny", default: allow
	ReportTimeout             time.Duration

	// Outbox
	OutboxEnabled  bool
	OutboxGrace    time.Duration // entries younger than this are left to the in-flight report
	OutboxInterval time.Duration
	OutboxBatch    int

	// Upstream LLM
	UpstreamBaseURL string
	UpstreamAPIKey  string
	UpstreamPrices  string // "model=input:output,..." per token; empty uses the built-in table

	// Logging
	LogLevel  string
	LogFormat string // "json" or "console"

	// Observability
	OTELExporterType     string // "stdout", "otlp" or "none"
	OTELExporterEndpoint string // default: "localhost:4317"

	// Rate Limiting
	DefaultRateLimitTPM int64 // tokens per minute, default: 100000

	RunSeed bool
}

func Load() (*Config, error) {
	// Load .env file if present (non-fatal if missing)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                      getEnv("PORT", "8080"),
		StoreDriver:               getEnv("STORE_DRIVER", "postgres"),
		PostgresDSN:               os.Getenv("POSTGRES_DSN"),
		RedisAddr:                 os.Getenv("REDIS_ADDR"),
		LagoAPIBase:               os.Getenv("LAGO_API_BASE"),
		LagoAPIKey:                os.Getenv("LAGO_API_KEY"),
		LagoEventCode:             getEnv("LAGO_API_EVENT_CODE", "credit_cents"),
		SubscriptionHeader:        getEnv("SUBSCRIPTION_HEADER", "x-openwebui-subscription-id"),
		UnknownSubscriptionPolicy: getEnv("UNKNOWN_SUBSCRIPTION_POLICY", "allow"),
		UpstreamBaseURL:           getEnv("UPSTREAM_BASE_URL", "https://api.openai.com/v1"),
		UpstreamAPIKey:            os.Getenv("UPSTREAM_API_KEY"),
		UpstreamPrices:            os.Getenv("UPSTREAM_PRICES"),
		LogLevel:                  getEnv("LOG_LEVEL", "info"),
		LogFormat:                 getEnv("LOG_FORMAT", "json"),
		OTELExporterType:          getEnv("OTEL_EXPORTER_TYPE", "stdout"),
		OTELExporterEndpoint:      getEnv("OTEL_EXPORTER_ENDPOINT", "localhost:4317"),
	}

	var err error
	if cfg.RunMigrations, err = getBool("RUN_MIGRATIONS", false); err != nil {
		return nil, err
	}
	if cfg.OutboxEnabled, err = getBool("OUTBOX_ENABLED", true); err != nil {
		return nil, err
	}
	if cfg.RunSeed, err = getBool("RUN_SEED", false); err != nil {
		return nil, err
	}
	if cfg.SubscriptionCacheTTL, err = getDuration("SUBSCRIPTION_CACHE_TTL", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.LagoTimeout, err = getDuration("LAGO_TIMEOUT", 10*time.Second); err != nil {
		return nil, err
	}
	if cfg.ReportTimeout, err = getDuration("REPORT_TIMEOUT", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.OutboxGrace, err = getDuration("OUTBOX_GRACE", time.Minute); err != nil {
		return nil, err
	}
	if cfg.OutboxInterval, err = getDuration("OUTBOX_INTERVAL", 15*time.Second); err != nil {
		return nil, err
	}

	batch, err := strconv.Atoi(getEnv("OUTBOX_BATCH", "50"))
	if err != nil {
		return nil, fmt.Errorf("invalid OUTBOX_BATCH: %w", err)
	}
	cfg.OutboxBatch = batch

	// Rate Limiting Default
	tpmStr := getEnv("DEFAULT_RATE_LIMIT_TPM", "100000")
	tpm, err := strconv.ParseInt(tpmStr, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid DEFAULT_RATE_LIMIT_TPM: %w", err)
	}
	cfg.DefaultRateLimitTPM = tpm

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate reports the first missing or inconsistent setting.
func (c *Config) Validate() error {
	switch c.StoreDriver {
	case "postgres":
		if c.PostgresDSN == "" {
			return fmt.Errorf("POSTGRES_DSN is required")
		}
	case "memory":
	default:
		return fmt.Errorf("invalid STORE_DRIVER %q (want postgres or memory)", c.StoreDriver)
	}
	if c.RedisAddr == "" {
		return fmt.Errorf("REDIS_ADDR is required")
	}
	if c.LagoAPIBase == "" {
		return fmt.Errorf("LAGO_API_BASE is required")
	}
	if c.LagoAPIKey == "" {
		return fmt.Errorf("LAGO_API_KEY is required")
	}
	if c.LagoEventCode == "" {
		return fmt.Errorf("LAGO_API_EVENT_CODE must not be empty")
	}
	if c.SubscriptionHeader == "" {
		return fmt.Errorf("SUBSCRIPTION_HEADER must not be empty")
	}
	switch c.UnknownSubscriptionPolicy {
	case "allow", "deny":
	default:
		return fmt.Errorf("invalid UNKNOWN_SUBSCRIPTION_POLICY %q (want allow or deny)", c.UnknownSubscriptionPolicy)
	}
	if c.OutboxEnabled && c.OutboxBatch <= 0 {
		return fmt.Errorf("OUTBOX_BATCH must be positive")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getBool(key string, fallback bool) (bool, error) {
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %w", key, err)
	}
	return b, nil
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}
