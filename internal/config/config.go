package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

const (
	BrokerMemory = "memory"
	BrokerRedis  = "redis"
)

// Config holds the runtime settings of the marketplace API
type Config struct {
	Env                 string
	Port                string
	DatabasePath        string
	JWTSecret           string
	OpportunityWindow   time.Duration
	ExpirySweepInterval time.Duration
	OutboxPollInterval  time.Duration
	Broker              string
	RedisAddr           string
	RedisPassword       string
	RedisDB             int
	NotifyMaxRetries    int
	DealerCacheSize     int
	Debug               bool
}

// Load reads a .env file when one exists and then builds the configuration from the
// environment, falling back to defaults for anything unset.
func Load() (*Config, error) {
	// A missing .env is normal outside local development
	_ = godotenv.Load()

	cfg := &Config{
		Env:           getEnv("ENV", "development"),
		Port:          getEnv("PORT", "8080"),
		DatabasePath:  getEnv("DATABASE_PATH", "carquote.db"),
		JWTSecret:     getEnv("JWT_SECRET", "carquote-secret-key"),
		Broker:        getEnv("BROKER", BrokerMemory),
		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		Debug:         os.Getenv("DEBUG") == "true",
	}

	var err error
	if cfg.OpportunityWindow, err = getDuration("OPPORTUNITY_WINDOW", 24*time.Hour); err != nil {
		return nil, err
	}
	if cfg.ExpirySweepInterval, err = getDuration("EXPIRY_SWEEP_INTERVAL", time.Minute); err != nil {
		return nil, err
	}
	if cfg.OutboxPollInterval, err = getDuration("OUTBOX_POLL_INTERVAL", 2*time.Second); err != nil {
		return nil, err
	}
	if cfg.RedisDB, err = getInt("REDIS_DB", 0); err != nil {
		return nil, err
	}
	if cfg.NotifyMaxRetries, err = getInt("NOTIFY_MAX_RETRIES", 3); err != nil {
		return nil, err
	}
	if cfg.DealerCacheSize, err = getInt("DEALER_CACHE_SIZE", 512); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the services cannot run with
func (c *Config) Validate() error {
	if c.OpportunityWindow <= 0 {
		return fmt.Errorf("OPPORTUNITY_WINDOW must be positive, got %s", c.OpportunityWindow)
	}
	if c.Broker != BrokerMemory && c.Broker != BrokerRedis {
		return fmt.Errorf("unknown BROKER %q (want %q or %q)", c.Broker, BrokerMemory, BrokerRedis)
	}
	if c.NotifyMaxRetries < 0 {
		return fmt.Errorf("NOTIFY_MAX_RETRIES must not be negative")
	}
	if c.DealerCacheSize <= 0 {
		return fmt.Errorf("DEALER_CACHE_SIZE must be positive")
	}
	if c.Env == "production" && c.JWTSecret == "carquote-secret-key" {
		return fmt.Errorf("JWT_SECRET must be set in production")
	}
	return nil
}

// IsProduction reports whether the service runs with production settings
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

func getInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}
