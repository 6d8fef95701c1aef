// Package config provides configuration loading from environment variables and flags.
package config

import (
	"flag"
	"os"
	"strconv"
	"time"

	"github.com/kiro2api/kiro-gateway/internal/claude"
)

// Config holds all configuration for the gateway.
type Config struct {
	// Server settings
	Port            int
	Host            string
	GracefulTimeout time.Duration

	// Account pool settings
	PoolMode string // selection strategy: round-robin, random, least-used, sequential-exhaust
	DataDir  string // where accounts.json/request_logs.json/usage_cache.json live

	// Bootstrap credentials for a single account, used when no accounts.json
	// is present yet. CredentialsPath, if set, instead loads a multi-account
	// JSON array and takes precedence.
	RefreshToken    string
	AuthMethod      string
	ClientID        string
	ClientSecret    string
	CredentialsPath string

	// Optional Redis quota mirror (additive telemetry only, never read by the pool)
	RedisURL       string
	RedisKeyPrefix string
	RedisTimeout   time.Duration

	// API settings
	APIKey string

	// HTTP client settings
	MaxConns            int
	MaxIdleConnsPerHost int
	IdleConnTimeout     time.Duration
	RequestTimeout      time.Duration

	// Kiro API settings
	KiroRegion     string
	KiroAPITimeout time.Duration

	// Logging
	LogLevel string
	LogJSON  bool

	// Recovery sweep cadence
	CooldownSweepInterval  time.Duration
	ExhaustedSweepInterval time.Duration

	// Request size limits
	MaxKiroRequestBody int

	// MaxRetries is how many accounts a single request will try before
	// giving up and returning an error to the client.
	MaxRetries int
}

// Load reads configuration from environment variables and command-line flags.
// Environment variables take precedence over defaults.
// Command-line flags take precedence over environment variables.
func Load() *Config {
	cfg := &Config{
		Port:                   8081,
		Host:                   "0.0.0.0",
		GracefulTimeout:        30 * time.Second,
		PoolMode:               "round-robin",
		DataDir:                "./data",
		RedisKeyPrefix:         "kiro-gateway:",
		RedisTimeout:           3 * time.Second,
		MaxConns:               100,
		MaxIdleConnsPerHost:    50,
		IdleConnTimeout:        90 * time.Second,
		RequestTimeout:         0, // no timeout for streaming
		KiroRegion:             "us-east-1",
		KiroAPITimeout:         5 * time.Minute,
		LogLevel:               "info",
		LogJSON:                true,
		CooldownSweepInterval:  15 * time.Minute,
		ExhaustedSweepInterval: 60 * time.Minute,
		MaxKiroRequestBody:     claude.MaxKiroRequestBodyDefault,
		MaxRetries:             3,
	}

	cfg.loadFromEnv()
	cfg.parseFlags()

	return cfg
}

func (c *Config) loadFromEnv() {
	if v := os.Getenv("PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Port = port
		}
	}
	if v := os.Getenv("HOST"); v != "" {
		c.Host = v
	}
	if v := os.Getenv("POOL_MODE"); v != "" {
		c.PoolMode = v
	}
	if v := os.Getenv("DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("REFRESH_TOKEN"); v != "" {
		c.RefreshToken = v
	}
	if v := os.Getenv("AUTH_METHOD"); v != "" {
		c.AuthMethod = v
	}
	if v := os.Getenv("CLIENT_ID"); v != "" {
		c.ClientID = v
	}
	if v := os.Getenv("CLIENT_SECRET"); v != "" {
		c.ClientSecret = v
	}
	if v := os.Getenv("CREDENTIALS_PATH"); v != "" {
		c.CredentialsPath = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		c.RedisURL = v
	}
	if v := os.Getenv("REDIS_KEY_PREFIX"); v != "" {
		c.RedisKeyPrefix = v
	}
	if v := os.Getenv("GO_KIRO_API_KEY"); v != "" {
		c.APIKey = v
	}
	if v := os.Getenv("GO_KIRO_MAX_CONNS"); v != "" {
		if conns, err := strconv.Atoi(v); err == nil {
			c.MaxConns = conns
		}
	}
	if v := os.Getenv("KIRO_REGION"); v != "" {
		c.KiroRegion = v
	}
	if v := os.Getenv("GO_KIRO_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("GO_KIRO_LOG_JSON"); v != "" {
		c.LogJSON = v == "true" || v == "1"
	}
	if v := os.Getenv("GO_KIRO_GRACEFUL_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.GracefulTimeout = d
		}
	}
	if v := os.Getenv("GO_KIRO_MAX_REQUEST_BODY"); v != "" {
		if size, err := strconv.Atoi(v); err == nil {
			c.MaxKiroRequestBody = size
		}
	}
	if v := os.Getenv("GO_KIRO_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.MaxRetries = n
		}
	}
}

var flagsParsed bool

func (c *Config) parseFlags() {
	// Only parse flags once to avoid "flag redefined" panic in tests.
	if flagsParsed {
		return
	}
	flagsParsed = true

	flag.IntVar(&c.Port, "port", c.Port, "Server port")
	flag.StringVar(&c.Host, "host", c.Host, "Server host")
	flag.StringVar(&c.PoolMode, "pool-mode", c.PoolMode, "Account selection strategy (round-robin, random, least-used, sequential-exhaust)")
	flag.StringVar(&c.DataDir, "data-dir", c.DataDir, "Directory for persisted pool state")
	flag.StringVar(&c.CredentialsPath, "credentials", c.CredentialsPath, "Path to a multi-account credentials JSON file")
	flag.StringVar(&c.RedisURL, "redis-url", c.RedisURL, "Optional Redis URL for the quota mirror")
	flag.StringVar(&c.APIKey, "api-key", c.APIKey, "API key for authentication")
	flag.StringVar(&c.LogLevel, "log-level", c.LogLevel, "Log level (debug, info, warn, error)")
	flag.Parse()
}
