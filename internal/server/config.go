// Package server provides configuration loading with environment overrides
// and sanitized defaults for the HiveChat service.
package server

import (
	"strings"
	"time"

	"github.com/Netflix/go-env"
)

// RateLimitConfig defines the parameters for per-connection message rate limiting.
type RateLimitConfig struct {
	Burst          int
	RefillInterval time.Duration
}

// Config holds the runtime settings of the service. Fields are populated
// from the environment; zero or invalid values fall back to defaults.
type Config struct {
	Port            string        `env:"SERVER_PORT"`
	Origins         string        `env:"ALLOWED_ORIGINS"`
	MaxMessageSize  int64         `env:"MAX_MESSAGE_SIZE"`
	MaxBodyLength   int           `env:"MAX_BODY_LENGTH"`
	SendBuffer      int           `env:"SEND_BUFFER"`
	HistoryPageSize int           `env:"HISTORY_PAGE_SIZE"`
	JWTSecret       string        `env:"JWT_SECRET,required=true"`
	TokenTTL        time.Duration `env:"AUTH_TOKEN_DURATION"`
	BadgerPath      string        `env:"BADGER_FILEPATH,required=true"`
	SQLitePath      string        `env:"SQLITE_FILEPATH,required=true"`
	LogLevel        string        `env:"LOG_LEVEL"`
	LogFormat       string        `env:"LOG_FORMAT"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT"`
	RateLimitBurst  int           `env:"RATE_LIMIT_BURST"`
	RateLimitRefill time.Duration `env:"RATE_LIMIT_REFILL_INTERVAL"`

	// AllowedOrigins is Origins split and trimmed; derived, not read from env.
	AllowedOrigins []string `env:"-"`

	RateLimit RateLimitConfig `env:"-"`
}

// LoadConfig reads the configuration from the environment and applies
// defaults for anything unset.
func LoadConfig() (Config, error) {
	var cfg Config
	if _, err := env.UnmarshalFromEnviron(&cfg); err != nil {
		return Config{}, err
	}
	return cfg.withDefaults(), nil
}

// NewConfig returns a configuration with default values only, without
// consulting the environment. Used by tests.
func NewConfig() Config {
	return Config{}.withDefaults()
}

func (c Config) withDefaults() Config {
	if c.Port == "" {
		c.Port = ":8080"
	}
	if c.Origins != "" {
		c.AllowedOrigins = parseOrigins(c.Origins)
	}
	if len(c.AllowedOrigins) == 0 {
		c.AllowedOrigins = []string{"http://localhost:8080"}
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = 4096
	}
	if c.MaxBodyLength <= 0 {
		c.MaxBodyLength = 2000
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = 256
	}
	if c.HistoryPageSize <= 0 {
		c.HistoryPageSize = 50
	}
	if c.TokenTTL <= 0 {
		c.TokenTTL = 24 * time.Hour
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 10 * time.Second
	}
	if c.RateLimitBurst <= 0 {
		c.RateLimitBurst = 5
	}
	if c.RateLimitRefill <= 0 {
		c.RateLimitRefill = time.Second
	}
	c.RateLimit = RateLimitConfig{
		Burst:          c.RateLimitBurst,
		RefillInterval: c.RateLimitRefill,
	}
	return c
}

func parseOrigins(origins string) []string {
	parts := strings.Split(origins, ",")
	trimmed := make([]string, 0, len(parts))
	for _, part := range parts {
		if p := strings.TrimSpace(part); p != "" {
			trimmed = append(trimmed, p)
		}
	}
	return trimmed
}
