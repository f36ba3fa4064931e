// Package config loads runtime configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all runtime configuration. Every field maps 1:1 to an env var.
type Config struct {
	// Server
	Port int    `mapstructure:"PORT"`
	Env  string `mapstructure:"APP_ENV"` // development | production

	// Database
	DBDriver    string `mapstructure:"DB_DRIVER"` // sqlite3 | postgres
	DatabaseURL string `mapstructure:"DATABASE_URL"`

	// Notifications; empty means log-only
	RedisURL string `mapstructure:"REDIS_URL"`

	// Auth
	JWTSecret    string `mapstructure:"JWT_SECRET"`
	AuthDisabled bool   `mapstructure:"AUTH_DISABLED"`

	// Outbox workers
	WorkerPoolSize     int           `mapstructure:"WORKER_POOL_SIZE"`
	WorkerPollInterval time.Duration `mapstructure:"WORKER_POLL_INTERVAL"`
	TaskMaxAttempts    int           `mapstructure:"TASK_MAX_ATTEMPTS"`

	LogLevel    string `mapstructure:"LOG_LEVEL"`
	CORSOrigins string `mapstructure:"CORS_ORIGINS"` // comma separated

	// Billing
	InvoiceFallbackSeries string `mapstructure:"INVOICE_FALLBACK_SERIES"`
}

// Load reads configuration from environment variables and an optional
// config file. An empty path looks for ./.env and ignores it if missing.
func Load(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(".env")
		v.SetConfigType("env")
		v.AddConfigPath(".")
	}
	v.AutomaticEnv()

	v.SetDefault("PORT", 8080)
	v.SetDefault("APP_ENV", "development")
	v.SetDefault("DB_DRIVER", "sqlite3")
	v.SetDefault("DATABASE_URL", "./data/billing.db")
	v.SetDefault("REDIS_URL", "")
	v.SetDefault("JWT_SECRET", "")
	v.SetDefault("AUTH_DISABLED", false)
	v.SetDefault("WORKER_POOL_SIZE", 4)
	v.SetDefault("WORKER_POLL_INTERVAL", "2s")
	v.SetDefault("TASK_MAX_ATTEMPTS", 8)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("CORS_ORIGINS", "http://localhost:5173,http://localhost:3000")
	v.SetDefault("INVOICE_FALLBACK_SERIES", "FAC")

	if err := v.ReadInConfig(); err != nil {
		// the optional .env may be missing; an explicit path may not
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return cfg, cfg.Validate()
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	switch c.DBDriver {
	case "sqlite3", "postgres":
	default:
		return fmt.Errorf("DB_DRIVER must be sqlite3 or postgres, got %q", c.DBDriver)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("PORT out of range: %d", c.Port)
	}
	if !c.AuthDisabled && c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required unless AUTH_DISABLED=true")
	}
	return nil
}

// IsProduction reports whether APP_ENV is production.
func (c *Config) IsProduction() bool { return c.Env == "production" }

// AllowedOrigins splits CORSOrigins.
func (c *Config) AllowedOrigins() []string {
	var out []string
	for _, o := range strings.Split(c.CORSOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}
