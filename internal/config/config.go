// Package config loads runtime configuration from the environment.
package config

import (
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
)

// Config holds everything the server reads from its environment: process
// identity, logging, shutdown behavior, and database connection parameters.
type Config struct {
	AppName      string        `env:"APP_NAME,default=postgres-mcp"`
	LogLevel     string        `env:"LOG_LEVEL,default=info"`
	DrainTimeout time.Duration `env:"DRAIN_TIMEOUT,default=10s"`

	DBHost     string `env:"DB_HOST,default=localhost"`
	DBPort     int    `env:"DB_PORT,default=5432"`
	DBUser     string `env:"DB_USER,default=postgres"`
	DBPassword string `env:"DB_PASSWORD,default=postgres"`
	DBName     string `env:"DB_NAME,default=postgres"`
}

// Load decodes configuration from environment variables, applying defaults
// for anything unset.
func Load() (*Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode environment: %w", err)
	}
	return &cfg, nil
}

// ConnString renders a postgres connection URL for pgxpool, tagging the
// connection with the app name so sessions are identifiable in pg_stat_activity.
func (c *Config) ConnString() string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(c.DBUser, c.DBPassword),
		Host:   net.JoinHostPort(c.DBHost, strconv.Itoa(c.DBPort)),
		Path:   "/" + c.DBName,
	}
	q := u.Query()
	q.Set("application_name", c.AppName)
	u.RawQuery = q.Encode()
	return u.String()
}

// LoggerLevel maps the configured level string to a slog level. Unknown
// values fall back to info.
func (c *Config) LoggerLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
