// Package config loads marginwatch configuration from YAML, an optional .env
// file and the process environment.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/sawpanic/marginwatch/internal/application"
	"github.com/sawpanic/marginwatch/internal/broadcast"
	"github.com/sawpanic/marginwatch/internal/infrastructure/db"
	httpapi "github.com/sawpanic/marginwatch/internal/interfaces/http"
	"github.com/sawpanic/marginwatch/internal/persistence/sqlstore"
	"github.com/sawpanic/marginwatch/internal/providers/marketdata"
)

// DefaultPath is read when no config file is given
const DefaultPath = "config/marginwatch.yaml"

// Config represents the complete marginwatch configuration
type Config struct {
	Server     httpapi.ServerConfig `yaml:"server"`
	Database   db.Config            `yaml:"database"`
	Cache      CacheConfig          `yaml:"cache"`
	MarketData marketdata.Config    `yaml:"market_data"`
	Scheduler  SchedulerConfig      `yaml:"scheduler"`
	Broadcast  BroadcastConfig      `yaml:"broadcast"`
	Margin     MarginConfig         `yaml:"margin"`
	Log        LogConfig            `yaml:"log"`
}

// CacheConfig holds the optional latest-quote cache
type CacheConfig struct {
	Redis RedisConfig `yaml:"redis"`
}

// RedisConfig enables the quote cache when Addr is set
type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	TTL      time.Duration `yaml:"ttl"`
}

// Enabled reports whether a Redis address is configured
func (r RedisConfig) Enabled() bool { return r.Addr != "" }

// SchedulerConfig selects the timezone of calendar cadences and which job
// groups start at boot
type SchedulerConfig struct {
	Timezone              string        `yaml:"timezone"`
	EnableMarketUpdates   bool          `yaml:"enable_market_updates"`
	EnableMarginChecks    bool          `yaml:"enable_margin_checks"`
	EnableDatabaseCleanup bool          `yaml:"enable_database_cleanup"`
	ShutdownGrace         time.Duration `yaml:"shutdown_grace"`
}

// BroadcastConfig covers the push loop and per-connection buffering
type BroadcastConfig struct {
	EnablePushLoop bool          `yaml:"enable_push_loop"`
	MarketInterval time.Duration `yaml:"market_interval"`
	MarginInterval time.Duration `yaml:"margin_interval"`
	BufferSize     int           `yaml:"buffer_size"`
}

// MarginConfig tunes evaluation and quote retention
type MarginConfig struct {
	Concurrency int           `yaml:"concurrency"`
	Retention   time.Duration `yaml:"retention"`
}

// LogConfig holds the log level
type LogConfig struct {
	Level string `yaml:"level"`
}

// Default returns the configuration used before file and environment overrides
func Default() Config {
	return Config{
		Server:     httpapi.DefaultServerConfig(),
		Database:   db.DefaultConfig(),
		Cache:      CacheConfig{Redis: RedisConfig{TTL: 5 * time.Minute}},
		MarketData: marketdata.DefaultConfig(),
		Scheduler: SchedulerConfig{
			Timezone:              "America/New_York",
			EnableMarketUpdates:   true,
			EnableMarginChecks:    true,
			EnableDatabaseCleanup: true,
			ShutdownGrace:         5 * time.Second,
		},
		Broadcast: BroadcastConfig{
			EnablePushLoop: true,
			MarketInterval: broadcast.DefaultMarketEvery,
			MarginInterval: broadcast.DefaultMarginEvery,
			BufferSize:     broadcast.DefaultBufferSize,
		},
		Margin: MarginConfig{
			Concurrency: 8,
			Retention:   application.DefaultRetention,
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load reads path (a missing file is allowed), then envFile when it exists,
// then applies process environment overrides and validates the result.
func Load(path, envFile string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("failed to read config: %w", err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
			}
		}
	}

	if envFile != "" {
		if _, err := os.Stat(envFile); err == nil {
			// existing process variables win over the file
			if err := godotenv.Load(envFile); err != nil {
				return nil, fmt.Errorf("failed to load %s: %w", envFile, err)
			}
		}
	}

	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// LookupFunc matches os.LookupEnv
type LookupFunc func(key string) (string, bool)

// ApplyEnv overrides fields from environment variables. Feature flags are
// disabled only by the literal value "false".
func (c *Config) ApplyEnv(lookup LookupFunc) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	flag := func(key string, dst *bool) {
		if v, ok := lookup(key); ok {
			*dst = v != "false"
		}
	}

	for _, key := range []string{"PORT", "HTTP_PORT"} {
		if v, ok := lookup(key); ok && v != "" {
			port, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%s must be a number, got %q", key, v)
			}
			c.Server.Port = port
		}
	}
	if v, ok := lookup("FRONTEND_URL"); ok && v != "" {
		c.Server.AllowedOrigins = append(c.Server.AllowedOrigins, v)
	}

	str("DB_DRIVER", &c.Database.Driver)
	str("DB_DSN", &c.Database.DSN)
	if c.Database.DSN == "" {
		c.Database.DSN = postgresDSN(lookup)
	}

	str("REDIS_ADDR", &c.Cache.Redis.Addr)
	str("REDIS_PASSWORD", &c.Cache.Redis.Password)

	str("ALPHA_VANTAGE_API_KEY", &c.MarketData.AlphaVantageKey)
	str("TWELVE_DATA_API_KEY", &c.MarketData.TwelveDataKey)

	str("SCHEDULER_TIMEZONE", &c.Scheduler.Timezone)
	flag("ENABLE_MARKET_UPDATES", &c.Scheduler.EnableMarketUpdates)
	flag("ENABLE_MARGIN_CHECKS", &c.Scheduler.EnableMarginChecks)
	flag("ENABLE_DATABASE_CLEANUP", &c.Scheduler.EnableDatabaseCleanup)
	flag("ENABLE_PUSH_LOOP", &c.Broadcast.EnablePushLoop)

	str("LOG_LEVEL", &c.Log.Level)
	return nil
}

// postgresDSN builds a URL from the discrete DB_* variables, or returns "" when
// DB_HOST is unset
func postgresDSN(lookup LookupFunc) string {
	host, ok := lookup("DB_HOST")
	if !ok || host == "" {
		return ""
	}
	get := func(key, def string) string {
		if v, ok := lookup(key); ok && v != "" {
			return v
		}
		return def
	}
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(get("DB_USER", "postgres"), get("DB_PASSWORD", "")),
		Host:     host + ":" + get("DB_PORT", "5432"),
		Path:     "/" + get("DB_NAME", "margin_trading"),
		RawQuery: "sslmode=" + get("DB_SSLMODE", "disable"),
	}
	return u.String()
}

// Validate ensures the configuration is valid and consistent
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server port must be between 1 and 65535, got %d", c.Server.Port)
	}

	switch c.Database.Driver {
	case sqlstore.DriverPostgres, sqlstore.DriverSQLite:
	default:
		return fmt.Errorf("database driver must be %q or %q, got %q", sqlstore.DriverPostgres, sqlstore.DriverSQLite, c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database dsn cannot be empty")
	}
	if c.Database.MaxOpenConns <= 0 {
		return fmt.Errorf("database max_open_conns must be positive, got %d", c.Database.MaxOpenConns)
	}

	if c.Cache.Redis.TTL < 0 {
		return fmt.Errorf("cache redis ttl cannot be negative, got %s", c.Cache.Redis.TTL)
	}

	if c.MarketData.Timeout <= 0 {
		return fmt.Errorf("market_data timeout must be positive, got %s", c.MarketData.Timeout)
	}
	if c.MarketData.BreakerFailures == 0 {
		return fmt.Errorf("market_data breaker_failures must be positive")
	}
	if c.MarketData.RequestsPerSecond > 0 && c.MarketData.Burst < 1 {
		return fmt.Errorf("market_data burst must be at least 1 when rate limited, got %d", c.MarketData.Burst)
	}

	if _, err := c.Location(); err != nil {
		return err
	}

	if c.Broadcast.MarketInterval <= 0 || c.Broadcast.MarginInterval <= 0 {
		return fmt.Errorf("broadcast intervals must be positive, got %s/%s", c.Broadcast.MarketInterval, c.Broadcast.MarginInterval)
	}
	if c.Broadcast.BufferSize <= 0 {
		return fmt.Errorf("broadcast buffer_size must be positive, got %d", c.Broadcast.BufferSize)
	}

	if c.Margin.Retention <= 0 {
		return fmt.Errorf("margin retention must be positive, got %s", c.Margin.Retention)
	}

	if _, err := zerolog.ParseLevel(strings.ToLower(c.Log.Level)); err != nil {
		return fmt.Errorf("log level: %w", err)
	}
	return nil
}

// Location resolves the scheduler timezone
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Scheduler.Timezone)
	if err != nil {
		return nil, fmt.Errorf("scheduler timezone %q: %w", c.Scheduler.Timezone, err)
	}
	return loc, nil
}

// LogLevel returns the configured zerolog level, defaulting to info
func (c *Config) LogLevel() zerolog.Level {
	level, err := zerolog.ParseLevel(strings.ToLower(c.Log.Level))
	if err != nil || level == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return level
}
