// Package config loads the application configuration from a YAML file,
// struct defaults and environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"tradebot_backend/internal/platform/db"
	"tradebot_backend/internal/platform/events"
	"tradebot_backend/internal/platform/externalapi/binance"
	"tradebot_backend/internal/platform/externalapi/twelvedata"
	infrahttp "tradebot_backend/internal/platform/http"
	"tradebot_backend/internal/platform/logging"
	"tradebot_backend/internal/platform/redis"
)

// Market data providers.
const (
	ProviderBinance    = "binance"
	ProviderTwelveData = "twelvedata"
)

// Lock backends.
const (
	LockBackendDB    = "db"
	LockBackendRedis = "redis"
)

// Config is the root configuration shared by cmd/server and cmd/ingest.
type Config struct {
	Server ServerConfig   `yaml:"server"`
	Log    logging.Config `yaml:"log"`
	DB     db.Config      `yaml:"db"`
	Redis  redis.Config   `yaml:"redis"`
	Cache  CacheConfig    `yaml:"cache"`
	Lock   LockConfig     `yaml:"lock"`
	Market MarketConfig   `yaml:"market"`
	Events events.Config  `yaml:"events"`
	Ingest IngestConfig   `yaml:"ingest"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Addr            string        `yaml:"addr" default:":8080" validate:"required"`
	ReadTimeout     time.Duration `yaml:"read_timeout" default:"15s"`
	WriteTimeout    time.Duration `yaml:"write_timeout" default:"5m"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" default:"10s"`
}

// CacheConfig configures the Redis range-result cache.
type CacheConfig struct {
	TTL       time.Duration `yaml:"ttl" default:"5m"`
	Namespace string        `yaml:"namespace" default:"candles" validate:"required"`
}

// LockConfig configures the refill lock.
type LockConfig struct {
	Backend       string        `yaml:"backend" default:"db" validate:"oneof=db redis"`
	Timeout       time.Duration `yaml:"timeout" default:"300s" validate:"gt=0"`
	Expiration    time.Duration `yaml:"expiration" default:"300s" validate:"gt=0"`
	MaxConcurrent int           `yaml:"max_concurrent" default:"1" validate:"min=1"`
}

// MarketConfig selects and configures the remote market data source.
type MarketConfig struct {
	Provider   string                `yaml:"provider" default:"binance" validate:"oneof=binance twelvedata"`
	RateLimit  int                   `yaml:"rate_limit" default:"10" validate:"min=0"` // requests per RateWindow; 0 disables
	RateWindow time.Duration         `yaml:"rate_window" default:"1s"`
	Retry      infrahttp.RetryConfig `yaml:"retry"`
	Binance    binance.Config        `yaml:"binance"`
	TwelveData twelvedata.Config     `yaml:"twelvedata"`
}

// IngestConfig configures the warm-up job.
type IngestConfig struct {
	Lookback  int           `yaml:"lookback" default:"200" validate:"min=1,max=5000"`
	Timeout   time.Duration `yaml:"timeout" default:"10m"`
	Watchlist []WatchItem   `yaml:"watchlist" validate:"dive"`
}

// WatchItem is one configured watchlist entry.
type WatchItem struct {
	Code   string   `yaml:"code" validate:"required"`
	Name   string   `yaml:"name"`
	Market string   `yaml:"market" default:"binance"`
	Frames []string `yaml:"frames" validate:"required,dive,oneof=1m 5m 15m 30m 1h 4h 1d 1w"`
}

// LoadDotEnv loads the given .env files into the process environment.
// Missing files are skipped; variables already set are not overwritten.
func LoadDotEnv(paths ...string) error {
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// Load builds the configuration: struct defaults, then the YAML file at path
// (skipped when path is empty), then environment overrides, then validation.
func Load(path string) (*Config, error) {
	var c Config
	if err := defaults.Set(&c); err != nil {
		return nil, fmt.Errorf("set defaults: %w", err)
	}

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(b, &c); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
		// Entries added by the file get their own defaults.
		for i := range c.Ingest.Watchlist {
			if err := defaults.Set(&c.Ingest.Watchlist[i]); err != nil {
				return nil, fmt.Errorf("set defaults: %w", err)
			}
		}
	}

	applyEnv(&c)

	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &c, nil
}

// Validate checks field constraints and cross-field rules.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return err
	}
	if c.Lock.Backend == LockBackendRedis && !c.Redis.Enabled() {
		return errors.New("lock.backend redis requires redis.host")
	}
	if c.DB.Driver == db.DriverPostgres && c.DB.InstanceName == "" && c.DB.Host == "" {
		return errors.New("db.host or db.instance_name is required for postgres")
	}
	if c.Market.Provider == ProviderTwelveData && c.Market.TwelveData.TwelveDataAPIKey == "" {
		return errors.New("market.twelvedata.api_key is required")
	}
	return nil
}

// applyEnv overrides file values with the environment variables the
// platform packages read on their own.
func applyEnv(c *Config) {
	setString(&c.Server.Addr, "HTTP_ADDR")
	setString(&c.Log.Level, "LOG_LEVEL")
	setString(&c.Log.Format, "LOG_FORMAT")

	setString(&c.DB.Driver, "DB_DRIVER")
	setString(&c.DB.User, "DB_USER")
	setString(&c.DB.Password, "DB_PASSWORD")
	setString(&c.DB.Name, "DB_NAME")
	setString(&c.DB.Host, "DB_HOST")
	setString(&c.DB.Port, "DB_PORT")
	setString(&c.DB.SSLMode, "DB_SSLMODE")
	setString(&c.DB.InstanceName, "INSTANCE_CONNECTION_NAME")
	setString(&c.DB.Path, "DB_PATH")

	setString(&c.Redis.Host, "REDIS_HOST")
	setString(&c.Redis.Port, "REDIS_PORT")
	setString(&c.Redis.Password, "REDIS_PASSWORD")
	if v, err := strconv.Atoi(os.Getenv("REDIS_DB")); err == nil {
		c.Redis.DB = v
	}

	setString(&c.Lock.Backend, "LOCK_BACKEND")
	setString(&c.Market.Provider, "MARKET_PROVIDER")
	setString(&c.Market.Binance.BaseURL, "BINANCE_BASE_URL")
	setString(&c.Market.TwelveData.TwelveDataAPIKey, "TWELVE_DATA_API_KEY")
	setString(&c.Market.TwelveData.BaseURL, "TWELVE_DATA_BASE_URL")

	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		c.Events.Brokers = strings.Split(v, ",")
	}
	setString(&c.Events.Topic, "KAFKA_TOPIC")
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}
