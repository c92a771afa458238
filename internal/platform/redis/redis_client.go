// Package redis builds the shared Redis client.
package redis

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Config holds Redis connection settings. An empty Host disables Redis.
type Config struct {
	Host     string `yaml:"host"`
	Port     string `yaml:"port" default:"6379"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// LoadConfigFromEnv reads REDIS_HOST, REDIS_PORT, REDIS_PASSWORD and REDIS_DB.
func LoadConfigFromEnv() Config {
	cfg := Config{
		Host:     os.Getenv("REDIS_HOST"),
		Port:     os.Getenv("REDIS_PORT"),
		Password: os.Getenv("REDIS_PASSWORD"),
	}
	if cfg.Port == "" {
		cfg.Port = "6379"
	}
	if db, err := strconv.Atoi(os.Getenv("REDIS_DB")); err == nil {
		cfg.DB = db
	}
	return cfg
}

// Enabled reports whether a Redis host is configured.
func (c Config) Enabled() bool { return c.Host != "" }

// Addr returns host:port.
func (c Config) Addr() string { return net.JoinHostPort(c.Host, c.Port) }

// NewRedisClient connects to Redis and verifies the connection with PING.
func NewRedisClient(ctx context.Context, cfg Config, logger zerolog.Logger) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr(),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	// 接続確認
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		logger.Error().Err(err).Str("address", cfg.Addr()).Msg("redis connection failed")
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Addr(), err)
	}

	logger.Info().Str("address", cfg.Addr()).Msg("redis connection successful")
	return rdb, nil
}
