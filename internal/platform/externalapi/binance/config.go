// Package binance provides a client for the Binance spot klines API.
package binance

import (
	"os"
	"time"
)

// Config holds configuration for the Binance API client.
type Config struct {
	BaseURL  string        `yaml:"base_url" default:"https://api.binance.com"`
	Timeout  time.Duration `yaml:"timeout" default:"10s"`
	PageSize int           `yaml:"page_size" default:"500" validate:"min=1,max=1000"` // klines per request
}

// LoadConfig loads Binance configuration from environment variables.
func LoadConfig() Config {
	cfg := Config{
		BaseURL:  os.Getenv("BINANCE_BASE_URL"),
		Timeout:  10 * time.Second,
		PageSize: 500,
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.binance.com"
	}
	return cfg
}
