// Package logging builds the process logger.
package logging

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Config selects the log level and output encoding.
type Config struct {
	Level  string `yaml:"level" default:"info" validate:"oneof=trace debug info warn error"`
	Format string `yaml:"format" default:"json" validate:"oneof=json console"`
}

// New returns a logger writing to stderr.
func New(cfg Config) (zerolog.Logger, error) {
	return NewWithWriter(cfg, os.Stderr)
}

// NewWithWriter returns a logger writing to w.
func NewWithWriter(cfg Config, w io.Writer) (zerolog.Logger, error) {
	lvl := cfg.Level
	if lvl == "" {
		lvl = "info"
	}
	level, err := zerolog.ParseLevel(lvl)
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("invalid log level: %w", err)
	}

	switch cfg.Format {
	case "", "json":
	case "console":
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	default:
		return zerolog.Nop(), fmt.Errorf("invalid log format %q", cfg.Format)
	}

	return zerolog.New(w).Level(level).With().Timestamp().Logger(), nil
}
