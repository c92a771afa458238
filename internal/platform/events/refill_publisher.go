// Package events publishes candle refill notifications to Kafka.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"tradebot_backend/internal/feature/candles/domain/entity"
	"tradebot_backend/internal/feature/candles/usecase"
)

// Config holds Kafka settings. Publishing is disabled when Brokers is empty.
type Config struct {
	Brokers      []string      `yaml:"brokers"`
	Topic        string        `yaml:"topic" default:"candles.refills"`
	WriteTimeout time.Duration `yaml:"write_timeout" default:"10s"`
}

// Enabled reports whether any broker is configured.
func (c Config) Enabled() bool { return len(c.Brokers) > 0 }

// RefillEvent is the JSON payload written for each persisted range.
type RefillEvent struct {
	Symbol    string    `json:"symbol"`
	Frame     string    `json:"frame"`
	Start     time.Time `json:"start"`
	End       time.Time `json:"end"`
	Rows      int       `json:"rows"`
	FetchedAt time.Time `json:"fetched_at"`
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// RefillPublisher implements usecase.Publisher on a kafka-go Writer.
type RefillPublisher struct {
	w      messageWriter
	logger zerolog.Logger
}

var _ usecase.Publisher = (*RefillPublisher)(nil)

// NewRefillPublisher creates a publisher writing to cfg.Topic.
func NewRefillPublisher(cfg Config, logger zerolog.Logger) (*RefillPublisher, error) {
	if !cfg.Enabled() {
		return nil, fmt.Errorf("events: brokers are required")
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	w := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		MaxAttempts:            3,
		WriteTimeout:           cfg.WriteTimeout,
		AllowAutoTopicCreation: true,
	}
	return newRefillPublisher(w, logger), nil
}

func newRefillPublisher(w messageWriter, logger zerolog.Logger) *RefillPublisher {
	return &RefillPublisher{w: w, logger: logger.With().Str("component", "refill_publisher").Logger()}
}

// PublishRefill writes one event keyed by symbol|frame so refills of one
// series land on one partition in order.
func (p *RefillPublisher) PublishRefill(ctx context.Context, r entity.Refill) error {
	ev := RefillEvent{
		Symbol:    r.Symbol,
		Frame:     r.Frame,
		Start:     r.Range.Start.UTC(),
		End:       r.Range.End.UTC(),
		Rows:      r.Rows,
		FetchedAt: r.FetchedAt.UTC(),
	}
	v, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal refill event: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(r.Symbol + "|" + r.Frame),
		Value: v,
		Time:  ev.FetchedAt,
	}
	if err := p.w.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish refill %s %s: %w", r.Symbol, r.Frame, err)
	}
	p.logger.Debug().Str("symbol", r.Symbol).Str("frame", r.Frame).Int("rows", r.Rows).Msg("refill published")
	return nil
}

// Close flushes pending messages and closes the writer.
func (p *RefillPublisher) Close() error {
	return p.w.Close()
}
