// Package entity defines the domain models for the candles feature.
package entity

import (
	"fmt"
	"math"
	"time"
)

// Candle represents one OHLCV (Open, High, Low, Close, Volume) bucket
// for a symbol at a frame-aligned instant.
type Candle struct {
	Symbol string    // Market symbol (e.g., "BTC/USDT")
	Frame  string    // Candle duration token (e.g., "1h", "1d")
	Time   time.Time // Start of the candle period, frame-aligned, UTC
	Open   float64   // Opening price
	High   float64   // Highest price during this period
	Low    float64   // Lowest price during this period
	Close  float64   // Closing price
	Volume float64   // Traded volume
}

// Validate reports whether the prices are positive and the volume is non-negative.
func (c Candle) Validate() error {
	prices := [...]struct {
		name string
		v    float64
	}{{"open", c.Open}, {"high", c.High}, {"low", c.Low}, {"close", c.Close}}
	for _, p := range prices {
		if math.IsNaN(p.v) || math.IsInf(p.v, 0) || p.v <= 0 {
			return fmt.Errorf("candle %s: %s must be a positive number, got %v", c.Time.Format(time.RFC3339), p.name, p.v)
		}
	}
	if math.IsNaN(c.Volume) || math.IsInf(c.Volume, 0) || c.Volume < 0 {
		return fmt.Errorf("candle %s: volume must be non-negative, got %v", c.Time.Format(time.RFC3339), c.Volume)
	}
	return nil
}
