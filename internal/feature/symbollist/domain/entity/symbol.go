// Package entity defines the domain models for the symbollist feature.
package entity

// Symbol is one watched instrument and the frames kept warm for it.
type Symbol struct {
	ID       uint
	Code     string // e.g. "BTC/USDT"
	Name     string
	Market   string // exchange name, e.g. "binance"
	Frames   []string
	IsActive bool
	SortKey  int
}
