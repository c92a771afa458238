// Package dto holds the Binance REST payloads.
package dto

import "encoding/json"

// Kline is one row of /api/v3/klines:
// [openTime, open, high, low, close, volume, closeTime, ...].
type Kline []json.Number

// ErrorResponse is the body Binance returns with 4xx/5xx statuses.
type ErrorResponse struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}
