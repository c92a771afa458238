// Package dto defines data transfer objects for the candles HTTP API.
package dto

import "time"

// CandlesQuery は GET /candles のクエリパラメータです。
// start と end を両方指定すると範囲指定、どちらも省略すると直近 limit 本を返します。
// Frame と Limit の省略時の値はハンドラーが設定します。
type CandlesQuery struct {
	Symbol string    `form:"symbol" binding:"required"`
	Frame  string    `form:"frame"`
	Start  time.Time `form:"start" time_format:"2006-01-02T15:04:05Z07:00"`
	End    time.Time `form:"end" time_format:"2006-01-02T15:04:05Z07:00"`
	Limit  int       `form:"limit" binding:"min=1"`
}

// CandleResponse はロウソク足データのレスポンスDTOです。
type CandleResponse struct {
	Time   string  `json:"time"`   // 足の開始時刻 (RFC3339, UTC)
	Open   float64 `json:"open"`   // 始値
	High   float64 `json:"high"`   // 高値
	Low    float64 `json:"low"`    // 安値
	Close  float64 `json:"close"`  // 終値
	Volume float64 `json:"volume"` // 出来高
}

// ErrorResponse はエラー時のレスポンスDTOです。
type ErrorResponse struct {
	Error string `json:"error"`
}
