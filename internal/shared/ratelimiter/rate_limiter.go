// Package ratelimiter は外部API呼び出しの頻度を制限します。
package ratelimiter

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiterInterface は、API呼び出しなどの操作の頻度を制限するインターフェースです。
type RateLimiterInterface interface {
	Wait(ctx context.Context) error
}

// RateLimiter は interval あたり limit 回まで操作を許可します。
type RateLimiter struct {
	limiter *rate.Limiter
}

// NewRateLimiter は新しいRateLimiterのインスタンスを生成します。
// limit が0以下の場合は制限しません。
func NewRateLimiter(limit int, interval time.Duration) *RateLimiter {
	if limit <= 0 || interval <= 0 {
		return &RateLimiter{limiter: rate.NewLimiter(rate.Inf, 0)}
	}
	return &RateLimiter{limiter: rate.NewLimiter(rate.Every(interval/time.Duration(limit)), limit)}
}

// Wait は次の操作が許可されるまで待機します。ctx が終了した場合はそのエラーを返します。
func (rl *RateLimiter) Wait(ctx context.Context) error {
	return rl.limiter.Wait(ctx)
}
