package usecase

import (
	"context"
	"time"

	"tradebot_backend/internal/feature/candles/domain/entity"
)

// CandleRepository はローカルに永続化されたローソク足の読み書きを抽象化します。
// Goの慣例に従い、インターフェースは利用者（usecase）側で定義します。
type CandleRepository interface {
	// RangeQuery returns the stored candles with Time in [start, end), ascending.
	// The result may have gaps.
	RangeQuery(ctx context.Context, symbol, frame string, start, end time.Time) ([]entity.Candle, error)
	// Add stores candles idempotently; rows that already exist are left untouched.
	Add(ctx context.Context, symbol, frame string, candles []entity.Candle) error
}

// TxCandleRepository is a CandleRepository that can run a unit of work atomically.
type TxCandleRepository interface {
	CandleRepository
	// Transaction commits when fn returns nil and rolls back otherwise.
	Transaction(ctx context.Context, fn func(repo CandleRepository) error) error
}

// MarketRepository は外部の取引所APIからローソク足を取得します。
type MarketRepository interface {
	// FetchOHLCV returns exactly the frame-aligned candles in [start, end), ascending.
	FetchOHLCV(ctx context.Context, symbol, frame string, start, end time.Time) ([]entity.Candle, error)
}

// Locker runs fn while holding the distributed lock called name. It waits
// up to timeout for the lock and releases it however fn returns.
type Locker interface {
	WithLock(ctx context.Context, name string, timeout time.Duration, fn func(ctx context.Context) error) error
}

// Recorder receives reconciler measurements.
type Recorder interface {
	CacheHit(frame string)
	CacheMiss(frame string)
	RemoteFetch(frame string, rows int, err error)
	LockWait(d time.Duration, err error)
}

// Publisher is notified of every range persisted from the remote source.
type Publisher interface {
	PublishRefill(ctx context.Context, r entity.Refill) error
}

type nopRecorder struct{}

func (nopRecorder) CacheHit(string)                {}
func (nopRecorder) CacheMiss(string)               {}
func (nopRecorder) RemoteFetch(string, int, error) {}
func (nopRecorder) LockWait(time.Duration, error)  {}

type nopPublisher struct{}

func (nopPublisher) PublishRefill(context.Context, entity.Refill) error { return nil }
