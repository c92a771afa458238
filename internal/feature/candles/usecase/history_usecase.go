// Package usecase はローソク足データ操作のビジネスロジックを実装します。
package usecase

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"tradebot_backend/internal/feature/candles/domain"
	"tradebot_backend/internal/feature/candles/domain/entity"
	"tradebot_backend/internal/feature/candles/domain/frame"
)

const (
	// DefaultFrame はローソク足クエリのデフォルト時間足です。
	DefaultFrame = "1d"
	// DefaultLimit はデフォルトのローソク足返却件数です。
	DefaultLimit = 200
	// MaxLimit はローソク足の最大返却件数です。範囲指定の要求もこの本数を超えられません。
	MaxLimit = 5000

	// DefaultLockTimeout bounds how long a refill waits for the per-key lock.
	DefaultLockTimeout = 300 * time.Second
)

// Deps は HistoryUsecase の依存関係です。Recorder, Publisher, Now は省略可能です。
type Deps struct {
	Repo      TxCandleRepository
	Market    MarketRepository
	Locks     Locker
	Recorder  Recorder
	Publisher Publisher
	Logger    zerolog.Logger
	Now       func() time.Time

	LockTimeout time.Duration
	// RefillTimeout bounds one shared refill, lock wait included. Zero means
	// LockTimeout plus DefaultLockTimeout.
	RefillTimeout time.Duration
}

// HistoryUsecase serves candle ranges from the local store and fills the
// missing parts from the remote market source.
type HistoryUsecase struct {
	repo      TxCandleRepository
	market    MarketRepository
	locks     Locker
	recorder  Recorder
	publisher Publisher
	logger    zerolog.Logger
	now       func() time.Time

	lockTimeout   time.Duration
	refillTimeout time.Duration

	refills singleflight.Group
}

// NewHistoryUsecase は新しい HistoryUsecase を作成します。
func NewHistoryUsecase(d Deps) *HistoryUsecase {
	u := &HistoryUsecase{
		repo:          d.Repo,
		market:        d.Market,
		locks:         d.Locks,
		recorder:      d.Recorder,
		publisher:     d.Publisher,
		logger:        d.Logger.With().Str("component", "history").Logger(),
		now:           d.Now,
		lockTimeout:   d.LockTimeout,
		refillTimeout: d.RefillTimeout,
	}
	if u.recorder == nil {
		u.recorder = nopRecorder{}
	}
	if u.publisher == nil {
		u.publisher = nopPublisher{}
	}
	if u.now == nil {
		u.now = time.Now
	}
	if u.lockTimeout <= 0 {
		u.lockTimeout = DefaultLockTimeout
	}
	if u.refillTimeout <= 0 {
		u.refillTimeout = u.lockTimeout + DefaultLockTimeout
	}
	return u
}

// LockName is the distributed lock guarding refills of one (symbol, frame).
func LockName(symbol, tf string) string {
	return fmt.Sprintf("lock-%s-%s-ohlcv-query", symbol, tf)
}

// GetOHLCVHistory returns every candle of symbol/tf in [start, end), ascending
// and gap-free. Both ends are floored to the frame; end is also capped at the
// start of the candle still forming at the current time.
//
// A range already stored in full is served without a remote call or lock.
// Otherwise the per-key lock is taken, the store re-checked and each missing
// sub-range fetched and persisted in its own transaction. Callers of this
// instance asking for the same range share one refill, which runs detached
// from any single caller's ctx and is bounded by RefillTimeout instead.
//
// Ranges longer than MaxLimit candles fail with domain.ErrInvalidRange.
func (u *HistoryUsecase) GetOHLCVHistory(ctx context.Context, symbol, tf string, start, end time.Time) ([]entity.Candle, error) {
	step, err := frame.Duration(tf)
	if err != nil {
		return nil, err
	}
	nstart, _ := frame.Floor(start, tf)
	nend, _ := frame.Floor(end, tf)
	if current, _ := frame.Floor(u.now(), tf); nend.After(current) {
		nend = current
	}
	if !nstart.Before(nend) {
		return []entity.Candle{}, nil
	}
	expected, err := frame.ExpectedCount(nstart, nend, tf)
	if err != nil {
		return nil, err
	}
	if expected > MaxLimit {
		return nil, fmt.Errorf("%w: %s %s spans %d candles, at most %d per request",
			domain.ErrInvalidRange, symbol, tf, expected, MaxLimit)
	}

	cached, err := u.stored(ctx, symbol, tf, nstart, nend)
	if err != nil {
		return nil, err
	}
	if len(cached) == expected {
		u.recorder.CacheHit(tf)
		return cached, nil
	}
	u.recorder.CacheMiss(tf)

	key := fmt.Sprintf("%s|%s|%d|%d", symbol, tf, nstart.UnixMilli(), nend.UnixMilli())
	ch := u.refills.DoChan(key, func() (any, error) {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), u.refillTimeout)
		defer cancel()
		return u.refill(rctx, symbol, tf, entity.Range{Start: nstart, End: nend}, expected, step)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return slices.Clone(res.Val.([]entity.Candle)), nil
	}
}

// GetRecent returns the last limit closed candles of symbol/tf.
func (u *HistoryUsecase) GetRecent(ctx context.Context, symbol, tf string, limit int) ([]entity.Candle, error) {
	if limit <= 0 || limit > MaxLimit {
		return nil, fmt.Errorf("%w: limit must be in [1, %d], got %d", domain.ErrInvalidRange, MaxLimit, limit)
	}
	now := u.now()
	start, err := frame.Ago(now, limit, tf)
	if err != nil {
		return nil, err
	}
	end, _ := frame.Floor(now, tf)
	return u.GetOHLCVHistory(ctx, symbol, tf, start, end)
}

// stored reads what the store holds of [start, end). The read is a single
// statement outside any transaction, so it never waits on lock writers.
func (u *HistoryUsecase) stored(ctx context.Context, symbol, tf string, start, end time.Time) ([]entity.Candle, error) {
	rows, err := u.repo.RangeQuery(ctx, symbol, tf, start, end)
	if err != nil {
		return nil, fmt.Errorf("read cached candles: %w", err)
	}
	return rows, nil
}

func (u *HistoryUsecase) refill(ctx context.Context, symbol, tf string, r entity.Range, expected int, step time.Duration) ([]entity.Candle, error) {
	var (
		out      []entity.Candle
		acquired bool
	)
	waitStart := time.Now()
	err := u.locks.WithLock(ctx, LockName(symbol, tf), u.lockTimeout, func(ctx context.Context) error {
		acquired = true
		u.recorder.LockWait(time.Since(waitStart), nil)
		var err error
		out, err = u.refillLocked(ctx, symbol, tf, r, expected, step)
		return err
	})
	if !acquired {
		u.recorder.LockWait(time.Since(waitStart), err)
		return nil, fmt.Errorf("refill %s %s: %w", symbol, tf, err)
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

// refillLocked runs with the per-key lock held.
func (u *HistoryUsecase) refillLocked(ctx context.Context, symbol, tf string, r entity.Range, expected int, step time.Duration) ([]entity.Candle, error) {
	log := u.logger.With().Str("symbol", symbol).Str("frame", tf).Stringer("range", r).Logger()

	// Another holder may have completed the range while we waited.
	cached, err := u.stored(ctx, symbol, tf, r.Start, r.End)
	if err != nil {
		return nil, err
	}
	if len(cached) == expected {
		log.Debug().Msg("range completed by another holder")
		return cached, nil
	}

	if len(cached) == 0 {
		return u.fetch(ctx, symbol, tf, r, step)
	}

	present := make([]time.Time, len(cached))
	for i, c := range cached {
		present[i] = c.Time
	}
	gaps := MissingRanges(present, r.Start, r.End, step)
	log.Debug().Int("cached", len(cached)).Int("gaps", len(gaps)).Msg("filling gaps")

	out := slices.Clone(cached)
	for _, gap := range gaps {
		got, err := u.fetch(ctx, symbol, tf, gap, step)
		if err != nil {
			return nil, err
		}
		out = append(out, got...)
	}
	slices.SortFunc(out, func(a, b entity.Candle) int { return a.Time.Compare(b.Time) })
	return out, nil
}

// fetch pulls r from the market source, checks it and persists it in one transaction.
func (u *HistoryUsecase) fetch(ctx context.Context, symbol, tf string, r entity.Range, step time.Duration) ([]entity.Candle, error) {
	got, err := u.market.FetchOHLCV(ctx, symbol, tf, r.Start, r.End)
	u.recorder.RemoteFetch(tf, len(got), err)
	if err != nil {
		return nil, fmt.Errorf("fetch %s %s %s: %w", symbol, tf, r, err)
	}
	if err := verify(got, r, step); err != nil {
		return nil, fmt.Errorf("fetch %s %s %s: %w", symbol, tf, r, err)
	}
	for i := range got {
		got[i].Symbol = symbol
		got[i].Frame = tf
	}

	err = u.repo.Transaction(ctx, func(repo CandleRepository) error {
		return repo.Add(ctx, symbol, tf, got)
	})
	if err != nil {
		return nil, fmt.Errorf("persist %s %s %s: %w", symbol, tf, r, err)
	}

	refill := entity.Refill{Symbol: symbol, Frame: tf, Range: r, Rows: len(got), FetchedAt: u.now()}
	if err := u.publisher.PublishRefill(ctx, refill); err != nil {
		u.logger.Warn().Err(err).Str("symbol", symbol).Str("frame", tf).Msg("failed to publish refill event")
	}
	return got, nil
}

// verify checks that candles are exactly the step-aligned instants of r, in order.
func verify(candles []entity.Candle, r entity.Range, step time.Duration) error {
	want := r.Len(step)
	if len(candles) != want {
		return fmt.Errorf("%w: expected %d candles, got %d", domain.ErrDataIntegrity, want, len(candles))
	}
	for i, c := range candles {
		if at := r.Start.Add(time.Duration(i) * step); !c.Time.Equal(at) {
			return fmt.Errorf("%w: candle %d at %s, expected %s",
				domain.ErrDataIntegrity, i, c.Time.UTC().Format(time.RFC3339), at.Format(time.RFC3339))
		}
		if err := c.Validate(); err != nil {
			return fmt.Errorf("%w: %v", domain.ErrDataIntegrity, err)
		}
	}
	return nil
}
