package di

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"tradebot_backend/internal/app/config"
	candleadapters "tradebot_backend/internal/feature/candles/adapters"
	"tradebot_backend/internal/feature/candles/usecase"
	symboladapters "tradebot_backend/internal/feature/symbollist/adapters"
	symbolentity "tradebot_backend/internal/feature/symbollist/domain/entity"
	symbolusecase "tradebot_backend/internal/feature/symbollist/usecase"
	"tradebot_backend/internal/platform/cache"
	"tradebot_backend/internal/platform/db"
	"tradebot_backend/internal/platform/events"
	"tradebot_backend/internal/platform/lock"
	"tradebot_backend/internal/platform/metrics"
	infraredis "tradebot_backend/internal/platform/redis"
)

// Models lists every table the application owns.
func Models() []any {
	return []any{
		&candleadapters.CandleModel{},
		&lock.LockModel{},
		&symboladapters.SymbolModel{},
	}
}

// App holds the wired components shared by the binaries.
type App struct {
	DB      *gorm.DB
	Redis   *redis.Client // nil when Redis is not configured
	History *usecase.HistoryUsecase
	Symbols *symbolusecase.SymbolUsecase

	closers []func() error
}

// Options overrides parts of the wiring, mostly for tests.
type Options struct {
	DB         *gorm.DB
	Market     usecase.MarketRepository
	Registerer prometheus.Registerer
}

// NewApp opens the store, connects the optional Redis and Kafka clients and
// builds the usecases.
func NewApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger, opts Options) (*App, error) {
	a := &App{}
	ok := false
	defer func() {
		if !ok {
			_ = a.Close()
		}
	}()

	a.DB = opts.DB
	if a.DB == nil {
		gdb, err := db.Open(cfg.DB)
		if err != nil {
			return nil, err
		}
		a.DB = gdb
		if sqlDB, err := gdb.DB(); err == nil {
			a.closers = append(a.closers, sqlDB.Close)
		}
	}
	if err := db.Migrate(a.DB, Models()...); err != nil {
		return nil, err
	}

	if cfg.Redis.Enabled() {
		rdb, err := infraredis.NewRedisClient(ctx, cfg.Redis, logger)
		if err != nil {
			if cfg.Lock.Backend == config.LockBackendRedis {
				return nil, err
			}
			logger.Warn().Err(err).Msg("redis unavailable, running without cache")
		} else {
			a.Redis = rdb
			a.closers = append(a.closers, rdb.Close)
		}
	}

	market := opts.Market
	if market == nil {
		m, err := NewMarket(cfg.Market, logger)
		if err != nil {
			return nil, err
		}
		market = m
	}

	locks, err := NewLockFactory(cfg.Lock, a.DB, a.Redis, logger)
	if err != nil {
		return nil, err
	}

	var publisher usecase.Publisher
	if cfg.Events.Enabled() {
		p, err := events.NewRefillPublisher(cfg.Events, logger)
		if err != nil {
			return nil, err
		}
		publisher = p
		a.closers = append(a.closers, p.Close)
	}

	repo := cache.NewCachingCandleRepository(a.Redis, cfg.Cache.TTL, candleadapters.NewCandleRepository(a.DB), cfg.Cache.Namespace)

	a.History = usecase.NewHistoryUsecase(usecase.Deps{
		Repo:        repo,
		Market:      market,
		Locks:       locks,
		Recorder:    metrics.New(opts.Registerer),
		Publisher:   publisher,
		Logger:      logger,
		LockTimeout: cfg.Lock.Timeout,
		// A refill may wait out the lock and then hold it until its ticket expires.
		RefillTimeout: cfg.Lock.Timeout + cfg.Lock.Expiration,
	})
	a.Symbols = symbolusecase.NewSymbolUsecase(symboladapters.NewSymbolRepository(a.DB))

	if len(cfg.Ingest.Watchlist) > 0 {
		if err := a.Symbols.SyncWatchlist(ctx, Watchlist(cfg.Ingest.Watchlist)); err != nil {
			return nil, fmt.Errorf("sync watchlist: %w", err)
		}
	}

	ok = true
	return a, nil
}

// Watchlist converts configured entries into symbols ordered as listed.
func Watchlist(items []config.WatchItem) []symbolentity.Symbol {
	out := make([]symbolentity.Symbol, 0, len(items))
	for i, it := range items {
		name := it.Name
		if name == "" {
			name = it.Code
		}
		out = append(out, symbolentity.Symbol{
			Code:     it.Code,
			Name:     name,
			Market:   it.Market,
			Frames:   it.Frames,
			IsActive: true,
			SortKey:  i + 1,
		})
	}
	return out
}

// WarmTargets maps watched symbols to warm-up targets.
func WarmTargets(symbols []symbolentity.Symbol) []usecase.WarmTarget {
	out := make([]usecase.WarmTarget, 0, len(symbols))
	for _, s := range symbols {
		if len(s.Frames) == 0 {
			continue
		}
		out = append(out, usecase.WarmTarget{Symbol: s.Code, Frames: s.Frames})
	}
	return out
}

// Close releases every client opened by NewApp, in reverse order.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}
