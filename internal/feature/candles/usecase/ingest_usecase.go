package usecase

import (
	"context"

	"github.com/rs/zerolog"

	"tradebot_backend/internal/feature/candles/domain/entity"
	"tradebot_backend/internal/shared/ratelimiter"
)

// DefaultWarmLookback は1回のウォームアップで確保するローソク足の本数です。
const DefaultWarmLookback = 200

// WarmTarget is one watched symbol and the frames to keep cached for it.
type WarmTarget struct {
	Symbol string
	Frames []string
}

// HistoryReader is the part of HistoryUsecase the warm-up job needs.
type HistoryReader interface {
	GetRecent(ctx context.Context, symbol, tf string, limit int) ([]entity.Candle, error)
}

// IngestUsecase は監視銘柄のローソク足を事前にキャッシュへ取り込むユースケースを定義します。
type IngestUsecase struct {
	history     HistoryReader
	rateLimiter ratelimiter.RateLimiterInterface
	lookback    int
	logger      zerolog.Logger
}

// NewIngestUsecase は新しい IngestUsecase を作成します。
func NewIngestUsecase(history HistoryReader, rateLimiter ratelimiter.RateLimiterInterface, lookback int, logger zerolog.Logger) *IngestUsecase {
	if lookback <= 0 {
		lookback = DefaultWarmLookback
	}
	return &IngestUsecase{
		history:     history,
		rateLimiter: rateLimiter,
		lookback:    lookback,
		logger:      logger.With().Str("component", "ingest").Logger(),
	}
}

// WarmAll は全監視銘柄の各時間足について直近 lookback 本をキャッシュに揃えます。
// 1件の失敗で処理を止めず、ログに出力して次へ進みます。戻り値は成功件数です。
func (iu *IngestUsecase) WarmAll(ctx context.Context, targets []WarmTarget) (int, error) {
	warmed := 0
	for _, tgt := range targets {
		for _, tf := range tgt.Frames {
			if err := iu.rateLimiter.Wait(ctx); err != nil {
				return warmed, err
			}
			cs, err := iu.history.GetRecent(ctx, tgt.Symbol, tf, iu.lookback)
			if err != nil {
				iu.logger.Error().Err(err).Str("symbol", tgt.Symbol).Str("frame", tf).Msg("failed to warm candles")
				continue
			}
			iu.logger.Info().Str("symbol", tgt.Symbol).Str("frame", tf).Int("rows", len(cs)).Msg("warmed candles")
			warmed++
		}
	}
	return warmed, nil
}
