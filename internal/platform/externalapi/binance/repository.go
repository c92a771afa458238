package binance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"tradebot_backend/internal/feature/candles/domain/entity"
	"tradebot_backend/internal/feature/candles/domain/frame"
	"tradebot_backend/internal/feature/candles/usecase"
	"tradebot_backend/internal/platform/externalapi/binance/dto"
	"tradebot_backend/internal/shared/ratelimiter"
)

// BinanceMarket はBinanceのklines APIからローソク足を取得するMarketRepository実装です。
type BinanceMarket struct {
	cfg     Config
	client  *http.Client
	limiter ratelimiter.RateLimiterInterface
	logger  zerolog.Logger
}

var _ usecase.MarketRepository = (*BinanceMarket)(nil)

// NewBinanceMarket はBinanceMarketの新しいインスタンスを生成します。
// limiter が nil の場合は呼び出し頻度を制限しません。
func NewBinanceMarket(cfg Config, client *http.Client, limiter ratelimiter.RateLimiterInterface, logger zerolog.Logger) *BinanceMarket {
	if cfg.PageSize <= 0 {
		cfg.PageSize = 500
	}
	if limiter == nil {
		limiter = ratelimiter.NewRateLimiter(0, 0)
	}
	return &BinanceMarket{
		cfg:     cfg,
		client:  client,
		limiter: limiter,
		logger:  logger.With().Str("component", "binance").Logger(),
	}
}

// MarketSymbol converts "BTC/USDT" into the exchange form "BTCUSDT".
func MarketSymbol(symbol string) string {
	return strings.ToUpper(strings.ReplaceAll(symbol, "/", ""))
}

// FetchOHLCV は [start, end) を PageSize 本ずつに分割して取得し、時刻の昇順で返します。
func (b *BinanceMarket) FetchOHLCV(ctx context.Context, symbol, tf string, start, end time.Time) ([]entity.Candle, error) {
	step, err := frame.Duration(tf)
	if err != nil {
		return nil, fmt.Errorf("binance: %w", err)
	}

	page := time.Duration(b.cfg.PageSize) * step
	var out []entity.Candle
	for cursor := start; cursor.Before(end); cursor = cursor.Add(page) {
		until := cursor.Add(page)
		if until.After(end) {
			until = end
		}
		rows, err := b.klines(ctx, symbol, tf, cursor, until)
		if err != nil {
			return nil, err
		}
		b.logger.Debug().
			Str("symbol", symbol).
			Str("frame", tf).
			Time("from", cursor).
			Int("rows", len(rows)).
			Msg("fetched klines page")
		out = append(out, rows...)
	}

	slices.SortFunc(out, func(a, b entity.Candle) int { return a.Time.Compare(b.Time) })
	return slices.CompactFunc(out, func(a, b entity.Candle) bool { return a.Time.Equal(b.Time) }), nil
}

// klines requests one page. endTime is inclusive on the API side.
func (b *BinanceMarket) klines(ctx context.Context, symbol, tf string, from, until time.Time) ([]entity.Candle, error) {
	params := url.Values{}
	params.Set("symbol", MarketSymbol(symbol))
	params.Set("interval", tf)
	params.Set("startTime", strconv.FormatInt(from.UnixMilli(), 10))
	params.Set("endTime", strconv.FormatInt(until.UnixMilli()-1, 10))
	params.Set("limit", strconv.Itoa(b.cfg.PageSize))

	endpoint := fmt.Sprintf("%s/api/v3/klines?%s", b.cfg.BaseURL, params.Encode())

	if err := b.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	res, err := b.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("binance: fetch klines: %w", err)
	}
	defer func() {
		if err := res.Body.Close(); err != nil {
			b.logger.Warn().Err(err).Msg("failed to close response body")
		}
	}()

	if res.StatusCode != http.StatusOK {
		var apiErr dto.ErrorResponse
		if err := json.NewDecoder(res.Body).Decode(&apiErr); err == nil && apiErr.Msg != "" {
			return nil, fmt.Errorf("binance http %d: %s (code %d)", res.StatusCode, apiErr.Msg, apiErr.Code)
		}
		return nil, fmt.Errorf("binance http %d", res.StatusCode)
	}

	dec := json.NewDecoder(res.Body)
	dec.UseNumber()
	var raw []dto.Kline
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("binance: parse klines: %w", err)
	}

	candles := make([]entity.Candle, 0, len(raw))
	for _, k := range raw {
		c, err := toCandle(k)
		if err != nil {
			return nil, err
		}
		if c.Time.Before(from) || !c.Time.Before(until) {
			continue
		}
		c.Symbol, c.Frame = symbol, tf
		candles = append(candles, c)
	}
	return candles, nil
}

var errShortKline = errors.New("binance: kline row too short")

func toCandle(k dto.Kline) (entity.Candle, error) {
	if len(k) < 6 {
		return entity.Candle{}, fmt.Errorf("%w: %d fields", errShortKline, len(k))
	}
	ms, err := k[0].Int64()
	if err != nil {
		return entity.Candle{}, fmt.Errorf("parse open time %q: %w", k[0], err)
	}
	var v [5]float64
	for i, name := range []string{"open", "high", "low", "close", "volume"} {
		v[i], err = k[i+1].Float64()
		if err != nil {
			return entity.Candle{}, fmt.Errorf("parse %s %q: %w", name, k[i+1], err)
		}
	}
	return entity.Candle{
		Time:   time.UnixMilli(ms).UTC(),
		Open:   v[0],
		High:   v[1],
		Low:    v[2],
		Close:  v[3],
		Volume: v[4],
	}, nil
}
