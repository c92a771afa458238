package twelvedata

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"tradebot_backend/internal/feature/candles/domain"
	"tradebot_backend/internal/feature/candles/domain/entity"
	"tradebot_backend/internal/feature/candles/usecase"
	"tradebot_backend/internal/platform/externalapi/twelvedata/dto"
	"tradebot_backend/internal/shared/ratelimiter"
)

const queryTimeLayout = "2006-01-02 15:04:05"

// intervals maps frame tokens to Twelve Data interval names.
var intervals = map[string]string{
	"1m":  "1min",
	"5m":  "5min",
	"15m": "15min",
	"30m": "30min",
	"1h":  "1h",
	"4h":  "4h",
	"1d":  "1day",
	"1w":  "1week",
}

// TwelveDataMarket はTwelve Data外部APIからローソク足を取得するMarketRepository実装です。
// 24時間取引される暗号資産の銘柄のみを対象とします。
type TwelveDataMarket struct {
	cfg     Config
	client  *http.Client
	limiter ratelimiter.RateLimiterInterface
	logger  zerolog.Logger
}

// TwelveDataMarketがMarketRepositoryを実装していることをコンパイル時に検証します。
var _ usecase.MarketRepository = (*TwelveDataMarket)(nil)

// NewTwelveDataMarket は指定された設定とHTTPクライアントでTwelveDataMarketの新しいインスタンスを生成します。
// limiter が nil の場合は呼び出し頻度を制限しません。
func NewTwelveDataMarket(cfg Config, client *http.Client, limiter ratelimiter.RateLimiterInterface, logger zerolog.Logger) *TwelveDataMarket {
	if cfg.OutputSize <= 0 {
		cfg.OutputSize = 5000
	}
	if limiter == nil {
		limiter = ratelimiter.NewRateLimiter(0, 0)
	}
	return &TwelveDataMarket{cfg: cfg, client: client, limiter: limiter, logger: logger}
}

// FetchOHLCV はTwelve Data APIから [start, end) のローソク足を取得し、時刻の昇順で返します。
func (t *TwelveDataMarket) FetchOHLCV(ctx context.Context, symbol, tf string, start, end time.Time) ([]entity.Candle, error) {
	interval, ok := intervals[tf]
	if !ok {
		return nil, fmt.Errorf("twelvedata: %w: %q", domain.ErrUnsupportedFrame, tf)
	}

	q := url.Values{}
	q.Set("symbol", symbol)
	q.Set("interval", interval)
	q.Set("start_date", start.UTC().Format(queryTimeLayout))
	q.Set("end_date", end.UTC().Format(queryTimeLayout))
	q.Set("timezone", "UTC")
	q.Set("order", "ASC")
	q.Set("outputsize", strconv.Itoa(t.cfg.OutputSize))
	q.Set("apikey", t.cfg.TwelveDataAPIKey)

	u := fmt.Sprintf("%s/time_series?%s", t.cfg.BaseURL, q.Encode())

	if err := t.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}

	res, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := res.Body.Close(); err != nil {
			t.logger.Warn().Err(err).Msg("failed to close response body")
		}
	}()

	if res.StatusCode >= 400 {
		return nil, fmt.Errorf("twelvedata http %d", res.StatusCode)
	}

	// JSONレスポンスをDTOにデコード
	var body dto.TimeSeriesResponse
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		return nil, err
	}
	if body.Status == "error" {
		return nil, fmt.Errorf("twelvedata: %s", body.Message)
	}

	candles := make([]entity.Candle, 0, len(body.Values))
	for _, v := range body.Values {
		c, err := toCandle(v)
		if err != nil {
			return nil, err
		}
		// end_date is inclusive on the API side.
		if c.Time.Before(start) || !c.Time.Before(end) {
			continue
		}
		c.Symbol, c.Frame = symbol, tf
		candles = append(candles, c)
	}
	slices.SortFunc(candles, func(a, b entity.Candle) int { return a.Time.Compare(b.Time) })
	return candles, nil
}

func toCandle(v dto.TimeSeriesValue) (entity.Candle, error) {
	// タイムスタンプをパース
	tm, err := time.ParseInLocation(queryTimeLayout, v.Datetime, time.UTC)
	if err != nil {
		tm, err = time.ParseInLocation("2006-01-02", v.Datetime, time.UTC)
		if err != nil {
			return entity.Candle{}, fmt.Errorf("parse time %q: %w", v.Datetime, err)
		}
	}
	// 始値をパース
	o, err := strconv.ParseFloat(v.Open, 64)
	if err != nil {
		return entity.Candle{}, fmt.Errorf("parse open %q: %w", v.Open, err)
	}
	// 高値をパース
	h, err := strconv.ParseFloat(v.High, 64)
	if err != nil {
		return entity.Candle{}, fmt.Errorf("parse high %q: %w", v.High, err)
	}
	// 安値をパース
	l, err := strconv.ParseFloat(v.Low, 64)
	if err != nil {
		return entity.Candle{}, fmt.Errorf("parse low %q: %w", v.Low, err)
	}
	// 終値をパース
	c, err := strconv.ParseFloat(v.Close, 64)
	if err != nil {
		return entity.Candle{}, fmt.Errorf("parse close %q: %w", v.Close, err)
	}
	// 出来高をパース（暗号資産の一部は出来高を返さない）
	var vol float64
	if v.Volume != "" {
		vol, err = strconv.ParseFloat(v.Volume, 64)
		if err != nil {
			return entity.Candle{}, fmt.Errorf("parse volume %q: %w", v.Volume, err)
		}
	}

	return entity.Candle{Time: tm, Open: o, High: h, Low: l, Close: c, Volume: vol}, nil
}
