// Package di provides dependency injection factories for creating application components.
package di

import (
	"fmt"

	"github.com/rs/zerolog"

	"tradebot_backend/internal/app/config"
	"tradebot_backend/internal/feature/candles/usecase"
	"tradebot_backend/internal/platform/externalapi/binance"
	"tradebot_backend/internal/platform/externalapi/twelvedata"
	infrahttp "tradebot_backend/internal/platform/http"
	"tradebot_backend/internal/shared/ratelimiter"
)

// NewMarket creates the configured remote market source with a retrying,
// rate-limited HTTP client.
func NewMarket(cfg config.MarketConfig, logger zerolog.Logger) (usecase.MarketRepository, error) {
	limiter := ratelimiter.NewRateLimiter(cfg.RateLimit, cfg.RateWindow)

	switch cfg.Provider {
	case config.ProviderBinance:
		httpClient := infrahttp.NewRetryingHTTPClient(cfg.Binance.Timeout, cfg.Retry, logger)
		return binance.NewBinanceMarket(cfg.Binance, httpClient, limiter, logger), nil
	case config.ProviderTwelveData:
		httpClient := infrahttp.NewRetryingHTTPClient(cfg.TwelveData.Timeout, cfg.Retry, logger)
		return twelvedata.NewTwelveDataMarket(cfg.TwelveData, httpClient, limiter, logger), nil
	default:
		return nil, fmt.Errorf("unknown market provider %q", cfg.Provider)
	}
}
