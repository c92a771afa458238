package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"tradebot_backend/internal/app/config"
	"tradebot_backend/internal/app/di"
	"tradebot_backend/internal/feature/candles/usecase"
	"tradebot_backend/internal/platform/logging"
	"tradebot_backend/internal/shared/ratelimiter"
)

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_PATH"), "path to the YAML config file")
	flag.Parse()

	if err := config.LoadDotEnv(".env"); err != nil {
		log.Fatal().Err(err).Msg("failed to load .env")
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	logger, err := logging.New(cfg.Log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build logger")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, cfg.Ingest.Timeout)
	defer cancel()

	app, err := di.NewApp(ctx, cfg, logger, di.Options{})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize application")
	}
	defer func() {
		if err := app.Close(); err != nil {
			logger.Error().Err(err).Msg("failed to close application")
		}
	}()

	symbols, err := app.Symbols.ListActiveSymbols(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("failed to load symbols")
		return
	}

	uc := usecase.NewIngestUsecase(app.History, ratelimiter.NewRateLimiter(cfg.Market.RateLimit, cfg.Market.RateWindow), cfg.Ingest.Lookback, logger)
	warmed, err := uc.WarmAll(ctx, di.WarmTargets(symbols))
	if err != nil {
		logger.Error().Err(err).Int("warmed", warmed).Msg("ingest aborted")
		return
	}
	logger.Info().Int("symbols", len(symbols)).Int("warmed", warmed).Msg("ingest ok")
}
