package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"tradebot_backend/internal/app/config"
	"tradebot_backend/internal/app/di"
	"tradebot_backend/internal/app/router"
	candleshandler "tradebot_backend/internal/feature/candles/transport/handler"
	symbollisthandler "tradebot_backend/internal/feature/symbollist/transport/handler"
	"tradebot_backend/internal/platform/http/handler"
	"tradebot_backend/internal/platform/logging"
)

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_PATH"), "path to the YAML config file")
	flag.Parse()

	// .envを読み込む（存在しなければシステムの環境変数を使用）
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

	app, err := di.NewApp(ctx, cfg, logger, di.Options{})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize application")
	}
	defer func() {
		if err := app.Close(); err != nil {
			logger.Error().Err(err).Msg("failed to close application")
		}
	}()

	checks := []handler.Check{{
		Name: "db",
		Ping: func(ctx context.Context) error {
			sqlDB, err := app.DB.DB()
			if err != nil {
				return err
			}
			return sqlDB.PingContext(ctx)
		},
	}}
	if app.Redis != nil {
		checks = append(checks, handler.Check{
			Name: "redis",
			Ping: func(ctx context.Context) error { return app.Redis.Ping(ctx).Err() },
		})
	}

	r := router.NewRouter(router.Handlers{
		Candles: candleshandler.NewCandlesHandler(app.History),
		Symbols: symbollisthandler.NewSymbolHandler(app.Symbols),
		Health:  handler.NewHealth(checks...),
	}, logger)

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		logger.Info().Str("addr", cfg.Server.Addr).Str("provider", cfg.Market.Provider).Msg("server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("server stopped")
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}
}
