// Package router wires the HTTP routes.
package router

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	candleshandler "tradebot_backend/internal/feature/candles/transport/handler"
	symbollisthandler "tradebot_backend/internal/feature/symbollist/transport/handler"
	"tradebot_backend/internal/platform/http/handler"
)

// Handlers groups the feature handlers mounted by NewRouter.
type Handlers struct {
	Candles *candleshandler.CandlesHandler
	Symbols *symbollisthandler.SymbolHandler
	Health  gin.HandlerFunc
}

func NewRouter(h Handlers, logger zerolog.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(logger))

	health := h.Health
	if health == nil {
		health = handler.Health
	}

	// 導通確認用
	r.GET("/healthz", health)
	r.HEAD("/healthz", health)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/symbols", h.Symbols.List)
	r.GET("/candles", h.Candles.GetCandlesHandler)

	return r
}

// requestLogger はリクエストごとにzerologでアクセスログを出力します。
func requestLogger(logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		ev := logger.Info()
		if c.Writer.Status() >= 500 {
			ev = logger.Error()
		}
		ev.Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Str("query", c.Request.URL.RawQuery).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Msg("request")
	}
}
