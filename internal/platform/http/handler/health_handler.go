// Package handler はプラットフォームレベルのエンドポイント用HTTPハンドラーを提供します。
package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// checkTimeout bounds each dependency check.
const checkTimeout = 2 * time.Second

// Check is one dependency probed by the health endpoint.
type Check struct {
	Name string
	Ping func(ctx context.Context) error
}

// NewHealth は /healthz エンドポイントのハンドラーを返します。
// すべての checks が成功すれば200、1つでも失敗すれば503を返し、キャッシュを防止します。
func NewHealth(checks ...Check) gin.HandlerFunc {
	return func(c *gin.Context) {
		// 明示的にキャッシュを防止
		c.Header("Cache-Control", "no-store")

		if c.Request.Method == http.MethodOptions {
			c.Status(http.StatusNoContent)
			return
		}

		failed := map[string]string{}
		for _, chk := range checks {
			ctx, cancel := context.WithTimeout(c.Request.Context(), checkTimeout)
			if err := chk.Ping(ctx); err != nil {
				failed[chk.Name] = err.Error()
			}
			cancel()
		}

		status := http.StatusOK
		if len(failed) > 0 {
			status = http.StatusServiceUnavailable
		}
		if c.Request.Method == http.MethodHead {
			c.Status(status)
			return
		}
		if len(failed) > 0 {
			c.JSON(status, gin.H{"status": "unavailable", "checks": failed})
			return
		}
		c.JSON(status, gin.H{"status": "ok"})
	}
}

// Health はサービスの生存確認のみを行う /healthz ハンドラーです。
func Health(c *gin.Context) {
	NewHealth()(c)
}
