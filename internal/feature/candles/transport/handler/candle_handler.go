// Package handler はcandlesフィーチャーのHTTPハンドラーを提供します。
package handler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"tradebot_backend/internal/feature/candles/domain"
	"tradebot_backend/internal/feature/candles/domain/entity"
	"tradebot_backend/internal/feature/candles/domain/frame"
	"tradebot_backend/internal/feature/candles/transport/http/dto"
	"tradebot_backend/internal/feature/candles/usecase"
	"tradebot_backend/internal/platform/lock"
)

// CandlesUsecase はローソク足データ操作のユースケースインターフェースを定義します。
// Goの慣例に従い、インターフェースは利用者（handler）側で定義します。
type CandlesUsecase interface {
	GetOHLCVHistory(ctx context.Context, symbol, tf string, start, end time.Time) ([]entity.Candle, error)
	GetRecent(ctx context.Context, symbol, tf string, limit int) ([]entity.Candle, error)
}

// CandlesHandler はローソク足データのHTTPリクエストを処理します。
type CandlesHandler struct {
	uc CandlesUsecase
}

// NewCandlesHandler は指定されたusecaseでCandlesHandlerの新しいインスタンスを生成します。
func NewCandlesHandler(uc CandlesUsecase) *CandlesHandler {
	return &CandlesHandler{uc: uc}
}

// GetCandlesHandler は銘柄と時間足を受け取り、ローソク足データをJSONで返します。
//
// エンドポイント例:
// GET /candles?symbol=BTC/USDT&frame=1h&start=2024-06-28T11:00:00Z&end=2024-06-29T11:00:00Z
// GET /candles?symbol=BTC/USDT&frame=1d&limit=200
func (h *CandlesHandler) GetCandlesHandler(c *gin.Context) {
	q := dto.CandlesQuery{Frame: usecase.DefaultFrame, Limit: usecase.DefaultLimit}
	if err := c.ShouldBindQuery(&q); err != nil {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: err.Error()})
		return
	}
	if msg := validateQuery(q); msg != "" {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: msg})
		return
	}

	var (
		candles []entity.Candle
		err     error
	)
	if q.Start.IsZero() {
		candles, err = h.uc.GetRecent(c.Request.Context(), q.Symbol, q.Frame, q.Limit)
	} else {
		candles, err = h.uc.GetOHLCVHistory(c.Request.Context(), q.Symbol, q.Frame, q.Start, q.End)
	}
	if err != nil {
		c.JSON(statusFor(err), dto.ErrorResponse{Error: err.Error()})
		return
	}

	out := make([]dto.CandleResponse, 0, len(candles))
	for _, x := range candles {
		out = append(out, dto.CandleResponse{
			Time:   x.Time.UTC().Format(time.RFC3339),
			Open:   x.Open,
			High:   x.High,
			Low:    x.Low,
			Close:  x.Close,
			Volume: x.Volume,
		})
	}

	c.JSON(http.StatusOK, out)
}

// validateQuery returns a message for a query the usecase would reject, or "".
func validateQuery(q dto.CandlesQuery) string {
	if !frame.IsSupported(q.Frame) {
		return fmt.Sprintf("unsupported frame %q", q.Frame)
	}
	if q.Start.IsZero() != q.End.IsZero() {
		return "start and end must be given together"
	}
	if q.Limit > usecase.MaxLimit {
		return fmt.Sprintf("limit must be at most %d", usecase.MaxLimit)
	}
	step, _ := frame.Duration(q.Frame)
	if !q.Start.IsZero() && q.End.Sub(q.Start) > time.Duration(usecase.MaxLimit+1)*step {
		return fmt.Sprintf("range spans more than %d candles", usecase.MaxLimit)
	}
	return ""
}

// statusFor maps usecase errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrUnsupportedFrame),
		errors.Is(err, domain.ErrInvalidRange),
		errors.Is(err, domain.ErrMisalignedRange):
		return http.StatusBadRequest
	case errors.Is(err, lock.ErrLockTimeout):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}
