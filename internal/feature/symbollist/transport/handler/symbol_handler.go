// Package handler はsymbollistフィーチャーのHTTPハンドラーを提供します。
package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"tradebot_backend/internal/feature/symbollist/domain/entity"
	"tradebot_backend/internal/feature/symbollist/transport/http/dto"
)

// SymbolUsecase は銘柄情報に関するユースケースのインターフェースです。
// Following Go convention: interfaces are defined by the consumer (handler), not the provider (usecase).
type SymbolUsecase interface {
	ListActiveSymbols(ctx context.Context) ([]entity.Symbol, error)
}

// SymbolHandler は銘柄情報に関するHTTPリクエストを処理します。
type SymbolHandler struct {
	uc SymbolUsecase
}

// NewSymbolHandler は新しい SymbolHandler を作成します。
func NewSymbolHandler(uc SymbolUsecase) *SymbolHandler {
	return &SymbolHandler{uc: uc}
}

// List は監視中の銘柄の一覧を取得するAPIです。
// Usecaseを呼び出して銘柄一覧を取得し、DTOに変換してJSONレスポンスとして返します。
// Usecaseでエラーが発生した場合は500 Internal Server Errorを返します。
func (h *SymbolHandler) List(c *gin.Context) {
	symbols, err := h.uc.ListActiveSymbols(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	out := make([]dto.SymbolItem, 0, len(symbols))
	for _, s := range symbols {
		frames := s.Frames
		if frames == nil {
			frames = []string{}
		}
		out = append(out, dto.SymbolItem{Code: s.Code, Name: s.Name, Frames: frames})
	}
	c.JSON(http.StatusOK, out)
}
