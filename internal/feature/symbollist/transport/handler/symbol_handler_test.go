package handler

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"

	"tradebot_backend/internal/feature/symbollist/domain/entity"
)

// mockSymbolUsecase はSymbolUsecaseインターフェースのモック実装です。
type mockSymbolUsecase struct {
	ListActiveSymbolsFunc func(ctx context.Context) ([]entity.Symbol, error)
}

// ListActiveSymbols はモックのListActiveSymbols関数を呼び出します。
func (m *mockSymbolUsecase) ListActiveSymbols(ctx context.Context) ([]entity.Symbol, error) {
	if m.ListActiveSymbolsFunc != nil {
		return m.ListActiveSymbolsFunc(ctx)
	}
	return nil, nil
}

// TestNewSymbolHandler はNewSymbolHandlerコンストラクタが正しくインスタンスを生成することを検証します。
func TestNewSymbolHandler(t *testing.T) {
	t.Parallel()

	mockUC := &mockSymbolUsecase{}
	handler := NewSymbolHandler(mockUC)

	assert.NotNil(t, handler, "handler should not be nil")
	assert.NotNil(t, handler.uc, "usecase should not be nil")
}

// TestSymbolHandler_List はListハンドラーの各種シナリオをテーブル駆動テストで検証します。
func TestSymbolHandler_List(t *testing.T) {
	gin.SetMode(gin.TestMode)

	tests := []struct {
		name               string
		mockListActiveFunc func(ctx context.Context) ([]entity.Symbol, error)
		expectedStatus     int
		expectedBody       string
	}{
		{
			name: "success: returns list of symbols",
			mockListActiveFunc: func(ctx context.Context) ([]entity.Symbol, error) {
				return []entity.Symbol{
					{ID: 1, Code: "BTC/USDT", Name: "Bitcoin", Market: "binance", Frames: []string{"1h", "1d"}, IsActive: true, SortKey: 1},
					{ID: 2, Code: "ETH/USDT", Name: "Ether", Market: "binance", IsActive: true, SortKey: 2},
				}, nil
			},
			expectedStatus: http.StatusOK,
			expectedBody:   `[{"code":"BTC/USDT","name":"Bitcoin","frames":["1h","1d"]},{"code":"ETH/USDT","name":"Ether","frames":[]}]`,
		},
		{
			name: "success: returns empty list when no symbols",
			mockListActiveFunc: func(ctx context.Context) ([]entity.Symbol, error) {
				return []entity.Symbol{}, nil
			},
			expectedStatus: http.StatusOK,
			expectedBody:   `[]`,
		},
		{
			name: "success: returns single symbol",
			mockListActiveFunc: func(ctx context.Context) ([]entity.Symbol, error) {
				return []entity.Symbol{
					{ID: 1, Code: "SOL/USDT", Name: "Solana", Market: "binance", Frames: []string{"4h"}, IsActive: true, SortKey: 1},
				}, nil
			},
			expectedStatus: http.StatusOK,
			expectedBody:   `[{"code":"SOL/USDT","name":"Solana","frames":["4h"]}]`,
		},
		{
			name: "failure: usecase returns error",
			mockListActiveFunc: func(ctx context.Context) ([]entity.Symbol, error) {
				return nil, errors.New("database connection failed")
			},
			expectedStatus: http.StatusInternalServerError,
			expectedBody:   `{"error":"database connection failed"}`,
		},
		{
			name: "success: returns nil from usecase",
			mockListActiveFunc: func(ctx context.Context) ([]entity.Symbol, error) {
				return nil, nil
			},
			expectedStatus: http.StatusOK,
			expectedBody:   `[]`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			mockUC := &mockSymbolUsecase{
				ListActiveSymbolsFunc: tt.mockListActiveFunc,
			}
			handler := NewSymbolHandler(mockUC)

			router := gin.New()
			router.GET("/symbols", handler.List)

			w := httptest.NewRecorder()
			req, _ := http.NewRequest(http.MethodGet, "/symbols", nil)

			router.ServeHTTP(w, req)

			assert.Equal(t, tt.expectedStatus, w.Code)
			assert.JSONEq(t, tt.expectedBody, w.Body.String())
		})
	}
}

// TestSymbolHandler_List_DTOConversion はレスポンスに公開フィールドのみが含まれ、内部フィールドが公開されないことを検証します。
func TestSymbolHandler_List_DTOConversion(t *testing.T) {
	t.Parallel()
	gin.SetMode(gin.TestMode)

	// ID、Market、IsActive、SortKeyは含まれない
	mockUC := &mockSymbolUsecase{
		ListActiveSymbolsFunc: func(ctx context.Context) ([]entity.Symbol, error) {
			return []entity.Symbol{
				{
					ID:       999,
					Code:     "TEST/USDT",
					Name:     "Test Coin",
					Market:   "kraken",
					Frames:   []string{"1w"},
					IsActive: true,
					SortKey:  100,
				},
			}, nil
		},
	}
	handler := NewSymbolHandler(mockUC)

	router := gin.New()
	router.GET("/symbols", handler.List)

	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodGet, "/symbols", nil)

	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	// レスポンスにはcode、name、framesのみ含まれるべき
	assert.JSONEq(t, `[{"code":"TEST/USDT","name":"Test Coin","frames":["1w"]}]`, w.Body.String())
	// 内部フィールドが公開されていないことを検証
	assert.NotContains(t, w.Body.String(), "999")
	assert.NotContains(t, w.Body.String(), "kraken")
	assert.NotContains(t, w.Body.String(), "is_active")
	assert.NotContains(t, w.Body.String(), "sort_key")
}
