package binance

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradebot_backend/internal/feature/candles/domain"
)

var start = time.Date(2024, 6, 29, 0, 0, 0, 0, time.UTC)

// klineServer は startTime から endTime までの1時間足を返すテスト用サーバーです。
type klineServer struct {
	mu       sync.Mutex
	requests []map[string]string
}

func (s *klineServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	s.mu.Lock()
	s.requests = append(s.requests, map[string]string{
		"symbol":    q.Get("symbol"),
		"interval":  q.Get("interval"),
		"startTime": q.Get("startTime"),
		"endTime":   q.Get("endTime"),
		"limit":     q.Get("limit"),
	})
	s.mu.Unlock()

	from, _ := strconv.ParseInt(q.Get("startTime"), 10, 64)
	to, _ := strconv.ParseInt(q.Get("endTime"), 10, 64)
	step := time.Hour.Milliseconds()

	rows := make([]string, 0)
	for ms := from; ms <= to; ms += step {
		rows = append(rows, fmt.Sprintf(
			`[%d,"100.5","101.0","99.5","100.75","12.25",%d,"1234.5",42,"6.0","600.0","0"]`, ms, ms+step-1))
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte("[" + strings.Join(rows, ",") + "]"))
}

func newMarket(url string, pageSize int) *BinanceMarket {
	return NewBinanceMarket(Config{BaseURL: url, PageSize: pageSize}, &http.Client{Timeout: 5 * time.Second}, nil, zerolog.Nop())
}

func TestMarketSymbol(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"BTC/USDT": "BTCUSDT",
		"eth/usdt": "ETHUSDT",
		"SOLUSDT":  "SOLUSDT",
	}
	for in, want := range tests {
		assert.Equal(t, want, MarketSymbol(in), in)
	}
}

func TestBinanceMarket_FetchOHLCV_SinglePage(t *testing.T) {
	t.Parallel()

	srv := &klineServer{}
	ts := httptest.NewServer(srv)
	defer ts.Close()

	end := start.Add(5 * time.Hour)
	candles, err := newMarket(ts.URL, 500).FetchOHLCV(context.Background(), "BTC/USDT", "1h", start, end)
	require.NoError(t, err)

	require.Len(t, candles, 5)
	for i, c := range candles {
		assert.True(t, c.Time.Equal(start.Add(time.Duration(i)*time.Hour)), "candle %d at %v", i, c.Time)
		assert.Equal(t, "BTC/USDT", c.Symbol)
		assert.Equal(t, "1h", c.Frame)
	}
	assert.Equal(t, 100.5, candles[0].Open)
	assert.Equal(t, 101.0, candles[0].High)
	assert.Equal(t, 99.5, candles[0].Low)
	assert.Equal(t, 100.75, candles[0].Close)
	assert.Equal(t, 12.25, candles[0].Volume)

	require.Len(t, srv.requests, 1)
	req := srv.requests[0]
	assert.Equal(t, "BTCUSDT", req["symbol"])
	assert.Equal(t, "1h", req["interval"])
	assert.Equal(t, strconv.FormatInt(start.UnixMilli(), 10), req["startTime"])
	assert.Equal(t, strconv.FormatInt(end.UnixMilli()-1, 10), req["endTime"])
	assert.Equal(t, "500", req["limit"])
}

func TestBinanceMarket_FetchOHLCV_Paginates(t *testing.T) {
	t.Parallel()

	srv := &klineServer{}
	ts := httptest.NewServer(srv)
	defer ts.Close()

	// 10 hours in pages of 4 → 4 + 4 + 2.
	end := start.Add(10 * time.Hour)
	candles, err := newMarket(ts.URL, 4).FetchOHLCV(context.Background(), "BTC/USDT", "1h", start, end)
	require.NoError(t, err)

	require.Len(t, candles, 10)
	for i, c := range candles {
		assert.True(t, c.Time.Equal(start.Add(time.Duration(i)*time.Hour)), "candle %d at %v", i, c.Time)
	}

	require.Len(t, srv.requests, 3)
	wantStarts := []time.Time{start, start.Add(4 * time.Hour), start.Add(8 * time.Hour)}
	for i, req := range srv.requests {
		assert.Equal(t, strconv.FormatInt(wantStarts[i].UnixMilli(), 10), req["startTime"], "page %d", i)
	}
	assert.Equal(t, strconv.FormatInt(end.UnixMilli()-1, 10), srv.requests[2]["endTime"])
}

func TestBinanceMarket_FetchOHLCV_DropsOutOfRangeRows(t *testing.T) {
	t.Parallel()

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		before := start.Add(-time.Hour).UnixMilli()
		at := start.UnixMilli()
		after := start.Add(time.Hour).UnixMilli()
		fmt.Fprintf(w, `[[%d,"1","1","1","1","1"],[%d,"2","2","2","2","2"],[%d,"3","3","3","3","3"]]`, before, at, after)
	}))
	defer ts.Close()

	candles, err := newMarket(ts.URL, 500).FetchOHLCV(context.Background(), "BTC/USDT", "1h", start, start.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, candles, 1)
	assert.Equal(t, 2.0, candles[0].Open)
}

func TestBinanceMarket_FetchOHLCV_EmptyRange(t *testing.T) {
	t.Parallel()

	srv := &klineServer{}
	ts := httptest.NewServer(srv)
	defer ts.Close()

	candles, err := newMarket(ts.URL, 500).FetchOHLCV(context.Background(), "BTC/USDT", "1h", start, start)
	require.NoError(t, err)
	assert.Empty(t, candles)
	assert.Empty(t, srv.requests)
}

func TestBinanceMarket_FetchOHLCV_UnsupportedFrame(t *testing.T) {
	t.Parallel()

	_, err := newMarket("http://127.0.0.1:0", 500).FetchOHLCV(context.Background(), "BTC/USDT", "1M", start, start.Add(time.Hour))
	assert.ErrorIs(t, err, domain.ErrUnsupportedFrame)
}

func TestBinanceMarket_FetchOHLCV_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		status  int
		body    string
		wantErr string
	}{
		{
			name:    "api error body",
			status:  http.StatusBadRequest,
			body:    `{"code":-1121,"msg":"Invalid symbol."}`,
			wantErr: "binance http 400: Invalid symbol. (code -1121)",
		},
		{
			name:    "plain server error",
			status:  http.StatusInternalServerError,
			body:    `oops`,
			wantErr: "binance http 500",
		},
		{
			name:    "invalid json",
			status:  http.StatusOK,
			body:    `[[1719619200000,"1"`,
			wantErr: "parse klines",
		},
		{
			name:    "short row",
			status:  http.StatusOK,
			body:    `[[1719619200000,"1","1"]]`,
			wantErr: "too short",
		},
		{
			name:    "bad price",
			status:  http.StatusOK,
			body:    `[[1719619200000,"abc","1","1","1","1"]]`,
			wantErr: "parse open",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer ts.Close()

			_, err := newMarket(ts.URL, 500).FetchOHLCV(context.Background(), "BTC/USDT", "1h", start, start.Add(time.Hour))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

type failingLimiter struct{}

func (failingLimiter) Wait(context.Context) error { return errors.New("limiter closed") }

func TestBinanceMarket_FetchOHLCV_LimiterError(t *testing.T) {
	t.Parallel()

	srv := &klineServer{}
	ts := httptest.NewServer(srv)
	defer ts.Close()

	m := NewBinanceMarket(Config{BaseURL: ts.URL}, ts.Client(), failingLimiter{}, zerolog.Nop())
	_, err := m.FetchOHLCV(context.Background(), "BTC/USDT", "1h", start, start.Add(time.Hour))
	require.EqualError(t, err, "limiter closed")
	assert.Empty(t, srv.requests)
}

func TestLoadConfig(t *testing.T) {
	t.Setenv("BINANCE_BASE_URL", "")

	cfg := LoadConfig()
	assert.Equal(t, "https://api.binance.com", cfg.BaseURL)
	assert.Equal(t, 500, cfg.PageSize)
	assert.Equal(t, 10*time.Second, cfg.Timeout)
}
