package lock

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"tradebot_backend/internal/platform/db/dbtest"
)

func setupGormBackend(t *testing.T) (*GormBackend, *gorm.DB) {
	t.Helper()
	gdb := dbtest.Open(t, &LockModel{})
	return NewGormBackend(gdb), gdb
}

// TestGormBackend_MaxConcurrent は同時保持数の上限を超える取得が失敗することを検証します。
func TestGormBackend_MaxConcurrent(t *testing.T) {
	t.Parallel()

	backend, _ := setupGormBackend(t)
	clock := newFakeClock()
	f := NewFactory(backend, WithMaxConcurrent(2), WithClock(clock.Now))
	ctx := context.Background()

	var acquired []string
	failures := 0
	for i := 0; i < 4; i++ {
		ticket, err := f.New("lock-BTC/USDT-1h-ohlcv-query").Acquire(ctx)
		if errors.Is(err, ErrAcquireFailed) {
			failures++
			continue
		}
		require.NoError(t, err)
		acquired = append(acquired, ticket)
	}
	assert.Len(t, acquired, 2)
	assert.Equal(t, 2, failures)

	l := f.New("lock-BTC/USDT-1h-ohlcv-query")
	ok, err := l.Release(ctx, acquired[0])
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = l.Acquire(ctx)
	assert.NoError(t, err, "a released slot must be reusable")
}

func TestGormBackend_IndependentNames(t *testing.T) {
	t.Parallel()

	backend, _ := setupGormBackend(t)
	f := NewFactory(backend)
	ctx := context.Background()

	_, err := f.New("lock-a").Acquire(ctx)
	require.NoError(t, err)
	_, err = f.New("lock-b").Acquire(ctx)
	assert.NoError(t, err)
}

func TestGormBackend_ReleaseUnknownTicket(t *testing.T) {
	t.Parallel()

	backend, _ := setupGormBackend(t)
	l := NewFactory(backend).New("lock-a")
	ctx := context.Background()

	ok, err := l.Release(ctx, "no-such-ticket")
	require.NoError(t, err)
	assert.False(t, ok, "release on an absent lock")

	_, err = l.Acquire(ctx)
	require.NoError(t, err)
	ok, err = l.Release(ctx, "no-such-ticket")
	require.NoError(t, err)
	assert.False(t, ok, "release of a ticket never issued")
}

// TestGormBackend_ExpiredTicketsAreSwept は期限切れチケットが読み取り時に除去されることを検証します。
func TestGormBackend_ExpiredTicketsAreSwept(t *testing.T) {
	t.Parallel()

	backend, _ := setupGormBackend(t)
	clock := newFakeClock()
	l := NewFactory(backend, WithExpiration(10*time.Second), WithClock(clock.Now)).New("lock-a")
	ctx := context.Background()

	stale, err := l.Acquire(ctx)
	require.NoError(t, err)

	_, err = l.Acquire(ctx)
	require.ErrorIs(t, err, ErrAcquireFailed)

	clock.Advance(10 * time.Second)

	_, err = l.Acquire(ctx)
	require.NoError(t, err, "expired holder must not block")

	ok, err := l.Release(ctx, stale)
	require.NoError(t, err)
	assert.False(t, ok, "expired ticket is no longer held")
}

func TestGormBackend_RowDeletedWhenEmpty(t *testing.T) {
	t.Parallel()

	backend, gdb := setupGormBackend(t)
	f := NewFactory(backend, WithMaxConcurrent(2))
	ctx := context.Background()

	l := f.New("lock-a")
	t1, err := l.Acquire(ctx)
	require.NoError(t, err)
	t2, err := l.Acquire(ctx)
	require.NoError(t, err)

	var m LockModel
	require.NoError(t, gdb.Where("name = ?", "lock-a").Take(&m).Error)
	assert.Len(t, m.Tickets, 2)

	_, err = l.Release(ctx, t1)
	require.NoError(t, err)
	_, err = l.Release(ctx, t2)
	require.NoError(t, err)

	var count int64
	gdb.Model(&LockModel{}).Count(&count)
	assert.Equal(t, int64(0), count)
}

// TestGormBackend_WaitAllEventuallySucceed は同時に待機した全員が最終的にロックを取得できることを検証します。
func TestGormBackend_WaitAllEventuallySucceed(t *testing.T) {
	t.Parallel()

	backend, _ := setupGormBackend(t)
	f := NewFactory(backend, WithMaxConcurrent(2))
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		holders int
		peak    int
		errs    = make(chan error, 4)
	)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- f.WithLock(ctx, "lock-shared", 30*time.Second, func(context.Context) error {
				mu.Lock()
				holders++
				peak = max(peak, holders)
				mu.Unlock()

				time.Sleep(50 * time.Millisecond)

				mu.Lock()
				holders--
				mu.Unlock()
				return nil
			})
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
	assert.LessOrEqual(t, peak, 2)
}

// TestClassifyRelease は解放時のロック競合エラーだけがErrBusyに変換されることを検証します。
func TestClassifyRelease(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		busy bool
	}{
		{"pg lock not available", &pgconn.PgError{Code: "55P03"}, true},
		{"pg deadlock", &pgconn.PgError{Code: "40P01"}, true},
		{"sqlite busy", sqlite3.Error{Code: sqlite3.ErrBusy}, true},
		{"pg unique violation", &pgconn.PgError{Code: "23505"}, false},
		{"connection", errors.New("connection reset by peer"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got := classifyRelease(tt.err)
			assert.Equal(t, tt.busy, errors.Is(got, ErrBusy))
			assert.ErrorContains(t, got, tt.err.Error())
		})
	}
}
