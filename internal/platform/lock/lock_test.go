package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 6, 30, 15, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// stubBackend fails every Acquire with err until okAfter attempts have been made.
// Release calls consume releaseErrs in order before succeeding.
type stubBackend struct {
	err      error
	okAfter  int
	attempts int

	releaseErrs  []error
	releaseCalls int
	released     []string
}

func (b *stubBackend) Acquire(_ context.Context, _, _ string, _ int, _ time.Time, _ time.Duration) error {
	b.attempts++
	if b.okAfter > 0 && b.attempts >= b.okAfter {
		return nil
	}
	return b.err
}

func (b *stubBackend) Release(_ context.Context, _, ticket string, _ time.Time) (bool, error) {
	b.releaseCalls++
	if len(b.releaseErrs) > 0 {
		err := b.releaseErrs[0]
		b.releaseErrs = b.releaseErrs[1:]
		return false, err
	}
	b.released = append(b.released, ticket)
	return true, nil
}

// newTestLock returns a lock whose sleeps advance clock instead of blocking.
func newTestLock(backend Backend, clock *fakeClock, sleeps *[]time.Duration) *Lock {
	l := NewFactory(backend, WithClock(clock.Now)).New("lock-test")
	l.jitter = func() float64 { return 1 }
	l.sleep = func(ctx context.Context, d time.Duration) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		*sleeps = append(*sleeps, d)
		clock.Advance(d)
		return nil
	}
	return l
}

// TestLock_Wait_BackoffSchedule は待機の上限が100msから倍々に増え1sで頭打ちになることを検証します。
func TestLock_Wait_BackoffSchedule(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	var sleeps []time.Duration
	backend := &stubBackend{err: ErrAcquireFailed, okAfter: 7}
	l := newTestLock(backend, clock, &sleeps)

	ticket, err := l.Wait(context.Background(), time.Minute)

	require.NoError(t, err)
	assert.NotEmpty(t, ticket)
	assert.Equal(t, 7, backend.attempts)
	assert.Equal(t, []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		time.Second,
		time.Second,
	}, sleeps)
}

func TestLock_Wait_JitterStaysBelowCeiling(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	var sleeps []time.Duration
	l := newTestLock(&stubBackend{err: ErrAcquireFailed, okAfter: 20}, clock, &sleeps)
	l.jitter = NewFactory(nil).New("x").jitter

	_, err := l.Wait(context.Background(), time.Hour)
	require.NoError(t, err)

	ceiling := initialBackoff
	for i, d := range sleeps {
		assert.GreaterOrEqual(t, d, time.Duration(0), "sleep %d", i)
		assert.Less(t, d, ceiling, "sleep %d", i)
		ceiling = min(ceiling*2, maxBackoff)
	}
}

// TestLock_Wait_Timeout はタイムアウト経過後にErrLockTimeoutが返されることを検証します。
func TestLock_Wait_Timeout(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	var sleeps []time.Duration
	backend := &stubBackend{err: ErrAcquireFailed}
	l := newTestLock(backend, clock, &sleeps)

	start := clock.Now()
	_, err := l.Wait(context.Background(), 3*time.Second)

	require.ErrorIs(t, err, ErrLockTimeout)
	assert.False(t, clock.Now().Before(start.Add(3*time.Second)))
	// 0.1 + 0.2 + 0.4 + 0.8 + 1 + 1 = 3.5s reaches the deadline after six sleeps.
	assert.Equal(t, 7, backend.attempts)
}

func TestLock_Wait_ContextCancelled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var sleeps []time.Duration
	l := newTestLock(&stubBackend{err: ErrAcquireFailed}, newFakeClock(), &sleeps)

	_, err := l.Wait(ctx, time.Minute)

	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrLockTimeout)
}

func TestLock_Wait_RealSleepHonoursContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	l := NewFactory(&stubBackend{err: ErrAcquireFailed}).New("lock-test")
	_, err := l.Wait(ctx, time.Minute)

	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

// TestLock_Wait_BackendErrorNotRetried は競合以外のバックエンドエラーが即座に返されることを検証します。
func TestLock_Wait_BackendErrorNotRetried(t *testing.T) {
	t.Parallel()

	boom := errors.New("connection refused")
	var sleeps []time.Duration
	backend := &stubBackend{err: boom}
	l := newTestLock(backend, newFakeClock(), &sleeps)

	_, err := l.Wait(context.Background(), time.Minute)

	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, backend.attempts)
	assert.Empty(t, sleeps)
}

// TestLock_Release_RetriesContention は競合で失敗した解放がバックオフ後に再試行されることを検証します。
func TestLock_Release_RetriesContention(t *testing.T) {
	t.Parallel()

	var sleeps []time.Duration
	backend := &stubBackend{releaseErrs: []error{
		fmt.Errorf("%w: could not obtain lock on row", ErrBusy),
		fmt.Errorf("%w: deadlock detected", ErrBusy),
	}}
	l := newTestLock(backend, newFakeClock(), &sleeps)

	held, err := l.Release(context.Background(), "t-1")

	require.NoError(t, err)
	assert.True(t, held)
	assert.Equal(t, 3, backend.releaseCalls)
	assert.Equal(t, []string{"t-1"}, backend.released)
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}, sleeps)
}

func TestLock_Release_GivesUpAfterAttempts(t *testing.T) {
	t.Parallel()

	var sleeps []time.Duration
	errs := make([]error, releaseAttempts+1)
	for i := range errs {
		errs[i] = ErrBusy
	}
	backend := &stubBackend{releaseErrs: errs}
	l := newTestLock(backend, newFakeClock(), &sleeps)

	_, err := l.Release(context.Background(), "t-1")

	assert.ErrorIs(t, err, ErrBusy)
	assert.Equal(t, releaseAttempts, backend.releaseCalls)
	assert.Len(t, sleeps, releaseAttempts-1)
}

func TestLock_Release_OtherErrorNotRetried(t *testing.T) {
	t.Parallel()

	boom := errors.New("connection refused")
	var sleeps []time.Duration
	backend := &stubBackend{releaseErrs: []error{boom}}
	l := newTestLock(backend, newFakeClock(), &sleeps)

	_, err := l.Release(context.Background(), "t-1")

	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, backend.releaseCalls)
	assert.Empty(t, sleeps)
}

func TestFactory_WithLock(t *testing.T) {
	t.Parallel()

	t.Run("releases after success", func(t *testing.T) {
		t.Parallel()
		backend := &stubBackend{okAfter: 1}
		f := NewFactory(backend)

		called := false
		err := f.WithLock(context.Background(), "n", time.Second, func(context.Context) error {
			called = true
			return nil
		})

		require.NoError(t, err)
		assert.True(t, called)
		assert.Len(t, backend.released, 1)
	})

	t.Run("releases after error", func(t *testing.T) {
		t.Parallel()
		backend := &stubBackend{okAfter: 1}
		f := NewFactory(backend)
		boom := errors.New("boom")

		err := f.WithLock(context.Background(), "n", time.Second, func(context.Context) error { return boom })

		assert.ErrorIs(t, err, boom)
		assert.Len(t, backend.released, 1)
	})

	t.Run("releases after panic", func(t *testing.T) {
		t.Parallel()
		backend := &stubBackend{okAfter: 1}
		f := NewFactory(backend)

		assert.Panics(t, func() {
			_ = f.WithLock(context.Background(), "n", time.Second, func(context.Context) error { panic("boom") })
		})
		assert.Len(t, backend.released, 1)
	})

	t.Run("releases after a contended first release", func(t *testing.T) {
		t.Parallel()
		backend := &stubBackend{okAfter: 1, releaseErrs: []error{ErrBusy}}
		f := NewFactory(backend)

		err := f.WithLock(context.Background(), "n", time.Second, func(context.Context) error { return nil })

		require.NoError(t, err)
		assert.Equal(t, 2, backend.releaseCalls)
		assert.Len(t, backend.released, 1)
	})

	t.Run("fn not called when the wait fails", func(t *testing.T) {
		t.Parallel()
		boom := errors.New("db down")
		f := NewFactory(&stubBackend{err: boom})

		err := f.WithLock(context.Background(), "n", time.Second, func(context.Context) error {
			t.Error("fn must not run without the lock")
			return nil
		})
		assert.ErrorIs(t, err, boom)
	})
}
