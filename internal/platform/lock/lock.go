// Package lock implements a named, bounded-concurrency lock whose state lives
// in a shared store, so that it coordinates every process using that store.
//
// A lock admits up to max holders at once. Each holder owns a ticket that
// expires after the lock's expiration, so a crashed holder cannot keep the
// lock forever; expired tickets are swept whenever the lock state is read.
package lock

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	// ErrAcquireFailed means the lock is full or another writer raced us.
	// Wait retries it; it is not a failure of the caller.
	ErrAcquireFailed = errors.New("lock: acquire failed")

	// ErrLockTimeout means Wait gave up before a ticket became available.
	ErrLockTimeout = errors.New("lock: wait timed out")

	// ErrBusy means a Release lost a race for the lock state (deadlock or
	// serialization failure) and may succeed if tried again.
	ErrBusy = errors.New("lock: store busy")
)

const (
	DefaultMaxConcurrent = 1
	DefaultExpiration    = 300 * time.Second

	initialBackoff = 100 * time.Millisecond
	maxBackoff     = time.Second

	releaseAttempts = 5
)

// Backend stores lock state. Acquire and Release must each be atomic with
// respect to every other caller of the same backend.
type Backend interface {
	// Acquire adds ticket to name, expiring at now+ttl, unless name already
	// holds max unexpired tickets, in which case it returns ErrAcquireFailed.
	Acquire(ctx context.Context, name, ticket string, max int, now time.Time, ttl time.Duration) error
	// Release removes ticket from name and reports whether it was held and
	// unexpired. Transient contention is reported as ErrBusy.
	Release(ctx context.Context, name, ticket string, now time.Time) (bool, error)
}

type options struct {
	maxConcurrent int
	expiration    time.Duration
	now           func() time.Time
	logger        zerolog.Logger
}

// Option configures locks built by a Factory.
type Option func(*options)

// WithMaxConcurrent sets how many holders a lock admits at once.
func WithMaxConcurrent(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxConcurrent = n
		}
	}
}

// WithExpiration sets how long a ticket stays valid without being released.
func WithExpiration(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.expiration = d
		}
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func WithLogger(l zerolog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// Lock is a handle on one named lock.
type Lock struct {
	name    string
	backend Backend
	opts    options

	sleep  func(ctx context.Context, d time.Duration) error
	jitter func() float64
}

// Acquire makes a single attempt to take a ticket.
func (l *Lock) Acquire(ctx context.Context) (string, error) {
	ticket := uuid.NewString()
	err := l.backend.Acquire(ctx, l.name, ticket, l.opts.maxConcurrent, l.opts.now(), l.opts.expiration)
	if err != nil {
		return "", err
	}
	l.opts.logger.Debug().Str("lock", l.name).Str("ticket", ticket).Msg("lock acquired")
	return ticket, nil
}

// Release gives back ticket. It returns false when the ticket was unknown or
// had already expired. ErrBusy from the backend is retried with the same
// backoff as Wait, up to releaseAttempts times.
func (l *Lock) Release(ctx context.Context, ticket string) (bool, error) {
	ceiling := initialBackoff
	for attempt := 1; ; attempt++ {
		ok, err := l.backend.Release(ctx, l.name, ticket, l.opts.now())
		if err == nil {
			l.opts.logger.Debug().Str("lock", l.name).Str("ticket", ticket).Bool("held", ok).Msg("lock released")
			return ok, nil
		}
		if !errors.Is(err, ErrBusy) || attempt == releaseAttempts {
			return false, fmt.Errorf("release %s: %w", l.name, err)
		}
		l.opts.logger.Debug().Err(err).Str("lock", l.name).Int("attempt", attempt).Msg("release contended, retrying")
		if err := l.sleep(ctx, time.Duration(l.jitter()*float64(ceiling))); err != nil {
			return false, fmt.Errorf("release %s: %w", l.name, err)
		}
		ceiling = min(ceiling*2, maxBackoff)
	}
}

// Wait retries Acquire until it succeeds, timeout elapses (ErrLockTimeout)
// or ctx is done (ctx.Err()). Between attempts it sleeps a uniformly random
// duration below a ceiling that starts at 100ms and doubles up to 1s.
// Backend errors other than ErrAcquireFailed are returned immediately.
func (l *Lock) Wait(ctx context.Context, timeout time.Duration) (string, error) {
	deadline := l.opts.now().Add(timeout)
	ceiling := initialBackoff
	for attempt := 1; ; attempt++ {
		ticket, err := l.Acquire(ctx)
		if err == nil {
			return ticket, nil
		}
		if !errors.Is(err, ErrAcquireFailed) {
			return "", err
		}
		if !l.opts.now().Before(deadline) {
			return "", fmt.Errorf("%w: %s after %s (%d attempts)", ErrLockTimeout, l.name, timeout, attempt)
		}
		if err := l.sleep(ctx, time.Duration(l.jitter()*float64(ceiling))); err != nil {
			return "", err
		}
		ceiling = min(ceiling*2, maxBackoff)
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Factory builds locks that share a backend and options.
type Factory struct {
	backend Backend
	opts    options
}

func NewFactory(backend Backend, opts ...Option) *Factory {
	o := options{
		maxConcurrent: DefaultMaxConcurrent,
		expiration:    DefaultExpiration,
		now:           time.Now,
		logger:        zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return &Factory{backend: backend, opts: o}
}

// New returns a handle on the lock called name.
func (f *Factory) New(name string) *Lock {
	return &Lock{
		name:    name,
		backend: f.backend,
		opts:    f.opts,
		sleep:   sleepContext,
		jitter:  rand.Float64,
	}
}

// WithLock waits up to timeout for the lock called name, runs fn while holding
// it and releases it when fn returns or panics.
func (f *Factory) WithLock(ctx context.Context, name string, timeout time.Duration, fn func(ctx context.Context) error) error {
	l := f.New(name)
	ticket, err := l.Wait(ctx, timeout)
	if err != nil {
		return err
	}
	defer func() {
		// The caller's ctx may already be cancelled; the ticket must still go back.
		if _, rerr := l.Release(context.WithoutCancel(ctx), ticket); rerr != nil {
			f.opts.logger.Warn().Err(rerr).Str("lock", name).Msg("failed to release lock")
		}
	}()
	return fn(ctx)
}
