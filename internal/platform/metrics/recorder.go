// Package metrics exposes reconciler measurements to Prometheus.
package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"tradebot_backend/internal/feature/candles/usecase"
	"tradebot_backend/internal/platform/lock"
)

const namespace = "tradebot"

// Recorder implements usecase.Recorder using Prometheus.
type Recorder struct {
	rangeQueries *prometheus.CounterVec
	fetches      *prometheus.CounterVec
	rowsFetched  *prometheus.CounterVec
	lockWait     *prometheus.HistogramVec
}

var _ usecase.Recorder = (*Recorder)(nil)

// New creates a recorder whose collectors are registered with reg.
// A nil reg registers with the default registry.
func New(reg prometheus.Registerer) *Recorder {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Recorder{
		rangeQueries: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "range_queries_total",
				Help:      "Range queries by frame and whether the local store served them in full",
			},
			[]string{"frame", "result"},
		),
		fetches: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "remote_fetches_total",
				Help:      "Remote market data calls by frame and outcome",
			},
			[]string{"frame", "outcome"},
		),
		rowsFetched: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "remote_rows_total",
				Help:      "Candles returned by the remote market data source",
			},
			[]string{"frame"},
		),
		lockWait: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "lock_wait_seconds",
				Help:      "Time spent waiting for the refill lock",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 300},
			},
			[]string{"outcome"},
		),
	}
}

// CacheHit records a range served entirely from the local store.
func (r *Recorder) CacheHit(frame string) {
	r.rangeQueries.WithLabelValues(frame, "hit").Inc()
}

// CacheMiss records a range that needed a refill.
func (r *Recorder) CacheMiss(frame string) {
	r.rangeQueries.WithLabelValues(frame, "miss").Inc()
}

// RemoteFetch records one remote call.
func (r *Recorder) RemoteFetch(frame string, rows int, err error) {
	if err != nil {
		r.fetches.WithLabelValues(frame, "error").Inc()
		return
	}
	r.fetches.WithLabelValues(frame, "ok").Inc()
	r.rowsFetched.WithLabelValues(frame).Add(float64(rows))
}

// LockWait records how long a caller waited for the refill lock.
func (r *Recorder) LockWait(d time.Duration, err error) {
	outcome := "acquired"
	switch {
	case errors.Is(err, lock.ErrLockTimeout):
		outcome = "timeout"
	case err != nil:
		outcome = "error"
	}
	r.lockWait.WithLabelValues(outcome).Observe(d.Seconds())
}
