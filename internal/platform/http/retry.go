package http

import (
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
)

// RetryConfig controls RetryTransport.
type RetryConfig struct {
	MaxRetries      uint64        `yaml:"max_retries" default:"3"`
	InitialInterval time.Duration `yaml:"initial_interval" default:"1s"`
	MaxInterval     time.Duration `yaml:"max_interval" default:"8s"`
}

// RetryTransport retries idempotent requests that failed with a network error,
// 429 or a 5xx status. Waits double from InitialInterval up to MaxInterval.
// When retries run out the last response or error is returned as is.
type RetryTransport struct {
	base   http.RoundTripper
	cfg    RetryConfig
	logger zerolog.Logger
}

func NewRetryTransport(base http.RoundTripper, cfg RetryConfig, logger zerolog.Logger) *RetryTransport {
	if base == nil {
		base = http.DefaultTransport
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = time.Second
	}
	if cfg.MaxInterval < cfg.InitialInterval {
		cfg.MaxInterval = cfg.InitialInterval
	}
	return &RetryTransport{base: base, cfg: cfg, logger: logger}
}

func (t *RetryTransport) newBackOff(req *http.Request) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = t.cfg.InitialInterval
	eb.MaxInterval = t.cfg.MaxInterval
	eb.Multiplier = 2
	eb.RandomizationFactor = 0
	eb.MaxElapsedTime = 0
	b := backoff.WithContext(backoff.WithMaxRetries(eb, t.cfg.MaxRetries), req.Context())
	b.Reset()
	return b
}

func (t *RetryTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if !idempotent(req) {
		return t.base.RoundTrip(req)
	}

	b := t.newBackOff(req)
	for attempt := 1; ; attempt++ {
		r, err := rewind(req, attempt)
		if err != nil {
			return nil, err
		}
		resp, err := t.base.RoundTrip(r)
		if !retryable(resp, err) || req.Context().Err() != nil {
			return resp, err
		}

		wait := b.NextBackOff()
		if wait == backoff.Stop {
			return resp, err
		}

		ev := t.logger.Warn().Str("url", req.URL.Redacted()).Int("attempt", attempt).Dur("wait", wait)
		if err != nil {
			ev = ev.Err(err)
		} else {
			ev = ev.Int("status", resp.StatusCode)
			_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
			_ = resp.Body.Close()
		}
		ev.Msg("retrying request")

		timer := time.NewTimer(wait)
		select {
		case <-req.Context().Done():
			timer.Stop()
			return nil, req.Context().Err()
		case <-timer.C:
		}
	}
}

func idempotent(req *http.Request) bool {
	switch req.Method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return req.Body == nil || req.Body == http.NoBody || req.GetBody != nil
	}
	return false
}

func retryable(resp *http.Response, err error) bool {
	if err != nil {
		return true
	}
	return resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500
}

// rewind returns req for the first attempt and a copy with a fresh body afterwards.
func rewind(req *http.Request, attempt int) (*http.Request, error) {
	if attempt == 1 || req.GetBody == nil {
		return req, nil
	}
	body, err := req.GetBody()
	if err != nil {
		return nil, fmt.Errorf("rewind request body: %w", err)
	}
	r := req.Clone(req.Context())
	r.Body = body
	return r, nil
}
