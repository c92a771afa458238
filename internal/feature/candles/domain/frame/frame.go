// Package frame converts candle frame tokens into durations and aligns
// instants to frame boundaries. All functions are pure; boundaries are
// computed in UTC.
package frame

import (
	"fmt"
	"time"

	"tradebot_backend/internal/feature/candles/domain"
)

// seconds maps each supported frame token to its length in seconds.
var seconds = map[string]int64{
	"1m":  60,
	"5m":  5 * 60,
	"15m": 15 * 60,
	"30m": 30 * 60,
	"1h":  60 * 60,
	"4h":  4 * 60 * 60,
	"1d":  24 * 60 * 60,
	"1w":  7 * 24 * 60 * 60,
}

// order lists the supported frames from shortest to longest.
var order = []string{"1m", "5m", "15m", "30m", "1h", "4h", "1d", "1w"}

// weekAnchor shifts weekly buckets so they open on Monday 00:00 UTC.
// The Unix epoch is a Thursday; 1970-01-05 is the first Monday.
const weekAnchor = 4 * 24 * 60 * 60

// Supported returns the supported frame tokens, shortest first.
func Supported() []string {
	out := make([]string, len(order))
	copy(out, order)
	return out
}

// IsSupported reports whether f is a known frame token.
func IsSupported(f string) bool {
	_, ok := seconds[f]
	return ok
}

// Seconds returns the length of frame f in seconds.
func Seconds(f string) (int64, error) {
	s, ok := seconds[f]
	if !ok {
		return 0, fmt.Errorf("%w: %q", domain.ErrUnsupportedFrame, f)
	}
	return s, nil
}

// Duration returns the length of frame f.
func Duration(f string) (time.Duration, error) {
	s, err := Seconds(f)
	if err != nil {
		return 0, err
	}
	return time.Duration(s) * time.Second, nil
}

// Floor rounds t down to the start of its containing frame period.
func Floor(t time.Time, f string) (time.Time, error) {
	s, err := Seconds(f)
	if err != nil {
		return time.Time{}, err
	}
	var anchor int64
	if f == "1w" {
		anchor = weekAnchor
	}
	u := t.UTC().Unix() - anchor
	rem := ((u % s) + s) % s
	return time.Unix(u-rem+anchor, 0).UTC(), nil
}

// ExpectedCount returns the number of frame-aligned instants in
// [Floor(start), Floor(end)).
func ExpectedCount(start, end time.Time, f string) (int, error) {
	d, err := Duration(f)
	if err != nil {
		return 0, err
	}
	fs, err := Floor(start, f)
	if err != nil {
		return 0, err
	}
	fe, err := Floor(end, f)
	if err != nil {
		return 0, err
	}
	diff := fe.Sub(fs)
	if diff < 0 || diff%d != 0 {
		return 0, fmt.Errorf("%w: [%s, %s) in frame %s", domain.ErrMisalignedRange,
			fs.Format(time.RFC3339), fe.Format(time.RFC3339), f)
	}
	return int(diff / d), nil
}

// Ago returns the start of the frame period n frames before the one containing now.
func Ago(now time.Time, n int, f string) (time.Time, error) {
	d, err := Duration(f)
	if err != nil {
		return time.Time{}, err
	}
	fn, err := Floor(now, f)
	if err != nil {
		return time.Time{}, err
	}
	return fn.Add(-time.Duration(n) * d), nil
}
