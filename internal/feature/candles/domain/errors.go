// Package domain defines domain-level errors for the candles feature.
package domain

import "errors"

// Domain errors for candle range queries.
// Callers match them with errors.Is; the wrapped message carries the details.
var (
	// ErrUnsupportedFrame indicates a frame token outside the supported set.
	// It is a caller bug and is never retried.
	ErrUnsupportedFrame = errors.New("unsupported frame")

	// ErrMisalignedRange indicates range ends that do not produce a whole,
	// non-negative number of frames.
	ErrMisalignedRange = errors.New("misaligned range")

	// ErrInvalidRange indicates malformed query arguments (e.g. a non-positive limit).
	ErrInvalidRange = errors.New("invalid range")

	// ErrDataIntegrity indicates that the remote source returned incomplete or
	// malformed candles for a range it was expected to serve in full.
	ErrDataIntegrity = errors.New("data integrity violation")
)
