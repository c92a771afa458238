package entity

import (
	"fmt"
	"time"
)

// Range is a half-open interval [Start, End) of instants.
type Range struct {
	Start time.Time
	End   time.Time
}

// Empty reports whether the range contains no instant.
func (r Range) Empty() bool {
	return !r.Start.Before(r.End)
}

// Len returns the number of step-sized periods in the range.
func (r Range) Len(step time.Duration) int {
	if r.Empty() || step <= 0 {
		return 0
	}
	return int(r.End.Sub(r.Start) / step)
}

func (r Range) String() string {
	return fmt.Sprintf("[%s, %s)", r.Start.UTC().Format(time.RFC3339), r.End.UTC().Format(time.RFC3339))
}

// Refill describes one range fetched from the remote source and persisted.
type Refill struct {
	Symbol    string
	Frame     string
	Range     Range
	Rows      int
	FetchedAt time.Time
}
