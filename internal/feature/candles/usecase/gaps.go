package usecase

import (
	"time"

	"tradebot_backend/internal/feature/candles/domain/entity"
)

// MissingRanges returns the maximal sub-ranges of [nstart, nend) that hold no
// instant of present, in ascending order. present must be ascending and
// step-aligned; it is not modified.
func MissingRanges(present []time.Time, nstart, nend time.Time, step time.Duration) []entity.Range {
	if len(present) == 0 {
		if nstart.Before(nend) {
			return []entity.Range{{Start: nstart, End: nend}}
		}
		return nil
	}

	var gaps []entity.Range
	if nstart.Before(present[0]) {
		gaps = append(gaps, entity.Range{Start: nstart, End: present[0]})
	}
	for i := 0; i+1 < len(present); i++ {
		next := present[i].Add(step)
		if !next.Equal(present[i+1]) {
			gaps = append(gaps, entity.Range{Start: next, End: present[i+1]})
		}
	}
	if tail := present[len(present)-1].Add(step); tail.Before(nend) {
		gaps = append(gaps, entity.Range{Start: tail, End: nend})
	}
	return gaps
}
