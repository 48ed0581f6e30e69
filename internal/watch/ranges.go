package watch

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// Range is a contiguous played interval in seconds, encoded as [start, end].
type Range [2]float64

func (r Range) Start() float64 { return r[0] }
func (r Range) End() float64   { return r[1] }

// Length returns end-start, or zero for inverted ranges.
func (r Range) Length() float64 {
	if r[1] <= r[0] {
		return 0
	}
	return r[1] - r[0]
}

// RangeSet is the played-range snapshot reported by a player: ordered by start,
// non-overlapping. The ordering is guaranteed by the player, not checked here.
type RangeSet []Range

// Clone returns a copy that never aliases the receiver. A nil set clones to an
// empty, non-nil set so it encodes as [] rather than null.
func (s RangeSet) Clone() RangeSet {
	out := make(RangeSet, len(s))
	copy(out, s)
	return out
}

// WatchedSeconds sums the lengths of all ranges in the set.
func (s RangeSet) WatchedSeconds() float64 {
	total := 0.0
	for _, r := range s {
		total += r.Length()
	}
	return total
}

// Merge coalesces overlapping or touching ranges from all sets into a single
// sorted, non-overlapping set. Inverted or non-finite ranges are dropped.
func Merge(sets ...RangeSet) RangeSet {
	var all RangeSet
	for _, s := range sets {
		for _, r := range s {
			if !finite(r[0]) || !finite(r[1]) || r[1] < r[0] {
				continue
			}
			all = append(all, r)
		}
	}
	if len(all) == 0 {
		return RangeSet{}
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i][0] == all[j][0] {
			return all[i][1] < all[j][1]
		}
		return all[i][0] < all[j][0]
	})

	out := RangeSet{all[0]}
	for _, r := range all[1:] {
		last := &out[len(out)-1]
		if r[0] <= last[1] {
			if r[1] > last[1] {
				last[1] = r[1]
			}
			continue
		}
		out = append(out, r)
	}
	return out
}

// WatchedPercent returns watched/duration*100 rounded to one decimal place.
// ok is false when the duration is not positive.
func WatchedPercent(s RangeSet, durationSeconds float64) (float64, bool) {
	if durationSeconds <= 0 || !finite(durationSeconds) {
		return 0, false
	}
	pct := s.WatchedSeconds() / durationSeconds * 100
	return math.Round(pct*10) / 10, true
}

// ParseDuration interprets a page-embedded duration value. Empty input means
// the duration is unknown and is not an error.
func ParseDuration(raw string) (seconds float64, known bool, err error) {
	v := strings.TrimSpace(raw)
	if v == "" {
		return 0, false, nil
	}
	d, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, false, fmt.Errorf("parse video duration %q: %w", v, err)
	}
	if d <= 0 || !finite(d) {
		return 0, false, fmt.Errorf("video duration %q must be a positive number", v)
	}
	return d, true, nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
