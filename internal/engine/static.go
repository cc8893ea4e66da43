package engine

import (
	"math"

	"github.com/dj-oyu/hawkeye/threat-server/pkg/types"
)

// SpatialKey is a weapon box snapped to a coarse grid. It stands in for an
// object identity across frames.
type SpatialKey [4]int

const staticDecay = 2

// StaticFilter drops weapon boxes that stay in place for many frames while
// no person is near them.
type StaticFilter struct {
	threshold int
	grid      float64
	margin    float64
	counts    map[SpatialKey]int
}

// NewStaticFilter creates a filter that suppresses a key once its count
// exceeds threshold.
func NewStaticFilter(threshold int, grid, margin float64) *StaticFilter {
	if grid <= 0 {
		grid = 1
	}
	return &StaticFilter{
		threshold: threshold,
		grid:      grid,
		margin:    margin,
		counts:    make(map[SpatialKey]int),
	}
}

// Key returns the spatial key of a box.
func (f *StaticFilter) Key(b types.Box) SpatialKey {
	snap := func(v float64) int {
		return int(math.RoundToEven(v/f.grid) * f.grid)
	}
	return SpatialKey{snap(b.X1), snap(b.Y1), snap(b.X2), snap(b.Y2)}
}

// Count returns the current count for a key (0 when absent).
func (f *StaticFilter) Count(k SpatialKey) int {
	return f.counts[k]
}

// Len returns the number of tracked keys.
func (f *StaticFilter) Len() int {
	return len(f.counts)
}

// Apply updates the counters with this frame's weapons and returns the
// weapons that survive plus the IDs of the suppressed ones.
func (f *StaticFilter) Apply(weapons, persons []types.Detection) ([]types.Detection, []int) {
	seen := make(map[SpatialKey]struct{}, len(weapons))
	kept := make([]types.Detection, 0, len(weapons))
	var suppressed []int

	for _, w := range weapons {
		k := f.Key(w.Box)
		seen[k] = struct{}{}
		f.counts[k]++

		if f.counts[k] > f.threshold && !nearAny(w.Box, persons, f.margin) {
			suppressed = append(suppressed, w.ID)
			continue
		}
		kept = append(kept, w)
	}

	for k, n := range f.counts {
		if _, ok := seen[k]; ok {
			continue
		}
		n -= staticDecay
		if n <= 0 {
			delete(f.counts, k)
		} else {
			f.counts[k] = n
		}
	}

	return kept, suppressed
}
