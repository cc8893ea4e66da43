package engine

import (
	"math"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/dj-oyu/hawkeye/threat-server/pkg/types"
)

// ClusterDetector raises a group threat when enough persons stay close to
// their common centroid for a sustained period.
type ClusterDetector struct {
	minSize int
	radius  float64
	sustain time.Duration

	start  time.Time
	active bool
}

// NewClusterDetector creates a detector.
func NewClusterDetector(minSize int, radius float64, sustain time.Duration) *ClusterDetector {
	return &ClusterDetector{minSize: minSize, radius: radius, sustain: sustain}
}

// Observe evaluates this frame's persons at time now and reports whether a
// sustained group is present. Any frame failing the criterion resets progress.
func (c *ClusterDetector) Observe(persons []types.Detection, now time.Time) bool {
	if len(persons) < c.minSize || c.clustered(persons) < c.minSize {
		c.Reset()
		return false
	}

	if !c.active {
		c.start = now
		c.active = true
	}
	return now.Sub(c.start) >= c.sustain
}

// clustered counts persons whose centroid is strictly within radius of the mean centroid.
func (c *ClusterDetector) clustered(persons []types.Detection) int {
	xs := make([]float64, len(persons))
	ys := make([]float64, len(persons))
	for i, p := range persons {
		xs[i], ys[i] = p.Center()
	}
	mx := stat.Mean(xs, nil)
	my := stat.Mean(ys, nil)

	n := 0
	for i := range xs {
		if math.Hypot(xs[i]-mx, ys[i]-my) < c.radius {
			n++
		}
	}
	return n
}

// Reset clears cluster progress.
func (c *ClusterDetector) Reset() {
	c.start = time.Time{}
	c.active = false
}

// Since returns when the current cluster started, if one is active.
func (c *ClusterDetector) Since() (time.Time, bool) {
	return c.start, c.active
}
