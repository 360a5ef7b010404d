package pathing

import (
	"math"

	"github.com/paulmach/orb"
)

// MaxChordSpacing is the maximum distance between consecutive points
// in a smoothed path (spec §4.C).
const MaxChordSpacing = 20

// Smooth converts a coarse waypoint chain into a polyline with chord
// spacing no greater than MaxChordSpacing, by linear interpolation
// between consecutive waypoints. Endpoints are always preserved.
// Smoothing is deterministic and idempotent: Smooth(Smooth(p)) equals
// Smooth(p).
func Smooth(waypoints []orb.Point) []orb.Point {
	if len(waypoints) < 2 {
		out := make([]orb.Point, len(waypoints))
		copy(out, waypoints)
		return out
	}

	out := make([]orb.Point, 0, len(waypoints))
	out = append(out, waypoints[0])
	for i := 1; i < len(waypoints); i++ {
		a, b := waypoints[i-1], waypoints[i]
		dist := math.Hypot(b[0]-a[0], b[1]-a[1])
		if dist == 0 {
			continue
		}
		steps := int(math.Ceil(dist / MaxChordSpacing))
		for s := 1; s <= steps; s++ {
			t := float64(s) / float64(steps)
			out = append(out, orb.Point{a[0] + (b[0]-a[0])*t, a[1] + (b[1]-a[1])*t})
		}
	}
	return out
}
