// Package geometry implements the walkability, containment, and
// line-of-sight primitives every other simulation package builds on.
package geometry

import (
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
)

// Zone is a named room polygon used for currentZone resolution and
// prompt context (§4.E, §4.G).
type Zone struct {
	Name    string
	Polygon orb.Polygon
}

// Map is the static, read-only-after-load world geometry: walkable
// outer/hole polygons, named zones, and rounded-rectangle obstacles.
// A point is walkable iff it lies in at least one walkable polygon, in
// no hole of that polygon, and in no obstacle.
type Map struct {
	Walkable  []orb.Polygon
	Zones     []Zone
	Obstacles []Obstacle
}

// IsWalkable reports whether p satisfies the Map invariant from spec §3.
func (m *Map) IsWalkable(p orb.Point) bool {
	for _, o := range m.Obstacles {
		if o.Contains(p) {
			return false
		}
	}
	for _, poly := range m.Walkable {
		if planar.PolygonContains(poly, p) {
			return true
		}
	}
	return false
}

// ZoneAt returns the labeled zone containing p, if any.
func (m *Map) ZoneAt(p orb.Point) (string, bool) {
	for _, z := range m.Zones {
		if planar.PolygonContains(z.Polygon, p) {
			return z.Name, true
		}
	}
	return "", false
}

// Centroid returns the centroid of a polygon's outer ring. Holes are
// ignored; this is used to seed nav-node candidates, not for exact
// area calculations.
func (m *Map) Centroid(poly orb.Polygon) orb.Point {
	if len(poly) == 0 || len(poly[0]) == 0 {
		return orb.Point{}
	}
	ring := poly[0]
	var sx, sy float64
	for _, p := range ring {
		sx += p[0]
		sy += p[1]
	}
	n := float64(len(ring))
	return orb.Point{sx / n, sy / n}
}

// LineWalkable samples the segment a→b every step units (both
// endpoints included) and reports whether every sample is walkable.
// Used by the visibility-graph pathfinder and by wall-occlusion checks
// in perception.
func (m *Map) LineWalkable(a, b orb.Point, step float64) bool {
	if step <= 0 {
		step = 8
	}
	dx, dy := b[0]-a[0], b[1]-a[1]
	dist := math.Hypot(dx, dy)
	if dist == 0 {
		return m.IsWalkable(a)
	}
	steps := int(math.Ceil(dist / step))
	for i := 0; i <= steps; i++ {
		t := float64(i) / float64(steps)
		p := orb.Point{a[0] + dx*t, a[1] + dy*t}
		if !m.IsWalkable(p) {
			return false
		}
	}
	return true
}
