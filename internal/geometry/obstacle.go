package geometry

import (
	"math"

	"github.com/paulmach/orb"
)

// Obstacle is an axis-aligned rounded rectangle: Bound's corners are
// cut by a circular arc of the given Radius. A Radius of 0 degenerates
// to a plain rectangle.
type Obstacle struct {
	Bound  orb.Bound
	Radius float64
}

// Contains reports whether p lies within the rounded rectangle.
//
// The rectangle is decomposed into a horizontal band, a vertical band,
// and four corner circles: a point outside the outer bound is rejected
// immediately; a point inside either band is always contained; a point
// in a corner region is contained iff it's within Radius of that
// corner's arc center.
func (o Obstacle) Contains(p orb.Point) bool {
	minX, minY := o.Bound.Min[0], o.Bound.Min[1]
	maxX, maxY := o.Bound.Max[0], o.Bound.Max[1]
	if p[0] < minX || p[0] > maxX || p[1] < minY || p[1] > maxY {
		return false
	}
	r := o.Radius
	if r <= 0 {
		return true
	}
	coreMinX, coreMaxX := minX+r, maxX-r
	coreMinY, coreMaxY := minY+r, maxY-r
	if coreMinX > coreMaxX {
		coreMinX, coreMaxX = (minX+maxX)/2, (minX+maxX)/2
	}
	if coreMinY > coreMaxY {
		coreMinY, coreMaxY = (minY+maxY)/2, (minY+maxY)/2
	}
	if p[0] >= coreMinX && p[0] <= coreMaxX {
		return true
	}
	if p[1] >= coreMinY && p[1] <= coreMaxY {
		return true
	}
	cx := coreMinX
	if p[0] > coreMaxX {
		cx = coreMaxX
	}
	cy := coreMinY
	if p[1] > coreMaxY {
		cy = coreMaxY
	}
	dx, dy := p[0]-cx, p[1]-cy
	return dx*dx+dy*dy <= r*r
}

// Distance returns the shortest distance from p to the obstacle's
// surface: 0 if p is inside, otherwise the distance to the nearest
// edge or corner arc. Used by NearestObstacleDistance.
func (o Obstacle) Distance(p orb.Point) float64 {
	if o.Contains(p) {
		return 0
	}
	minX, minY := o.Bound.Min[0], o.Bound.Min[1]
	maxX, maxY := o.Bound.Max[0], o.Bound.Max[1]
	r := math.Max(o.Radius, 0)
	coreMinX, coreMaxX := minX+r, maxX-r
	coreMinY, coreMaxY := minY+r, maxY-r
	if coreMinX > coreMaxX {
		coreMinX, coreMaxX = (minX+maxX)/2, (minX+maxX)/2
	}
	if coreMinY > coreMaxY {
		coreMinY, coreMaxY = (minY+maxY)/2, (minY+maxY)/2
	}
	cx := math.Max(coreMinX, math.Min(p[0], coreMaxX))
	cy := math.Max(coreMinY, math.Min(p[1], coreMaxY))
	d := math.Hypot(p[0]-cx, p[1]-cy)
	return math.Max(d-r, 0)
}

// NearestObstacleDistance returns the smallest Distance to any
// obstacle in the map, or +Inf when there are none.
func (m *Map) NearestObstacleDistance(p orb.Point) float64 {
	best := math.Inf(1)
	for _, o := range m.Obstacles {
		if d := o.Distance(p); d < best {
			best = d
		}
	}
	return best
}
