package geometry

import (
	"github.com/paulmach/orb"
	"gonum.org/v1/gonum/spatial/r2"
)

// Vec is a 2D vector used for velocity/force arithmetic. orb.Point is a
// geographic coordinate pair with no arithmetic methods by design, so
// movement math is done in r2.Vec and converted to/from orb.Point at
// the geometry/pathing boundary.
type Vec = r2.Vec

// VecFromPoint converts an orb.Point to a Vec.
func VecFromPoint(p orb.Point) Vec {
	return Vec{X: p[0], Y: p[1]}
}

// PointFromVec converts a Vec to an orb.Point.
func PointFromVec(v Vec) orb.Point {
	return orb.Point{v.X, v.Y}
}
