// Package movement implements the per-agent steering controller:
// waypoint following, whisker-based obstacle avoidance, collision
// resolution, and stuck detection (spec §4.D).
package movement

import (
	"math"

	"github.com/paulmach/orb"

	"townsim/internal/geometry"
)

// Tunables, matching spec §4.D exactly.
const (
	CruiseSpeed       = 100.0
	SnapRadius        = 18.0
	ArrivalRadius     = 28.0
	LookAheadSteps    = 4
	WhiskerBaseLength = 60.0
	WhiskerStep       = 6.0
	MaxSteeringForce  = 12 * CruiseSpeed
	Damping           = 6.0
	CollisionIterations = 6
	StuckDistance     = 6.0
	StuckTimeSeconds  = 1.2
)

var whiskers = []struct {
	angleDeg float64
	lenScale float64
}{
	{0, 1.0},
	{36, 0.75},
	{-36, 0.75},
	{13, 0.5},
	{-13, 0.5},
}

// State is one agent's kinematic state, owned and mutated exclusively
// by Update. Position/Velocity use geometry.Vec (r2.Vec) since
// orb.Point has no arithmetic.
type State struct {
	Position geometry.Vec
	Velocity geometry.Vec
	Facing   float64

	Path      []orb.Point
	PathIndex int

	Stuck   bool
	Arrived bool

	lastProgressPos geometry.Vec
	stuckElapsed    float64
	hasProgressMark bool
}

// Reset clears path-following state when a new path is assigned.
func (s *State) Reset(path []orb.Point) {
	s.Path = path
	s.PathIndex = 0
	s.Stuck = false
	s.Arrived = false
	s.hasProgressMark = false
	s.stuckElapsed = 0
}

// Update advances the agent's motion by dt seconds. dt should already
// be clamped to the simulation's maximum step (spec §4.L: 250ms).
func (s *State) Update(m *geometry.Map, dt float64) {
	s.Arrived = false
	if len(s.Path) == 0 {
		s.Velocity = geometry.Vec{}
		return
	}

	s.advanceWaypoint(m)

	target := geometry.VecFromPoint(s.Path[s.PathIndex])
	onFinalSegment := s.PathIndex == len(s.Path)-1

	toTarget := sub(target, s.Position)
	dist := norm(toTarget)
	if onFinalSegment && dist < 1e-9 {
		s.Velocity = geometry.Vec{}
		s.Arrived = true
		return
	}

	speed := CruiseSpeed
	if onFinalSegment && dist < ArrivalRadius {
		speed = CruiseSpeed * (dist / ArrivalRadius)
	}
	var desired geometry.Vec
	if dist > 1e-9 {
		desired = scale(speed/dist, toTarget)
	}

	avoidance := s.avoidanceForce(m)
	steering := add(sub(desired, s.Velocity), scale(1.4, avoidance))
	steering = clampMag(steering, MaxSteeringForce)

	prevPos := s.Position
	s.Velocity = clampMag(add(s.Velocity, scale(dt/Damping, steering)), CruiseSpeed)
	next := add(s.Position, scale(dt, s.Velocity))

	nextPoint := geometry.PointFromVec(next)
	if !m.IsWalkable(nextPoint) {
		next = s.bisectToWalkable(m, s.Position, next)
		if next == s.Position {
			s.Velocity = geometry.Vec{}
		}
	}

	if onFinalSegment {
		preDir := sub(target, prevPos)
		postDir := sub(target, next)
		if dot(preDir, postDir) < 0 {
			next = target
			s.Velocity = geometry.Vec{}
			s.Arrived = true
		}
	}

	s.Position = next
	if sp := norm(s.Velocity); sp > 5 {
		s.Facing = math.Atan2(s.Velocity.Y, s.Velocity.X)
	}

	s.updateStuck(dt)
}

// advanceWaypoint implements step 1: snap-radius advance then
// look-ahead line-of-sight skip.
func (s *State) advanceWaypoint(m *geometry.Map) {
	for s.PathIndex < len(s.Path)-1 {
		d := norm(sub(geometry.VecFromPoint(s.Path[s.PathIndex]), s.Position))
		if d > SnapRadius {
			break
		}
		s.PathIndex++
	}
	limit := s.PathIndex + LookAheadSteps
	if limit > len(s.Path)-1 {
		limit = len(s.Path) - 1
	}
	for i := limit; i > s.PathIndex; i-- {
		if m.LineWalkable(geometry.PointFromVec(s.Position), s.Path[i], 8) {
			s.PathIndex = i
			break
		}
	}
}

// avoidanceForce implements step 3: five forward whiskers, each
// contributing a quadratic-proximity push-away force at the first
// non-walkable sample.
func (s *State) avoidanceForce(m *geometry.Map) geometry.Vec {
	var total geometry.Vec
	heading := s.Facing
	if norm(s.Velocity) > 1e-6 {
		heading = math.Atan2(s.Velocity.Y, s.Velocity.X)
	}
	for _, w := range whiskers {
		angle := heading + w.angleDeg*math.Pi/180
		dir := geometry.Vec{X: math.Cos(angle), Y: math.Sin(angle)}
		length := WhiskerBaseLength * w.lenScale
		steps := int(length / WhiskerStep)
		for i := 1; i <= steps; i++ {
			d := float64(i) * WhiskerStep
			sample := add(s.Position, scale(d, dir))
			if !m.IsWalkable(geometry.PointFromVec(sample)) {
				proximity := 1 - d/length
				mag := proximity * proximity * CruiseSpeed
				total = add(total, scale(-mag, dir))
				break
			}
		}
	}
	return total
}

// bisectToWalkable implements step 6: binary search along [from,to]
// for the last walkable sample.
func (s *State) bisectToWalkable(m *geometry.Map, from, to geometry.Vec) geometry.Vec {
	lo, hi := from, to
	if !m.IsWalkable(geometry.PointFromVec(lo)) {
		return from
	}
	for i := 0; i < CollisionIterations; i++ {
		mid := scale(0.5, add(lo, hi))
		if m.IsWalkable(geometry.PointFromVec(mid)) {
			lo = mid
		} else {
			hi = mid
		}
	}
	return lo
}

// updateStuck implements step 9.
func (s *State) updateStuck(dt float64) {
	if !s.hasProgressMark {
		s.lastProgressPos = s.Position
		s.hasProgressMark = true
		s.stuckElapsed = 0
		return
	}
	if norm(sub(s.Position, s.lastProgressPos)) >= StuckDistance {
		s.lastProgressPos = s.Position
		s.stuckElapsed = 0
		s.Stuck = false
		return
	}
	s.stuckElapsed += dt
	if s.stuckElapsed >= StuckTimeSeconds {
		s.Stuck = true
	}
}

func add(a, b geometry.Vec) geometry.Vec   { return geometry.Vec{X: a.X + b.X, Y: a.Y + b.Y} }
func sub(a, b geometry.Vec) geometry.Vec   { return geometry.Vec{X: a.X - b.X, Y: a.Y - b.Y} }
func scale(f float64, a geometry.Vec) geometry.Vec {
	return geometry.Vec{X: a.X * f, Y: a.Y * f}
}
func dot(a, b geometry.Vec) float64 { return a.X*b.X + a.Y*b.Y }
func norm(a geometry.Vec) float64   { return math.Hypot(a.X, a.Y) }

func clampMag(v geometry.Vec, max float64) geometry.Vec {
	n := norm(v)
	if n <= max || n == 0 {
		return v
	}
	return scale(max/n, v)
}
