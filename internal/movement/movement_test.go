package movement

import (
	"testing"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/require"

	"townsim/internal/geometry"
)

func openMap() *geometry.Map {
	ring := orb.Ring{{0, 0}, {500, 0}, {500, 500}, {0, 500}, {0, 0}}
	return &geometry.Map{Walkable: []orb.Polygon{{ring}}}
}

func TestState_TwoPointPathStopsImmediately(t *testing.T) {
	m := openMap()
	s := &State{Position: geometry.Vec{X: 50, Y: 50}}
	p := orb.Point{50, 50}
	s.Reset([]orb.Point{p, p})
	s.Update(m, 0.1)
	require.True(t, s.Arrived)
	require.Equal(t, geometry.Vec{}, s.Velocity)
}

func TestState_AdvancesTowardWaypoint(t *testing.T) {
	m := openMap()
	s := &State{Position: geometry.Vec{X: 0, Y: 0}}
	s.Reset([]orb.Point{{0, 0}, {400, 0}})
	for i := 0; i < 20; i++ {
		s.Update(m, 0.1)
	}
	require.Greater(t, s.Position.X, 0.0)
	require.False(t, s.Stuck)
}

func TestState_ArrivesAtFinalWaypoint(t *testing.T) {
	m := openMap()
	s := &State{Position: geometry.Vec{X: 0, Y: 0}}
	s.Reset([]orb.Point{{0, 0}, {40, 0}})
	arrived := false
	for i := 0; i < 200 && !arrived; i++ {
		s.Update(m, 0.1)
		arrived = s.Arrived
	}
	require.True(t, arrived)
	require.InDelta(t, 40.0, s.Position.X, 1e-6)
	require.InDelta(t, 0.0, s.Position.Y, 1e-6)
}

func TestState_StuckDetectionAgainstWall(t *testing.T) {
	ring := orb.Ring{{0, 0}, {500, 0}, {500, 500}, {0, 500}, {0, 0}}
	m := &geometry.Map{
		Walkable:  []orb.Polygon{{ring}},
		Obstacles: []geometry.Obstacle{{Bound: orb.Bound{Min: orb.Point{60, -50}, Max: orb.Point{500, 550}}}},
	}
	s := &State{Position: geometry.Vec{X: 50, Y: 0}}
	s.Reset([]orb.Point{{50, 0}, {450, 0}})
	for i := 0; i < 30; i++ {
		s.Update(m, 0.1)
	}
	require.True(t, s.Stuck)
}

func TestState_EmptyPathZeroesVelocity(t *testing.T) {
	m := openMap()
	s := &State{Position: geometry.Vec{X: 10, Y: 10}, Velocity: geometry.Vec{X: 5, Y: 5}}
	s.Update(m, 0.1)
	require.Equal(t, geometry.Vec{}, s.Velocity)
}

func TestClampMag(t *testing.T) {
	v := clampMag(geometry.Vec{X: 3, Y: 4}, 2.5)
	require.InDelta(t, 2.5, norm(v), 1e-9)

	unclamped := clampMag(geometry.Vec{X: 1, Y: 0}, 10)
	require.Equal(t, geometry.Vec{X: 1, Y: 0}, unclamped)
}
