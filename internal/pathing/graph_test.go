package pathing

import (
	"testing"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/require"

	"townsim/internal/geometry"
)

func openMap() *geometry.Map {
	ring := orb.Ring{{0, 0}, {200, 0}, {200, 200}, {0, 200}, {0, 0}}
	return &geometry.Map{Walkable: []orb.Polygon{{ring}}}
}

func wallMap() *geometry.Map {
	ring := orb.Ring{{0, 0}, {200, 0}, {200, 200}, {0, 200}, {0, 0}}
	return &geometry.Map{
		Walkable: []orb.Polygon{{ring}},
		Obstacles: []geometry.Obstacle{
			{Bound: orb.Bound{Min: orb.Point{90, -10}, Max: orb.Point{110, 150}}},
		},
	}
}

func TestFindPath_DirectLineOfSight(t *testing.T) {
	m := openMap()
	g := BuildStaticGraph(m, nil)
	p, ok := g.FindPath(orb.Point{10, 10}, orb.Point{190, 190})
	require.True(t, ok)
	require.Len(t, p.Waypoints, 2)
	require.Equal(t, orb.Point{10, 10}, p.Waypoints[0])
	require.Equal(t, orb.Point{190, 190}, p.Waypoints[len(p.Waypoints)-1])
}

func TestFindPath_StartEqualsEnd(t *testing.T) {
	m := openMap()
	g := BuildStaticGraph(m, nil)
	p, ok := g.FindPath(orb.Point{50, 50}, orb.Point{50, 50})
	require.True(t, ok)
	require.Equal(t, 0.0, p.Cost)
	require.Equal(t, []orb.Point{{50, 50}, {50, 50}}, p.Waypoints)
}

func TestFindPath_RoutesAroundWall(t *testing.T) {
	m := wallMap()
	nodes := []NavNode{
		{ID: 1, Position: orb.Point{100, 170}},
	}
	g := BuildStaticGraph(m, nodes)
	p, ok := g.FindPath(orb.Point{10, 10}, orb.Point{190, 10})
	require.True(t, ok)
	require.Greater(t, len(p.Waypoints), 2, "must detour through the gap below the wall")
}

func TestFindPath_Unreachable_NoConnections(t *testing.T) {
	// A map with two disjoint walkable islands and no nav nodes bridging
	// them: the dynamic nodes never see each other or any static node.
	ringA := orb.Ring{{0, 0}, {10, 0}, {10, 10}, {0, 10}, {0, 0}}
	ringB := orb.Ring{{1000, 1000}, {1010, 1000}, {1010, 1010}, {1000, 1010}, {1000, 1000}}
	m := &geometry.Map{Walkable: []orb.Polygon{{ringA}, {ringB}}}
	g := BuildStaticGraph(m, nil)
	_, ok := g.FindPath(orb.Point{5, 5}, orb.Point{1005, 1005})
	require.False(t, ok)
}

func TestFindPath_CostSymmetry(t *testing.T) {
	m := wallMap()
	nodes := []NavNode{
		{ID: 1, Position: orb.Point{100, 170}},
	}
	g := BuildStaticGraph(m, nodes)
	forward, ok := g.FindPath(orb.Point{10, 10}, orb.Point{190, 10})
	require.True(t, ok)
	backward, ok := g.FindPath(orb.Point{190, 10}, orb.Point{10, 10})
	require.True(t, ok)
	require.InDelta(t, forward.Cost, backward.Cost, 1e-6)
}
