package perception

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

func TestCompute_SeesNearbyUnoccluded(t *testing.T) {
	m := openMap()
	subjects := []Subject{
		{ID: "a", Position: geometry.Vec{X: 10, Y: 10}},
		{ID: "b", Position: geometry.Vec{X: 15, Y: 10}},
		{ID: "c", Position: geometry.Vec{X: 400, Y: 400}},
	}
	idx := BuildIndex(subjects)
	res := Compute(m, idx, subjects[0], 20, DefaultSpeechRange)
	require.Contains(t, res.VisibleAgents, "b")
	require.NotContains(t, res.VisibleAgents, "c")
}

func TestCompute_WallOcclusionBlocksVision(t *testing.T) {
	ring := orb.Ring{{0, 0}, {500, 0}, {500, 500}, {0, 500}, {0, 0}}
	m := &geometry.Map{
		Walkable:  []orb.Polygon{{ring}},
		Obstacles: []geometry.Obstacle{{Bound: orb.Bound{Min: orb.Point{50, -10}, Max: orb.Point{60, 510}}}},
	}
	subjects := []Subject{
		{ID: "a", Position: geometry.Vec{X: 10, Y: 10}},
		{ID: "b", Position: geometry.Vec{X: 100, Y: 10}},
	}
	idx := BuildIndex(subjects)
	res := Compute(m, idx, subjects[0], 200, DefaultSpeechRange)
	require.NotContains(t, res.VisibleAgents, "b")
}

func TestCompute_ExcludesSelf(t *testing.T) {
	m := openMap()
	subjects := []Subject{{ID: "a", Position: geometry.Vec{X: 10, Y: 10}}}
	idx := BuildIndex(subjects)
	res := Compute(m, idx, subjects[0], 20, DefaultSpeechRange)
	require.Empty(t, res.VisibleAgents)
}

func TestZoneAt_FallsBackToPrevious(t *testing.T) {
	ring := orb.Ring{{0, 0}, {10, 0}, {10, 10}, {0, 10}, {0, 0}}
	m := &geometry.Map{
		Walkable: []orb.Polygon{{ring}},
		Zones:    []geometry.Zone{{Name: "cafeteria", Polygon: orb.Polygon{ring}}},
	}
	z := geometry.NewZoneDetector(m)
	require.Equal(t, "cafeteria", ZoneAt(z, geometry.Vec{X: 5, Y: 5}, "hallway"))
	require.Equal(t, "hallway", ZoneAt(z, geometry.Vec{X: 50, Y: 50}, "hallway"))
}
