package geometry

import (
	"testing"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/require"
)

func TestZoneDetector_At(t *testing.T) {
	ring := orb.Ring{{0, 0}, {10, 0}, {10, 10}, {0, 10}, {0, 0}}
	m := &Map{
		Zones: []Zone{{Name: "cafeteria", Polygon: orb.Polygon{ring}}},
	}
	z := NewZoneDetector(m)

	name, ok := z.At(orb.Point{5, 5})
	require.True(t, ok)
	require.Equal(t, "cafeteria", name)

	_, ok = z.At(orb.Point{90, 90})
	require.False(t, ok)
}
