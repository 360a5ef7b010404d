package geometry

import "github.com/paulmach/orb"

// ZoneDetector resolves a position to the labeled room it falls in.
// It is a thin, explicit component (spec §4.E) over Map.ZoneAt so the
// state machine and perception package can depend on a narrow
// interface instead of the whole Map.
type ZoneDetector struct {
	m *Map
}

// NewZoneDetector builds a detector over the given map.
func NewZoneDetector(m *Map) *ZoneDetector {
	return &ZoneDetector{m: m}
}

// At returns the labeled zone containing p, mirroring Map.ZoneAt.
func (z *ZoneDetector) At(p orb.Point) (string, bool) {
	return z.m.ZoneAt(p)
}
