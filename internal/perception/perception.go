// Package perception computes each agent's visible/audible neighbor
// sets and current zone every tick (spec §4.G).
package perception

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/spatial/kdtree"

	"townsim/internal/geometry"
)

// DefaultSpeechRange matches spec §4.G's default for canSpeakTo.
const DefaultSpeechRange = 150.0

// LineOfSightSampleStep matches the 8-unit sampling spec §4.G requires
// for wall occlusion checks.
const LineOfSightSampleStep = 8.0

// Subject is the minimal view of a living agent perception needs.
type Subject struct {
	ID       string
	Position geometry.Vec
}

// Result is one agent's per-tick perception output.
type Result struct {
	VisibleAgents []string
	CanSpeakTo    []string
}

// point adapts a Subject into a kdtree.Comparable over its 2D position.
type point struct {
	id   string
	x, y float64
}

func (p point) Dims() int { return 2 }

func (p point) coord(d kdtree.Dim) float64 {
	if d == 0 {
		return p.x
	}
	return p.y
}

func (p point) Compare(c kdtree.Comparable, d kdtree.Dim) float64 {
	return p.coord(d) - c.(point).coord(d)
}

func (p point) Distance(c kdtree.Comparable) float64 {
	o := c.(point)
	dx, dy := p.x-o.x, p.y-o.y
	return dx*dx + dy*dy
}

type points []point

func (p points) Index(i int) kdtree.Comparable { return p[i] }
func (p points) Len() int                      { return len(p) }
func (p points) Slice(start, end int) kdtree.Interface { return p[start:end] }
func (p points) Pivot(d kdtree.Dim) int {
	return plane{dim: d, points: p}.Pivot()
}

type plane struct {
	dim    kdtree.Dim
	points points
}

func (p plane) Less(i, j int) bool { return p.points[i].coord(p.dim) < p.points[j].coord(p.dim) }
func (p plane) Len() int           { return len(p.points) }
func (p plane) Swap(i, j int)      { p.points[i], p.points[j] = p.points[j], p.points[i] }
func (p plane) Slice(start, end int) kdtree.SortSlicer {
	p.points = p.points[start:end]
	return p
}
func (p plane) Pivot() int { return kdtree.Partition(p, kdtree.MedianOfMedians(p)) }

// Index is a rebuilt-per-tick spatial index over living agents'
// positions, used to answer within-radius neighbor queries in
// sublinear time instead of an O(n^2) all-pairs scan.
type Index struct {
	tree    *kdtree.Tree
	byID    map[string]point
}

// BuildIndex constructs a fresh index. Callers rebuild this once per
// tick since agent positions move every tick.
func BuildIndex(subjects []Subject) *Index {
	pts := make(points, len(subjects))
	byID := make(map[string]point, len(subjects))
	for i, s := range subjects {
		p := point{id: s.ID, x: s.Position.X, y: s.Position.Y}
		pts[i] = p
		byID[s.ID] = p
	}
	idx := &Index{byID: byID}
	if len(pts) > 0 {
		idx.tree = kdtree.New(pts, true)
	}
	return idx
}

// withinRadius returns the ids of every indexed point within radius of
// center, excluding selfID.
func (idx *Index) withinRadius(selfID string, center geometry.Vec, radius float64) []string {
	if idx.tree == nil || radius <= 0 {
		return nil
	}
	q := point{id: selfID, x: center.X, y: center.Y}
	keeper := kdtree.NewDistKeeper(radius * radius)
	idx.tree.NearestSet(keeper, q)
	sort.Sort(keeper.Heap)
	ids := make([]string, 0, len(keeper.Heap))
	for _, cd := range keeper.Heap {
		p := cd.Comparable.(point)
		if p.id == selfID {
			continue
		}
		ids = append(ids, p.id)
	}
	return ids
}

// NearestDistance returns the Euclidean distance from center to the
// nearest other indexed point, or +Inf if idx is empty or holds no
// point besides selfID. Visibility (wall occlusion) is not considered.
func (idx *Index) NearestDistance(selfID string, center geometry.Vec) float64 {
	if idx.tree == nil {
		return math.Inf(1)
	}
	q := point{id: selfID, x: center.X, y: center.Y}
	keeper := kdtree.NewNKeeper(2)
	idx.tree.NearestSet(keeper, q)
	sort.Sort(keeper.Heap)
	for _, cd := range keeper.Heap {
		p := cd.Comparable.(point)
		if p.id == selfID {
			continue
		}
		return math.Sqrt(cd.Dist)
	}
	return math.Inf(1)
}

// Compute evaluates visibleAgents/canSpeakTo for one agent against the
// tick's shared index, occluding by the map's walls.
func Compute(m *geometry.Map, idx *Index, self Subject, visionRadius, speechRange float64) Result {
	selfPoint := geometry.PointFromVec(self.Position)

	candidates := idx.withinRadius(self.ID, self.Position, math.Max(visionRadius, speechRange))
	var res Result
	for _, id := range candidates {
		other, ok := idx.byID[id]
		if !ok {
			continue
		}
		otherPoint := geometry.PointFromVec(geometry.Vec{X: other.x, Y: other.y})
		dist := math.Hypot(other.x-self.Position.X, other.y-self.Position.Y)
		walkable := m.LineWalkable(selfPoint, otherPoint, LineOfSightSampleStep)
		if dist <= visionRadius && walkable {
			res.VisibleAgents = append(res.VisibleAgents, id)
		}
		if dist <= speechRange && walkable {
			res.CanSpeakTo = append(res.CanSpeakTo, id)
		}
	}
	return res
}

// ZoneAt resolves an agent's current zone, defaulting to the agent's
// previous zone when the position is in no labeled zone (spec §3:
// "currentZone: last non-null zone containing position").
func ZoneAt(z *geometry.ZoneDetector, pos geometry.Vec, previous string) string {
	if name, ok := z.At(geometry.PointFromVec(pos)); ok {
		return name
	}
	return previous
}
