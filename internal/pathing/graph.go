// Package pathing implements the static visibility graph, the A*
// search over it, and the waypoint smoother (spec §4.B/§4.C).
package pathing

import (
	"math"
	"sync"

	"github.com/paulmach/orb"
	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/path"
	"gonum.org/v1/gonum/graph/simple"

	"townsim/internal/geometry"
)

// visibilitySampleStep is the line-of-sight sampling density used both
// to build the static graph and to connect dynamic start/end nodes,
// per spec §4.B.
const visibilitySampleStep = 8

// startNodeID and endNodeID are the reserved IDs used for the
// per-query dynamic nodes. FindPath calls are serialized by Graph's
// mutex, so reusing fixed IDs across calls is safe.
const (
	startNodeID int64 = -1
	endNodeID   int64 = -2
)

// NavNode is a precomputed pathfinding waypoint: a room centroid,
// corridor sample, or other interior point with a stable ID.
type NavNode struct {
	ID       int64
	Position orb.Point
	Zone     string
}

// Graph is the static visibility graph over nav nodes, built once at
// load and queried many times by FindPath.
type Graph struct {
	mu    sync.Mutex
	m     *geometry.Map
	g     *simple.WeightedUndirectedGraph
	nodes map[int64]orb.Point
}

// BuildStaticGraph constructs the visibility graph: an edge connects
// two nav nodes iff the map reports the segment between them fully
// walkable. Edge weight is Euclidean distance.
func BuildStaticGraph(m *geometry.Map, navNodes []NavNode) *Graph {
	g := simple.NewWeightedUndirectedGraph(0, math.Inf(1))
	nodes := make(map[int64]orb.Point, len(navNodes))
	for _, n := range navNodes {
		g.AddNode(simple.Node(n.ID))
		nodes[n.ID] = n.Position
	}
	for i := 0; i < len(navNodes); i++ {
		for j := i + 1; j < len(navNodes); j++ {
			a, b := navNodes[i], navNodes[j]
			if m.LineWalkable(a.Position, b.Position, visibilitySampleStep) {
				w := euclid(a.Position, b.Position)
				g.SetWeightedEdge(weightedEdge{f: simple.Node(a.ID), t: simple.Node(b.ID), w: w})
			}
		}
	}
	return &Graph{m: m, g: g, nodes: nodes}
}

// weightedEdge is a minimal graph.WeightedEdge implementation; gonum's
// simple.WeightedEdge requires constructing through the graph itself,
// but SetWeightedEdge only needs the interface.
type weightedEdge struct {
	f, t graph.Node
	w    float64
}

func (e weightedEdge) From() graph.Node         { return e.f }
func (e weightedEdge) To() graph.Node           { return e.t }
func (e weightedEdge) ReversedEdge() graph.Edge { return weightedEdge{f: e.t, t: e.f, w: e.w} }
func (e weightedEdge) Weight() float64          { return e.w }

func euclid(a, b orb.Point) float64 {
	return math.Hypot(b[0]-a[0], b[1]-a[1])
}

// Path is the result of a successful FindPath query: the ordered
// sequence of positions from start to end.
type Path struct {
	Waypoints []orb.Point
	Cost      float64
}

// FindPath runs A* on the visibility graph between two arbitrary
// world points, inserting temporary nodes for start/end and
// connecting them to every static node (and each other) they can see.
// Returns (Path{}, false) if either dynamic node sees nothing or no
// route exists.
func (g *Graph) FindPath(start, end orb.Point) (Path, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if start == end {
		return Path{Waypoints: []orb.Point{start, end}, Cost: 0}, true
	}

	g.g.AddNode(simple.Node(startNodeID))
	g.g.AddNode(simple.Node(endNodeID))
	defer func() {
		g.g.RemoveNode(startNodeID)
		g.g.RemoveNode(endNodeID)
	}()

	startConns := g.connectDynamic(startNodeID, start)
	endConns := g.connectDynamic(endNodeID, end)
	if g.m.LineWalkable(start, end, visibilitySampleStep) {
		g.g.SetWeightedEdge(weightedEdge{f: simple.Node(startNodeID), t: simple.Node(endNodeID), w: euclid(start, end)})
		startConns++
		endConns++
	}
	if startConns == 0 || endConns == 0 {
		return Path{}, false
	}

	positionOf := func(id int64) orb.Point {
		switch id {
		case startNodeID:
			return start
		case endNodeID:
			return end
		default:
			return g.nodes[id]
		}
	}
	heuristic := func(x, y graph.Node) float64 {
		return euclid(positionOf(x.ID()), positionOf(y.ID()))
	}

	shortest, _ := path.AStar(simple.Node(startNodeID), simple.Node(endNodeID), g.g, heuristic)
	nodePath, weight := shortest.To(endNodeID)
	if len(nodePath) == 0 {
		return Path{}, false
	}

	waypoints := make([]orb.Point, len(nodePath))
	for i, n := range nodePath {
		waypoints[i] = positionOf(n.ID())
	}
	return Path{Waypoints: waypoints, Cost: weight}, true
}

// connectDynamic links a temporary node at pos to every static node it
// has line of sight to, and returns how many connections were made.
func (g *Graph) connectDynamic(id int64, pos orb.Point) int {
	count := 0
	nodes := g.g.Nodes()
	for nodes.Next() {
		n := nodes.Node()
		nid := n.ID()
		if nid == id || nid == startNodeID || nid == endNodeID {
			continue
		}
		target, ok := g.nodes[nid]
		if !ok {
			continue
		}
		if g.m.LineWalkable(pos, target, visibilitySampleStep) {
			g.g.SetWeightedEdge(weightedEdge{f: simple.Node(id), t: simple.Node(nid), w: euclid(pos, target)})
			count++
		}
	}
	return count
}
