// Package worldfile loads the static map geometry, nav-mesh seed points,
// and agent roster from a single JSON file (spec.md §6's `mapPath`
// configuration option) into the types internal/geometry, internal/pathing,
// and internal/simagent already operate on.
package worldfile

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/paulmach/orb"

	"townsim/internal/geometry"
	"townsim/internal/pathing"
	"townsim/internal/simagent"
)

type pointJSON [2]float64

func (p pointJSON) point() orb.Point { return orb.Point{p[0], p[1]} }

type polygonJSON [][]pointJSON

func (p polygonJSON) polygon() orb.Polygon {
	poly := make(orb.Polygon, len(p))
	for i, ring := range p {
		r := make(orb.Ring, len(ring))
		for j, pt := range ring {
			r[j] = pt.point()
		}
		poly[i] = r
	}
	return poly
}

type zoneJSON struct {
	Name    string      `json:"name"`
	Polygon polygonJSON `json:"polygon"`
}

type obstacleJSON struct {
	MinX   float64 `json:"minX"`
	MinY   float64 `json:"minY"`
	MaxX   float64 `json:"maxX"`
	MaxY   float64 `json:"maxY"`
	Radius float64 `json:"radius"`
}

type navNodeJSON struct {
	ID       int64     `json:"id"`
	Position pointJSON `json:"position"`
	Zone     string    `json:"zone"`
}

type taskJSON struct {
	TaskType string    `json:"taskType"`
	Room     string    `json:"room"`
	Position pointJSON `json:"position"`
	Duration float64   `json:"duration"`
}

type agentJSON struct {
	ID     string     `json:"id"`
	Name   string     `json:"name"`
	Color  string      `json:"color"`
	Role   string      `json:"role"`
	Spawn  pointJSON   `json:"spawn"`
	Seed   int64       `json:"seed"`
	Tasks  []taskJSON  `json:"tasks"`
}

type fileJSON struct {
	Walkable  []polygonJSON  `json:"walkable"`
	Zones     []zoneJSON     `json:"zones"`
	Obstacles []obstacleJSON `json:"obstacles"`
	NavNodes  []navNodeJSON  `json:"navNodes"`
	Agents    []agentJSON    `json:"agents"`
}

// World is everything a simulation run needs at startup besides runtime
// configuration: static geometry, the nav-node seed set for the
// visibility graph, and the initial agent roster.
type World struct {
	Map      *geometry.Map
	NavNodes []pathing.NavNode
	Agents   []*simagent.Agent
}

// Load reads and parses path into a World. A malformed color or role on
// any agent is a load-time error rather than a silently-defaulted value,
// since both identify the agent to observers for the whole run.
func Load(path string) (*World, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	var raw fileJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	m := &geometry.Map{
		Walkable: make([]orb.Polygon, len(raw.Walkable)),
	}
	for i, p := range raw.Walkable {
		m.Walkable[i] = p.polygon()
	}
	for _, z := range raw.Zones {
		m.Zones = append(m.Zones, geometry.Zone{Name: z.Name, Polygon: z.Polygon.polygon()})
	}
	for _, o := range raw.Obstacles {
		m.Obstacles = append(m.Obstacles, geometry.Obstacle{
			Bound:  orb.Bound{Min: orb.Point{o.MinX, o.MinY}, Max: orb.Point{o.MaxX, o.MaxY}},
			Radius: o.Radius,
		})
	}

	navNodes := make([]pathing.NavNode, len(raw.NavNodes))
	for i, n := range raw.NavNodes {
		navNodes[i] = pathing.NavNode{ID: n.ID, Position: n.Position.point(), Zone: n.Zone}
	}

	agents := make([]*simagent.Agent, 0, len(raw.Agents))
	for i, aj := range raw.Agents {
		role := simagent.Role(aj.Role)
		if role != simagent.RoleCrewmate && role != simagent.RoleImpostor {
			return nil, fmt.Errorf("agent %q: invalid role %q", aj.ID, aj.Role)
		}
		color, err := parseColor(aj.Color)
		if err != nil {
			return nil, fmt.Errorf("agent %q: %w", aj.ID, err)
		}
		seed := aj.Seed
		if seed == 0 {
			seed = int64(i) + 1
		}
		a := simagent.New(aj.ID, aj.Name, color, role, aj.Spawn.point(), seed)
		a.AssignedTasks = make([]simagent.Task, len(aj.Tasks))
		for j, t := range aj.Tasks {
			a.AssignedTasks[j] = simagent.Task{
				TaskType: t.TaskType,
				Room:     t.Room,
				Position: t.Position.point(),
				Duration: t.Duration,
			}
		}
		agents = append(agents, a)
	}

	return &World{Map: m, NavNodes: navNodes, Agents: agents}, nil
}

// parseColor accepts a leading-"#" or bare 6-hex-digit RGB string, the
// format spec §3 calls a "24-bit color".
func parseColor(s string) (uint32, error) {
	if len(s) == 7 && s[0] == '#' {
		s = s[1:]
	}
	if len(s) != 6 {
		return 0, fmt.Errorf("color %q: want 6 hex digits, optionally '#'-prefixed", s)
	}
	var v uint32
	if _, err := fmt.Sscanf(s, "%06x", &v); err != nil {
		return 0, fmt.Errorf("color %q: %w", s, err)
	}
	return v, nil
}
