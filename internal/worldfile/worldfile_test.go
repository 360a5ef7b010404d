package worldfile

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"townsim/internal/simagent"
)

const sampleWorld = `{
  "walkable": [[[[0,0],[500,0],[500,500],[0,500],[0,0]]]],
  "zones": [{"name": "hall", "polygon": [[[0,0],[500,0],[500,500],[0,500],[0,0]]]}],
  "obstacles": [{"minX": 100, "minY": 100, "maxX": 150, "maxY": 150, "radius": 10}],
  "navNodes": [
    {"id": 1, "position": [50, 50], "zone": "hall"},
    {"id": 2, "position": [450, 450], "zone": "hall"}
  ],
  "agents": [
    {
      "id": "a1", "name": "Red", "color": "#ff0000", "role": "CREWMATE",
      "spawn": [10, 10], "seed": 1,
      "tasks": [{"taskType": "wires", "room": "hall", "position": [60, 60], "duration": 5}]
    },
    {
      "id": "a2", "name": "Blue", "color": "0000ff", "role": "IMPOSTOR",
      "spawn": [20, 20], "seed": 2
    }
  ]
}`

func writeSample(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "town.json")
	require.NoError(t, os.WriteFile(path, []byte(sampleWorld), 0o644))
	return path
}

func TestLoad_ParsesGeometryAndRoster(t *testing.T) {
	w, err := Load(writeSample(t))
	require.NoError(t, err)

	require.Len(t, w.Map.Walkable, 1)
	require.Len(t, w.Map.Zones, 1)
	require.Len(t, w.Map.Obstacles, 1)
	require.Len(t, w.NavNodes, 2)
	require.Len(t, w.Agents, 2)

	require.Equal(t, "a1", w.Agents[0].ID)
	require.Equal(t, uint32(0xff0000), w.Agents[0].Color)
	require.Equal(t, simagent.RoleCrewmate, w.Agents[0].Role)
	require.Len(t, w.Agents[0].AssignedTasks, 1)

	require.Equal(t, uint32(0x0000ff), w.Agents[1].Color)
	require.Equal(t, simagent.RoleImpostor, w.Agents[1].Role)
}

func TestLoad_RejectsInvalidRole(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.json")
	bad := `{"agents": [{"id": "a1", "name": "Red", "color": "#ff0000", "role": "GHOST", "spawn": [0,0]}]}`
	require.NoError(t, os.WriteFile(path, []byte(bad), 0o644))

	_, err := Load(path)
	require.Error(t, err)
}

func TestLoad_RejectsMalformedColor(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.json")
	bad := `{"agents": [{"id": "a1", "name": "Red", "color": "not-a-color", "role": "CREWMATE", "spawn": [0,0]}]}`
	require.NoError(t, os.WriteFile(path, []byte(bad), 0o644))

	_, err := Load(path)
	require.Error(t, err)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/town.json")
	require.Error(t, err)
}
