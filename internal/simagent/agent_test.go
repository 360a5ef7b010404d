package simagent

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

func TestNew_StartsIdle(t *testing.T) {
	a := New("a1", "Red", 0xff0000, RoleCrewmate, orb.Point{10, 10}, 1)
	require.Equal(t, StateIdle, a.ActivityState)
	require.NotNil(t, a.Rand())
}

func TestAssignPath_SinglePointStaysIdle(t *testing.T) {
	a := New("a1", "Red", 0xff0000, RoleCrewmate, orb.Point{10, 10}, 1)
	a.AssignPath([]orb.Point{{10, 10}}, "path_assigned")
	require.Equal(t, StateIdle, a.ActivityState)
}

func TestAssignPath_SameStartAndEndStaysIdle(t *testing.T) {
	a := New("a1", "Red", 0xff0000, RoleCrewmate, orb.Point{10, 10}, 1)
	a.AssignPath([]orb.Point{{10, 10}, {10, 10}}, "path_assigned")
	require.Equal(t, StateIdle, a.ActivityState)
}

func TestAssignPath_MovesToWalking(t *testing.T) {
	a := New("a1", "Red", 0xff0000, RoleCrewmate, orb.Point{10, 10}, 1)
	a.AssignPath([]orb.Point{{10, 10}, {100, 10}}, "path_assigned")
	require.Equal(t, StateWalking, a.ActivityState)
}

func TestUpdateMovement_ArrivalReturnsToIdle(t *testing.T) {
	m := openMap()
	a := New("a1", "Red", 0xff0000, RoleCrewmate, orb.Point{10, 10}, 1)
	a.AssignPath([]orb.Point{{10, 10}, {40, 10}}, "path_assigned")
	for i := 0; i < 200 && a.ActivityState == StateWalking; i++ {
		a.UpdateMovement(m, 0.1)
	}
	require.Equal(t, StateIdle, a.ActivityState)
}

func TestStop_OnlyAffectsWalking(t *testing.T) {
	a := New("a1", "Red", 0xff0000, RoleCrewmate, orb.Point{10, 10}, 1)
	a.Stop("external_stop")
	require.Equal(t, StateIdle, a.ActivityState)

	a.AssignPath([]orb.Point{{10, 10}, {100, 10}}, "path_assigned")
	a.Stop("external_stop")
	require.Equal(t, StateIdle, a.ActivityState)
}

func TestTaskLifecycle(t *testing.T) {
	a := New("a1", "Red", 0xff0000, RoleCrewmate, orb.Point{10, 10}, 1)
	a.AssignedTasks = []Task{{TaskType: "wires", Duration: 2}}
	a.BeginTask(0, 1000)
	require.Equal(t, StateDoingTask, a.ActivityState)
	require.NotNil(t, a.CurrentTaskIndex)

	a.UpdateTask(2500) // 1.5s elapsed, not yet done
	require.Equal(t, StateDoingTask, a.ActivityState)

	a.UpdateTask(3100) // 2.1s elapsed, done
	require.Equal(t, StateIdle, a.ActivityState)
	require.Nil(t, a.CurrentTaskIndex)
	require.True(t, a.AssignedTasks[0].IsCompleted)
}

func TestKill_IsTerminal(t *testing.T) {
	a := New("a1", "Red", 0xff0000, RoleCrewmate, orb.Point{10, 10}, 1)
	a.AssignPath([]orb.Point{{10, 10}, {100, 10}}, "path_assigned")
	a.Kill("kill_event")
	require.Equal(t, StateDead, a.ActivityState)
	require.False(t, a.IsAlive())

	a.Kill("kill_event_again")
	require.Equal(t, StateDead, a.ActivityState)
}

func TestRecordEvent_BoundedRing(t *testing.T) {
	a := New("a1", "Red", 0xff0000, RoleCrewmate, orb.Point{10, 10}, 1)
	for i := 0; i < RecentEventsCap+5; i++ {
		a.RecordEvent("event")
	}
	require.Len(t, a.RecentEvents, RecentEventsCap)
}
