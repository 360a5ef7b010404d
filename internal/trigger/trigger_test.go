package trigger

import (
	"testing"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/require"

	"townsim/internal/config"
	"townsim/internal/simagent"
)

func testCooldowns() config.CooldownConfig {
	return config.CooldownConfig{
		BaseThoughtMS:          6000,
		BaseSpeechMS:           12000,
		BaseRandomThoughtMinMS: 8000,
		BaseRandomThoughtMaxMS: 30000,
	}
}

func TestDetect_AgentSpottedAndLostSight(t *testing.T) {
	a := simagent.New("a1", "Red", 0xff0000, simagent.RoleCrewmate, orb.Point{0, 0}, 1)
	a.PreviouslyVisibleAgents = map[string]struct{}{"old": {}}

	fired := Detect(a, Input{CurrentVisible: []string{"new"}, NowMS: 1000})
	require.Contains(t, fired, KindAgentSpotted)
	require.Contains(t, fired, KindAgentLostSight)
	require.Contains(t, a.PreviouslyVisibleAgents, "new")
	require.NotContains(t, a.PreviouslyVisibleAgents, "old")
}

func TestDetect_PassedCloselyRequiresDistanceWithinThreshold(t *testing.T) {
	a := simagent.New("a1", "Red", 0xff0000, simagent.RoleCrewmate, orb.Point{0, 0}, 1)
	fired := Detect(a, Input{CurrentVisible: []string{"b"}, ClosePassDistance: 50, NearestVisibleDist: 10, NowMS: 1000})
	require.Contains(t, fired, KindPassedClosely)

	a2 := simagent.New("a2", "Blue", 0x0000ff, simagent.RoleCrewmate, orb.Point{0, 0}, 2)
	fired2 := Detect(a2, Input{CurrentVisible: []string{"b"}, ClosePassDistance: 50, NearestVisibleDist: 200, NowMS: 1000})
	require.NotContains(t, fired2, KindPassedClosely)
}

func TestDetect_EnteredRoomOnZoneChange(t *testing.T) {
	a := simagent.New("a1", "Red", 0xff0000, simagent.RoleCrewmate, orb.Point{0, 0}, 1)
	a.CurrentZone = "cafeteria"
	fired := Detect(a, Input{PreviousZone: "hallway", NowMS: 1000})
	require.Contains(t, fired, KindEnteredRoom)
}

func TestDetect_DrainsPendingTriggers(t *testing.T) {
	a := simagent.New("a1", "Red", 0xff0000, simagent.RoleCrewmate, orb.Point{0, 0}, 1)
	a.RaiseTrigger("task_completed")
	fired := Detect(a, Input{NowMS: 1000})
	require.Contains(t, fired, KindTaskCompleted)
	require.Empty(t, a.PendingTriggers)
}

func TestDetect_IdleRandomFiresPastDeadline(t *testing.T) {
	a := simagent.New("a1", "Red", 0xff0000, simagent.RoleCrewmate, orb.Point{0, 0}, 1)
	a.NextRandomThoughtMS = 5000
	require.NotContains(t, Detect(a, Input{NowMS: 4999}), KindIdleRandom)
	require.Contains(t, Detect(a, Input{NowMS: 5000}), KindIdleRandom)
}

func TestThoughtPermitted_RespectsCoefficientScaling(t *testing.T) {
	a := simagent.New("a1", "Red", 0xff0000, simagent.RoleCrewmate, orb.Point{0, 0}, 1)
	cfg := testCooldowns()
	a.LastThoughtTimeMS = 0

	require.False(t, ThoughtPermitted(a, cfg, 1.0, 3000))
	require.True(t, ThoughtPermitted(a, cfg, 1.0, 6000))
	// Lower coefficient -> longer effective cooldown.
	require.False(t, ThoughtPermitted(a, cfg, 0.5, 6000))
	require.True(t, ThoughtPermitted(a, cfg, 0.5, 12000))
}

func TestSpeechProbability_SocialVsOther(t *testing.T) {
	require.Equal(t, 0.5, SpeechProbability(KindAgentSpotted))
	require.Equal(t, 0.5, SpeechProbability(KindPassedClosely))
	require.Equal(t, 0.2, SpeechProbability(KindEnteredRoom))
	require.Equal(t, 0.2, SpeechProbability(KindIdleRandom))
}

func TestRandomizeInitialClocks_StaysWithinJitterBounds(t *testing.T) {
	a := simagent.New("a1", "Red", 0xff0000, simagent.RoleCrewmate, orb.Point{0, 0}, 42)
	cfg := testCooldowns()
	RandomizeInitialClocks(a, cfg, 100000)
	require.LessOrEqual(t, a.LastThoughtTimeMS, 100000.0)
	require.Greater(t, a.NextRandomThoughtMS, 100000.0)
	require.LessOrEqual(t, a.NextRandomThoughtMS, 100000.0+float64(cfg.BaseRandomThoughtMaxMS)*1.2)
}
