package decision

import (
	"testing"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/require"

	"townsim/internal/simagent"
	"townsim/internal/trigger"
)

func TestParseResponse_ExtractsFields(t *testing.T) {
	raw := "GOAL: go_to_task\nTARGET: task-3\nREASONING: nearest unfinished task\nTHOUGHT: better hurry\n"
	d, ok := ParseResponse(raw)
	require.True(t, ok)
	require.Equal(t, GoalGoToTask, d.GoalType)
	require.Equal(t, "task-3", d.TargetAgentID)
	require.Equal(t, "nearest unfinished task", d.Reasoning)
	require.Equal(t, "better hurry", d.Thought)
}

func TestParseResponse_UnparseableFallsBack(t *testing.T) {
	_, ok := ParseResponse("I'm not sure what to do.")
	require.False(t, ok)
}

func TestDefaultDecision_FirstIncompleteTask(t *testing.T) {
	a := simagent.New("a1", "Red", 0xff0000, simagent.RoleCrewmate, orb.Point{0, 0}, 1)
	a.AssignedTasks = []simagent.Task{
		{TaskType: "wires", IsCompleted: true},
		{TaskType: "trash", IsCompleted: false},
	}
	d := DefaultDecision(a)
	require.Equal(t, GoalGoToTask, d.GoalType)
	require.NotNil(t, d.TargetTaskIndex)
	require.Equal(t, 1, *d.TargetTaskIndex)
}

func TestDefaultDecision_AllCompleteWanders(t *testing.T) {
	a := simagent.New("a1", "Red", 0xff0000, simagent.RoleCrewmate, orb.Point{0, 0}, 1)
	a.AssignedTasks = []simagent.Task{{TaskType: "wires", IsCompleted: true}}
	d := DefaultDecision(a)
	require.Equal(t, GoalWander, d.GoalType)
}

func TestFallbackThought_KnownAndUnknownTriggers(t *testing.T) {
	require.Equal(t, "Someone's nearby.", FallbackThought(trigger.KindAgentSpotted))
	require.Equal(t, defaultFallbackThought, FallbackThought(trigger.KindTaskCompleted))
}

func TestValidateSpeech_DropsEmpty(t *testing.T) {
	_, ok := ValidateSpeech("Red", "   ")
	require.False(t, ok)
}

func TestValidateSpeech_RewritesThirdPerson(t *testing.T) {
	text, ok := ValidateSpeech("Orange", "Orange was in electrical.")
	require.True(t, ok)
	require.Equal(t, "I was in electrical.", text)
}

func TestMentionedOffRosterColors_FlagsUnreachable(t *testing.T) {
	flagged := MentionedOffRosterColors("I saw Red vent near Blue", "Green", []string{"blue"}, []string{"Red", "Blue", "Green"})
	require.Equal(t, []string{"Red"}, flagged)
}
