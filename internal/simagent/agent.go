// Package simagent implements the per-agent state machine (spec §4.F)
// and the Agent value every other component reads and mutates through
// the simulation loop's exclusive ownership.
package simagent

import (
	"math/rand"

	"github.com/paulmach/orb"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/trace"

	"townsim/internal/geometry"
	"townsim/internal/movement"
)

// ActivityState is one of the four states in spec §4.F.
type ActivityState string

const (
	StateIdle     ActivityState = "IDLE"
	StateWalking  ActivityState = "WALKING"
	StateDoingTask ActivityState = "DOING_TASK"
	StateDead     ActivityState = "DEAD"
)

// Role assigns an agent to one of the two factions.
type Role string

const (
	RoleCrewmate Role = "CREWMATE"
	RoleImpostor Role = "IMPOSTOR"
)

// Task is one entry in an agent's assigned task list.
type Task struct {
	TaskType    string
	Room        string
	Position    orb.Point
	Duration    float64 // seconds
	StartedAt   *float64
	IsCompleted bool
}

// RecentEventsCap bounds the ring buffer used for prompt context.
const RecentEventsCap = 10

// Agent is one simulated inhabitant. Position/velocity/facing and path
// following live in the embedded movement.State; everything else here
// is FSM, perception bookkeeping, and trigger/reasoning state.
type Agent struct {
	ID    string
	Name  string
	Color uint32
	Role  Role

	Movement movement.State

	ActivityState ActivityState
	CurrentZone   string

	AssignedTasks    []Task
	CurrentTaskIndex *int
	taskStartedAt    float64

	VisionRadius float64
	ActionRadius float64

	IsThinking            bool
	LastThoughtTimeMS     float64
	LastSpeechTimeMS      float64
	NextRandomThoughtMS   float64

	// CurrentGoal, CurrentThought, and LastSpeech are the most recent
	// reasoning outputs attached by the simulation loop for the
	// snapshot's aiState fields (spec §6's snapshot payload shape).
	CurrentGoal    string
	CurrentThought string
	LastSpeech     string

	// VisibleAgentIDs is this tick's perception result, recomputed every
	// tick and read directly by the snapshot builder.
	VisibleAgentIDs []string

	PreviouslyVisibleAgents map[string]struct{}
	RecentEvents            []string

	ConversationID string

	// PendingTriggers holds trigger-kind-5 events raised by the state
	// machine or conversation coordinator since the last drain by the
	// trigger engine (spec §4.H kind 5: task_completed, task_started,
	// arrived_at_destination, heard_speech, task_in_action_radius).
	PendingTriggers []string

	// rng is a per-agent seeded PRNG so jitter and randomized clocks are
	// reproducible given a fixed simulation seed.
	rng *rand.Rand

	// span is a nil-safe tracing handle set by the simulation loop when a
	// reasoning request is in flight for this agent.
	span trace.Span
}

// New creates an agent in the IDLE state with a seeded RNG.
func New(id, name string, color uint32, role Role, pos orb.Point, seed int64) *Agent {
	a := &Agent{
		ID:                      id,
		Name:                    name,
		Color:                   color,
		Role:                    role,
		ActivityState:           StateIdle,
		PreviouslyVisibleAgents: make(map[string]struct{}),
		rng:                     rand.New(rand.NewSource(seed)),
	}
	a.Movement.Position = geometry.VecFromPoint(pos)
	return a
}

// Rand exposes the agent's seeded PRNG to callers that need
// reproducible jitter (trigger cooldowns, conversation turn caps).
func (a *Agent) Rand() *rand.Rand { return a.rng }

// SetSpan attaches the tracing span for an in-flight reasoning request.
// A nil span is valid and simply disables span-scoped logging.
func (a *Agent) SetSpan(s trace.Span) { a.span = s }

func (a *Agent) transition(to ActivityState, reason string) {
	from := a.ActivityState
	if from == to {
		return
	}
	a.ActivityState = to
	log.Debug().Str("agent", a.ID).Str("from", string(from)).Str("to", string(to)).Str("reason", reason).Msg("state transition")
}

// AssignPath moves the agent into WALKING with a freshly smoothed path.
// A single-point path transitions straight back to IDLE, matching the
// "path=[p,p]" boundary case where the destination equals the start.
func (a *Agent) AssignPath(path []orb.Point, reason string) {
	a.Movement.Reset(path)
	if len(path) < 2 {
		a.transition(StateIdle, reason)
		return
	}
	if path[0] == path[len(path)-1] {
		a.transition(StateIdle, "arrived_at_destination")
		a.RaiseTrigger("arrived_at_destination")
		return
	}
	a.transition(StateWalking, reason)
}

// Stop externally halts any in-progress walk (WALKING -> IDLE).
func (a *Agent) Stop(reason string) {
	if a.ActivityState != StateWalking {
		return
	}
	a.Movement.Reset(nil)
	a.transition(StateIdle, reason)
}

// UpdateMovement advances kinematics for one tick and folds the result
// back into the FSM: arrival or stuck detection both resolve WALKING ->
// IDLE, per spec §4.F's "arrived at destination OR stuck (replan)" rule.
func (a *Agent) UpdateMovement(m *geometry.Map, dt float64) {
	if a.ActivityState != StateWalking {
		return
	}
	a.Movement.Update(m, dt)
	if a.Movement.Arrived {
		a.transition(StateIdle, "arrived_at_destination")
		a.RaiseTrigger("arrived_at_destination")
		return
	}
	if a.Movement.Stuck {
		a.transition(StateIdle, "stuck")
	}
}

// BeginTask transitions IDLE -> DOING_TASK once the agent is within
// actionRadius of the chosen task and a task index has been selected.
func (a *Agent) BeginTask(index int, nowMS float64) {
	if a.ActivityState != StateIdle {
		return
	}
	if index < 0 || index >= len(a.AssignedTasks) {
		log.Error().Str("agent", a.ID).Int("index", index).Msg("invariant: task index out of range")
		return
	}
	a.CurrentTaskIndex = &index
	a.taskStartedAt = nowMS
	started := nowMS
	a.AssignedTasks[index].StartedAt = &started
	a.transition(StateDoingTask, "task_started")
	a.RaiseTrigger("task_started")
}

// UpdateTask advances task duration and completes it once elapsed time
// reaches the task's duration (DOING_TASK -> IDLE).
func (a *Agent) UpdateTask(nowMS float64) {
	if a.ActivityState != StateDoingTask {
		return
	}
	if a.CurrentTaskIndex == nil {
		log.Error().Str("agent", a.ID).Msg("invariant: DOING_TASK without currentTaskIndex")
		a.transition(StateIdle, "invariant_recovery")
		return
	}
	idx := *a.CurrentTaskIndex
	task := &a.AssignedTasks[idx]
	elapsedMS := nowMS - a.taskStartedAt
	if elapsedMS/1000.0 >= task.Duration {
		task.IsCompleted = true
		a.CurrentTaskIndex = nil
		a.transition(StateIdle, "task_completed")
		a.RaiseTrigger("task_completed")
	}
}

// Kill transitions any living agent to the terminal DEAD state.
func (a *Agent) Kill(reason string) {
	if a.ActivityState == StateDead {
		return
	}
	a.transition(StateDead, reason)
}

// IsAlive reports whether the agent still participates in perception,
// triggers, and reasoning.
func (a *Agent) IsAlive() bool { return a.ActivityState != StateDead }

// RaiseTrigger queues a kind-5 trigger event (spec §4.H) for the next
// drain by the trigger engine. Callers outside simagent (conversation,
// simulation) use this for heard_speech and task_in_action_radius.
func (a *Agent) RaiseTrigger(kind string) {
	a.PendingTriggers = append(a.PendingTriggers, kind)
}

// DrainTriggers returns and clears the pending kind-5 trigger events.
func (a *Agent) DrainTriggers() []string {
	if len(a.PendingTriggers) == 0 {
		return nil
	}
	out := a.PendingTriggers
	a.PendingTriggers = nil
	return out
}

// RecordEvent appends to the bounded recent-events ring used for
// prompt context, dropping the oldest entry once full.
func (a *Agent) RecordEvent(event string) {
	a.RecentEvents = append(a.RecentEvents, event)
	if len(a.RecentEvents) > RecentEventsCap {
		a.RecentEvents = a.RecentEvents[len(a.RecentEvents)-RecentEventsCap:]
	}
}
