// Package simulation implements the fixed-rate tick loop of spec
// §4.L: it is the sole mutator of agent state and drives components
// A-K each tick, handing the resulting snapshot to the broadcaster.
package simulation

import (
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/paulmach/orb"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"townsim/internal/config"
	"townsim/internal/conversation"
	"townsim/internal/decision"
	"townsim/internal/geometry"
	"townsim/internal/pathing"
	"townsim/internal/perception"
	"townsim/internal/reasoning"
	"townsim/internal/simagent"
	"townsim/internal/trigger"
)

// maxDT caps the integrated step so a debugger pause or GC stall never
// produces a single huge kinematic jump (spec §4.L).
const maxDT = 250 * time.Millisecond

// Token budgets and sampling temperature for reasoning requests,
// per spec §6. Thought generation rides along the decision response's
// optional THOUGHT: line rather than a separate request, so there is
// no distinct thought-only token budget.
const (
	decisionMaxTokens   = 200
	speechMaxTokens     = 70
	decisionTemperature = 0.8
)

// recentEventCap bounds the recentThoughts/recentSpeech rings carried
// on every snapshot.
const recentEventCap = 20

type requestKind int

const (
	requestDecision requestKind = iota
	requestSpeech
)

// inflight tracks the one outstanding reasoning request an agent may
// have at a time (isThinking gates a second).
type inflight struct {
	future      *reasoning.Future
	kind        requestKind
	trigger     trigger.Kind
	allowSpeech bool
	convID      string
	target      string
}

// tickFacts is the per-agent perception snapshot computed once per
// tick and consulted by both the trigger engine and prompt assembly.
type tickFacts struct {
	previousZone string
	visible      []string
	canSpeakTo   []string
	nearestDist  float64
}

// ThoughtEvent is one entry in the snapshot's recentThoughts ring.
type ThoughtEvent struct {
	AgentID string
	Text    string
	AtMS    float64
}

// SpeechEvent is one entry in the snapshot's recentSpeech ring.
type SpeechEvent struct {
	AgentID  string
	TargetID string
	Text     string
	AtMS     float64
}

// MovementSnapshot is the kinematic sub-block of an AgentSnapshot.
type MovementSnapshot struct {
	Position orb.Point
	Velocity geometry.Vec
	Facing   float64
	Path     []orb.Point
}

// AgentSnapshot is one agent's serializable state, per spec §6's
// snapshot payload shape.
type AgentSnapshot struct {
	ID               string
	Name             string
	Color            uint32
	Role             simagent.Role
	Movement         MovementSnapshot
	ActivityState    simagent.ActivityState
	CurrentZone      string
	CurrentGoal      string
	AssignedTasks    []simagent.Task
	CurrentTaskIndex *int
	TasksCompleted   int
	VisibleAgentIDs  []string
	IsThinking       bool
	CurrentThought   string
	RecentSpeech     string
}

// Snapshot is the full per-tick world state handed to the broadcaster.
type Snapshot struct {
	Tick           uint64
	TimestampMS    float64
	Agents         []AgentSnapshot
	TaskProgress   float64
	GamePhase      string
	RecentThoughts []ThoughtEvent
	RecentSpeech   []SpeechEvent
	LLMQueueStats  reasoning.Stats
}

// Simulation owns every agent and is the only component that mutates
// them; every other package below it is reached only through its own
// methods, per spec §5's shared-resource policy.
type Simulation struct {
	cfg   config.Config
	m     *geometry.Map
	zones *geometry.ZoneDetector
	graph *pathing.Graph
	queue *reasoning.Queue
	convs *conversation.Store

	agents  []*simagent.Agent
	byID    map[string]*simagent.Agent
	pending map[string]*inflight

	lastTick  time.Time
	wallNow   time.Time
	tick      uint64
	nowMS     float64
	gamePhase string

	lastFacts      map[string]tickFacts
	recentThoughts []ThoughtEvent
	recentSpeech   []SpeechEvent
}

// New builds a Simulation over an already-placed agent roster. startMS
// seeds each agent's randomized cooldown clocks (spec §4.H).
func New(cfg config.Config, m *geometry.Map, graph *pathing.Graph, agents []*simagent.Agent, queue *reasoning.Queue, startMS float64) *Simulation {
	byID := make(map[string]*simagent.Agent, len(agents))
	for _, a := range agents {
		byID[a.ID] = a
		if a.VisionRadius == 0 {
			a.VisionRadius = cfg.Ranges.VisionRadius
		}
		if a.ActionRadius == 0 {
			a.ActionRadius = cfg.Ranges.ActionRadius
		}
		trigger.RandomizeInitialClocks(a, cfg.Cooldowns, startMS)
	}
	return &Simulation{
		cfg:       cfg,
		m:         m,
		zones:     geometry.NewZoneDetector(m),
		graph:     graph,
		queue:     queue,
		convs:     conversation.NewStore(),
		agents:    agents,
		byID:      byID,
		pending:   make(map[string]*inflight),
		nowMS:     startMS,
		gamePhase: "active",
	}
}

// Step advances the simulation by the elapsed time since the previous
// call to now, and returns the resulting snapshot. Ticks are
// monotonic regardless of how Step is driven.
func (s *Simulation) Step(now time.Time) Snapshot {
	dt := now.Sub(s.lastTick)
	if s.lastTick.IsZero() {
		dt = 0
	}
	if dt > maxDT {
		dt = maxDT
	}
	if dt < 0 {
		dt = 0
	}
	s.lastTick = now
	s.wallNow = now
	s.tick++
	s.nowMS += dt.Seconds() * 1000

	s.resolvePendingReasoning()

	prevZones := s.updateKinematics(dt.Seconds())
	idx := s.buildPerceptionIndex()
	facts := s.updatePerception(idx, prevZones)
	s.lastFacts = facts

	s.convs.TickCleanup(now)
	s.runTriggers(facts)

	progress := s.taskProgress()
	s.updateGamePhase(progress)

	return s.buildSnapshot(progress)
}

// updateKinematics runs movement, task-duration, and zone updates for
// every living agent. Each agent only ever touches its own state, so
// this phase is safe to fan out with a bounded worker group.
func (s *Simulation) updateKinematics(dtSeconds float64) map[string]string {
	prevZones := make(map[string]string, len(s.agents))
	var mu sync.Mutex
	g := new(errgroup.Group)
	g.SetLimit(8)
	for _, a := range s.agents {
		a := a
		if !a.IsAlive() {
			continue
		}
		g.Go(func() error {
			prevZone := a.CurrentZone
			a.UpdateMovement(s.m, dtSeconds)
			a.UpdateTask(s.nowMS)
			a.CurrentZone = perception.ZoneAt(s.zones, a.Movement.Position, a.CurrentZone)
			mu.Lock()
			prevZones[a.ID] = prevZone
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return prevZones
}

// buildPerceptionIndex rebuilds the shared kd-tree over every living
// agent's freshly updated position. Must run after updateKinematics
// and before updatePerception.
func (s *Simulation) buildPerceptionIndex() *perception.Index {
	subjects := make([]perception.Subject, 0, len(s.agents))
	for _, a := range s.agents {
		if !a.IsAlive() {
			continue
		}
		subjects = append(subjects, perception.Subject{ID: a.ID, Position: a.Movement.Position})
	}
	return perception.BuildIndex(subjects)
}

// updatePerception computes each living agent's visible/speakable sets
// and the distance to its nearest visible agent against the shared
// index. Read-only over the index, so this phase also fans out.
func (s *Simulation) updatePerception(idx *perception.Index, prevZones map[string]string) map[string]tickFacts {
	facts := make(map[string]tickFacts, len(s.agents))
	var mu sync.Mutex
	g := new(errgroup.Group)
	g.SetLimit(8)
	for _, a := range s.agents {
		a := a
		if !a.IsAlive() {
			continue
		}
		g.Go(func() error {
			res := perception.Compute(s.m, idx, perception.Subject{ID: a.ID, Position: a.Movement.Position}, a.VisionRadius, s.cfg.Ranges.SpeechRange)
			nearest := math.Inf(1)
			for _, id := range res.VisibleAgents {
				if other, ok := s.byID[id]; ok {
					d := math.Hypot(other.Movement.Position.X-a.Movement.Position.X, other.Movement.Position.Y-a.Movement.Position.Y)
					nearest = math.Min(nearest, d)
				}
			}
			a.VisibleAgentIDs = res.VisibleAgents
			mu.Lock()
			facts[a.ID] = tickFacts{
				previousZone: prevZones[a.ID],
				visible:      res.VisibleAgents,
				canSpeakTo:   res.CanSpeakTo,
				nearestDist:  nearest,
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return facts
}

// runTriggers drains each agent's fired trigger kinds, gives priority
// to a pending conversation reply over any newly fired trigger, and
// dispatches at most one reasoning request per agent per tick.
func (s *Simulation) runTriggers(facts map[string]tickFacts) {
	for _, a := range s.agents {
		if !a.IsAlive() {
			continue
		}
		f := facts[a.ID]
		in := trigger.Input{
			CurrentVisible:     f.visible,
			PreviousZone:       f.previousZone,
			ClosePassDistance:  s.cfg.Ranges.ClosePassDistance,
			NearestVisibleDist: f.nearestDist,
			NowMS:              s.nowMS,
		}
		fired := trigger.Detect(a, in)

		if s.dispatchConversationReply(a) {
			continue
		}
		if a.IsThinking {
			continue
		}
		if _, busy := s.pending[a.ID]; busy {
			continue
		}
		if len(fired) == 0 {
			continue
		}
		if !trigger.ThoughtPermitted(a, s.cfg.Cooldowns, s.coefficient(), s.nowMS) {
			continue
		}
		s.dispatchDecision(a, fired[0], f)
	}
}

// dispatchConversationReply enqueues a reply prompt when it's a's turn
// in an active conversation, taking priority over ordinary triggers
// per spec §4.K. Returns true whenever the agent is already committed
// to conversation handling this tick, whether or not a new request was
// actually dispatched.
func (s *Simulation) dispatchConversationReply(a *simagent.Agent) bool {
	conv := s.convs.GetActiveFor(a.ID)
	if conv == nil || conv.NextSpeaker() != a.ID {
		return false
	}
	if a.IsThinking {
		return true
	}
	if _, busy := s.pending[a.ID]; busy {
		return true
	}
	prompt := conversationReplyPrompt(a, conv)
	future := s.queue.Enqueue(s.queue.NewHTTPTask(prompt, decisionTemperature, speechMaxTokens), s.cfg.Reasoning.TimeoutMS)
	s.pending[a.ID] = &inflight{future: future, kind: requestSpeech, convID: conv.ID}
	a.IsThinking = true
	return true
}

func conversationReplyPrompt(a *simagent.Agent, conv *conversation.Conversation) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "You are %s, replying in a conversation about %s.\n", a.Name, conv.Topic)
	for _, t := range conv.Turns {
		fmt.Fprintf(&sb, "%s: %s\n", t.Speaker, t.Text)
	}
	sb.WriteString("Reply in character with a single short line of dialogue.\n")
	return sb.String()
}

// dispatchDecision enqueues a goal-selection prompt for the
// highest-priority fired trigger, rolling this tick's speech
// permission up front so the prompt can forbid GOAL: SPEAK when the
// cooldown or probability roll denies it.
func (s *Simulation) dispatchDecision(a *simagent.Agent, kind trigger.Kind, f tickFacts) {
	if kind == trigger.KindIdleRandom {
		a.NextRandomThoughtMS = s.nowMS + trigger.NextRandomThoughtInterval(a.Rand(), s.cfg.Cooldowns)
	}

	allowSpeech := len(f.canSpeakTo) > 0 &&
		trigger.SpeechPermitted(a, s.cfg.Cooldowns, s.coefficient(), s.nowMS) &&
		a.Rand().Float64() < trigger.SpeechProbability(kind)

	ctx := decision.Context{
		Self:          a,
		Location:      a.CurrentZone,
		VisibleAgents: s.visibleAgentInfo(a, f.visible),
		CanSpeakTo:    f.canSpeakTo,
		Trigger:       kind,
	}
	prompt := decision.BuildPrompt(ctx)
	if !allowSpeech {
		prompt += "Do not choose GOAL: SPEAK this turn.\n"
	}

	future := s.queue.Enqueue(s.queue.NewHTTPTask(prompt, decisionTemperature, decisionMaxTokens), s.cfg.Reasoning.TimeoutMS)
	s.pending[a.ID] = &inflight{future: future, kind: requestDecision, trigger: kind, allowSpeech: allowSpeech}
	a.IsThinking = true
}

func (s *Simulation) visibleAgentInfo(a *simagent.Agent, ids []string) []decision.VisibleAgentInfo {
	out := make([]decision.VisibleAgentInfo, 0, len(ids))
	for _, id := range ids {
		other, ok := s.byID[id]
		if !ok {
			continue
		}
		dx := other.Movement.Position.X - a.Movement.Position.X
		dy := other.Movement.Position.Y - a.Movement.Position.Y
		out = append(out, decision.VisibleAgentInfo{
			Name:     other.Name,
			Color:    fmt.Sprintf("#%06x", other.Color),
			Distance: math.Hypot(dx, dy),
		})
	}
	return out
}

// resolvePendingReasoning polls every in-flight request without
// blocking and folds resolved outcomes back into agent state, per
// spec §5's "reasoning futures never block the tick."
func (s *Simulation) resolvePendingReasoning() {
	for id, inf := range s.pending {
		a, ok := s.byID[id]
		if !ok {
			delete(s.pending, id)
			continue
		}
		text, kind, err, ready := inf.future.Poll()
		if !ready {
			continue
		}
		delete(s.pending, id)
		a.IsThinking = false

		if err != nil {
			s.handleFailedReasoning(a, inf, kind)
			continue
		}
		switch inf.kind {
		case requestDecision:
			s.applyDecision(a, inf, text)
		case requestSpeech:
			s.applySpeech(a, inf, text)
		}
	}
}

// handleFailedReasoning applies spec §5's failure policy: Timeout and
// Cancelled resolve to a canned fallback thought and the default
// decision for goal-selection requests, and silence for speech.
func (s *Simulation) handleFailedReasoning(a *simagent.Agent, inf *inflight, kind reasoning.FailureKind) {
	log.Debug().Str("agent", a.ID).Str("failure", string(kind)).Msg("reasoning request failed")
	switch inf.kind {
	case requestDecision:
		a.LastThoughtTimeMS = s.nowMS
		a.CurrentThought = decision.FallbackThought(inf.trigger)
		s.recordThought(a.ID, a.CurrentThought)
		s.applyGoal(a, decision.DefaultDecision(a))
	case requestSpeech:
		// Stays silent; no cooldown is consumed since nothing was said.
	}
}

func (s *Simulation) applyDecision(a *simagent.Agent, inf *inflight, raw string) {
	a.LastThoughtTimeMS = s.nowMS
	d, ok := decision.ParseResponse(raw)
	if !ok {
		d = decision.DefaultDecision(a)
	}
	if d.GoalType == decision.GoalSpeak && !inf.allowSpeech {
		d = decision.DefaultDecision(a)
	}
	if d.Thought != "" {
		a.CurrentThought = d.Thought
		s.recordThought(a.ID, d.Thought)
	}
	s.applyGoal(a, d)
}

func (s *Simulation) applyGoal(a *simagent.Agent, d decision.Decision) {
	a.CurrentGoal = string(d.GoalType)
	switch d.GoalType {
	case decision.GoalGoToTask:
		if d.TargetTaskIndex != nil && *d.TargetTaskIndex >= 0 && *d.TargetTaskIndex < len(a.AssignedTasks) {
			task := a.AssignedTasks[*d.TargetTaskIndex]
			s.routeTo(a, task.Position, "goal_go_to_task")
		}
	case decision.GoalWander:
		s.routeTo(a, s.randomWanderTarget(a), "goal_wander")
	case decision.GoalFollowAgent:
		if target, ok := s.byID[d.TargetAgentID]; ok {
			s.routeTo(a, geometry.PointFromVec(target.Movement.Position), "goal_follow_agent")
		}
	case decision.GoalHunt:
		if target, ok := s.byID[d.TargetAgentID]; ok {
			s.routeTo(a, geometry.PointFromVec(target.Movement.Position), "goal_hunt")
		}
	case decision.GoalAvoidAgent:
		if target, ok := s.byID[d.TargetAgentID]; ok {
			s.routeTo(a, awayFrom(a, target), "goal_avoid_agent")
		}
	case decision.GoalKill:
		if target, ok := s.byID[d.TargetAgentID]; ok && a.Role == simagent.RoleImpostor {
			target.Kill("killed")
		}
	case decision.GoalSpeak:
		if target, ok := s.byID[d.TargetAgentID]; ok && target.IsAlive() {
			s.dispatchInitialSpeech(a, target)
		}
	case decision.GoalIdle:
		a.Stop("goal_idle")
	}
}

func (s *Simulation) dispatchInitialSpeech(a, target *simagent.Agent) {
	if _, busy := s.pending[a.ID]; busy {
		return
	}
	prompt := fmt.Sprintf("You are %s. Say one short line of dialogue to %s about what you've just observed or are thinking.\n", a.Name, target.Name)
	future := s.queue.Enqueue(s.queue.NewHTTPTask(prompt, decisionTemperature, speechMaxTokens), s.cfg.Reasoning.TimeoutMS)
	s.pending[a.ID] = &inflight{future: future, kind: requestSpeech, target: target.ID}
	a.IsThinking = true
}

func (s *Simulation) applySpeech(a *simagent.Agent, inf *inflight, raw string) {
	text, ok := decision.ValidateSpeech(a.Name, raw)
	if !ok {
		return
	}
	flagged := decision.MentionedOffRosterColors(text, a.Name, s.canSpeakToNames(a), s.allAgentNames())
	for _, c := range flagged {
		log.Warn().Str("agent", a.ID).Str("color", c).Msg("speech mentions an agent outside earshot")
	}

	a.LastSpeechTimeMS = s.nowMS
	a.LastSpeech = text

	now := s.wallNow
	convID := inf.convID
	switch {
	case convID == "" && inf.target != "":
		convID = s.convs.StartConversation(a.Rand(), a.ID, inf.target, text, now)
	case convID != "":
		s.convs.AddReply(convID, a.ID, text, now)
	}

	target := inf.target
	if conv := s.convs.GetActiveFor(a.ID); conv != nil {
		for _, p := range conv.Participants {
			if p == a.ID {
				continue
			}
			target = p
			if other, ok := s.byID[p]; ok {
				other.RaiseTrigger(string(trigger.KindHeardSpeech))
			}
		}
	}
	s.recordSpeech(a.ID, target, text)
}

// routeTo plans and smooths a path to dest and assigns it, silently
// doing nothing if no route exists (the agent simply stays put and
// will be asked again on its next decision).
func (s *Simulation) routeTo(a *simagent.Agent, dest orb.Point, reason string) {
	from := geometry.PointFromVec(a.Movement.Position)
	p, ok := s.graph.FindPath(from, dest)
	if !ok {
		return
	}
	a.AssignPath(pathing.Smooth(p.Waypoints), reason)
}

// randomWanderTarget picks a random zone centroid as a wander
// destination; every map is expected to carry at least one labeled
// zone.
func (s *Simulation) randomWanderTarget(a *simagent.Agent) orb.Point {
	if len(s.m.Zones) == 0 {
		return geometry.PointFromVec(a.Movement.Position)
	}
	z := s.m.Zones[a.Rand().Intn(len(s.m.Zones))]
	return s.m.Centroid(z.Polygon)
}

func awayFrom(a, target *simagent.Agent) orb.Point {
	const fleeDistance = 200
	dx := a.Movement.Position.X - target.Movement.Position.X
	dy := a.Movement.Position.Y - target.Movement.Position.Y
	dist := math.Hypot(dx, dy)
	if dist == 0 {
		dx, dy, dist = 1, 0, 1
	}
	return orb.Point{
		a.Movement.Position.X + dx/dist*fleeDistance,
		a.Movement.Position.Y + dy/dist*fleeDistance,
	}
}

func (s *Simulation) canSpeakToNames(a *simagent.Agent) []string {
	facts, ok := s.lastFacts[a.ID]
	if !ok {
		return nil
	}
	names := make([]string, 0, len(facts.canSpeakTo))
	for _, id := range facts.canSpeakTo {
		if other, ok := s.byID[id]; ok {
			names = append(names, other.Name)
		}
	}
	return names
}

func (s *Simulation) allAgentNames() []string {
	names := make([]string, 0, len(s.agents))
	for _, a := range s.agents {
		names = append(names, a.Name)
	}
	return names
}

func (s *Simulation) coefficient() float64 {
	return s.queue.CalculateThinkingCoefficient()
}

// taskProgress computes completed crew tasks / total crew tasks, per
// spec §4.L (impostor tasks, if any, never count).
func (s *Simulation) taskProgress() float64 {
	var completed, total int
	for _, a := range s.agents {
		if a.Role != simagent.RoleCrewmate {
			continue
		}
		for _, t := range a.AssignedTasks {
			total++
			if t.IsCompleted {
				completed++
			}
		}
	}
	if total == 0 {
		return 0
	}
	return float64(completed) / float64(total)
}

func (s *Simulation) updateGamePhase(progress float64) {
	if progress >= 1 {
		s.gamePhase = "ended"
	}
}

func (s *Simulation) recordThought(agentID, text string) {
	s.recentThoughts = append(s.recentThoughts, ThoughtEvent{AgentID: agentID, Text: text, AtMS: s.nowMS})
	if len(s.recentThoughts) > recentEventCap {
		s.recentThoughts = s.recentThoughts[len(s.recentThoughts)-recentEventCap:]
	}
}

func (s *Simulation) recordSpeech(agentID, targetID, text string) {
	s.recentSpeech = append(s.recentSpeech, SpeechEvent{AgentID: agentID, TargetID: targetID, Text: text, AtMS: s.nowMS})
	if len(s.recentSpeech) > recentEventCap {
		s.recentSpeech = s.recentSpeech[len(s.recentSpeech)-recentEventCap:]
	}
}

func (s *Simulation) buildSnapshot(progress float64) Snapshot {
	agentsOut := make([]AgentSnapshot, 0, len(s.agents))
	for _, a := range s.agents {
		tasksCompleted := 0
		for _, t := range a.AssignedTasks {
			if t.IsCompleted {
				tasksCompleted++
			}
		}
		remaining := a.Movement.Path
		if a.Movement.PathIndex < len(remaining) {
			remaining = remaining[a.Movement.PathIndex:]
		} else {
			remaining = nil
		}
		path := make([]orb.Point, len(remaining))
		copy(path, remaining)

		agentsOut = append(agentsOut, AgentSnapshot{
			ID:    a.ID,
			Name:  a.Name,
			Color: a.Color,
			Role:  a.Role,
			Movement: MovementSnapshot{
				Position: geometry.PointFromVec(a.Movement.Position),
				Velocity: a.Movement.Velocity,
				Facing:   a.Movement.Facing,
				Path:     path,
			},
			ActivityState:    a.ActivityState,
			CurrentZone:      a.CurrentZone,
			CurrentGoal:      a.CurrentGoal,
			AssignedTasks:    a.AssignedTasks,
			CurrentTaskIndex: a.CurrentTaskIndex,
			TasksCompleted:   tasksCompleted,
			VisibleAgentIDs:  a.VisibleAgentIDs,
			IsThinking:       a.IsThinking,
			CurrentThought:   a.CurrentThought,
			RecentSpeech:     a.LastSpeech,
		})
	}
	return Snapshot{
		Tick:           s.tick,
		TimestampMS:    s.nowMS,
		Agents:         agentsOut,
		TaskProgress:   progress,
		GamePhase:      s.gamePhase,
		RecentThoughts: append([]ThoughtEvent(nil), s.recentThoughts...),
		RecentSpeech:   append([]SpeechEvent(nil), s.recentSpeech...),
		LLMQueueStats:  s.queue.GetStats(),
	}
}
