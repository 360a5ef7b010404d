// Package broadcast implements the subscriber-facing websocket stream of
// spec §4.M: handshake, full snapshot, delta state-update, heartbeat,
// llm-trace, and error frames, fanned out to one send goroutine per
// subscriber with bounded, drop-oldest queues.
package broadcast

import (
	"encoding/json"
	"fmt"
	"net/http"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"townsim/internal/observability"
	"townsim/internal/reasoning"
	"townsim/internal/simagent"
	"townsim/internal/simulation"
)

// Timing constants adapted from niceyeti-tabular/server/server.go, widened
// for a multi-subscriber long-lived stream rather than a single dev client.
const (
	writeWait        = 10 * time.Second
	maxMessageSize    = 8192
	pongWait          = 60 * time.Second
	pingPeriod        = (pongWait * 9) / 10
	closeGracePeriod  = 10 * time.Second
	heartbeatPeriod   = 10 * time.Second
	subscriberQueueDepth = 32
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// FrameType is the wire-level `type` tag of spec §6.
type FrameType string

const (
	FrameHandshake   FrameType = "handshake"
	FrameSnapshot    FrameType = "snapshot"
	FrameStateUpdate FrameType = "state-update"
	FrameHeartbeat   FrameType = "heartbeat"
	FrameLLMTrace    FrameType = "llm-trace"
	FrameError       FrameType = "error"
)

// Frame is the envelope every subscriber message carries.
type Frame struct {
	Type    FrameType `json:"type"`
	Payload any       `json:"payload"`
}

// HandshakePayload is sent once, immediately after accept.
type HandshakePayload struct {
	ServerVersion string `json:"serverVersion"`
	TickHz        int    `json:"tickHz"`
	NumAgents     int    `json:"numAgents"`
}

// HeartbeatPayload carries the latest known tick so idle subscribers can
// still detect a dead stream per spec §4.M ("absence > 30s is stale").
type HeartbeatPayload struct {
	Tick uint64 `json:"tick"`
}

// ErrorPayload accompanies a fatal or informational server-side error
// frame; it never carries secrets (see observability.RedactJSON for the
// llm-trace equivalent).
type ErrorPayload struct {
	Message string `json:"message"`
}

// LLMTracePayload is the observability frame of spec §4.M.6.
type LLMTracePayload struct {
	AgentID        string          `json:"agentId"`
	AgentName      string          `json:"agentName"`
	RequestType    string          `json:"requestType"`
	Prompt         string          `json:"prompts"`
	RawResponse    json.RawMessage `json:"rawResponse"`
	ParsedDecision json.RawMessage `json:"parsedDecision,omitempty"`
	Context        json.RawMessage `json:"context,omitempty"`
	AgentPositions json.RawMessage `json:"agentPositions,omitempty"`
	Tokens         int             `json:"tokens"`
	DurationMS     int64           `json:"durationMs"`
	Success        bool            `json:"success"`
}

// MovementBlock, SummaryBlock, and AIStateBlock are the three sub-blocks
// delta construction compares independently (spec §4.M: "emit only
// changed sub-blocks").
type MovementBlock struct {
	Position []float64 `json:"position"`
	Velocity []float64 `json:"velocity"`
	Facing   float64   `json:"facing"`
	Path     [][]float64 `json:"path"`
}

type SummaryBlock struct {
	Name             string           `json:"name"`
	Color            uint32           `json:"color"`
	Role             string           `json:"role"`
	ActivityState    string           `json:"activityState"`
	CurrentZone      string           `json:"currentZone"`
	AssignedTasks    []simagent.Task  `json:"assignedTasks"`
	CurrentTaskIndex *int             `json:"currentTaskIndex"`
	TasksCompleted   int              `json:"tasksCompleted"`
}

type AIStateBlock struct {
	CurrentGoal     string   `json:"currentGoal"`
	VisibleAgentIDs []string `json:"visibleAgentIds"`
	IsThinking      bool     `json:"isThinking"`
	CurrentThought  string   `json:"currentThought,omitempty"`
	RecentSpeech    string   `json:"recentSpeech,omitempty"`
}

// AgentFull is one agent's complete record, used in full snapshot frames
// and as the basis for subsequent delta comparisons.
type AgentFull struct {
	ID       string        `json:"id"`
	Summary  SummaryBlock  `json:"summary"`
	Movement MovementBlock `json:"movement"`
	AIState  AIStateBlock  `json:"aiState"`
}

// AgentDelta carries only the sub-blocks that changed since the last
// frame sent to a given subscriber (spec §3's Snapshot Delta shape); the
// Changed flags are redundant with pointer-nilness but spelled out
// explicitly since they are part of the documented wire shape, and a nil
// pointer is indistinguishable from "block omitted" after JSON decode on
// some clients.
type AgentDelta struct {
	ID string `json:"id"`

	SummaryChanged bool          `json:"summaryChanged"`
	Summary        *SummaryBlock `json:"summary,omitempty"`

	MovementChanged bool           `json:"movementChanged"`
	Movement        *MovementBlock `json:"movement,omitempty"`

	AIStateChanged bool          `json:"aiStateChanged"`
	AIState        *AIStateBlock `json:"aiState,omitempty"`
}

// SnapshotPayload is the full-world frame sent on connect and whenever a
// subscriber is upgraded out of backpressure.
type SnapshotPayload struct {
	Tick           uint64                    `json:"tick"`
	Timestamp      float64                   `json:"timestamp"`
	Agents         []AgentFull               `json:"agents"`
	TaskProgress   float64                   `json:"taskProgress"`
	GamePhase      string                    `json:"gamePhase"`
	RecentThoughts []simulation.ThoughtEvent `json:"recentThoughts"`
	RecentSpeech   []simulation.SpeechEvent  `json:"recentSpeech"`
	LLMQueueStats  reasoning.Stats           `json:"llmQueueStats"`
}

// StateUpdatePayload is the per-tick delta frame. RemovedAgents exists
// for wire-shape parity with spec §3's Snapshot Delta; agents are never
// destroyed during a run (killed agents persist as activityState=DEAD),
// so it is always empty in practice.
type StateUpdatePayload struct {
	Tick           uint64                    `json:"tick"`
	Timestamp      float64                   `json:"timestamp"`
	RemovedAgents  []string                  `json:"removedAgents"`
	Agents         []AgentDelta              `json:"agents"`
	TaskProgress   float64                   `json:"taskProgress"`
	GamePhase      string                    `json:"gamePhase"`
	RecentThoughts []simulation.ThoughtEvent `json:"recentThoughts"`
	RecentSpeech   []simulation.SpeechEvent  `json:"recentSpeech"`
	LLMQueueStats  reasoning.Stats           `json:"llmQueueStats"`
}

func vec2(x, y float64) []float64 { return []float64{x, y} }

func toSummary(a simulation.AgentSnapshot) SummaryBlock {
	return SummaryBlock{
		Name:             a.Name,
		Color:            a.Color,
		Role:             string(a.Role),
		ActivityState:    string(a.ActivityState),
		CurrentZone:      a.CurrentZone,
		AssignedTasks:    a.AssignedTasks,
		CurrentTaskIndex: a.CurrentTaskIndex,
		TasksCompleted:   a.TasksCompleted,
	}
}

func toMovement(a simulation.AgentSnapshot) MovementBlock {
	path := make([][]float64, len(a.Movement.Path))
	for i, p := range a.Movement.Path {
		path[i] = vec2(p.X(), p.Y())
	}
	return MovementBlock{
		Position: vec2(a.Movement.Position.X(), a.Movement.Position.Y()),
		Velocity: vec2(a.Movement.Velocity.X, a.Movement.Velocity.Y),
		Facing:   a.Movement.Facing,
		Path:     path,
	}
}

func toAIState(a simulation.AgentSnapshot) AIStateBlock {
	return AIStateBlock{
		CurrentGoal:     a.CurrentGoal,
		VisibleAgentIDs: a.VisibleAgentIDs,
		IsThinking:      a.IsThinking,
		CurrentThought:  a.CurrentThought,
		RecentSpeech:    a.RecentSpeech,
	}
}

func toFull(a simulation.AgentSnapshot) AgentFull {
	return AgentFull{ID: a.ID, Summary: toSummary(a), Movement: toMovement(a), AIState: toAIState(a)}
}

func toSnapshotPayload(snap simulation.Snapshot) SnapshotPayload {
	agents := make([]AgentFull, len(snap.Agents))
	for i, a := range snap.Agents {
		agents[i] = toFull(a)
	}
	return SnapshotPayload{
		Tick:           snap.Tick,
		Timestamp:      snap.TimestampMS,
		Agents:         agents,
		TaskProgress:   snap.TaskProgress,
		GamePhase:      snap.GamePhase,
		RecentThoughts: snap.RecentThoughts,
		RecentSpeech:   snap.RecentSpeech,
		LLMQueueStats:  snap.LLMQueueStats,
	}
}

// Hub owns the subscriber set and is the single caller of Broadcast, one
// per simulation tick (spec §5: "simulation state is owned by the
// driver; other tasks observe it only through messages or snapshot
// copies").
type Hub struct {
	mu          sync.Mutex
	subscribers map[string]*subscriber
	nextID      uint64
	lastTick    atomic.Uint64

	tickHz    int
	numAgents int
}

// NewHub constructs an empty hub. tickHz/numAgents are only used to
// populate the handshake payload.
func NewHub(tickHz, numAgents int) *Hub {
	return &Hub{
		subscribers: make(map[string]*subscriber),
		tickHz:      tickHz,
		numAgents:   numAgents,
	}
}

// subscriber is one accepted websocket connection. lastSent is touched
// only from the Hub's single Broadcast caller; needsResnapshot is set by
// Broadcast and by PublishLLMTrace/PublishError (via broadcastAux) and
// read by Broadcast; send is the bounded buffer owned by this subscriber's own
// writePump goroutine (spec §5's "per-subscriber send buffers are owned
// by their subscriber task").
type subscriber struct {
	id   string
	conn *websocket.Conn

	send chan []byte
	done chan struct{}

	lastSent        map[string]AgentFull
	needsResnapshot bool
}

func (sub *subscriber) enqueue(b []byte) (dropped bool) {
	select {
	case sub.send <- b:
		return false
	default:
	}
	select {
	case <-sub.send:
	default:
	}
	select {
	case sub.send <- b:
	default:
	}
	return true
}

// ServeHTTP upgrades the request and runs the subscriber's read/write
// pumps until the connection closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("broadcast: websocket upgrade failed")
		return
	}
	sub := h.register(conn)
	go sub.readPump()
	sub.writePump(h)
}

func (h *Hub) register(conn *websocket.Conn) *subscriber {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextID++
	sub := &subscriber{
		id:       fmt.Sprintf("sub-%d", h.nextID),
		conn:     conn,
		send:     make(chan []byte, subscriberQueueDepth),
		done:     make(chan struct{}),
		lastSent: make(map[string]AgentFull),
	}
	h.subscribers[sub.id] = sub

	handshake, err := json.Marshal(Frame{
		Type: FrameHandshake,
		Payload: HandshakePayload{
			ServerVersion: "1",
			TickHz:        h.tickHz,
			NumAgents:     h.numAgents,
		},
	})
	if err == nil {
		sub.enqueue(handshake)
	}
	return sub
}

func (h *Hub) unregister(sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subscribers, sub.id)
}

func (h *Hub) snapshot() []*subscriber {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs := make([]*subscriber, 0, len(h.subscribers))
	for _, sub := range h.subscribers {
		subs = append(subs, sub)
	}
	return subs
}

// Broadcast sends one frame per subscriber for this tick: either the
// subscriber's per-agent delta, or (if the prior tick's send buffer
// overflowed) a full resnapshot per spec §4.M.5.
func (h *Hub) Broadcast(snap simulation.Snapshot) {
	h.lastTick.Store(snap.Tick)
	for _, sub := range h.snapshot() {
		frame := h.frameFor(sub, snap)
		b, err := json.Marshal(frame)
		if err != nil {
			log.Error().Err(err).Msg("broadcast: marshal frame")
			continue
		}
		if sub.enqueue(b) {
			sub.needsResnapshot = true
		}
	}
}

func (h *Hub) frameFor(sub *subscriber, snap simulation.Snapshot) Frame {
	if sub.needsResnapshot || len(sub.lastSent) == 0 {
		sub.needsResnapshot = false
		payload := toSnapshotPayload(snap)
		sub.lastSent = make(map[string]AgentFull, len(payload.Agents))
		for _, full := range payload.Agents {
			sub.lastSent[full.ID] = full
		}
		return Frame{Type: FrameSnapshot, Payload: payload}
	}

	deltas := make([]AgentDelta, 0, len(snap.Agents))
	for _, a := range snap.Agents {
		full := toFull(a)
		prev, known := sub.lastSent[a.ID]
		d := AgentDelta{ID: a.ID}
		changed := false

		if !known || !reflect.DeepEqual(prev.Summary, full.Summary) {
			s := full.Summary
			d.Summary = &s
			d.SummaryChanged = true
			changed = true
		}
		if !known || !reflect.DeepEqual(prev.Movement, full.Movement) {
			m := full.Movement
			d.Movement = &m
			d.MovementChanged = true
			changed = true
		}
		if !known || !reflect.DeepEqual(prev.AIState, full.AIState) {
			ai := full.AIState
			d.AIState = &ai
			d.AIStateChanged = true
			changed = true
		}

		sub.lastSent[a.ID] = full
		if changed {
			deltas = append(deltas, d)
		}
	}

	return Frame{
		Type: FrameStateUpdate,
		Payload: StateUpdatePayload{
			Tick:           snap.Tick,
			Timestamp:      snap.TimestampMS,
			RemovedAgents:  []string{},
			Agents:         deltas,
			TaskProgress:   snap.TaskProgress,
			GamePhase:      snap.GamePhase,
			RecentThoughts: snap.RecentThoughts,
			RecentSpeech:   snap.RecentSpeech,
			LLMQueueStats:  snap.LLMQueueStats,
		},
	}
}

// PublishLLMTrace fans out an llm-trace frame to every subscriber.
// RawResponse and Context are redacted before leaving the process.
func (h *Hub) PublishLLMTrace(t LLMTracePayload) {
	t.RawResponse = observability.RedactJSON(t.RawResponse)
	t.Context = observability.RedactJSON(t.Context)
	h.broadcastAux(Frame{Type: FrameLLMTrace, Payload: t})
}

// PublishError fans out an informational or fatal error frame.
func (h *Hub) PublishError(message string) {
	h.broadcastAux(Frame{Type: FrameError, Payload: ErrorPayload{Message: message}})
}

func (h *Hub) broadcastAux(frame Frame) {
	b, err := json.Marshal(frame)
	if err != nil {
		log.Error().Err(err).Msg("broadcast: marshal aux frame")
		return
	}
	for _, sub := range h.snapshot() {
		if sub.enqueue(b) {
			sub.needsResnapshot = true
		}
	}
}

func (sub *subscriber) readPump() {
	defer close(sub.done)
	sub.conn.SetReadLimit(maxMessageSize)
	sub.conn.SetReadDeadline(time.Now().Add(pongWait))
	sub.conn.SetPongHandler(func(string) error {
		sub.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := sub.conn.ReadMessage(); err != nil {
			return
		}
		// inbound messages are not part of the protocol; logged and ignored.
	}
}

func (sub *subscriber) writePump(h *Hub) {
	pingTicker := time.NewTicker(pingPeriod)
	heartbeatTicker := time.NewTicker(heartbeatPeriod)
	defer func() {
		pingTicker.Stop()
		heartbeatTicker.Stop()
		h.unregister(sub)
		sub.conn.SetWriteDeadline(time.Now().Add(closeGracePeriod))
		sub.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		sub.conn.Close()
	}()

	for {
		select {
		case b, ok := <-sub.send:
			if !ok {
				return
			}
			sub.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := sub.conn.WriteMessage(websocket.TextMessage, b); err != nil {
				log.Debug().Err(err).Str("subscriber", sub.id).Msg("broadcast: write failed")
				return
			}
		case <-heartbeatTicker.C:
			hb, err := json.Marshal(Frame{Type: FrameHeartbeat, Payload: HeartbeatPayload{Tick: h.lastTick.Load()}})
			if err != nil {
				continue
			}
			sub.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := sub.conn.WriteMessage(websocket.TextMessage, hb); err != nil {
				return
			}
		case <-pingTicker.C:
			sub.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := sub.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-sub.done:
			return
		}
	}
}
