// Package conversation implements the multi-turn dialogue coordinator
// of spec §4.K.
package conversation

import (
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Topic is one of the inferred conversation topics.
type Topic string

const (
	TopicSuspicion Topic = "suspicion"
	TopicAlibi     Topic = "alibi"
	TopicTaskInfo  Topic = "task_info"
	TopicSmallTalk Topic = "small_talk"
	TopicAccusation Topic = "accusation"
	TopicDefense   Topic = "defense"
)

var topicKeywords = []struct {
	topic    Topic
	keywords []string
}{
	{TopicAccusation, []string{"i saw", "killed", "vented", "suspicious"}},
	{TopicSuspicion, []string{"sus", "suspect", "acting weird"}},
	{TopicAlibi, []string{"i was with", "i was in", "alibi"}},
	{TopicDefense, []string{"wasn't me", "i didn't", "not me"}},
	{TopicTaskInfo, []string{"task", "wires", "reactor", "vent"}},
}

// InferTopic scans text for keyword groups in priority order, falling
// back to small_talk.
func InferTopic(text string) Topic {
	lower := strings.ToLower(text)
	for _, tk := range topicKeywords {
		for _, kw := range tk.keywords {
			if strings.Contains(lower, kw) {
				return tk.topic
			}
		}
	}
	return TopicSmallTalk
}

// Turn is one utterance in a conversation.
type Turn struct {
	Speaker string
	Text    string
	At      time.Time
}

// Conversation is a two-party dialogue, per spec §3.
type Conversation struct {
	ID           string
	Participants [2]string
	Turns        []Turn
	MaxTurns     int
	Topic        Topic

	IsActive         bool
	CloseReason      string
	StartTime        time.Time
	LastActivityTime time.Time
	closedAt         time.Time
}

const (
	minMaxTurns        = 3
	maxMaxTurnsJitter  = 7
	inactivityTimeout  = 30 * time.Second
	evictionWindow     = 30 * time.Second
)

// Store holds the set of active and recently-closed conversations,
// guarded by a single mutex per spec §5's shared-resource policy.
type Store struct {
	mu            sync.Mutex
	conversations map[string]*Conversation
	byAgent       map[string]string // agentID -> conversation id
}

// NewStore constructs an empty conversation store.
func NewStore() *Store {
	return &Store{
		conversations: make(map[string]*Conversation),
		byAgent:       make(map[string]string),
	}
}

// StartConversation creates a conversation between initiator and
// target, or returns the id of their existing one if either party
// already has an active conversation (spec §4.K: "attempting to start
// a second resolves to the existing one").
func (s *Store) StartConversation(rng *rand.Rand, initiator, target, initialMessage string, now time.Time) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.byAgent[initiator]; ok {
		return id
	}
	if id, ok := s.byAgent[target]; ok {
		return id
	}

	id := uuid.NewString()
	c := &Conversation{
		ID:               id,
		Participants:     [2]string{initiator, target},
		MaxTurns:         minMaxTurns + rng.Intn(maxMaxTurnsJitter+1),
		Topic:            InferTopic(initialMessage),
		IsActive:         true,
		StartTime:        now,
		LastActivityTime: now,
	}
	c.Turns = append(c.Turns, Turn{Speaker: initiator, Text: initialMessage, At: now})
	s.conversations[id] = c
	s.byAgent[initiator] = id
	s.byAgent[target] = id
	return id
}

// AddReply appends a turn and closes the conversation once MaxTurns is
// reached.
func (s *Store) AddReply(convID, speaker, text string, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.conversations[convID]
	if !ok || !c.IsActive {
		return false
	}
	c.Turns = append(c.Turns, Turn{Speaker: speaker, Text: text, At: now})
	c.LastActivityTime = now
	if len(c.Turns) >= c.MaxTurns {
		s.closeLocked(c, "max_turns_reached", now)
	}
	return true
}

// GetActiveFor returns the active conversation involving agentID, if
// any.
func (s *Store) GetActiveFor(agentID string) *Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byAgent[agentID]
	if !ok {
		return nil
	}
	c := s.conversations[id]
	if c == nil || !c.IsActive {
		return nil
	}
	return c
}

// NextSpeaker returns whose turn it is next, enforcing strict
// alternation between the two participants.
func (c *Conversation) NextSpeaker() string {
	if len(c.Turns) == 0 {
		return c.Participants[0]
	}
	last := c.Turns[len(c.Turns)-1].Speaker
	if last == c.Participants[0] {
		return c.Participants[1]
	}
	return c.Participants[0]
}

// TickCleanup closes inactive conversations and evicts closed ones
// past the display window, per spec §4.K.
func (s *Store) TickCleanup(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range s.conversations {
		if c.IsActive && now.Sub(c.LastActivityTime) > inactivityTimeout {
			s.closeLocked(c, "inactivity", now)
		}
	}
	for id, c := range s.conversations {
		if !c.IsActive && now.Sub(c.closedAt) > evictionWindow {
			delete(s.conversations, id)
		}
	}
}

func (s *Store) closeLocked(c *Conversation, reason string, now time.Time) {
	c.IsActive = false
	c.CloseReason = reason
	c.closedAt = now
	for _, p := range c.Participants {
		if s.byAgent[p] == c.ID {
			delete(s.byAgent, p)
		}
	}
}
