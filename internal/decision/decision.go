// Package decision implements the prompt assembly, response parsing,
// and speech validation of spec §4.J.
package decision

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"townsim/internal/simagent"
	"townsim/internal/trigger"
)

// GoalType is one of the goal-selection outcomes of spec §4.J.
type GoalType string

const (
	GoalGoToTask     GoalType = "GO_TO_TASK"
	GoalWander       GoalType = "WANDER"
	GoalFollowAgent  GoalType = "FOLLOW_AGENT"
	GoalAvoidAgent   GoalType = "AVOID_AGENT"
	GoalIdle         GoalType = "IDLE"
	GoalSpeak        GoalType = "SPEAK"
	GoalKill         GoalType = "KILL"
	GoalHunt         GoalType = "HUNT"
)

// Decision is the parsed or fallback outcome of a goal-selection query.
type Decision struct {
	GoalType        GoalType
	TargetAgentID   string
	TargetTaskIndex *int
	Reasoning       string
	Thought         string
}

// VisibleAgentInfo is one entry in the prompt's visible-agents section.
type VisibleAgentInfo struct {
	Name     string
	Color    string
	Distance float64
}

// Context carries everything the prompt templates and fallback logic
// need about one agent at decision time.
type Context struct {
	Self          *simagent.Agent
	Location      string
	VisibleAgents []VisibleAgentInfo
	CanSpeakTo    []string
	Trigger       trigger.Kind
}

var (
	goalPattern      = regexp.MustCompile(`(?i)GOAL:\s*(\w+)`)
	targetPattern    = regexp.MustCompile(`(?i)TARGET:\s*(.+)`)
	reasoningPattern = regexp.MustCompile(`(?i)REASONING:\s*(.+)`)
	thoughtPattern   = regexp.MustCompile(`(?i)THOUGHT:\s*(.+)`)
)

// fallbackThoughts is the canned table keyed by trigger for
// Timeout/Cancelled resolutions, per spec §4.J.
var fallbackThoughts = map[trigger.Kind]string{
	trigger.KindAgentSpotted:   "Someone's nearby.",
	trigger.KindAgentLostSight: "They're gone now.",
	trigger.KindPassedClosely:  "That was close.",
	trigger.KindEnteredRoom:    "New room, let's see what's here.",
	trigger.KindIdleRandom:     "Better get back to it.",
}

const defaultFallbackThought = "Let me focus on my tasks."

// BuildPrompt renders the role-specific prompt template for ctx,
// following spec §4.J's "location, visible agents with distances,
// task list with completion marks, role-specific addenda" layout.
func BuildPrompt(ctx Context) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are %s, a %s.\n", ctx.Self.Name, ctx.Self.Role)
	fmt.Fprintf(&b, "Location: %s\n", ctx.Location)

	b.WriteString("Visible agents:\n")
	for _, v := range ctx.VisibleAgents {
		fmt.Fprintf(&b, "- %s (%s) at %.0fu\n", v.Name, v.Color, v.Distance)
	}

	b.WriteString("Tasks:\n")
	for _, task := range ctx.Self.AssignedTasks {
		mark := " "
		if task.IsCompleted {
			mark = "x"
		}
		fmt.Fprintf(&b, "[%s] %s in %s\n", mark, task.TaskType, task.Room)
	}

	if ctx.Self.Role == simagent.RoleImpostor {
		b.WriteString("As the impostor, you may sabotage, fake tasks, or hunt crewmates alone.\n")
	} else {
		b.WriteString("As a crewmate, focus on completing your tasks and reporting anything suspicious.\n")
	}

	fmt.Fprintf(&b, "Trigger: %s\n", ctx.Trigger)
	b.WriteString("Respond with GOAL:, TARGET:, REASONING:, and optionally THOUGHT: lines.\n")
	return b.String()
}

// ParseResponse extracts GOAL:/TARGET:/REASONING:/THOUGHT: lines from
// raw model output. ok is false when no GOAL: line was found, signaling
// the caller to fall back to DefaultDecision. The TARGET: value is kept
// as TargetAgentID; when it is an integer it also sets TargetTaskIndex.
func ParseResponse(raw string) (Decision, bool) {
	goalMatch := goalPattern.FindStringSubmatch(raw)
	if len(goalMatch) < 2 {
		return Decision{}, false
	}
	d := Decision{GoalType: GoalType(strings.ToUpper(goalMatch[1]))}
	if m := targetPattern.FindStringSubmatch(raw); len(m) > 1 {
		d.TargetAgentID = strings.TrimSpace(m[1])
		if idx, err := strconv.Atoi(d.TargetAgentID); err == nil {
			d.TargetTaskIndex = &idx
		}
	}
	if m := reasoningPattern.FindStringSubmatch(raw); len(m) > 1 {
		d.Reasoning = strings.TrimSpace(m[1])
	}
	if m := thoughtPattern.FindStringSubmatch(raw); len(m) > 1 {
		d.Thought = strings.TrimSpace(m[1])
	}
	return d, true
}

// DefaultDecision implements spec §4.J's fallback: first incomplete
// task -> GO_TO_TASK, else WANDER.
func DefaultDecision(a *simagent.Agent) Decision {
	for i, task := range a.AssignedTasks {
		if !task.IsCompleted {
			idx := i
			return Decision{GoalType: GoalGoToTask, TargetTaskIndex: &idx, Reasoning: "next incomplete task"}
		}
	}
	return Decision{GoalType: GoalWander, Reasoning: "no incomplete tasks"}
}

// FallbackThought returns the canned thought for a Timeout/Cancelled
// resolution of the given trigger.
func FallbackThought(k trigger.Kind) string {
	if t, ok := fallbackThoughts[k]; ok {
		return t
	}
	return defaultFallbackThought
}

// ValidateSpeech applies spec §4.J's post-generation rules: third-
// person self-reference rewritten to first person, off-roster color
// mentions logged (by the caller) but not blocked, and empty text
// dropped. ok is false when the (possibly rewritten) text should not
// be spoken.
func ValidateSpeech(speakerName string, text string) (rewritten string, ok bool) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return "", false
	}
	rewritten = rewriteThirdPerson(speakerName, trimmed)
	return rewritten, true
}

func rewriteThirdPerson(speakerName, text string) string {
	re := regexp.MustCompile(`(?i)\b` + regexp.QuoteMeta(speakerName) + `\s+(was|is|will|has|had|does|did)\b`)
	return re.ReplaceAllStringFunc(text, func(match string) string {
		parts := strings.SplitN(match, " ", 2)
		if len(parts) != 2 {
			return match
		}
		return "I " + parts[1]
	})
}

// MentionedOffRosterColors returns color names mentioned in text that
// are neither speakerName nor in canSpeakTo, for the caller to log as
// a warning (spec §4.J: never blocks the utterance).
func MentionedOffRosterColors(text, speakerName string, canSpeakTo []string, allColors []string) []string {
	allowed := map[string]bool{strings.ToLower(speakerName): true}
	for _, n := range canSpeakTo {
		allowed[strings.ToLower(n)] = true
	}
	lower := strings.ToLower(text)
	var flagged []string
	for _, c := range allColors {
		if strings.Contains(lower, strings.ToLower(c)) && !allowed[strings.ToLower(c)] {
			flagged = append(flagged, c)
		}
	}
	return flagged
}
