// Package trigger implements the per-agent cooldown clocks and the
// ordered trigger-kind detection of spec §4.H.
package trigger

import (
	"math/rand"

	"townsim/internal/config"
	"townsim/internal/simagent"
)

// Kind names one of the six trigger kinds, in priority order.
type Kind string

const (
	KindAgentSpotted      Kind = "agent_spotted"
	KindAgentLostSight    Kind = "agent_lost_sight"
	KindPassedClosely     Kind = "passed_agent_closely"
	KindEnteredRoom       Kind = "entered_room"
	KindTaskCompleted     Kind = "task_completed"
	KindTaskStarted       Kind = "task_started"
	KindArrivedAtDest     Kind = "arrived_at_destination"
	KindHeardSpeech       Kind = "heard_speech"
	KindTaskInActionRange Kind = "task_in_action_radius"
	KindIdleRandom        Kind = "idle_random"
)

// socialKinds get the higher (0.5) speech probability; everything else
// gets 0.2, per spec §4.H.
var socialKinds = map[Kind]bool{
	KindAgentSpotted:  true,
	KindPassedClosely: true,
}

// SpeechProbability returns the probability that a fired trigger also
// permits a speech request, given nearby agents to speak to.
func SpeechProbability(k Kind) float64 {
	if socialKinds[k] {
		return 0.5
	}
	return 0.2
}

// Input carries the per-tick facts the trigger engine needs beyond
// what already lives on the Agent.
type Input struct {
	CurrentVisible    []string
	PreviousZone      string
	ClosePassDistance float64
	NearestVisibleDist float64 // 0 or +Inf if no visible agents
	NowMS             float64
}

// Detect returns the triggers that fired this tick, in priority order
// (index 0 is highest priority). An empty result means no reasoning
// occurs this tick, per spec §4.H.
func Detect(a *simagent.Agent, in Input) []Kind {
	var fired []Kind

	current := make(map[string]struct{}, len(in.CurrentVisible))
	for _, id := range in.CurrentVisible {
		current[id] = struct{}{}
		if _, seen := a.PreviouslyVisibleAgents[id]; !seen {
			fired = append(fired, KindAgentSpotted)
		}
	}
	for id := range a.PreviouslyVisibleAgents {
		if _, stillVisible := current[id]; !stillVisible {
			fired = append(fired, KindAgentLostSight)
		}
	}
	if len(in.CurrentVisible) > 0 && in.NearestVisibleDist <= in.ClosePassDistance {
		fired = append(fired, KindPassedClosely)
	}
	if in.PreviousZone != "" && a.CurrentZone != in.PreviousZone {
		fired = append(fired, KindEnteredRoom)
	}
	for _, raised := range a.DrainTriggers() {
		fired = append(fired, Kind(raised))
	}
	if in.NowMS >= a.NextRandomThoughtMS {
		fired = append(fired, KindIdleRandom)
	}

	a.PreviouslyVisibleAgents = current
	return fired
}

// EffectiveCooldown scales a base cooldown by the reasoning queue's
// thinking coefficient, per spec §4.H: effective = base / coefficient.
func EffectiveCooldown(baseMS float64, coefficient float64) float64 {
	if coefficient <= 0 {
		coefficient = 0.25
	}
	return baseMS / coefficient
}

// ThoughtPermitted reports whether enough time has passed since the
// agent's last thought, given the current thinking coefficient.
func ThoughtPermitted(a *simagent.Agent, cfg config.CooldownConfig, coefficient float64, nowMS float64) bool {
	return nowMS-a.LastThoughtTimeMS >= EffectiveCooldown(float64(cfg.BaseThoughtMS), coefficient)
}

// SpeechPermitted reports whether enough time has passed since the
// agent's last speech, given the current thinking coefficient.
func SpeechPermitted(a *simagent.Agent, cfg config.CooldownConfig, coefficient float64, nowMS float64) bool {
	return nowMS-a.LastSpeechTimeMS >= EffectiveCooldown(float64(cfg.BaseSpeechMS), coefficient)
}

// NextRandomThoughtInterval draws a jittered interval (±20%) within the
// configured [min,max] random-thought range.
func NextRandomThoughtInterval(rng *rand.Rand, cfg config.CooldownConfig) float64 {
	lo, hi := float64(cfg.BaseRandomThoughtMinMS), float64(cfg.BaseRandomThoughtMaxMS)
	base := lo + rng.Float64()*(hi-lo)
	jitter := 1 + (rng.Float64()*0.4 - 0.2) // +/-20%
	return base * jitter
}

// RandomizeInitialClocks staggers a freshly created agent's trigger
// clocks so a fleet of N agents doesn't synchronize, per spec §4.H.
func RandomizeInitialClocks(a *simagent.Agent, cfg config.CooldownConfig, startMS float64) {
	rng := a.Rand()
	a.LastThoughtTimeMS = startMS - rng.Float64()*float64(cfg.BaseThoughtMS)
	a.LastSpeechTimeMS = startMS - rng.Float64()*float64(cfg.BaseSpeechMS)
	a.NextRandomThoughtMS = startMS + NextRandomThoughtInterval(rng, cfg)
}
