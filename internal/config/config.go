// townsim/internal/config/config.go

package config

// ReasoningConfig controls how the simulation reaches the external
// inference endpoint used by the reasoning queue.
type ReasoningConfig struct {
	Endpoint       string `yaml:"endpoint"`
	TimeoutMS      int    `yaml:"timeout_ms"`
	MaxConcurrency int    `yaml:"max_concurrency"`
}

// CooldownConfig holds the base cooldown values that the trigger engine
// scales by each agent's thinking coefficient.
type CooldownConfig struct {
	BaseThoughtMS            int `yaml:"base_thought_ms"`
	BaseSpeechMS             int `yaml:"base_speech_ms"`
	BaseRandomThoughtMinMS   int `yaml:"base_random_thought_min_ms"`
	BaseRandomThoughtMaxMS   int `yaml:"base_random_thought_max_ms"`
}

// RangesConfig holds the fixed spatial radii used by perception and
// trigger evaluation.
type RangesConfig struct {
	SpeechRange       float64 `yaml:"speech_range"`
	ClosePassDistance float64 `yaml:"close_pass_distance"`
	VisionRadius      float64 `yaml:"vision_radius"`
	ActionRadius      float64 `yaml:"action_radius"`
}

// BroadcastConfig controls the websocket server that streams simulation
// state to observers.
type BroadcastConfig struct {
	Port int    `yaml:"port"`
	Path string `yaml:"path"`
}

// ObservabilityConfig controls logging and tracing.
type ObservabilityConfig struct {
	LogLevel       string `yaml:"log_level"`
	LogPath        string `yaml:"log_path"`
	ServiceName    string `yaml:"service_name"`
	ServiceVersion string `yaml:"service_version"`
	Environment    string `yaml:"environment"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
}

// Config is the top level configuration for a simulation run.
type Config struct {
	NumAgents int `yaml:"num_agents"`
	TickHz    int `yaml:"tick_hz"`

	MapPath string `yaml:"map_path"`

	Reasoning     ReasoningConfig     `yaml:"reasoning"`
	Cooldowns     CooldownConfig      `yaml:"cooldowns"`
	Ranges        RangesConfig        `yaml:"ranges"`
	Broadcast     BroadcastConfig     `yaml:"broadcast"`
	Observability ObservabilityConfig `yaml:"observability"`
}
