package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	yaml "gopkg.in/yaml.v3"
)

// Load builds a Config by reading an optional YAML file first and then
// layering environment variables on top, so deployment secrets and
// per-host overrides never need to land in the checked-in YAML.
//
// configPath may be empty, in which case only defaults and environment
// variables apply. A missing file at a non-empty path is an error; a
// missing file at the default "config.yaml" path is not.
func Load(configPath string) (Config, error) {
	_ = godotenv.Overload()

	cfg := defaults()

	path := configPath
	if path == "" {
		path = "config.yaml"
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if uerr := yaml.Unmarshal(data, &cfg); uerr != nil {
			return Config{}, fmt.Errorf("unmarshal %s: %w", path, uerr)
		}
	case os.IsNotExist(err):
		if configPath != "" {
			return Config{}, fmt.Errorf("read %s: %w", path, err)
		}
	default:
		return Config{}, fmt.Errorf("read %s: %w", path, err)
	}

	applyEnv(&cfg)

	if cfg.NumAgents <= 0 {
		return Config{}, fmt.Errorf("num_agents must be positive (got %d)", cfg.NumAgents)
	}
	if cfg.TickHz <= 0 {
		return Config{}, fmt.Errorf("tick_hz must be positive (got %d)", cfg.TickHz)
	}
	if strings.TrimSpace(cfg.Reasoning.Endpoint) == "" {
		return Config{}, fmt.Errorf("reasoning.endpoint is required (set REASONING_ENDPOINT or reasoning.endpoint in %s)", path)
	}
	if cfg.Cooldowns.BaseRandomThoughtMinMS > cfg.Cooldowns.BaseRandomThoughtMaxMS {
		return Config{}, fmt.Errorf("cooldowns.base_random_thought_min_ms (%d) must not exceed base_random_thought_max_ms (%d)",
			cfg.Cooldowns.BaseRandomThoughtMinMS, cfg.Cooldowns.BaseRandomThoughtMaxMS)
	}

	return cfg, nil
}

// defaults returns the configuration baseline before the YAML file or
// environment are consulted, mirroring the spec's published ranges.
func defaults() Config {
	return Config{
		NumAgents: 20,
		TickHz:    10,
		MapPath:   "town.json",
		Reasoning: ReasoningConfig{
			TimeoutMS:      10000,
			MaxConcurrency: 4,
		},
		Cooldowns: CooldownConfig{
			BaseThoughtMS:          6000,
			BaseSpeechMS:           12000,
			BaseRandomThoughtMinMS: 8000,
			BaseRandomThoughtMaxMS: 30000,
		},
		Ranges: RangesConfig{
			SpeechRange:       150,
			ClosePassDistance: 50,
			VisionRadius:      250,
			ActionRadius:      40,
		},
		Broadcast: BroadcastConfig{
			Port: 8787,
			Path: "/ws",
		},
		Observability: ObservabilityConfig{
			LogLevel:    "info",
			ServiceName: "townsim",
			Environment: "dev",
		},
	}
}

// applyEnv overlays environment variables on top of whatever defaults()
// and the YAML file already populated. Only variables that are actually
// set are applied, so a blank environment never clobbers YAML values.
func applyEnv(cfg *Config) {
	if v := intFromEnvOrZero("NUM_AGENTS"); v != 0 {
		cfg.NumAgents = v
	}
	if v := intFromEnvOrZero("TICK_HZ"); v != 0 {
		cfg.TickHz = v
	}
	if v := strings.TrimSpace(os.Getenv("MAP_PATH")); v != "" {
		cfg.MapPath = v
	}

	if v := strings.TrimSpace(os.Getenv("REASONING_ENDPOINT")); v != "" {
		cfg.Reasoning.Endpoint = v
	}
	if v := intFromEnvOrZero("REASONING_TIMEOUT_MS"); v != 0 {
		cfg.Reasoning.TimeoutMS = v
	}
	if v := intFromEnvOrZero("REASONING_MAX_CONCURRENCY"); v != 0 {
		cfg.Reasoning.MaxConcurrency = v
	}

	if v := intFromEnvOrZero("BASE_THOUGHT_COOLDOWN_MS"); v != 0 {
		cfg.Cooldowns.BaseThoughtMS = v
	}
	if v := intFromEnvOrZero("BASE_SPEECH_COOLDOWN_MS"); v != 0 {
		cfg.Cooldowns.BaseSpeechMS = v
	}
	if v := intFromEnvOrZero("BASE_RANDOM_THOUGHT_MIN_MS"); v != 0 {
		cfg.Cooldowns.BaseRandomThoughtMinMS = v
	}
	if v := intFromEnvOrZero("BASE_RANDOM_THOUGHT_MAX_MS"); v != 0 {
		cfg.Cooldowns.BaseRandomThoughtMaxMS = v
	}

	if v := floatFromEnvOrZero("SPEECH_RANGE"); v != 0 {
		cfg.Ranges.SpeechRange = v
	}
	if v := floatFromEnvOrZero("CLOSE_PASS_DISTANCE"); v != 0 {
		cfg.Ranges.ClosePassDistance = v
	}
	if v := floatFromEnvOrZero("VISION_RADIUS"); v != 0 {
		cfg.Ranges.VisionRadius = v
	}
	if v := floatFromEnvOrZero("ACTION_RADIUS"); v != 0 {
		cfg.Ranges.ActionRadius = v
	}

	if v := intFromEnvOrZero("BROADCAST_PORT"); v != 0 {
		cfg.Broadcast.Port = v
	}
	if v := strings.TrimSpace(os.Getenv("BROADCAST_PATH")); v != "" {
		cfg.Broadcast.Path = v
	}

	if v := strings.TrimSpace(os.Getenv("LOG_LEVEL")); v != "" {
		cfg.Observability.LogLevel = v
	}
	if v := strings.TrimSpace(os.Getenv("LOG_PATH")); v != "" {
		cfg.Observability.LogPath = v
	}
	if v := strings.TrimSpace(os.Getenv("OTEL_SERVICE_NAME")); v != "" {
		cfg.Observability.ServiceName = v
	}
	if v := strings.TrimSpace(os.Getenv("SERVICE_VERSION")); v != "" {
		cfg.Observability.ServiceVersion = v
	}
	if v := strings.TrimSpace(os.Getenv("ENVIRONMENT")); v != "" {
		cfg.Observability.Environment = v
	}
	if v := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")); v != "" {
		cfg.Observability.OTLPEndpoint = v
	}
}

func intFromEnvOrZero(key string) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}

func floatFromEnvOrZero(key string) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0
	}
	return f
}
