package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad_DefaultsWithoutFile(t *testing.T) {
	t.Setenv("REASONING_ENDPOINT", "http://localhost:9000/v1/chat/completions")
	dir := t.TempDir()
	t.Chdir(dir)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if cfg.NumAgents != 20 || cfg.TickHz != 10 {
		t.Errorf("unexpected defaults: numAgents=%d tickHz=%d", cfg.NumAgents, cfg.TickHz)
	}
	if cfg.Broadcast.Port != 8787 || cfg.Broadcast.Path != "/ws" {
		t.Errorf("unexpected broadcast defaults: %+v", cfg.Broadcast)
	}
}

func TestLoad_YAMLOverridesDefaults(t *testing.T) {
	tmpDir := t.TempDir()
	cfgContent := `num_agents: 50
tick_hz: 20
reasoning:
  endpoint: "http://mlx.local/v1/chat/completions"
  timeout_ms: 4000
broadcast:
  port: 9090
`
	cfgPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(cfgPath, []byte(cfgContent), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if cfg.NumAgents != 50 || cfg.TickHz != 20 {
		t.Errorf("yaml values not applied: %+v", cfg)
	}
	if cfg.Reasoning.TimeoutMS != 4000 {
		t.Errorf("expected timeout override, got %d", cfg.Reasoning.TimeoutMS)
	}
	if cfg.Broadcast.Port != 9090 {
		t.Errorf("expected broadcast port override, got %d", cfg.Broadcast.Port)
	}
}

func TestLoad_EnvOverridesYAML(t *testing.T) {
	tmpDir := t.TempDir()
	cfgContent := `num_agents: 50
reasoning:
  endpoint: "http://mlx.local/v1/chat/completions"
`
	cfgPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(cfgPath, []byte(cfgContent), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}
	t.Setenv("NUM_AGENTS", "75")
	t.Setenv("REASONING_ENDPOINT", "http://override.local/v1/chat/completions")

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if cfg.NumAgents != 75 {
		t.Errorf("expected env override to win, got numAgents=%d", cfg.NumAgents)
	}
	if cfg.Reasoning.Endpoint != "http://override.local/v1/chat/completions" {
		t.Errorf("expected env override for reasoning endpoint, got %q", cfg.Reasoning.Endpoint)
	}
}

func TestLoad_FileNotFoundAtExplicitPath(t *testing.T) {
	_, err := Load("nonexistent.yaml")
	if err == nil {
		t.Fatal("expected error for missing explicit config file, got nil")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	tmpFile, err := os.CreateTemp("", "bad.*.yaml")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	defer os.Remove(tmpFile.Name())
	if _, err := tmpFile.WriteString("not: [invalid yaml"); err != nil {
		t.Fatalf("failed to write bad yaml: %v", err)
	}
	tmpFile.Close()

	_, err = Load(tmpFile.Name())
	if err == nil {
		t.Fatal("expected error for invalid YAML, got nil")
	}
}

func TestLoad_MissingReasoningEndpoint(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	t.Setenv("REASONING_ENDPOINT", "")

	_, err := Load("")
	if err == nil {
		t.Fatal("expected error when reasoning endpoint is unset, got nil")
	}
}

func TestLoad_RejectsInvertedRandomThoughtRange(t *testing.T) {
	tmpDir := t.TempDir()
	cfgContent := `reasoning:
  endpoint: "http://mlx.local/v1/chat/completions"
cooldowns:
  base_random_thought_min_ms: 30000
  base_random_thought_max_ms: 8000
`
	cfgPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(cfgPath, []byte(cfgContent), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	_, err := Load(cfgPath)
	if err == nil {
		t.Fatal("expected error for inverted random-thought range, got nil")
	}
}
