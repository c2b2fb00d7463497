package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg == nil {
		t.Fatal("DefaultConfig returned nil")
	}
	if cfg.Agent.Model != DefaultModel {
		t.Errorf("model = %q, want %q", cfg.Agent.Model, DefaultModel)
	}
	if cfg.Context.MaxRounds != DefaultMaxRounds {
		t.Errorf("maxRounds = %d, want %d", cfg.Context.MaxRounds, DefaultMaxRounds)
	}
	if cfg.Memory.WeightCap != DefaultMemoryWeightCap {
		t.Errorf("weightCap = %v, want %v", cfg.Memory.WeightCap, DefaultMemoryWeightCap)
	}
	if cfg.Orchestrator.MaxToolCalls != DefaultMaxToolCalls {
		t.Errorf("maxToolCalls = %d, want %d", cfg.Orchestrator.MaxToolCalls, DefaultMaxToolCalls)
	}
	if cfg.Orchestrator.ToolMode != ToolModeStructured {
		t.Errorf("toolMode = %q, want %q", cfg.Orchestrator.ToolMode, ToolModeStructured)
	}
	if cfg.Gateway.Port != DefaultPort {
		t.Errorf("port = %d, want %d", cfg.Gateway.Port, DefaultPort)
	}
}

func TestLoadConfig_NoFile(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv("HOME", tmpDir)
	t.Setenv("AICORE_API_KEY", "")
	t.Setenv("OPENAI_API_KEY", "")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig error: %v", err)
	}
	if cfg.Agent.Model != DefaultModel {
		t.Errorf("expected default model %q, got %q", DefaultModel, cfg.Agent.Model)
	}
	if cfg.Store.DBPath == "" {
		t.Error("dbPath should be defaulted")
	}
}

func TestLoadConfigFrom_FillsDefaults(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv("HOME", tmpDir)
	t.Setenv("AICORE_API_KEY", "")
	t.Setenv("OPENAI_API_KEY", "")
	path := filepath.Join(tmpDir, "config.json")

	// Partial config: only provider key and a bad repeat threshold.
	body := `{"provider":{"apiKey":"k"},"orchestrator":{"repeatThreshold":2.5},"context":{"maxRounds":2}}`
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadConfigFrom(path)
	if err != nil {
		t.Fatalf("LoadConfigFrom error: %v", err)
	}
	if cfg.Provider.APIKey != "k" {
		t.Errorf("apiKey = %q, want k", cfg.Provider.APIKey)
	}
	if cfg.Context.MaxRounds != 2 {
		t.Errorf("maxRounds = %d, want 2", cfg.Context.MaxRounds)
	}
	if cfg.Orchestrator.RepeatThreshold != DefaultRepeatThreshold {
		t.Errorf("repeatThreshold = %v, want default %v", cfg.Orchestrator.RepeatThreshold, DefaultRepeatThreshold)
	}
	if cfg.Memory.Limit != DefaultMemoryLimit {
		t.Errorf("memory limit = %d, want default %d", cfg.Memory.Limit, DefaultMemoryLimit)
	}
}

func TestLoadConfigFrom_EnvOverride(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv("HOME", tmpDir)
	t.Setenv("AICORE_API_KEY", "env-key")
	t.Setenv("AICORE_STREAM", "true")

	cfg, err := LoadConfigFrom(filepath.Join(tmpDir, "missing.json"))
	if err != nil {
		t.Fatalf("LoadConfigFrom error: %v", err)
	}
	if cfg.Provider.APIKey != "env-key" {
		t.Errorf("apiKey = %q, want env-key", cfg.Provider.APIKey)
	}
	if !cfg.Orchestrator.Stream {
		t.Error("stream should be enabled via env")
	}
}

func TestLoadConfigFrom_BadJSON(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.json")
	if err := os.WriteFile(path, []byte("{not json"), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := LoadConfigFrom(path); err == nil {
		t.Fatal("expected parse error")
	}
}
