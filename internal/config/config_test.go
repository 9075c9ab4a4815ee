package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultsValidate(t *testing.T) {
	if err := New().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty model path", func(c *Config) { c.Model.Path = "" }},
		{"zero workers", func(c *Config) { c.Model.Workers = 0 }},
		{"zero pool size", func(c *Config) { c.Explain.PoolSize = 0 }},
		{"negative steps", func(c *Config) { c.Explain.Steps = -1 }},
		{"empty dataset name", func(c *Config) { c.Data.Name = "" }},
		{"empty results path", func(c *Config) { c.Output.ResultsPath = "" }},
		{"pretrained without sampler", func(c *Config) {
			c.Explain.Strategy = "pretrained"
			c.Model.SamplerPath = ""
		}},
		{"no targets and no file", func(c *Config) {
			c.Targets.File = ""
			c.Targets.Count = 0
		}},
	}
	for _, tc := range cases {
		cfg := New()
		tc.mutate(cfg)
		if err := cfg.Validate(); err == nil {
			t.Fatalf("%s: expected a validation error", tc.name)
		}
	}
}

func TestLoadLayersFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := []byte(`
log_level: debug
data:
  dir: /data/wiki
  name: wikipedia
explain:
  explainer: cody
  steps: 50
  timeout: 30s
`)
	if err := os.WriteFile(path, body, 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("COUNTERFACT_CONFIG", path)
	t.Setenv("COUNTERFACT_EXPLAIN__STEPS", "75")
	t.Setenv("COUNTERFACT_SEED", "7")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("LogLevel = %q, want debug from file", cfg.LogLevel)
	}
	if cfg.Data.Dir != "/data/wiki" {
		t.Fatalf("Data.Dir = %q", cfg.Data.Dir)
	}
	if cfg.Explain.Explainer != "cody" {
		t.Fatalf("Explainer = %q", cfg.Explain.Explainer)
	}
	if cfg.Explain.Steps != 75 {
		t.Fatalf("Steps = %d, env must override the file's 50", cfg.Explain.Steps)
	}
	if cfg.Explain.Timeout != 30*time.Second {
		t.Fatalf("Timeout = %v, want 30s", cfg.Explain.Timeout)
	}
	if cfg.Seed != 7 {
		t.Fatalf("Seed = %d, want 7 from env", cfg.Seed)
	}
	if cfg.Explain.PoolSize != 64 {
		t.Fatalf("PoolSize = %d, defaults must survive layering", cfg.Explain.PoolSize)
	}
}

func TestLoadRejectsInvalidOverride(t *testing.T) {
	t.Setenv("COUNTERFACT_CONFIG", "")
	t.Setenv("COUNTERFACT_MODEL__WORKERS", "0")
	if _, err := Load(); err == nil {
		t.Fatal("expected validation to reject zero workers")
	}
}
