package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad(t *testing.T) {
	content := `{
	// This is a JSONC comment
	"gateway": {
		"host": "0.0.0.0",
		"port": 9999
	},
	"models": {
		"default": "claude",
		"providers": {
			"claude": {
				"driver": "anthropic",
				"model": "claude-sonnet-4-20250514",
				"auth": {
					"api_key": "${{ .Env.ANTHROPIC_API_KEY }}"
				},
				"max_tokens": 4096
			}
		}
	}
}`

	dir := t.TempDir()
	path := filepath.Join(dir, "config.jsonc")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	t.Setenv("ANTHROPIC_API_KEY", "test-key-123")

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Gateway.Host != "0.0.0.0" {
		t.Errorf("expected host 0.0.0.0, got %s", cfg.Gateway.Host)
	}
	if cfg.Gateway.Port != 9999 {
		t.Errorf("expected port 9999, got %d", cfg.Gateway.Port)
	}
	if cfg.Models.Default != "claude" {
		t.Errorf("expected default claude, got %s", cfg.Models.Default)
	}

	p, ok := cfg.Models.Providers["claude"]
	if !ok {
		t.Fatal("expected claude provider")
	}
	if p.Auth.APIKey != "test-key-123" {
		t.Errorf("expected api_key test-key-123, got %s", p.Auth.APIKey)
	}
	if p.MaxTokens != 4096 {
		t.Errorf("expected max_tokens 4096, got %d", p.MaxTokens)
	}
}

func TestLoadDefaults(t *testing.T) {
	content := `{}`
	dir := t.TempDir()
	path := filepath.Join(dir, "config.jsonc")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Gateway.Host != "127.0.0.1" {
		t.Errorf("expected default host 127.0.0.1, got %s", cfg.Gateway.Host)
	}
	if cfg.Gateway.Port != 18420 {
		t.Errorf("expected default port 18420, got %d", cfg.Gateway.Port)
	}
	if cfg.Gateway.MaxEvents != 100 {
		t.Errorf("expected default max_events 100, got %d", cfg.Gateway.MaxEvents)
	}
	if cfg.Bus.URL != "inproc://" {
		t.Errorf("expected default bus url inproc://, got %s", cfg.Bus.URL)
	}
	if cfg.Worker.BlockMS != 1000 {
		t.Errorf("expected default block_ms 1000, got %d", cfg.Worker.BlockMS)
	}
	if cfg.Signal.TopicPrefix != "signal:" {
		t.Errorf("expected default topic prefix 'signal:', got %q", cfg.Signal.TopicPrefix)
	}
	if cfg.Signal.PayloadMaxBytes != 4096 {
		t.Errorf("expected default payload cap 4096, got %d", cfg.Signal.PayloadMaxBytes)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("expected default log_level 'info', got %q", cfg.LogLevel)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	content := `{}`
	dir := t.TempDir()
	path := filepath.Join(dir, "config.jsonc")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	t.Setenv("AGENT_NAME", "researcher")
	t.Setenv("WORKER_BLOCK_MS", "2500")
	t.Setenv("ORCHESTRATE_AUTO_DONE", "true")

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Agent.Name != "researcher" {
		t.Errorf("expected AGENT_NAME override, got %q", cfg.Agent.Name)
	}
	if cfg.Worker.BlockMS != 2500 {
		t.Errorf("expected WORKER_BLOCK_MS override, got %d", cfg.Worker.BlockMS)
	}
	if !cfg.Orchestrate.AutoDone {
		t.Error("expected ORCHESTRATE_AUTO_DONE override to be true")
	}
}

func TestExpandEnvTemplates(t *testing.T) {
	t.Setenv("TEST_KEY", "my-secret")
	result := expandEnvTemplates(`{"key": "${{ .Env.TEST_KEY }}"}`)
	expected := `{"key": "my-secret"}`
	if result != expected {
		t.Errorf("expected %s, got %s", expected, result)
	}
}
