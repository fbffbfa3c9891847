package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/marcozac/go-jsonc"
)

var envTemplateRe = regexp.MustCompile(`\$\{\{\s*\.Env\.(\w+)\s*\}\}`)

// Load reads a JSONC config file, strips comments, expands ${{ .Env.VAR }} templates,
// unmarshals it into Config, and applies defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	// Expand environment variable templates (before stripping, since templates are in strings)
	expanded := expandEnvTemplates(string(data))

	// Strip JSONC comments and unmarshal
	var cfg Config
	if err := jsonc.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	applyEnvOverrides(&cfg)
	applyDefaults(&cfg)
	return &cfg, nil
}

// applyEnvOverrides lets the documented environment variables override the
// file-loaded config, taking precedence the same way CLI flags take
// precedence over both.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("AGENT_NAME"); v != "" {
		cfg.Agent.Name = v
	}
	if v := os.Getenv("BUS_URL"); v != "" {
		cfg.Bus.URL = v
	}
	if v := os.Getenv("WORKER_BLOCK_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Worker.BlockMS = n
		}
	}
	if v := os.Getenv("GATEWAY_MAX_EVENTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Gateway.MaxEvents = n
		}
	}
	if v := os.Getenv("SIGNAL_TOPIC_PREFIX"); v != "" {
		cfg.Signal.TopicPrefix = v
	}
	if v := os.Getenv("SIGNAL_PAYLOAD_MAX_BYTES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Signal.PayloadMaxBytes = n
		}
	}
	if v := os.Getenv("ORCHESTRATE_AUTO_DONE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Orchestrate.AutoDone = b
		}
	}
	if v := os.Getenv("ORCHESTRATE_ALLOWED_PATH_ROOTS"); v != "" {
		cfg.Orchestrate.AllowedPathRoots = strings.Split(v, ",")
	}
	if v := os.Getenv("SESSIONS_BACKEND"); v != "" {
		cfg.Sessions.Backend = v
	}
	if v := os.Getenv("SESSIONS_PATH"); v != "" {
		cfg.Sessions.Path = v
	}
	if v := os.Getenv("AUDIT_LOG_DIR"); v != "" {
		cfg.Storage.AuditLogDir = v
	}
	if v := os.Getenv("HEARTBEAT_PATH"); v != "" {
		cfg.Storage.HeartbeatPath = v
	}
}

// expandEnvTemplates replaces ${{ .Env.VAR }} with the env var value.
func expandEnvTemplates(s string) string {
	return envTemplateRe.ReplaceAllStringFunc(s, func(match string) string {
		parts := envTemplateRe.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}
		return os.Getenv(parts[1])
	})
}

// applyDefaults fills in zero-value fields with sensible defaults.
func applyDefaults(cfg *Config) {
	if cfg.Agent.Name == "" {
		cfg.Agent.Name = "default"
	}
	if cfg.Bus.URL == "" {
		cfg.Bus.URL = "inproc://"
	}
	if cfg.Worker.BlockMS == 0 {
		cfg.Worker.BlockMS = 1000
	}
	if cfg.Gateway.Host == "" {
		cfg.Gateway.Host = "127.0.0.1"
	}
	if cfg.Gateway.Port == 0 {
		cfg.Gateway.Port = 18420
	}
	if cfg.Gateway.MaxEvents == 0 {
		cfg.Gateway.MaxEvents = 100
	}
	if cfg.Signal.TopicPrefix == "" {
		cfg.Signal.TopicPrefix = "signal:"
	}
	if cfg.Signal.PayloadMaxBytes == 0 {
		cfg.Signal.PayloadMaxBytes = 4096
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Sessions.Backend == "" {
		cfg.Sessions.Backend = "file"
	}
	if cfg.Sessions.Path == "" {
		cfg.Sessions.Path = "./data/sessions"
	}
	// Auth resolution is deferred to models.ResolveAuth() at model init time.
}
