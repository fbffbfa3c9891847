package config

import "time"

// Config is the root configuration for the ozzie runtime.
type Config struct {
	Agent       AgentConfig       `json:"agent"`
	Bus         BusConfig         `json:"bus"`
	Worker      WorkerConfig      `json:"worker"`
	Gateway     GatewayConfig     `json:"gateway"`
	Signal      SignalConfig      `json:"signal"`
	Orchestrate OrchestrateConfig `json:"orchestrate"`
	Models      ModelsConfig      `json:"models"`
	Sessions    SessionsConfig    `json:"sessions"`
	Storage     StorageConfig     `json:"storage"`
	LogLevel    string            `json:"log_level"` // "debug" | "info" | "warn" | "error" (default: "info")
}

// SessionsConfig selects and configures the conversation Store backend.
type SessionsConfig struct {
	Backend string `json:"backend"` // SESSIONS_BACKEND — "file" (default) | "sqlite"
	Path    string `json:"path"`    // directory (file backend) or database file (sqlite backend)
}

// StorageConfig configures ambient persistence that sits beside the
// conversation store: the audit log and the liveness heartbeat file.
type StorageConfig struct {
	AuditLogDir   string `json:"audit_log_dir"`  // AUDIT_LOG_DIR — empty disables the audit logger
	HeartbeatPath string `json:"heartbeat_path"` // HEARTBEAT_PATH — empty uses the per-agent default HeartbeatPath(agent)
}

// AgentConfig identifies this runtime instance on the bus.
type AgentConfig struct {
	Name string `json:"name"` // AGENT_NAME — the agent:<name> address this worker answers to
}

// BusConfig selects and configures the bus backend.
type BusConfig struct {
	URL string `json:"url"` // BUS_URL — "inproc://" or "redis://host:port/db"
}

// WorkerConfig configures the worker's subscribe/dispatch loop.
type WorkerConfig struct {
	BlockMS int `json:"block_ms"` // WORKER_BLOCK_MS — long-poll block duration per read (default: 1000)
}

// GatewayConfig holds the HTTP gateway server settings.
type GatewayConfig struct {
	Host      string `json:"host"`
	Port      int    `json:"port"`
	MaxEvents int    `json:"max_events"` // GATEWAY_MAX_EVENTS — default page size cap for /stream
}

// SignalConfig configures the signals coordination layer.
type SignalConfig struct {
	TopicPrefix     string `json:"topic_prefix"`      // SIGNAL_TOPIC_PREFIX — allowed topic namespace, default "signal:"
	PayloadMaxBytes int    `json:"payload_max_bytes"` // SIGNAL_PAYLOAD_MAX_BYTES — default 4096
}

// OrchestrateConfig configures the parent/child fan-out helper.
type OrchestrateConfig struct {
	AutoDone         bool     `json:"auto_done"`          // ORCHESTRATE_AUTO_DONE — Worker signals metadata.orchestrate.done_topic after each run's terminal output
	AllowedPathRoots []string `json:"allowed_path_roots"` // ORCHESTRATE_ALLOWED_PATH_ROOTS — doublestar glob patterns; empty disables enforcement
}

// ModelsConfig holds LLM provider configuration for the optional concrete runner.
type ModelsConfig struct {
	Default   string                    `json:"default"`
	Providers map[string]ProviderConfig `json:"providers"`
}

// ProviderConfig configures a single LLM provider.
type ProviderConfig struct {
	Driver        string         `json:"driver"` // "anthropic" | "openai" | "gemini" | "ollama"
	Model         string         `json:"model"`
	BaseURL       string         `json:"base_url,omitempty"`
	Auth          AuthConfig     `json:"auth"`
	MaxTokens     int            `json:"max_tokens,omitempty"`
	ContextWindow int            `json:"context_window,omitempty"`
	Timeout       Duration       `json:"timeout,omitempty"`
	Options       map[string]any `json:"options,omitempty"`
}

// AuthConfig configures API key resolution.
type AuthConfig struct {
	APIKey string `json:"api_key,omitempty"` // direct API key or ${{ .Env.VAR }} template
	Token  string `json:"token,omitempty"`   // OAuth/Bearer token
}

// Duration wraps time.Duration for JSON unmarshaling as a Go duration string.
type Duration time.Duration

func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	s := string(b)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(dur)
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(`"` + time.Duration(d).String() + `"`), nil
}
