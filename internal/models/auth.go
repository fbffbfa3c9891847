package models

import (
	"fmt"
	"os"
	"strings"

	"github.com/dohr-michael/ozzie/internal/config"
	"github.com/dohr-michael/ozzie/internal/secrets"
)

// AuthKind distinguishes between API key and Bearer token auth.
type AuthKind int

const (
	AuthAPIKey AuthKind = iota
	AuthBearerToken
)

// ResolvedAuth holds the resolved credentials and their kind.
type ResolvedAuth struct {
	Kind  AuthKind
	Value string
}

// ResolveAuth resolves the credentials for a provider.
// Resolution order: direct token → direct api_key → env_var → driver default env.
// A direct token or api_key that arrives as an ENC[age:...] blob (the
// convention config values share with dotenv-stored secrets) is decrypted
// against the identity at secrets.KeyPath() before use.
func ResolveAuth(cfg config.ProviderConfig) (ResolvedAuth, error) {
	resolve := func(token string) string {
		trimmed := strings.TrimSpace(token)
		if trimmed == "" {
			return ""
		}
		if strings.HasPrefix(trimmed, "${") && strings.HasSuffix(trimmed, "}") {
			trimmed = os.Getenv(trimmed[2 : len(trimmed)-1])
		}
		if secrets.IsEncrypted(trimmed) {
			identity, err := secrets.LoadIdentity(secrets.KeyPath())
			if err != nil {
				return ""
			}
			plain, err := secrets.Decrypt(trimmed, identity)
			if err != nil {
				return ""
			}
			return plain
		}
		return trimmed
	}
	// Direct Bearer token (Claude Code / OAuth)
	token := resolve(cfg.Auth.Token)
	if token != "" {
		return ResolvedAuth{Kind: AuthBearerToken, Value: token}, nil
	}

	// Direct API key from config
	apiKey := resolve(cfg.Auth.APIKey)
	if apiKey != "" {
		return ResolvedAuth{Kind: AuthAPIKey, Value: apiKey}, nil
	}

	// Default env vars per driver
	envVars, ok := driverEnvVars[strings.ToLower(cfg.Driver)]
	if !ok {
		return ResolvedAuth{}, fmt.Errorf("unknown driver %q: cannot resolve auth", cfg.Driver)
	}
	for _, name := range envVars {
		if key := os.Getenv(name); key != "" {
			return ResolvedAuth{Kind: AuthAPIKey, Value: key}, nil
		}
	}
	return ResolvedAuth{}, fmt.Errorf("%s not set", envVars[0])
}

// driverEnvVars lists, per driver, the environment variables ResolveAuth
// falls back to when a provider config gives no direct token or api_key.
// The first entry is each driver's canonical var, used both as the error
// message and as the target ProviderEnvVar resolves for the secrets CLI.
var driverEnvVars = map[string][]string{
	"anthropic": {"ANTHROPIC_API_KEY"},
	"openai":    {"OPENAI_API_KEY"},
	"gemini":    {"GEMINI_API_KEY", "GOOGLE_API_KEY"},
}

// ProviderEnvVar returns the canonical environment variable a driver's API
// key is read from, so operator tooling (the `ozzie secrets set` command)
// can accept a --provider name instead of requiring the raw env var.
func ProviderEnvVar(driver string) (string, bool) {
	vars, ok := driverEnvVars[strings.ToLower(driver)]
	if !ok || len(vars) == 0 {
		return "", false
	}
	return vars[0], true
}
