package commands

import (
	"fmt"
	"path/filepath"

	"github.com/dohr-michael/ozzie/internal/config"
	"github.com/dohr-michael/ozzie/internal/sessions"
)

// newSessionStore builds the configured sessions.Store backend, generalized
// from internal/models/registry.go's provider-by-name lookup to "session
// store by name."
func newSessionStore(cfg config.SessionsConfig) (sessions.Store, error) {
	path := cfg.Path
	if path == "" {
		path = filepath.Join(config.OzziePath(), "sessions")
	}
	switch cfg.Backend {
	case "", "file":
		return sessions.NewFileStore(path), nil
	case "sqlite":
		return sessions.NewSQLiteStore(path)
	default:
		return nil, fmt.Errorf("unknown sessions backend %q", cfg.Backend)
	}
}
