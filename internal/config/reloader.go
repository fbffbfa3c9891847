package config

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Reloader provides hot config reload with atomic swap and listener notification.
type Reloader struct {
	configPath string
	dotenvPath string
	current    atomic.Pointer[Config]
	lastReload atomic.Pointer[time.Time]
	reloads    atomic.Int64
	mu         sync.Mutex // serializes reload
	listeners  []func(*Config)
}

// NewReloader creates a Reloader with the given initial config.
func NewReloader(configPath, dotenvPath string, initial *Config) *Reloader {
	r := &Reloader{
		configPath: configPath,
		dotenvPath: dotenvPath,
	}
	r.current.Store(initial)
	return r
}

// Current returns the current config (lock-free atomic read).
func (r *Reloader) Current() *Config {
	return r.current.Load()
}

// OnReload registers a callback invoked after successful reload.
func (r *Reloader) OnReload(fn func(*Config)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, fn)
}

// Reload re-reads the .env file, reloads the config, and notifies listeners.
func (r *Reloader) Reload() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Reload .env (override mode)
	if err := ReloadDotenv(r.dotenvPath); err != nil {
		return fmt.Errorf("reload dotenv: %w", err)
	}

	// Reload config (re-expands env templates)
	cfg, err := Load(r.configPath)
	if err != nil {
		return fmt.Errorf("reload config: %w", err)
	}

	r.current.Store(cfg)
	now := time.Now()
	r.lastReload.Store(&now)
	r.reloads.Add(1)
	slog.Info("config reloaded", "count", r.reloads.Load())

	for _, fn := range r.listeners {
		fn(cfg)
	}
	return nil
}

// LastReload returns when Reload last succeeded, and whether it has ever
// run. The Gateway's /health handler surfaces this so an operator can
// confirm a SIGHUP actually took effect.
func (r *Reloader) LastReload() (time.Time, bool) {
	t := r.lastReload.Load()
	if t == nil {
		return time.Time{}, false
	}
	return *t, true
}

// ReloadCount returns how many times Reload has succeeded.
func (r *Reloader) ReloadCount() int64 {
	return r.reloads.Load()
}
