package config

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Holder keeps the active configuration snapshot. Snapshots are immutable:
// readers take one with Current and keep using it for the duration of a
// task, while Reload swaps in a freshly loaded and validated copy.
type Holder struct {
	path  string
	flags CLIFlags
	cur   atomic.Pointer[Config]

	mu       sync.Mutex // serializes reloads and subscriber changes
	onReload []func(old, updated *Config)
}

// NewHolder returns a Holder serving cfg. Reloads read path again and
// reapply the given command line overrides.
func NewHolder(cfg *Config, path string, flags CLIFlags) *Holder {
	flags.ConfigPath = &path
	h := &Holder{path: path, flags: flags}
	h.cur.Store(cfg)
	return h
}

// Current returns the active snapshot. Callers must not modify it.
func (h *Holder) Current() *Config {
	return h.cur.Load()
}

// Path returns the YAML file the holder reloads from.
func (h *Holder) Path() string { return h.path }

// OnReload registers fn to be called after every successful reload.
func (h *Holder) OnReload(fn func(old, updated *Config)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onReload = append(h.onReload, fn)
}

// Reload loads the configuration again and swaps it in. An invalid
// configuration is rejected and the previous snapshot stays active.
func (h *Holder) Reload() (*Config, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	updated, _, err := LoadWithCLI(h.flags)
	if err != nil {
		return nil, fmt.Errorf("reload %s: %w", h.path, err)
	}

	old := h.cur.Swap(updated)
	if old != nil && old.Accounting.Workers != updated.Accounting.Workers {
		slog.Warn("accounting.workers changed, takes effect after restart",
			"current", old.Accounting.Workers, "configured", updated.Accounting.Workers)
	}
	for _, fn := range h.onReload {
		fn(old, updated)
	}
	return updated, nil
}
