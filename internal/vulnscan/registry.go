// Package vulnscan selects the enabled plugins and runs them over base
// requests.
package vulnscan

import (
	"sort"
	"sync"

	"blindscan/internal/config"
	"blindscan/internal/plugins"

	"github.com/rs/zerolog/log"
)

// Entry is one registry row.
type Entry struct {
	plugins.Info
	Enabled bool `json:"enabled"`
}

// Registry is the closed set of built-in plugins with their enabled flag.
// The set itself never changes at runtime; only the flags do.
type Registry struct {
	mu      sync.RWMutex
	known   []plugins.Info
	enabled map[string]bool
}

// NewRegistry returns a registry of every built-in plugin, all disabled.
func NewRegistry() *Registry {
	return &Registry{
		known:   plugins.Builtin(),
		enabled: make(map[string]bool),
	}
}

func (r *Registry) lookup(name string) (plugins.Info, bool) {
	for _, info := range r.known {
		if info.Name == name {
			return info, true
		}
	}
	return plugins.Info{}, false
}

// Enable turns on the named plugins. Unknown names are a configuration
// error and leave the registry untouched.
func (r *Registry) Enable(names ...string) error {
	for _, name := range names {
		if _, ok := r.lookup(name); !ok {
			return config.Errorf("plugins.enabled", "unknown plugin %q (known: %v)", name, r.Names())
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, name := range names {
		r.enabled[name] = true
		log.Debug().Str("plugin", name).Msg("Plugin enabled")
	}
	return nil
}

// Disable turns off the named plugin.
func (r *Registry) Disable(name string) error {
	if _, ok := r.lookup(name); !ok {
		return config.Errorf("plugins.enabled", "unknown plugin %q", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.enabled, name)
	return nil
}

// Enabled reports whether name is switched on.
func (r *Registry) Enabled(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.enabled[name]
}

// Names returns the sorted plugin names.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.known))
	for _, info := range r.known {
		names = append(names, info.Name)
	}
	sort.Strings(names)
	return names
}

// List returns every plugin in run order with its flag.
func (r *Registry) List() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Entry, 0, len(r.known))
	for _, info := range r.known {
		out = append(out, Entry{Info: info, Enabled: r.enabled[info.Name]})
	}
	return out
}
