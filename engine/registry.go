package engine

import "fmt"

// PluginEntry identifies one registered backend capability: the backend's
// normalized identity and the callback selector it settles through.
type PluginEntry struct {
	Backend  BackendKey `json:"backend"`
	Selector Selector   `json:"selector"`
}

type pluginKey struct {
	backend  BackendKey
	selector Selector
}

// Registry is the write-once plugin registry. It is built exactly once at
// engine construction from a configuration list and is never mutated
// afterwards; backend rotation requires a new engine instance. An editable
// registry would reintroduce a governance surface this engine deliberately
// avoids.
type Registry struct {
	entries map[pluginKey]bool
	all     []PluginEntry
}

// NewRegistry builds an indexed registry from a raw slice of entries.
// Duplicate (backend, selector) pairs and zero selectors are rejected:
// a zero selector would silently match uninitialized storage and open a
// spoofing path.
func NewRegistry(entries []PluginEntry) (*Registry, error) {
	indexed := make(map[pluginKey]bool, len(entries))
	all := make([]PluginEntry, 0, len(entries))

	for _, e := range entries {
		if e.Selector.IsZero() {
			return nil, fmt.Errorf("%w: backend %s", ErrZeroSelector, e.Backend)
		}
		k := pluginKey{backend: e.Backend, selector: e.Selector}
		if indexed[k] {
			return nil, fmt.Errorf("%w: backend %s selector %s", ErrDuplicatePlugin, e.Backend, e.Selector)
		}
		indexed[k] = true
		all = append(all, e)
	}

	return &Registry{entries: indexed, all: all}, nil
}

// IsRegistered reports whether the (backend, selector) pair is enabled.
// Pure O(1) lookup, consulted before dispatch and before honoring a
// callback.
func (r *Registry) IsRegistered(backend BackendKey, selector Selector) bool {
	return r.entries[pluginKey{backend: backend, selector: selector}]
}

// All returns a defensive copy of the registered entries.
func (r *Registry) All() []PluginEntry {
	allCopy := make([]PluginEntry, len(r.all))
	copy(allCopy, r.all)
	return allCopy
}
