package mechanism

import (
	"fmt"
	"sort"
	"sync"
)

// Registry is the process-wide lookup from game-type identifier to
// mechanism implementation. Populated once at startup, read many times
// concurrently.
type Registry struct {
	mu     sync.RWMutex
	byType map[string]Mechanism
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{byType: make(map[string]Mechanism)}
}

// Register adds a mechanism. Registering the same type twice is a
// programming error and panics at startup rather than silently
// replacing live market rules.
func (r *Registry) Register(m Mechanism) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, dup := r.byType[m.Type()]; dup {
		panic(fmt.Sprintf("mechanism: duplicate registration for type %q", m.Type()))
	}
	r.byType[m.Type()] = m
}

// Lookup returns the mechanism for a game type. An unknown type is a
// configuration error surfaced to the caller, never substituted with
// a default, since running the wrong market rules is a correctness
// failure.
func (r *Registry) Lookup(gameType string) (Mechanism, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, ok := r.byType[gameType]
	if !ok {
		return nil, fmt.Errorf("mechanism: unknown game type %q", gameType)
	}
	return m, nil
}

// Types returns the registered game-type identifiers, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.byType))
	for t := range r.byType {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
