package connector

import (
	"fmt"
	"sync"
)

// Registry owns the guarded connectors. Connectors are registered at
// startup; lookups are concurrent-safe.
type Registry struct {
	mu     sync.RWMutex
	guards map[string]*Guard
}

// NewRegistry creates an empty connector registry.
func NewRegistry() *Registry {
	return &Registry{guards: make(map[string]*Guard)}
}

// Register wraps conn in a guard with cfg and stores it. Registering the
// same connector ID twice is an error.
func (r *Registry) Register(conn Connector, cfg GuardConfig) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.guards[conn.ID()]; exists {
		return fmt.Errorf("connector %q already registered", conn.ID())
	}
	r.guards[conn.ID()] = NewGuard(conn, cfg)
	return nil
}

// Get returns the guard for a connector ID.
func (r *Registry) Get(id string) (*Guard, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.guards[id]
	return g, ok
}

// IDs lists registered connector IDs.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.guards))
	for id := range r.guards {
		ids = append(ids, id)
	}
	return ids
}
