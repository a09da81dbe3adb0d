// Package registry owns client handles on behalf of their creators and
// issues the non-owning references a camera session stores. A reference
// stays valid forever but resolves to nil once its client is released,
// which is how the session observes client teardown it has no control
// over.
package registry

import (
	"sync"

	"camshare/internal/hal"
)

type Registry struct {
	mu      sync.RWMutex
	clients map[string]hal.Client
}

func New() *Registry {
	return &Registry{clients: make(map[string]hal.Client)}
}

// Register takes ownership of the client and returns a reference for it.
func (r *Registry) Register(c hal.Client) hal.Ref {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[c.ID()] = c
	return &ref{registry: r, id: c.ID()}
}

// Release destroys the client. Existing references keep working and
// resolve to nil from now on.
func (r *Registry) Release(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.clients, id)
}

// Resolve returns the live client for id, or nil.
func (r *Registry) Resolve(id string) hal.Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.clients[id]
}

// Len reports the number of live clients.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

type ref struct {
	registry *Registry
	id       string
}

func (r *ref) ID() string {
	return r.id
}

func (r *ref) Resolve() hal.Client {
	return r.registry.Resolve(r.id)
}
