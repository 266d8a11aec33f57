package session

import (
	"errors"
	"sync"
)

// ErrSessionNotFound is returned for operations on unknown session ids.
var ErrSessionNotFound = errors.New("session: not found")

// Registry is an explicit arena of live sessions keyed by id. It is owned by
// whoever constructs the engine and injected, never globally reachable.
type Registry struct {
	mu sync.RWMutex
	m  map[string]*Session
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{m: make(map[string]*Session)}
}

// Add registers a session.
func (r *Registry) Add(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.m[s.ID()] = s
}

// Get looks up a session by id.
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.m[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// Remove unregisters a session by id.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.m, id)
}

// Len reports the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.m)
}
