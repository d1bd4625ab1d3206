// Package registry holds the process-wide directory of live voice
// sessions.
package registry

import (
	"log/slog"
	"sync"
)

// Handle is the in-memory record of one live Realtime voice session.
type Handle struct {
	SessionID    string
	ClientSecret string
	Metadata     Metadata
}

// Metadata carries the session attributes the gateway exposes to
// browsers. Extras holds genuinely dynamic fields (custom headers and the
// like) that have no typed home.
type Metadata struct {
	UserID       string
	Model        string
	Voice        string
	Instructions string
	ThreadID     string
	ProviderID   string
	ProviderSlug string
	Tools        []map[string]any
	Extras       map[string]any
}

// Registry indexes live sessions by session id and, when present, by
// client secret. All operations take the single mutex.
type Registry struct {
	mu        sync.Mutex
	sessions  map[string]*Handle
	bySecret  map[string]string
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		sessions: make(map[string]*Handle),
		bySecret: make(map[string]string),
	}
}

// Add registers a handle under both indexes.
func (r *Registry) Add(handle *Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.sessions[handle.SessionID] = handle
	if handle.ClientSecret != "" {
		r.bySecret[handle.ClientSecret] = handle.SessionID
	}
	slog.Debug("[SessionReg] Session registered", "session_id", handle.SessionID)
}

// Remove drops a session by id, or by client secret when the id is empty.
// Returns the removed handle, if any.
func (r *Registry) Remove(sessionID, clientSecret string) *Handle {
	r.mu.Lock()
	defer r.mu.Unlock()

	target := sessionID
	if target == "" && clientSecret != "" {
		target = r.bySecret[clientSecret]
		delete(r.bySecret, clientSecret)
	}
	if target == "" {
		return nil
	}

	handle, ok := r.sessions[target]
	if !ok {
		return nil
	}
	delete(r.sessions, target)
	if handle.ClientSecret != "" {
		delete(r.bySecret, handle.ClientSecret)
	}
	slog.Debug("[SessionReg] Session removed", "session_id", target)
	return handle
}

// Get looks a session up by id.
func (r *Registry) Get(sessionID string) *Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[sessionID]
}

// GetBySecret looks a session up by its client secret.
func (r *Registry) GetBySecret(clientSecret string) *Handle {
	r.mu.Lock()
	defer r.mu.Unlock()

	sessionID, ok := r.bySecret[clientSecret]
	if !ok {
		return nil
	}
	return r.sessions[sessionID]
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
