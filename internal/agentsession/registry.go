package agentsession

import (
	"context"
	"sync"

	"github.com/coder/websocket"
)

// Registry is the process-local map of live sessions keyed by agent id,
// grounded on the teacher's gateway.Server.clients set plus
// agent.Registry's keyed-map-with-duplicate-id-handling shape.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry constructs an empty session registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Supersede closes any prior session already registered under agentID
// before next registers replacement, per "if another session is live under
// this agent id, the prior session is closed first."
func (r *Registry) Supersede(agentID string, replacement *Session) {
	r.mu.Lock()
	prior, ok := r.sessions[agentID]
	r.sessions[agentID] = replacement
	r.mu.Unlock()

	if ok && prior != replacement {
		_ = prior.conn.Close(websocket.StatusNormalClosure, "superseded_by_reconnect")
	}
}

// Remove deregisters a session, but only if it is still the one registered
// (a session superseded before it fully shut down must not clobber the
// replacement's registry entry).
func (r *Registry) Remove(agentID string, s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.sessions[agentID]; ok && cur == s {
		delete(r.sessions, agentID)
	}
}

// Get returns the live session for an agent id, if any.
func (r *Registry) Get(agentID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[agentID]
	return s, ok
}

// PushAssign delivers an assignment to the live session for agentID, if
// one is registered. Returns false if the agent has no live session (the
// caller — cmd/agentcomd's bus relay — treats this as "nothing to do";
// the scheduler's own state is unaffected since assignment already
// happened in the Queue).
func (r *Registry) PushAssign(ctx context.Context, agentID string, push func(*Session)) bool {
	r.mu.RLock()
	s, ok := r.sessions[agentID]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	push(s)
	return true
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
