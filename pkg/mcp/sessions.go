package mcp

import "sync"

// SessionRegistry maps job IDs to the MCP session that submitted them.
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[string]string // jobID → sessionID
}

// NewSessionRegistry creates a new empty SessionRegistry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{sessions: make(map[string]string)}
}

// Register associates a job ID with a session ID.
func (r *SessionRegistry) Register(jobID, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[jobID] = sessionID
}

// SessionFor returns the session that submitted the job, if known.
func (r *SessionRegistry) SessionFor(jobID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sid, ok := r.sessions[jobID]
	return sid, ok
}

// Forget drops the mapping for a finished job.
func (r *SessionRegistry) Forget(jobID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, jobID)
}

// Remove deletes all job mappings for the given session ID.
// Called when a session disconnects.
func (r *SessionRegistry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for jid, sid := range r.sessions {
		if sid == sessionID {
			delete(r.sessions, jid)
		}
	}
}

// Len returns the number of tracked jobs.
func (r *SessionRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
