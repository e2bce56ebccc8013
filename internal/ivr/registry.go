package ivr

import "sync"

// Registry maps channel ids to live sessions. Sessions register on
// creation and deregister on destroy; lookups are weak back-references
// for the action engine, the validation endpoint and the event demux,
// never ownership.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

// NewRegistry creates an empty session registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Register adds the session under its channel id.
func (r *Registry) Register(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.ChannelID()] = s
}

// Deregister removes the session for the channel id, if it is still the
// registered one.
func (r *Registry) Deregister(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sessions[s.ChannelID()] == s {
		delete(r.sessions, s.ChannelID())
	}
}

// Get returns the session for the channel id, or nil.
func (r *Registry) Get(channelID string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[channelID]
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
