package service

import (
	"sync"
	"time"
)

// session serializes frames of one capture session.
type session struct {
	busy       sync.Mutex
	lastSample time.Time

	// guarded by sessionRegistry.mu
	refs     int
	lastSeen time.Time
	ended    bool
}

type sessionRegistry struct {
	mu       sync.Mutex
	sessions map[string]*session
}

func newSessionRegistry() *sessionRegistry {
	return &sessionRegistry{sessions: make(map[string]*session)}
}

// acquire returns the session for id and pins it until release.
func (r *sessionRegistry) acquire(id string, now time.Time) *session {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		s = &session{}
		r.sessions[id] = s
	}
	s.refs++
	s.lastSeen = now
	s.ended = false
	return s
}

func (r *sessionRegistry) release(id string, s *session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s.refs--
	if s.ended && s.refs == 0 && r.sessions[id] == s {
		delete(r.sessions, id)
	}
}

// end forgets a session once its stream is gone. A session still serving a
// frame is removed when that frame releases it.
func (r *sessionRegistry) end(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return
	}
	s.ended = true
	if s.refs == 0 {
		delete(r.sessions, id)
	}
}

// evictIdle drops unpinned sessions last seen before cutoff.
func (r *sessionRegistry) evictIdle(cutoff time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for id, s := range r.sessions {
		if s.refs == 0 && s.lastSeen.Before(cutoff) {
			delete(r.sessions, id)
			n++
		}
	}
	return n
}

func (r *sessionRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
