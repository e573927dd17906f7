package main

import (
	"sort"

	"kvm-stream-server/internal/session"
)

// NewSessionManager creates a new instance of SessionManager
func NewSessionManager() *SessionManager {
	return &SessionManager{
		sessions: make(map[string]*session.Session),
	}
}

// Add registers a session
func (sm *SessionManager) Add(s *session.Session) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.sessions[s.ID()] = s
}

// Remove unregisters a session
func (sm *SessionManager) Remove(s *session.Session) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	delete(sm.sessions, s.ID())
}

// Count returns the number of active sessions
func (sm *SessionManager) Count() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return len(sm.sessions)
}

// List returns a snapshot of all active sessions, oldest first
func (sm *SessionManager) List() []session.Info {
	sm.mu.RLock()
	infos := make([]session.Info, 0, len(sm.sessions))
	for _, s := range sm.sessions {
		infos = append(infos, s.Info())
	}
	sm.mu.RUnlock()

	sort.Slice(infos, func(i, j int) bool {
		return infos[i].StartedAt.Before(infos[j].StartedAt)
	})
	return infos
}

// CloseAll tears down every active session and waits for their encoders to
// be terminated
func (sm *SessionManager) CloseAll() {
	sm.mu.RLock()
	sessions := make([]*session.Session, 0, len(sm.sessions))
	for _, s := range sm.sessions {
		sessions = append(sessions, s)
	}
	sm.mu.RUnlock()

	for _, s := range sessions {
		s.Close()
	}
}
