// Package memory provides in-memory implementations of outbound ports.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/gcp-mcp/gcp-mcp-server/internal/domain/session"
)

// MemorySessionStore implements session.SessionStore with an in-memory map.
// Thread-safe for concurrent access. Sessions are lost on restart and are
// not shared between processes; use the Redis store for that.
// Expiry sweeping is driven by session.SessionManager.
type MemorySessionStore struct {
	sessions map[string]*session.Session
	mu       sync.RWMutex
}

// NewSessionStore creates a new in-memory session store.
func NewSessionStore() *MemorySessionStore {
	return &MemorySessionStore{
		sessions: make(map[string]*session.Session),
	}
}

// Create stores a new session.
func (s *MemorySessionStore) Create(_ context.Context, sess *session.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Store a copy to prevent external mutation
	s.sessions[sess.ID] = sess.Clone()
	return nil
}

// Get retrieves a session by ID.
// Returns session.ErrSessionNotFound if the session doesn't exist.
func (s *MemorySessionStore) Get(_ context.Context, id string) (*session.Session, error) {
	s.mu.RLock()
	sess, ok := s.sessions[id]
	s.mu.RUnlock()

	if !ok {
		return nil, session.ErrSessionNotFound
	}

	// Return a copy to prevent mutation
	return sess.Clone(), nil
}

// Update saves changes to an existing session.
func (s *MemorySessionStore) Update(_ context.Context, sess *session.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[sess.ID]; !ok {
		return session.ErrSessionNotFound
	}

	s.sessions[sess.ID] = sess.Clone()
	return nil
}

// Delete removes a session and reports whether it existed.
func (s *MemorySessionStore) Delete(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.sessions[id]
	delete(s.sessions, id)
	return ok, nil
}

// DeleteExpired removes all sessions expired at now.
func (s *MemorySessionStore) DeleteExpired(_ context.Context, now time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var cleaned []string
	for id, sess := range s.sessions {
		if sess.IsExpired(now) {
			delete(s.sessions, id)
			cleaned = append(cleaned, id)
		}
	}
	return cleaned, nil
}

// CountActive returns the number of sessions not expired at now.
func (s *MemorySessionStore) CountActive(_ context.Context, now time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, sess := range s.sessions {
		if !sess.IsExpired(now) {
			n++
		}
	}
	return n, nil
}

// Size returns the number of sessions currently stored, expired included.
func (s *MemorySessionStore) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Compile-time interface verification.
var _ session.SessionStore = (*MemorySessionStore)(nil)
