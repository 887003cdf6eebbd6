// Package session manages client sessions across MCP requests and streams.
package session

import (
	"maps"
	"time"
)

// Session tracks one client's context across HTTP exchanges and SSE streams.
type Session struct {
	// ID is a cryptographically random identifier, 32 bytes hex-encoded.
	ID string
	// CreatedAt is when the session was first issued (UTC). Rotation keeps it.
	CreatedAt time.Time
	// LastAccess is the last time the session was validated (UTC).
	LastAccess time.Time
	// ExpiresAt is when the session will expire unless refreshed (UTC).
	ExpiresAt time.Time
	// Metadata holds arbitrary per-session state such as the negotiated
	// protocol version.
	Metadata map[string]any
}

// IsExpired reports whether the session has passed its expiry at now.
func (s *Session) IsExpired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// Refresh records an access at now and slides ExpiresAt forward by timeout.
// A positive maxLifetime caps ExpiresAt at CreatedAt+maxLifetime.
func (s *Session) Refresh(now time.Time, timeout, maxLifetime time.Duration) {
	s.LastAccess = now
	s.ExpiresAt = now.Add(timeout)
	if maxLifetime > 0 {
		if limit := s.CreatedAt.Add(maxLifetime); s.ExpiresAt.After(limit) {
			s.ExpiresAt = limit
		}
	}
}

// Clone returns a deep copy of the session. Metadata values are copied
// shallowly.
func (s *Session) Clone() *Session {
	c := *s
	c.Metadata = maps.Clone(s.Metadata)
	if c.Metadata == nil {
		c.Metadata = make(map[string]any)
	}
	return &c
}

// Stats is a point-in-time view of session counters.
type Stats struct {
	// Active is the number of live, unexpired sessions.
	Active int `json:"active"`
	// Total is the number of session ids issued since start, rotations included.
	Total int64 `json:"total"`
	// Expired is the number of sessions removed because they expired.
	Expired int64 `json:"expired"`
}
