package session

import (
	"context"
	"errors"
	"time"
)

// SessionStore provides session persistence.
// This interface is defined in the domain to avoid circular imports.
// Implementations: in-memory (single process), Redis (shared).
//
// Stores do not judge expiry on reads; the manager does so with its clock.
type SessionStore interface {
	// Create stores a new session.
	Create(ctx context.Context, session *Session) error

	// Get retrieves a session by ID.
	// Returns ErrSessionNotFound if the session doesn't exist.
	Get(ctx context.Context, id string) (*Session, error)

	// Update saves changes to an existing session.
	// Returns ErrSessionNotFound if the session doesn't exist.
	Update(ctx context.Context, session *Session) error

	// Delete removes a session and reports whether it existed.
	Delete(ctx context.Context, id string) (bool, error)

	// DeleteExpired removes every session whose ExpiresAt is before now and
	// returns the removed ids.
	DeleteExpired(ctx context.Context, now time.Time) ([]string, error)

	// CountActive returns the number of sessions not expired at now.
	CountActive(ctx context.Context, now time.Time) (int, error)
}

// ErrSessionNotFound is returned when a session doesn't exist or is expired.
var ErrSessionNotFound = errors.New("session not found")
