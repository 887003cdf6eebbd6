package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"sync/atomic"
	"time"

	"k8s.io/utils/clock"
)

const (
	// DefaultTimeout is the default idle timeout of a session.
	DefaultTimeout = 30 * time.Minute

	// DefaultCleanupInterval is how often expired sessions are swept.
	DefaultCleanupInterval = 1 * time.Minute
)

// Config holds session manager configuration.
type Config struct {
	// Timeout is the idle expiration duration. Default: 30 minutes.
	Timeout time.Duration
	// MaxLifetime caps a session's total age, rotations included. Zero disables.
	MaxLifetime time.Duration
	// CleanupInterval is the expiry sweep period. Default: 1 minute.
	CleanupInterval time.Duration
}

// Manager is the session lifecycle contract the transports depend on.
type Manager interface {
	CreateSession(ctx context.Context) (string, error)
	ValidateSession(ctx context.Context, id string) bool
	InvalidateSession(ctx context.Context, id string) bool
	RotateSessionID(ctx context.Context, id string) (string, error)
	GetSessionMetadata(ctx context.Context, id string) (map[string]any, error)
	UpdateSessionMetadata(ctx context.Context, id string, patch map[string]any) error
	GetSessionStats(ctx context.Context) Stats
	CleanupExpiredSessions(ctx context.Context) int
}

// Option configures a SessionManager.
type Option func(*SessionManager)

// WithClock sets the clock used for expiry and the cleanup ticker.
func WithClock(c clock.WithTicker) Option {
	return func(m *SessionManager) {
		m.clock = c
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *SessionManager) {
		m.logger = logger
	}
}

// WithOnExpire registers fn to run with the id of every session removed for
// expiry, by the sweep or on access. fn must not call back into the manager.
func WithOnExpire(fn func(id string)) Option {
	return func(m *SessionManager) {
		m.onExpire = fn
	}
}

// SessionManager issues, validates, rotates and expires sessions.
// It is the only owner of session state.
type SessionManager struct {
	store    SessionStore
	cfg      Config
	clock    clock.WithTicker
	logger   *slog.Logger
	onExpire func(id string)

	total   atomic.Int64
	expired atomic.Int64

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewSessionManager creates a new SessionManager with the given store and config.
func NewSessionManager(store SessionStore, cfg Config, opts ...Option) *SessionManager {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = DefaultCleanupInterval
	}
	m := &SessionManager{
		store:    store,
		cfg:      cfg,
		clock:    clock.RealClock{},
		logger:   slog.Default(),
		stopChan: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *SessionManager) now() time.Time {
	return m.clock.Now().UTC()
}

// CreateSession allocates a new session and returns its id.
func (m *SessionManager) CreateSession(ctx context.Context) (string, error) {
	id, err := GenerateSessionID()
	if err != nil {
		return "", err
	}

	now := m.now()
	sess := &Session{
		ID:         id,
		CreatedAt:  now,
		LastAccess: now,
		Metadata:   make(map[string]any),
	}
	sess.Refresh(now, m.cfg.Timeout, m.cfg.MaxLifetime)

	if err := m.store.Create(ctx, sess); err != nil {
		return "", fmt.Errorf("failed to create session: %w", err)
	}
	m.total.Add(1)

	m.logger.Debug("session created", "session_id", shortID(id))
	return id, nil
}

// get loads a live session. Expired sessions are removed and reported as
// ErrSessionNotFound.
func (m *SessionManager) get(ctx context.Context, id string) (*Session, error) {
	if id == "" {
		return nil, ErrSessionNotFound
	}
	sess, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess.IsExpired(m.now()) {
		if removed, _ := m.store.Delete(ctx, id); removed {
			m.expired.Add(1)
			m.expire(id)
		}
		return nil, ErrSessionNotFound
	}
	return sess, nil
}

// ValidateSession reports whether id names a live session. A successful
// validation counts as activity and slides the expiry forward. Store
// failures are reported as invalid.
func (m *SessionManager) ValidateSession(ctx context.Context, id string) bool {
	sess, err := m.get(ctx, id)
	if err != nil {
		if !errors.Is(err, ErrSessionNotFound) {
			m.logger.Warn("session validation failed", "session_id", shortID(id), "error", err)
		}
		return false
	}

	sess.Refresh(m.now(), m.cfg.Timeout, m.cfg.MaxLifetime)
	if err := m.store.Update(ctx, sess); err != nil {
		m.logger.Warn("session refresh failed", "session_id", shortID(id), "error", err)
		return false
	}
	return true
}

// InvalidateSession removes the session. It is idempotent and reports
// whether a session was actually removed.
func (m *SessionManager) InvalidateSession(ctx context.Context, id string) bool {
	if id == "" {
		return false
	}
	removed, err := m.store.Delete(ctx, id)
	if err != nil {
		m.logger.Warn("session invalidation failed", "session_id", shortID(id), "error", err)
		return false
	}
	if removed {
		m.logger.Debug("session invalidated", "session_id", shortID(id))
	}
	return removed
}

// RotateSessionID issues a fresh id for a live session, preserving its
// metadata and creation time, and invalidates the old id.
func (m *SessionManager) RotateSessionID(ctx context.Context, id string) (string, error) {
	sess, err := m.get(ctx, id)
	if err != nil {
		return "", err
	}

	newID, err := GenerateSessionID()
	if err != nil {
		return "", err
	}

	rotated := sess.Clone()
	rotated.ID = newID
	rotated.Refresh(m.now(), m.cfg.Timeout, m.cfg.MaxLifetime)

	if err := m.store.Create(ctx, rotated); err != nil {
		return "", fmt.Errorf("failed to store rotated session: %w", err)
	}
	if _, err := m.store.Delete(ctx, id); err != nil {
		// Roll back so the client is never left holding two live ids.
		_, _ = m.store.Delete(ctx, newID)
		return "", fmt.Errorf("failed to remove rotated session: %w", err)
	}
	m.total.Add(1)

	m.logger.Debug("session rotated", "old_session_id", shortID(id), "session_id", shortID(newID))
	return newID, nil
}

// GetSessionMetadata returns a copy of the session's metadata.
func (m *SessionManager) GetSessionMetadata(ctx context.Context, id string) (map[string]any, error) {
	sess, err := m.get(ctx, id)
	if err != nil {
		return nil, err
	}
	md := maps.Clone(sess.Metadata)
	if md == nil {
		md = make(map[string]any)
	}
	return md, nil
}

// UpdateSessionMetadata merges patch into the session's metadata.
// A nil value deletes the key.
func (m *SessionManager) UpdateSessionMetadata(ctx context.Context, id string, patch map[string]any) error {
	sess, err := m.get(ctx, id)
	if err != nil {
		return err
	}
	if sess.Metadata == nil {
		sess.Metadata = make(map[string]any, len(patch))
	}
	for k, v := range patch {
		if v == nil {
			delete(sess.Metadata, k)
			continue
		}
		sess.Metadata[k] = v
	}
	if err := m.store.Update(ctx, sess); err != nil {
		return fmt.Errorf("failed to update session metadata: %w", err)
	}
	return nil
}

// GetSessionStats returns point-in-time session counters.
func (m *SessionManager) GetSessionStats(ctx context.Context) Stats {
	active, err := m.store.CountActive(ctx, m.now())
	if err != nil {
		m.logger.Warn("failed to count sessions", "error", err)
		active = 0
	}
	return Stats{
		Active:  active,
		Total:   m.total.Load(),
		Expired: m.expired.Load(),
	}
}

// CleanupExpiredSessions removes sessions past their expiry and returns the
// number removed.
func (m *SessionManager) CleanupExpiredSessions(ctx context.Context) int {
	removed, err := m.store.DeleteExpired(ctx, m.now())
	if err != nil {
		m.logger.Warn("session cleanup failed", "error", err)
	}
	if len(removed) > 0 {
		m.expired.Add(int64(len(removed)))
		m.logger.Debug("cleaned expired sessions", "count", len(removed))
	}
	for _, id := range removed {
		m.expire(id)
	}
	return len(removed)
}

func (m *SessionManager) expire(id string) {
	if m.onExpire != nil {
		m.onExpire(id)
	}
}

// StartCleanup starts the background sweep. It runs on the manager's clock
// independent of request traffic and stops when ctx is cancelled or Stop
// is called.
func (m *SessionManager) StartCleanup(ctx context.Context) {
	ticker := m.clock.NewTicker(m.cfg.CleanupInterval)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stopChan:
				return
			case <-ticker.C():
				m.CleanupExpiredSessions(ctx)
			}
		}
	}()
}

// Stop stops the cleanup goroutine and waits for it to exit.
// Safe to call multiple times.
func (m *SessionManager) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopChan)
	})
	m.wg.Wait()
}

// GenerateSessionID creates a cryptographically random session ID.
// Returns 64 hex characters (32 bytes).
func GenerateSessionID() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate session ID: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// shortID returns a log-safe prefix of a session id.
func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// Compile-time interface verification.
var _ Manager = (*SessionManager)(nil)
