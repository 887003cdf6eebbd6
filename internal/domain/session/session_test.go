package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"
	clocktesting "k8s.io/utils/clock/testing"
)

// mockSessionStore is a simple in-memory mock for testing.
type mockSessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	failGet  error
}

func newMockSessionStore() *mockSessionStore {
	return &mockSessionStore{
		sessions: make(map[string]*Session),
	}
}

func (m *mockSessionStore) Create(_ context.Context, session *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[session.ID] = session.Clone()
	return nil
}

func (m *mockSessionStore) Get(_ context.Context, id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.failGet != nil {
		return nil, m.failGet
	}
	session, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return session.Clone(), nil
}

func (m *mockSessionStore) Update(_ context.Context, session *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[session.ID]; !ok {
		return ErrSessionNotFound
	}
	m.sessions[session.ID] = session.Clone()
	return nil
}

func (m *mockSessionStore) Delete(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.sessions[id]
	delete(m.sessions, id)
	return ok, nil
}

func (m *mockSessionStore) DeleteExpired(_ context.Context, now time.Time) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for id, s := range m.sessions {
		if s.IsExpired(now) {
			delete(m.sessions, id)
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (m *mockSessionStore) CountActive(_ context.Context, now time.Time) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, s := range m.sessions {
		if !s.IsExpired(now) {
			n++
		}
	}
	return n, nil
}

var testEpoch = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

func newTestManager(cfg Config) (*SessionManager, *mockSessionStore, *clocktesting.FakeClock) {
	store := newMockSessionStore()
	fc := clocktesting.NewFakeClock(testEpoch)
	return NewSessionManager(store, cfg, WithClock(fc)), store, fc
}

func TestGenerateSessionID(t *testing.T) {
	ids := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id, err := GenerateSessionID()
		if err != nil {
			t.Fatalf("GenerateSessionID() error = %v", err)
		}
		if len(id) != 64 {
			t.Errorf("GenerateSessionID() len = %d, want 64", len(id))
		}
		for _, c := range id {
			if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
				t.Fatalf("GenerateSessionID() contains non-hex character: %c", c)
			}
		}
		if ids[id] {
			t.Errorf("GenerateSessionID() generated duplicate ID: %s", id)
		}
		ids[id] = true
	}
}

func TestSessionManager_CreateAndValidate(t *testing.T) {
	m, store, _ := newTestManager(Config{})
	ctx := context.Background()

	id, err := m.CreateSession(ctx)
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	if !m.ValidateSession(ctx, id) {
		t.Error("ValidateSession() = false for fresh session")
	}

	sess := store.sessions[id]
	if !sess.CreatedAt.Equal(testEpoch) {
		t.Errorf("CreatedAt = %v, want %v", sess.CreatedAt, testEpoch)
	}
	if want := testEpoch.Add(DefaultTimeout); !sess.ExpiresAt.Equal(want) {
		t.Errorf("ExpiresAt = %v, want %v", sess.ExpiresAt, want)
	}
}

func TestSessionManager_ValidateUnknown(t *testing.T) {
	m, _, _ := newTestManager(Config{})
	ctx := context.Background()

	if m.ValidateSession(ctx, "") {
		t.Error("empty id must not validate")
	}
	if m.ValidateSession(ctx, "does-not-exist") {
		t.Error("unknown id must not validate")
	}
}

func TestSessionManager_ValidateFailsClosedOnStoreError(t *testing.T) {
	m, store, _ := newTestManager(Config{})
	ctx := context.Background()

	id, _ := m.CreateSession(ctx)
	store.failGet = errors.New("connection refused")

	if m.ValidateSession(ctx, id) {
		t.Error("ValidateSession() should fail closed on store error")
	}
}

func TestSessionManager_SlidingExpiry(t *testing.T) {
	m, _, fc := newTestManager(Config{Timeout: 10 * time.Minute})
	ctx := context.Background()

	id, _ := m.CreateSession(ctx)

	fc.Step(8 * time.Minute)
	if !m.ValidateSession(ctx, id) {
		t.Fatal("session should still be valid after 8m")
	}

	fc.Step(8 * time.Minute)
	if !m.ValidateSession(ctx, id) {
		t.Fatal("validation should have slid expiry forward")
	}

	fc.Step(11 * time.Minute)
	if m.ValidateSession(ctx, id) {
		t.Error("session should expire after idle timeout")
	}

	stats := m.GetSessionStats(ctx)
	if stats.Expired != 1 {
		t.Errorf("Expired = %d, want 1", stats.Expired)
	}
}

func TestSessionManager_MaxLifetime(t *testing.T) {
	m, _, fc := newTestManager(Config{Timeout: 10 * time.Minute, MaxLifetime: 15 * time.Minute})
	ctx := context.Background()

	id, _ := m.CreateSession(ctx)
	fc.Step(9 * time.Minute)
	if !m.ValidateSession(ctx, id) {
		t.Fatal("session should be valid at 9m")
	}
	fc.Step(7 * time.Minute)
	if m.ValidateSession(ctx, id) {
		t.Error("session should not outlive MaxLifetime")
	}
}

func TestSessionManager_InvalidateIsIdempotent(t *testing.T) {
	m, _, _ := newTestManager(Config{})
	ctx := context.Background()

	id, _ := m.CreateSession(ctx)

	if !m.InvalidateSession(ctx, id) {
		t.Error("first InvalidateSession() should report removal")
	}
	if m.InvalidateSession(ctx, id) {
		t.Error("second InvalidateSession() should report false")
	}
	if m.ValidateSession(ctx, id) {
		t.Error("invalidated session must not become active again")
	}
}

func TestSessionManager_Rotate(t *testing.T) {
	m, store, fc := newTestManager(Config{})
	ctx := context.Background()

	id, _ := m.CreateSession(ctx)
	if err := m.UpdateSessionMetadata(ctx, id, map[string]any{"protocolVersion": "2025-06-18"}); err != nil {
		t.Fatalf("UpdateSessionMetadata() error = %v", err)
	}

	fc.Step(time.Minute)
	newID, err := m.RotateSessionID(ctx, id)
	if err != nil {
		t.Fatalf("RotateSessionID() error = %v", err)
	}
	if newID == id {
		t.Fatal("RotateSessionID() returned the same id")
	}
	if m.ValidateSession(ctx, id) {
		t.Error("old id must be invalid after rotation")
	}
	if !m.ValidateSession(ctx, newID) {
		t.Error("new id must be valid after rotation")
	}

	md, err := m.GetSessionMetadata(ctx, newID)
	if err != nil {
		t.Fatalf("GetSessionMetadata() error = %v", err)
	}
	if md["protocolVersion"] != "2025-06-18" {
		t.Errorf("metadata not preserved: %v", md)
	}
	if !store.sessions[newID].CreatedAt.Equal(testEpoch) {
		t.Error("rotation must preserve CreatedAt")
	}

	stats := m.GetSessionStats(ctx)
	if stats.Active != 1 || stats.Total != 2 {
		t.Errorf("stats = %+v, want Active=1 Total=2", stats)
	}
}

func TestSessionManager_RotateUnknown(t *testing.T) {
	m, _, _ := newTestManager(Config{})

	_, err := m.RotateSessionID(context.Background(), "missing")
	if !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("RotateSessionID() error = %v, want ErrSessionNotFound", err)
	}
}

func TestSessionManager_Metadata(t *testing.T) {
	m, _, _ := newTestManager(Config{})
	ctx := context.Background()

	id, _ := m.CreateSession(ctx)

	if err := m.UpdateSessionMetadata(ctx, id, map[string]any{"a": 1, "b": "x"}); err != nil {
		t.Fatalf("UpdateSessionMetadata() error = %v", err)
	}
	if err := m.UpdateSessionMetadata(ctx, id, map[string]any{"a": nil, "c": true}); err != nil {
		t.Fatalf("UpdateSessionMetadata() error = %v", err)
	}

	md, err := m.GetSessionMetadata(ctx, id)
	if err != nil {
		t.Fatalf("GetSessionMetadata() error = %v", err)
	}
	if _, ok := md["a"]; ok {
		t.Error("nil patch value should delete key")
	}
	if md["b"] != "x" || md["c"] != true {
		t.Errorf("metadata = %v", md)
	}

	// Returned map is a copy.
	md["b"] = "mutated"
	again, _ := m.GetSessionMetadata(ctx, id)
	if again["b"] != "x" {
		t.Error("GetSessionMetadata() must return a copy")
	}

	if err := m.UpdateSessionMetadata(ctx, "missing", map[string]any{"a": 1}); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("UpdateSessionMetadata(missing) error = %v, want ErrSessionNotFound", err)
	}
}

func TestSessionManager_CleanupExpiredSessions(t *testing.T) {
	m, _, fc := newTestManager(Config{Timeout: time.Minute})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := m.CreateSession(ctx); err != nil {
			t.Fatalf("CreateSession() error = %v", err)
		}
	}
	fc.Step(30 * time.Second)
	live, _ := m.CreateSession(ctx)

	fc.Step(45 * time.Second)
	if removed := m.CleanupExpiredSessions(ctx); removed != 3 {
		t.Errorf("CleanupExpiredSessions() = %d, want 3", removed)
	}

	stats := m.GetSessionStats(ctx)
	if stats.Active != 1 || stats.Total != 4 || stats.Expired != 3 {
		t.Errorf("stats = %+v, want Active=1 Total=4 Expired=3", stats)
	}
	if !m.ValidateSession(ctx, live) {
		t.Error("unexpired session should survive cleanup")
	}
}

func TestSessionManager_OnExpire(t *testing.T) {
	var expired []string
	store := newMockSessionStore()
	fc := clocktesting.NewFakeClock(testEpoch)
	m := NewSessionManager(store, Config{Timeout: time.Minute}, WithClock(fc),
		WithOnExpire(func(id string) { expired = append(expired, id) }))
	ctx := context.Background()

	swept, _ := m.CreateSession(ctx)
	lazy, _ := m.CreateSession(ctx)
	closed, _ := m.CreateSession(ctx)
	m.InvalidateSession(ctx, closed)

	fc.Step(2 * time.Minute)

	if m.ValidateSession(ctx, lazy) {
		t.Fatal("expired session validated")
	}
	if len(expired) != 1 || expired[0] != lazy {
		t.Fatalf("after access expired = %v, want [%s]", expired, lazy)
	}

	if removed := m.CleanupExpiredSessions(ctx); removed != 1 {
		t.Errorf("CleanupExpiredSessions() = %d, want 1", removed)
	}
	if len(expired) != 2 || expired[1] != swept {
		t.Errorf("after sweep expired = %v, want [%s %s]", expired, lazy, swept)
	}

	// Explicit invalidation is not expiry.
	for _, id := range expired {
		if id == closed {
			t.Error("invalidated session reported as expired")
		}
	}
}

func TestSessionManager_StartCleanup(t *testing.T) {
	defer goleak.VerifyNone(t)

	m, store, fc := newTestManager(Config{Timeout: time.Minute, CleanupInterval: 30 * time.Second})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if _, err := m.CreateSession(ctx); err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	m.StartCleanup(ctx)

	fc.Step(2 * time.Minute)

	deadline := time.Now().Add(2 * time.Second)
	for {
		store.mu.RLock()
		n := len(store.sessions)
		store.mu.RUnlock()
		if n == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expired session not swept by background cleanup")
		}
		time.Sleep(5 * time.Millisecond)
	}

	m.Stop()
	m.Stop()
}
