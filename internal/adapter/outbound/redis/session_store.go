package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/gcp-mcp/gcp-mcp-server/internal/domain/session"
)

// expiryGrace keeps a session key alive past its ExpiresAt so the manager's
// sweep, not Redis eviction, is what normally removes it.
const expiryGrace = 5 * time.Minute

// SessionStore implements session.SessionStore on Redis.
//
// Each session is a msgpack blob under "<prefix>:session:<id>". A sorted set
// "<prefix>:sessions" scores every id by its expiry in unix milliseconds and
// backs DeleteExpired and CountActive.
// The caller owns the redis.Client lifecycle.
type SessionStore struct {
	client redis.UniversalClient
	cfg    config
}

// NewSessionStore returns a session store backed by client.
func NewSessionStore(client redis.UniversalClient, opts ...Option) *SessionStore {
	return &SessionStore{
		client: client,
		cfg:    applyOptions(opts),
	}
}

type sessionRecord struct {
	ID         string         `msgpack:"id"`
	CreatedAt  time.Time      `msgpack:"created_at"`
	LastAccess time.Time      `msgpack:"last_access"`
	ExpiresAt  time.Time      `msgpack:"expires_at"`
	Metadata   map[string]any `msgpack:"metadata,omitempty"`
}

func (s *SessionStore) sessionKey(id string) string {
	return s.cfg.key("session", id)
}

func (s *SessionStore) indexKey() string {
	return s.cfg.key("sessions")
}

func encodeSession(sess *session.Session) ([]byte, error) {
	return msgpack.Marshal(&sessionRecord{
		ID:         sess.ID,
		CreatedAt:  sess.CreatedAt,
		LastAccess: sess.LastAccess,
		ExpiresAt:  sess.ExpiresAt,
		Metadata:   sess.Metadata,
	})
}

func decodeSession(data []byte) (*session.Session, error) {
	var rec sessionRecord
	if err := msgpack.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	if rec.Metadata == nil {
		rec.Metadata = make(map[string]any)
	}
	return &session.Session{
		ID:         rec.ID,
		CreatedAt:  rec.CreatedAt.UTC(),
		LastAccess: rec.LastAccess.UTC(),
		ExpiresAt:  rec.ExpiresAt.UTC(),
		Metadata:   rec.Metadata,
	}, nil
}

func (s *SessionStore) write(ctx context.Context, sess *session.Session, mode string) error {
	data, err := encodeSession(sess)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}

	qctx, cancel := s.cfg.queryCtx(ctx)
	defer cancel()

	args := redis.SetArgs{Mode: mode, ExpireAt: sess.ExpiresAt.Add(expiryGrace)}
	if _, err := s.client.SetArgs(qctx, s.sessionKey(sess.ID), data, args).Result(); err != nil {
		if errors.Is(err, redis.Nil) {
			return session.ErrSessionNotFound
		}
		return err
	}

	return s.client.ZAdd(qctx, s.indexKey(), redis.Z{
		Score:  float64(sess.ExpiresAt.UnixMilli()),
		Member: sess.ID,
	}).Err()
}

// Create stores a new session.
func (s *SessionStore) Create(ctx context.Context, sess *session.Session) error {
	return s.write(ctx, sess, "")
}

// Update saves changes to an existing session.
// Returns session.ErrSessionNotFound if the key is gone.
func (s *SessionStore) Update(ctx context.Context, sess *session.Session) error {
	return s.write(ctx, sess, "XX")
}

// Get retrieves a session by ID.
func (s *SessionStore) Get(ctx context.Context, id string) (*session.Session, error) {
	qctx, cancel := s.cfg.queryCtx(ctx)
	defer cancel()

	data, err := s.client.Get(qctx, s.sessionKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, session.ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}

	sess, err := decodeSession(data)
	if err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	return sess, nil
}

// Delete removes a session and reports whether it existed.
func (s *SessionStore) Delete(ctx context.Context, id string) (bool, error) {
	qctx, cancel := s.cfg.queryCtx(ctx)
	defer cancel()

	pipe := s.client.TxPipeline()
	del := pipe.Del(qctx, s.sessionKey(id))
	pipe.ZRem(qctx, s.indexKey(), id)
	if _, err := pipe.Exec(qctx); err != nil {
		return false, err
	}
	return del.Val() > 0, nil
}

// DeleteExpired removes every session whose expiry score is before now.
func (s *SessionStore) DeleteExpired(ctx context.Context, now time.Time) ([]string, error) {
	qctx, cancel := s.cfg.queryCtx(ctx)
	defer cancel()

	ids, err := s.client.ZRangeByScore(qctx, s.indexKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(now.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	members := make([]any, len(ids))
	for i, id := range ids {
		keys[i] = s.sessionKey(id)
		members[i] = id
	}

	pipe := s.client.TxPipeline()
	pipe.Del(qctx, keys...)
	pipe.ZRem(qctx, s.indexKey(), members...)
	if _, err := pipe.Exec(qctx); err != nil {
		return nil, err
	}
	return ids, nil
}

// CountActive returns the number of sessions expiring at or after now.
func (s *SessionStore) CountActive(ctx context.Context, now time.Time) (int, error) {
	qctx, cancel := s.cfg.queryCtx(ctx)
	defer cancel()

	n, err := s.client.ZCount(qctx, s.indexKey(), strconv.FormatInt(now.UnixMilli(), 10), "+inf").Result()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// Compile-time interface verification.
var _ session.SessionStore = (*SessionStore)(nil)
