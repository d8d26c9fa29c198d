package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// SessionRepository persists server-side sessions. Implementations
// must be safe for concurrent use.
type SessionRepository interface {
	Create(ctx context.Context, sess *Session) error
	GetByToken(ctx context.Context, token string) (*Session, error)
	GetByID(ctx context.Context, id string) (*Session, error)
	Touch(ctx context.Context, token string, at time.Time) error
	Delete(ctx context.Context, id string) error
	DeleteByUser(ctx context.Context, userID int64) (int, error)
	ListByUser(ctx context.Context, userID int64) ([]Session, error)
	PruneExpired(ctx context.Context) (int, error)
}

// RedisSessionRepository stores sessions in Redis. The token key
// carries the session payload with a TTL matching the expiry, so the
// store forgets sessions on time without a background sweep; the
// per-user index is pruned lazily and by the sweep job.
type RedisSessionRepository struct {
	client *redis.Client
}

// NewRedisSessionRepository constructs a Redis-backed repository.
func NewRedisSessionRepository(client *redis.Client) *RedisSessionRepository {
	return &RedisSessionRepository{client: client}
}

func sessionTokenKey(token string) string { return "session:token:" + token }
func sessionIDKey(id string) string       { return "session:id:" + id }
func sessionUserKey(userID int64) string  { return fmt.Sprintf("session:user:%d", userID) }

// Create persists the session under its token and id keys.
func (r *RedisSessionRepository) Create(ctx context.Context, sess *Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	ttl := time.Until(sess.ExpiresAt)
	if ttl <= 0 {
		return errors.New("session already expired")
	}
	pipe := r.client.TxPipeline()
	pipe.Set(ctx, sessionTokenKey(sess.Token), data, ttl)
	pipe.Set(ctx, sessionIDKey(sess.ID), sess.Token, ttl)
	pipe.SAdd(ctx, sessionUserKey(sess.UserID), sess.ID)
	_, err = pipe.Exec(ctx)
	return err
}

// GetByToken fetches a session by its opaque token.
func (r *RedisSessionRepository) GetByToken(ctx context.Context, token string) (*Session, error) {
	data, err := r.client.Get(ctx, sessionTokenKey(token)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}
	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

// GetByID fetches a session via the id index.
func (r *RedisSessionRepository) GetByID(ctx context.Context, id string) (*Session, error) {
	token, err := r.client.Get(ctx, sessionIDKey(id)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}
	return r.GetByToken(ctx, token)
}

// Touch updates lastAccessedAt. Last write wins; concurrent touches
// from the same session are acceptable staleness.
func (r *RedisSessionRepository) Touch(ctx context.Context, token string, at time.Time) error {
	sess, err := r.GetByToken(ctx, token)
	if err != nil {
		return err
	}
	sess.LastAccessedAt = at
	data, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, sessionTokenKey(token), data, redis.KeepTTL).Err()
}

// Delete removes one session; the next lookup observes the removal.
func (r *RedisSessionRepository) Delete(ctx context.Context, id string) error {
	sess, err := r.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			return nil
		}
		return err
	}
	pipe := r.client.TxPipeline()
	pipe.Del(ctx, sessionTokenKey(sess.Token), sessionIDKey(sess.ID))
	pipe.SRem(ctx, sessionUserKey(sess.UserID), sess.ID)
	_, err = pipe.Exec(ctx)
	return err
}

// DeleteByUser removes every session belonging to the user.
func (r *RedisSessionRepository) DeleteByUser(ctx context.Context, userID int64) (int, error) {
	ids, err := r.client.SMembers(ctx, sessionUserKey(userID)).Result()
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, id := range ids {
		if err := r.Delete(ctx, id); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, r.client.Del(ctx, sessionUserKey(userID)).Err()
}

// ListByUser returns the live sessions of a user, pruning index
// entries whose payload has already expired out of the store.
func (r *RedisSessionRepository) ListByUser(ctx context.Context, userID int64) ([]Session, error) {
	ids, err := r.client.SMembers(ctx, sessionUserKey(userID)).Result()
	if err != nil {
		return nil, err
	}
	sessions := make([]Session, 0, len(ids))
	for _, id := range ids {
		sess, err := r.GetByID(ctx, id)
		if err != nil {
			if errors.Is(err, ErrSessionNotFound) {
				_ = r.client.SRem(ctx, sessionUserKey(userID), id).Err()
				continue
			}
			return nil, err
		}
		sessions = append(sessions, *sess)
	}
	return sessions, nil
}

// PruneExpired walks the per-user indexes and drops entries whose
// sessions the store has forgotten.
func (r *RedisSessionRepository) PruneExpired(ctx context.Context) (int, error) {
	pruned := 0
	iter := r.client.Scan(ctx, 0, "session:user:*", 100).Iterator()
	for iter.Next(ctx) {
		userKey := iter.Val()
		ids, err := r.client.SMembers(ctx, userKey).Result()
		if err != nil {
			return pruned, err
		}
		for _, id := range ids {
			exists, err := r.client.Exists(ctx, sessionIDKey(id)).Result()
			if err != nil {
				return pruned, err
			}
			if exists == 0 {
				if err := r.client.SRem(ctx, userKey, id).Err(); err != nil {
					return pruned, err
				}
				pruned++
			}
		}
	}
	return pruned, iter.Err()
}

var _ SessionRepository = (*RedisSessionRepository)(nil)

// SessionManager issues opaque session tokens and tracks their
// lifecycle, independent of the signed-token service.
type SessionManager struct {
	repo SessionRepository
	ttl  time.Duration
	now  func() time.Time
}

// NewSessionManager constructs a SessionManager with a default TTL.
func NewSessionManager(repo SessionRepository, ttl time.Duration) *SessionManager {
	if ttl <= 0 {
		ttl = 30 * 24 * time.Hour
	}
	return &SessionManager{repo: repo, ttl: ttl, now: time.Now}
}

// TTL exposes the default session lifetime.
func (m *SessionManager) TTL() time.Duration { return m.ttl }

// Create issues a new session with a cryptographically random token.
// The token is unguessable by construction rather than by signature.
func (m *SessionManager) Create(ctx context.Context, userID int64, ttl time.Duration, ip, userAgent string) (*Session, error) {
	if ttl <= 0 {
		ttl = m.ttl
	}
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("generate session token: %w", err)
	}
	now := m.now()
	sess := &Session{
		ID:             uuid.NewString(),
		UserID:         userID,
		Token:          base64.RawURLEncoding.EncodeToString(raw),
		ExpiresAt:      now.Add(ttl),
		LastAccessedAt: now,
		CreatedAt:      now,
		IP:             ip,
		UserAgent:      userAgent,
	}
	if err := m.repo.Create(ctx, sess); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return sess, nil
}

// Resolve looks up a session by token. Expired sessions are revoked
// opportunistically on access and reported as ErrSessionExpired.
func (m *SessionManager) Resolve(ctx context.Context, token string) (*Session, error) {
	sess, err := m.repo.GetByToken(ctx, token)
	if err != nil {
		return nil, err
	}
	if sess.Expired(m.now()) {
		_ = m.repo.Delete(ctx, sess.ID)
		return nil, ErrSessionExpired
	}
	return sess, nil
}

// Touch records session activity. Best effort; a lost update only
// leaves lastAccessedAt slightly stale.
func (m *SessionManager) Touch(ctx context.Context, sess *Session) {
	if sess == nil {
		return
	}
	_ = m.repo.Touch(ctx, sess.Token, m.now())
}

// Revoke removes one session immediately.
func (m *SessionManager) Revoke(ctx context.Context, id string) error {
	return m.repo.Delete(ctx, id)
}

// RevokeAll removes every session of the user.
func (m *SessionManager) RevokeAll(ctx context.Context, userID int64) (int, error) {
	return m.repo.DeleteByUser(ctx, userID)
}

// List returns the user's live sessions.
func (m *SessionManager) List(ctx context.Context, userID int64) ([]Session, error) {
	return m.repo.ListByUser(ctx, userID)
}
