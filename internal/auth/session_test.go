package auth

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/gridline-pm/gridline/testing"
)

func newTestSessionManager(t *testing.T) (*SessionManager, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewSessionManager(NewRedisSessionRepository(client), time.Hour), mr
}

func TestSessionCreateAndResolve(t *testing.T) {
	mgr, _ := newTestSessionManager(t)
	ctx := context.Background()

	sess, err := mgr.Create(ctx, 11, 0, "10.0.0.5", "gridline-test")
	require.NoError(t, err)
	require.NotEmpty(t, sess.ID)
	require.NotEmpty(t, sess.Token)
	assert.NotEqual(t, sess.ID, sess.Token)

	got, err := mgr.Resolve(ctx, sess.Token)
	require.NoError(t, err)
	assert.Equal(t, sess.ID, got.ID)
	assert.Equal(t, int64(11), got.UserID)
	assert.Equal(t, "10.0.0.5", got.IP)
}

func TestSessionTokensAreUnique(t *testing.T) {
	mgr, _ := newTestSessionManager(t)
	ctx := context.Background()

	seen := map[string]bool{}
	for i := 0; i < 20; i++ {
		sess, err := mgr.Create(ctx, 1, 0, "", "")
		require.NoError(t, err)
		require.False(t, seen[sess.Token], "duplicate session token")
		seen[sess.Token] = true
	}
}

func TestSessionResolveUnknownToken(t *testing.T) {
	mgr, _ := newTestSessionManager(t)

	_, err := mgr.Resolve(context.Background(), "no-such-token")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestSessionExpiryIsTerminal(t *testing.T) {
	mgr, _ := newTestSessionManager(t)
	ctx := context.Background()

	sess, err := mgr.Create(ctx, 4, time.Hour, "", "")
	require.NoError(t, err)

	mgr.now = func() time.Time { return time.Now().Add(2 * time.Hour) }

	_, err = mgr.Resolve(ctx, sess.Token)
	assert.ErrorIs(t, err, ErrSessionExpired)

	// The expired session was revoked on access; it is gone for good.
	mgr.now = time.Now
	_, err = mgr.Resolve(ctx, sess.Token)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestSessionRevokeLeavesOthers(t *testing.T) {
	mgr, _ := newTestSessionManager(t)
	ctx := context.Background()

	first, err := mgr.Create(ctx, 8, 0, "", "laptop")
	require.NoError(t, err)
	second, err := mgr.Create(ctx, 8, 0, "", "phone")
	require.NoError(t, err)

	require.NoError(t, mgr.Revoke(ctx, first.ID))

	_, err = mgr.Resolve(ctx, first.Token)
	assert.ErrorIs(t, err, ErrSessionNotFound)
	_, err = mgr.Resolve(ctx, second.Token)
	assert.NoError(t, err)

	sessions, err := mgr.List(ctx, 8)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, second.ID, sessions[0].ID)
}

func TestSessionRevokeAllIsScopedToUser(t *testing.T) {
	mgr, _ := newTestSessionManager(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := mgr.Create(ctx, 21, 0, "", "")
		require.NoError(t, err)
	}
	other, err := mgr.Create(ctx, 22, 0, "", "")
	require.NoError(t, err)

	revoked, err := mgr.RevokeAll(ctx, 21)
	require.NoError(t, err)
	assert.Equal(t, 3, revoked)

	sessions, err := mgr.List(ctx, 21)
	require.NoError(t, err)
	assert.Empty(t, sessions)

	_, err = mgr.Resolve(ctx, other.Token)
	assert.NoError(t, err, "other user's session must survive")
}

func TestSessionTouchUpdatesLastAccess(t *testing.T) {
	mgr, _ := newTestSessionManager(t)
	ctx := context.Background()

	sess, err := mgr.Create(ctx, 5, 0, "", "")
	require.NoError(t, err)

	later := time.Now().Add(10 * time.Minute)
	mgr.now = func() time.Time { return later }
	mgr.Touch(ctx, sess)
	mgr.now = time.Now

	got, err := mgr.Resolve(ctx, sess.Token)
	require.NoError(t, err)
	assert.WithinDuration(t, later, got.LastAccessedAt, time.Second)
}

func TestSessionPruneExpiredCleansIndexes(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	repo := NewRedisSessionRepository(client)
	mgr := NewSessionManager(repo, time.Hour)
	ctx := context.Background()

	sess, err := mgr.Create(ctx, 31, time.Minute, "", "")
	require.NoError(t, err)
	keeper, err := mgr.Create(ctx, 31, time.Hour, "", "")
	require.NoError(t, err)

	// Redis forgets the payload keys once the TTL elapses; only the
	// per-user index entry remains for the sweep.
	mr.FastForward(2 * time.Minute)

	pruned, err := repo.PruneExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, pruned)

	sessions, err := mgr.List(ctx, 31)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, keeper.ID, sessions[0].ID)
	_ = sess
}
