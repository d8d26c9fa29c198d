package auth_test

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridline-pm/gridline/internal/audit"
	"github.com/gridline-pm/gridline/internal/auth"
	_ "github.com/gridline-pm/gridline/testing"
)

type guardFixture struct {
	mw       *auth.Middleware
	users    *auth.MemoryUserRepository
	sessions *auth.SessionManager
	tokens   *auth.TokenService
	recorder *audit.MemoryRecorder
}

func newGuardFixture(t *testing.T) *guardFixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	users := auth.NewMemoryUserRepository()
	sessions := auth.NewSessionManager(auth.NewRedisSessionRepository(client), time.Hour)
	tokens := auth.NewTokenService(auth.TokenConfig{
		AccessSecret:  "guard-access-secret-0123456789abcdef",
		RefreshSecret: "guard-refresh-secret-0123456789abcdef",
	}, nil)
	recorder := audit.NewMemoryRecorder()
	return &guardFixture{
		mw:       auth.NewMiddleware(slog.Default(), users, sessions, tokens, recorder, nil),
		users:    users,
		sessions: sessions,
		tokens:   tokens,
		recorder: recorder,
	}
}

func (f *guardFixture) seedUser(t *testing.T, role auth.Role) *auth.User {
	t.Helper()
	user := &auth.User{
		Username:     "user-" + string(role),
		Email:        string(role) + "@example.com",
		PasswordHash: "x",
		Role:         role,
		IsActive:     true,
	}
	require.NoError(t, f.users.Create(context.Background(), user))
	return user
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func errorCode(t *testing.T, res *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(res.Body.Bytes(), &body))
	return body.Error.Code
}

func TestRequireAuthMissingVersusInvalid(t *testing.T) {
	f := newGuardFixture(t)
	guard := f.mw.RequireAuth(okHandler())

	res := httptest.NewRecorder()
	guard.ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusUnauthorized, res.Code)
	assert.Equal(t, "MISSING_TOKEN", errorCode(t, res))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer not-a-real-token")
	res = httptest.NewRecorder()
	guard.ServeHTTP(res, req)
	assert.Equal(t, http.StatusUnauthorized, res.Code)
	assert.Equal(t, "INVALID_TOKEN", errorCode(t, res))
}

func TestRequireAuthAcceptsAccessToken(t *testing.T) {
	f := newGuardFixture(t)
	user := f.seedUser(t, auth.RoleUser)
	token, err := f.tokens.IssueAccess(user.ID, user.Email)
	require.NoError(t, err)

	var seen *auth.Identity
	guard := f.mw.RequireAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = auth.IdentityFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	res := httptest.NewRecorder()
	guard.ServeHTTP(res, req)

	assert.Equal(t, http.StatusOK, res.Code)
	require.NotNil(t, seen)
	assert.Equal(t, user.ID, seen.User.ID)
	assert.Equal(t, auth.ViaToken, seen.Via)
	assert.NotEmpty(t, f.recorder.ByAction(audit.ActionTokenAuth))
}

func TestRequireAuthRejectsRefreshToken(t *testing.T) {
	f := newGuardFixture(t)
	user := f.seedUser(t, auth.RoleUser)
	refresh, err := f.tokens.IssueRefresh(user.ID)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+refresh)
	res := httptest.NewRecorder()
	f.mw.RequireAuth(okHandler()).ServeHTTP(res, req)

	assert.Equal(t, "INVALID_TOKEN", errorCode(t, res))
}

func TestRequireAuthUserDeleted(t *testing.T) {
	f := newGuardFixture(t)
	token, err := f.tokens.IssueAccess(999, "ghost@example.com")
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	res := httptest.NewRecorder()
	f.mw.RequireAuth(okHandler()).ServeHTTP(res, req)

	assert.Equal(t, http.StatusUnauthorized, res.Code)
	assert.Equal(t, "USER_NOT_FOUND", errorCode(t, res))
}

func TestRequireSessionHeaderAndCookie(t *testing.T) {
	f := newGuardFixture(t)
	user := f.seedUser(t, auth.RoleUser)
	sess, err := f.sessions.Create(context.Background(), user.ID, 0, "", "")
	require.NoError(t, err)

	guard := f.mw.RequireSession(okHandler())

	res := httptest.NewRecorder()
	guard.ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, "MISSING_SESSION", errorCode(t, res))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(auth.SessionTokenHeader, sess.Token)
	res = httptest.NewRecorder()
	guard.ServeHTTP(res, req)
	assert.Equal(t, http.StatusOK, res.Code)

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: auth.SessionCookieName, Value: sess.Token})
	res = httptest.NewRecorder()
	guard.ServeHTTP(res, req)
	assert.Equal(t, http.StatusOK, res.Code)

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(auth.SessionTokenHeader, "bogus")
	res = httptest.NewRecorder()
	guard.ServeHTTP(res, req)
	assert.Equal(t, "INVALID_SESSION", errorCode(t, res))
}

func TestRequireSessionRejectsAccessToken(t *testing.T) {
	f := newGuardFixture(t)
	user := f.seedUser(t, auth.RoleUser)
	token, err := f.tokens.IssueAccess(user.ID, user.Email)
	require.NoError(t, err)

	// A signed bearer token is not an opaque session token.
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(auth.SessionTokenHeader, token)
	res := httptest.NewRecorder()
	f.mw.RequireSession(okHandler()).ServeHTTP(res, req)

	assert.Equal(t, "INVALID_SESSION", errorCode(t, res))
}

func TestOptionalAuthNeverRejects(t *testing.T) {
	f := newGuardFixture(t)
	user := f.seedUser(t, auth.RoleUser)
	token, err := f.tokens.IssueAccess(user.ID, user.Email)
	require.NoError(t, err)

	var seen *auth.Identity
	guard := f.mw.OptionalAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = auth.IdentityFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	res := httptest.NewRecorder()
	guard.ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, res.Code)
	assert.Nil(t, seen)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer garbage")
	res = httptest.NewRecorder()
	guard.ServeHTTP(res, req)
	assert.Equal(t, http.StatusOK, res.Code, "bad token degrades to anonymous")

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	res = httptest.NewRecorder()
	guard.ServeHTTP(res, req)
	require.NotNil(t, seen)
	assert.Equal(t, user.ID, seen.User.ID)
}

func TestOptionalAuthAuditsAcceptedIdentities(t *testing.T) {
	f := newGuardFixture(t)
	user := f.seedUser(t, auth.RoleUser)
	token, err := f.tokens.IssueAccess(user.ID, user.Email)
	require.NoError(t, err)
	sess, err := f.sessions.Create(context.Background(), user.ID, 0, "", "")
	require.NoError(t, err)

	guard := f.mw.OptionalAuth(okHandler())

	// Anonymous and rejected credentials leave no trail.
	res := httptest.NewRecorder()
	guard.ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/", nil))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer garbage")
	guard.ServeHTTP(httptest.NewRecorder(), req)
	assert.Empty(t, f.recorder.ByAction(audit.ActionTokenAuth))
	assert.Empty(t, f.recorder.ByAction(audit.ActionSessionAuth))

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	guard.ServeHTTP(httptest.NewRecorder(), req)
	entries := f.recorder.ByAction(audit.ActionTokenAuth)
	require.Len(t, entries, 1)
	// Audited address is the bare host, matching handler-side entries.
	assert.Equal(t, "192.0.2.1", entries[0].IP)

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(auth.SessionTokenHeader, sess.Token)
	guard.ServeHTTP(httptest.NewRecorder(), req)
	require.Len(t, f.recorder.ByAction(audit.ActionSessionAuth), 1)
}

func TestRequireRole(t *testing.T) {
	f := newGuardFixture(t)
	manager := f.seedUser(t, auth.RoleManager)
	worker := f.seedUser(t, auth.RoleUser)

	guard := f.mw.RequireRole(auth.RoleManager, auth.RoleAdmin)(okHandler())

	withIdentity := func(user *auth.User) *http.Request {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		ctx := auth.ContextWithIdentity(req.Context(), &auth.Identity{User: user, Via: auth.ViaToken})
		return req.WithContext(ctx)
	}

	res := httptest.NewRecorder()
	guard.ServeHTTP(res, withIdentity(manager))
	assert.Equal(t, http.StatusOK, res.Code)

	res = httptest.NewRecorder()
	guard.ServeHTTP(res, withIdentity(worker))
	assert.Equal(t, http.StatusForbidden, res.Code)
	assert.Equal(t, "INSUFFICIENT_PERMISSIONS", errorCode(t, res))
	assert.NotEmpty(t, f.recorder.ByAction(audit.ActionAccessDenied))

	// No identity at all is an authentication problem, not authorization.
	res = httptest.NewRecorder()
	guard.ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusUnauthorized, res.Code)
	assert.Equal(t, "AUTHENTICATION_REQUIRED", errorCode(t, res))
}

func TestRequireEmailVerified(t *testing.T) {
	f := newGuardFixture(t)
	user := f.seedUser(t, auth.RoleUser)

	guard := f.mw.RequireEmailVerified(okHandler())
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req = req.WithContext(auth.ContextWithIdentity(req.Context(), &auth.Identity{User: user}))
	res := httptest.NewRecorder()
	guard.ServeHTTP(res, req)
	assert.Equal(t, http.StatusForbidden, res.Code)
	assert.Equal(t, "EMAIL_NOT_VERIFIED", errorCode(t, res))

	require.NoError(t, f.users.SetEmailVerified(context.Background(), user.ID))
	verified, err := f.users.GetByID(context.Background(), user.ID)
	require.NoError(t, err)
	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req = req.WithContext(auth.ContextWithIdentity(req.Context(), &auth.Identity{User: verified}))
	res = httptest.NewRecorder()
	guard.ServeHTTP(res, req)
	assert.Equal(t, http.StatusOK, res.Code)
}

func TestRequireActiveAccount(t *testing.T) {
	f := newGuardFixture(t)
	user := f.seedUser(t, auth.RoleUser)
	guard := f.mw.RequireActiveAccount(okHandler())

	inactive := *user
	inactive.IsActive = false
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req = req.WithContext(auth.ContextWithIdentity(req.Context(), &auth.Identity{User: &inactive}))
	res := httptest.NewRecorder()
	guard.ServeHTTP(res, req)
	assert.Equal(t, http.StatusForbidden, res.Code)
	assert.Equal(t, "ACCOUNT_DEACTIVATED", errorCode(t, res))

	until := time.Now().Add(10 * time.Minute)
	locked := *user
	locked.LockedUntil = &until
	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req = req.WithContext(auth.ContextWithIdentity(req.Context(), &auth.Identity{User: &locked}))
	res = httptest.NewRecorder()
	guard.ServeHTTP(res, req)
	assert.Equal(t, http.StatusLocked, res.Code)
	assert.Equal(t, "ACCOUNT_LOCKED", errorCode(t, res))

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req = req.WithContext(auth.ContextWithIdentity(req.Context(), &auth.Identity{User: user}))
	res = httptest.NewRecorder()
	guard.ServeHTTP(res, req)
	assert.Equal(t, http.StatusOK, res.Code)
}

func TestSessionGuardTouchesLastAccess(t *testing.T) {
	f := newGuardFixture(t)
	user := f.seedUser(t, auth.RoleUser)
	sess, err := f.sessions.Create(context.Background(), user.ID, 0, "", "")
	require.NoError(t, err)

	before := sess.LastAccessedAt
	time.Sleep(5 * time.Millisecond)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(auth.SessionTokenHeader, sess.Token)
	res := httptest.NewRecorder()
	f.mw.RequireSession(okHandler()).ServeHTTP(res, req)
	require.Equal(t, http.StatusOK, res.Code)

	after, err := f.sessions.Resolve(context.Background(), sess.Token)
	require.NoError(t, err)
	assert.True(t, after.LastAccessedAt.After(before))
}
