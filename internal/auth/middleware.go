package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gridline-pm/gridline/internal/audit"
	"github.com/gridline-pm/gridline/internal/platform/httpx"
)

// SessionCookieName is the cookie fallback for the session token; the
// dedicated header takes precedence.
const (
	SessionCookieName  = "gridline_session"
	SessionTokenHeader = "X-Session-Token"
)

// Via tags how the request identity was established.
type Via int

const (
	ViaAnonymous Via = iota
	ViaToken
	ViaSession
)

// Identity is the resolved caller attached to the request context.
type Identity struct {
	User      *User
	Via       Via
	SessionID string
}

type identityContextKey struct{}

// ContextWithIdentity stores the identity in context.
func ContextWithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityContextKey{}, id)
}

// IdentityFromContext extracts the identity, nil for anonymous.
func IdentityFromContext(ctx context.Context) *Identity {
	id, _ := ctx.Value(identityContextKey{}).(*Identity)
	return id
}

// DecisionMetrics counts authentication decisions for observability.
type DecisionMetrics interface {
	CountAuthDecision(mechanism, outcome string)
}

// Middleware composes the auth guards mounted in front of protected
// routes. Both concrete guards are built from the shared token and
// session resolvers plus a policy check; the first rejection
// short-circuits the chain.
type Middleware struct {
	logger   *slog.Logger
	users    UserRepository
	sessions *SessionManager
	tokens   *TokenService
	recorder audit.Recorder
	metrics  DecisionMetrics
}

// NewMiddleware constructs the guard set. Metrics may be nil.
func NewMiddleware(logger *slog.Logger, users UserRepository, sessions *SessionManager, tokens *TokenService, recorder audit.Recorder, metrics DecisionMetrics) *Middleware {
	return &Middleware{logger: logger, users: users, sessions: sessions, tokens: tokens, recorder: recorder, metrics: metrics}
}

func (m *Middleware) countDecision(mechanism, outcome string) {
	if m.metrics != nil {
		m.metrics.CountAuthDecision(mechanism, outcome)
	}
}

// RequireAuth admits only bearer-token identities. A missing header
// and a rejected token yield distinct codes so clients can tell "not
// logged in" from "token rejected".
func (m *Middleware) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			httpx.Error(w, CodeMissingToken.HTTPStatus(), string(CodeMissingToken), "authorization header required")
			return
		}
		identity, code := m.resolveToken(r.Context(), token)
		if code != "" {
			m.countDecision("token", string(code))
			httpx.Error(w, code.HTTPStatus(), string(code), "token rejected")
			return
		}
		m.countDecision("token", "accepted")
		m.auditAccess(r, identity, audit.ActionTokenAuth)
		next.ServeHTTP(w, r.WithContext(ContextWithIdentity(r.Context(), identity)))
	})
}

// RequireSession admits only session-backed identities.
func (m *Middleware) RequireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := sessionToken(r)
		if !ok {
			httpx.Error(w, CodeMissingSession.HTTPStatus(), string(CodeMissingSession), "session token required")
			return
		}
		identity, code := m.resolveSession(r.Context(), token)
		if code != "" {
			m.countDecision("session", string(code))
			httpx.Error(w, code.HTTPStatus(), string(code), "session rejected")
			return
		}
		m.countDecision("session", "accepted")
		m.auditAccess(r, identity, audit.ActionSessionAuth)
		next.ServeHTTP(w, r.WithContext(ContextWithIdentity(r.Context(), identity)))
	})
}

// OptionalAuth attempts the bearer path, falls back to the session
// path and never rejects; absence of identity is a valid outcome.
func (m *Middleware) OptionalAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if token, ok := bearerToken(r); ok {
			if identity, code := m.resolveToken(r.Context(), token); code == "" {
				m.countDecision("token", "accepted")
				m.auditAccess(r, identity, audit.ActionTokenAuth)
				next.ServeHTTP(w, r.WithContext(ContextWithIdentity(r.Context(), identity)))
				return
			}
		}
		if token, ok := sessionToken(r); ok {
			if identity, code := m.resolveSession(r.Context(), token); code == "" {
				m.countDecision("session", "accepted")
				m.auditAccess(r, identity, audit.ActionSessionAuth)
				next.ServeHTTP(w, r.WithContext(ContextWithIdentity(r.Context(), identity)))
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// RequireRole admits identities whose role is in the allowed set.
func (m *Middleware) RequireRole(allowed ...Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity := IdentityFromContext(r.Context())
			if identity == nil || identity.User == nil {
				httpx.Error(w, CodeAuthenticationRequired.HTTPStatus(), string(CodeAuthenticationRequired), "authentication required")
				return
			}
			for _, role := range allowed {
				if identity.User.Role == role {
					next.ServeHTTP(w, r)
					return
				}
			}
			m.auditDenied(r, identity, map[string]any{
				"required": roleNames(allowed),
				"actual":   string(identity.User.Role),
			})
			httpx.ErrorDetails(w, CodeInsufficientPermissions.HTTPStatus(), string(CodeInsufficientPermissions),
				"insufficient permissions", map[string]any{
					"required": roleNames(allowed),
					"actual":   string(identity.User.Role),
				})
		})
	}
}

// RequireEmailVerified rejects identities without a verified email.
func (m *Middleware) RequireEmailVerified(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity := IdentityFromContext(r.Context())
		if identity == nil || identity.User == nil {
			httpx.Error(w, CodeAuthenticationRequired.HTTPStatus(), string(CodeAuthenticationRequired), "authentication required")
			return
		}
		if !identity.User.EmailVerified {
			m.auditUser(r, identity, audit.ActionEmailUnverified, nil)
			httpx.Error(w, CodeEmailNotVerified.HTTPStatus(), string(CodeEmailNotVerified), "email verification required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequireActiveAccount rejects deactivated and locked identities.
func (m *Middleware) RequireActiveAccount(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity := IdentityFromContext(r.Context())
		if identity == nil || identity.User == nil {
			httpx.Error(w, CodeAuthenticationRequired.HTTPStatus(), string(CodeAuthenticationRequired), "authentication required")
			return
		}
		if !identity.User.IsActive {
			m.auditUser(r, identity, audit.ActionInactiveAccount, nil)
			httpx.Error(w, CodeAccountDeactivated.HTTPStatus(), string(CodeAccountDeactivated), "account deactivated")
			return
		}
		if identity.User.Locked(time.Now()) {
			httpx.ErrorDetails(w, CodeAccountLocked.HTTPStatus(), string(CodeAccountLocked), "account locked",
				map[string]any{"locked_until": identity.User.LockedUntil.Format(time.RFC3339)})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (m *Middleware) resolveToken(ctx context.Context, token string) (*Identity, Code) {
	tokenIdentity, ok := m.tokens.Verify(token, KindAccess)
	if !ok {
		return nil, CodeInvalidToken
	}
	user, err := m.users.GetByID(ctx, tokenIdentity.UserID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return nil, CodeUserNotFound
		}
		m.logger.Error("resolve token identity", slog.Any("error", err))
		return nil, CodeAuthServiceError
	}
	return &Identity{User: user, Via: ViaToken}, ""
}

func (m *Middleware) resolveSession(ctx context.Context, token string) (*Identity, Code) {
	sess, err := m.sessions.Resolve(ctx, token)
	if err != nil {
		switch {
		case errors.Is(err, ErrSessionNotFound):
			return nil, CodeInvalidSession
		case errors.Is(err, ErrSessionExpired):
			return nil, CodeSessionExpired
		default:
			m.logger.Error("resolve session", slog.Any("error", err))
			return nil, CodeAuthServiceError
		}
	}
	user, err := m.users.GetByID(ctx, sess.UserID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return nil, CodeUserNotFound
		}
		m.logger.Error("resolve session identity", slog.Any("error", err))
		return nil, CodeAuthServiceError
	}
	m.sessions.Touch(ctx, sess)
	return &Identity{User: user, Via: ViaSession, SessionID: sess.ID}, ""
}

func (m *Middleware) auditAccess(r *http.Request, identity *Identity, action string) {
	m.auditUser(r, identity, action, map[string]any{"path": r.URL.Path})
}

func (m *Middleware) auditDenied(r *http.Request, identity *Identity, details map[string]any) {
	if details == nil {
		details = map[string]any{}
	}
	details["path"] = r.URL.Path
	m.auditUser(r, identity, audit.ActionAccessDenied, details)
}

func (m *Middleware) auditUser(r *http.Request, identity *Identity, action string, details map[string]any) {
	if m.recorder == nil || identity == nil || identity.User == nil {
		return
	}
	id := identity.User.ID
	m.recorder.Record(r.Context(), audit.Entry{
		UserID:       &id,
		Action:       action,
		ResourceType: "user",
		ResourceID:   fmt.Sprintf("%d", id),
		IP:           clientAddr(r),
		UserAgent:    r.UserAgent(),
		Details:      details,
	})
}

func bearerToken(r *http.Request) (string, bool) {
	const prefix = "Bearer "
	value := r.Header.Get("Authorization")
	if !strings.HasPrefix(value, prefix) {
		return "", false
	}
	token := strings.TrimSpace(value[len(prefix):])
	return token, token != ""
}

func sessionToken(r *http.Request) (string, bool) {
	if token := strings.TrimSpace(r.Header.Get(SessionTokenHeader)); token != "" {
		return token, true
	}
	cookie, err := r.Cookie(SessionCookieName)
	if err != nil || cookie.Value == "" {
		return "", false
	}
	return cookie.Value, true
}

func roleNames(roles []Role) []string {
	names := make([]string, len(roles))
	for i, role := range roles {
		names[i] = string(role)
	}
	return names
}
