package auth

import (
	"strings"
	"time"

	"golang.org/x/text/secure/precis"
)

// Role is the closed set of account roles.
type Role string

const (
	RoleUser    Role = "user"
	RoleManager Role = "manager"
	RoleAdmin   Role = "admin"
)

// ParseRole maps a stored role string onto the closed set.
func ParseRole(s string) (Role, bool) {
	switch Role(strings.ToLower(strings.TrimSpace(s))) {
	case RoleUser:
		return RoleUser, true
	case RoleManager:
		return RoleManager, true
	case RoleAdmin:
		return RoleAdmin, true
	}
	return "", false
}

// Valid reports whether the role belongs to the closed set.
func (r Role) Valid() bool {
	_, ok := ParseRole(string(r))
	return ok
}

// User represents an account as owned by the credential store.
// Lockout fields are mutated only through the login flow.
type User struct {
	ID            int64
	Username      string
	Email         string
	PasswordHash  string
	FirstName     string
	LastName      string
	Role          Role
	IsActive      bool
	EmailVerified bool
	LoginAttempts int
	LockedUntil   *time.Time
	LastLoginAt   *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Locked reports whether the account is inside a lockout window.
func (u *User) Locked(now time.Time) bool {
	return u.LockedUntil != nil && u.LockedUntil.After(now)
}

// Session represents one authenticated device or browser.
type Session struct {
	ID             string
	UserID         int64
	Token          string
	ExpiresAt      time.Time
	LastAccessedAt time.Time
	CreatedAt      time.Time
	IP             string
	UserAgent      string
}

// Expired reports whether the session lifetime has elapsed.
func (s *Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && s.ExpiresAt.Before(now)
}

// NormalizeLogin canonicalizes an email or username before lookup or
// storage so that case and Unicode confusables map to one identity.
func NormalizeLogin(s string) string {
	trimmed := strings.TrimSpace(s)
	out, err := precis.UsernameCaseMapped.String(trimmed)
	if err != nil {
		return strings.ToLower(trimmed)
	}
	return out
}
