package auth

import (
	"crypto/rand"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenKind discriminates the token categories. Each kind is verified
// only against its own signing secret; a well-formed token of another
// kind never passes.
type TokenKind string

const (
	KindAccess  TokenKind = "access"
	KindRefresh TokenKind = "refresh"
	KindVerify  TokenKind = "verify"
	KindReset   TokenKind = "reset"
)

// TokenIdentity is the payload recovered from a verified token.
type TokenIdentity struct {
	UserID int64
	Email  string
	Kind   TokenKind
}

// TokenConfig supplies signing material and lifetimes.
type TokenConfig struct {
	AccessSecret  string
	RefreshSecret string
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
}

// TokenService issues and verifies signed, time-bounded tokens.
type TokenService struct {
	accessSecret  []byte
	refreshSecret []byte
	accessTTL     time.Duration
	refreshTTL    time.Duration
	now           func() time.Time
}

type tokenClaims struct {
	UserID int64  `json:"uid"`
	Email  string `json:"email,omitempty"`
	Kind   string `json:"typ"`
	jwt.RegisteredClaims
}

// NewTokenService constructs a TokenService. Missing secrets are
// replaced with random per-process values, which invalidates issued
// tokens on restart; production startup refuses that configuration.
func NewTokenService(cfg TokenConfig, logger *slog.Logger) *TokenService {
	access := []byte(cfg.AccessSecret)
	refresh := []byte(cfg.RefreshSecret)
	if len(access) == 0 {
		access = randomSecret()
		if logger != nil {
			logger.Warn("access token secret not configured, using ephemeral secret")
		}
	}
	if len(refresh) == 0 {
		refresh = randomSecret()
		if logger != nil {
			logger.Warn("refresh token secret not configured, using ephemeral secret")
		}
	}
	accessTTL := cfg.AccessTTL
	if accessTTL <= 0 {
		accessTTL = 15 * time.Minute
	}
	refreshTTL := cfg.RefreshTTL
	if refreshTTL <= 0 {
		refreshTTL = 7 * 24 * time.Hour
	}
	return &TokenService{
		accessSecret:  access,
		refreshSecret: refresh,
		accessTTL:     accessTTL,
		refreshTTL:    refreshTTL,
		now:           time.Now,
	}
}

// IssueAccess signs a short-lived access token for the user.
func (s *TokenService) IssueAccess(userID int64, email string) (string, error) {
	return s.issue(userID, email, KindAccess, s.accessTTL)
}

// IssueRefresh signs a long-lived refresh token for the user.
func (s *TokenService) IssueRefresh(userID int64) (string, error) {
	return s.issue(userID, "", KindRefresh, s.refreshTTL)
}

// IssueVerification signs an email-verification token. It shares the
// access secret but carries its own kind, so it is rejected anywhere
// an access or refresh token is expected.
func (s *TokenService) IssueVerification(userID int64, email string) (string, error) {
	return s.issue(userID, email, KindVerify, 24*time.Hour)
}

// IssueReset signs a password-reset token on the refresh secret with
// a short lifetime.
func (s *TokenService) IssueReset(userID int64, email string) (string, error) {
	return s.issue(userID, email, KindReset, time.Hour)
}

// AccessTTL exposes the configured access token lifetime.
func (s *TokenService) AccessTTL() time.Duration {
	return s.accessTTL
}

func (s *TokenService) issue(userID int64, email string, kind TokenKind, ttl time.Duration) (string, error) {
	now := s.now()
	claims := tokenClaims{
		UserID: userID,
		Email:  email,
		Kind:   string(kind),
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secretFor(kind))
	if err != nil {
		return "", fmt.Errorf("sign %s token: %w", kind, err)
	}
	return signed, nil
}

// Verify validates signature, expiry and kind against the secret of
// the expected kind. Any failure returns (nil, false); callers treat
// verification uniformly as identity-or-none.
func (s *TokenService) Verify(token string, expected TokenKind) (*TokenIdentity, bool) {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	)
	var claims tokenClaims
	parsed, err := parser.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		return s.secretFor(expected), nil
	})
	if err != nil || !parsed.Valid {
		return nil, false
	}
	if claims.Kind != string(expected) || claims.UserID <= 0 {
		return nil, false
	}
	return &TokenIdentity{UserID: claims.UserID, Email: claims.Email, Kind: expected}, true
}

func (s *TokenService) secretFor(kind TokenKind) []byte {
	if kind == KindRefresh || kind == KindReset {
		return s.refreshSecret
	}
	return s.accessSecret
}

func randomSecret() []byte {
	b := make([]byte, 48)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("generate token secret: %v", err))
	}
	return b
}
