package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gridline-pm/gridline/internal/audit"
)

// Mailer delivers outbound authentication mail. Delivery is best
// effort from the service's point of view.
type Mailer interface {
	SendVerificationEmail(ctx context.Context, to, token string) error
	SendPasswordResetEmail(ctx context.Context, to, token string) error
}

// ServiceConfig tunes the account guard and session lifetimes.
type ServiceConfig struct {
	MaxLoginAttempts int
	LockWindow       time.Duration
	SessionTTL       time.Duration
	RememberTTL      time.Duration
}

func (c ServiceConfig) withDefaults() ServiceConfig {
	if c.MaxLoginAttempts <= 0 {
		c.MaxLoginAttempts = 5
	}
	if c.LockWindow <= 0 {
		c.LockWindow = 15 * time.Minute
	}
	if c.SessionTTL <= 0 {
		c.SessionTTL = 30 * 24 * time.Hour
	}
	if c.RememberTTL <= 0 {
		c.RememberTTL = 90 * 24 * time.Hour
	}
	return c
}

// RequestMeta carries the caller's source address and agent string
// into the audit trail.
type RequestMeta struct {
	IP        string
	UserAgent string
}

// Service wraps the authentication business rules: credential
// verification, the account guard, token issuance and session
// lifecycle.
type Service struct {
	users    UserRepository
	sessions *SessionManager
	tokens   *TokenService
	hasher   *PasswordHasher
	recorder audit.Recorder
	mailer   Mailer
	logger   *slog.Logger
	cfg      ServiceConfig
	now      func() time.Time
}

// NewService constructs a Service.
func NewService(users UserRepository, sessions *SessionManager, tokens *TokenService, hasher *PasswordHasher, recorder audit.Recorder, mailer Mailer, logger *slog.Logger, cfg ServiceConfig) *Service {
	return &Service{
		users:    users,
		sessions: sessions,
		tokens:   tokens,
		hasher:   hasher,
		recorder: recorder,
		mailer:   mailer,
		logger:   logger,
		cfg:      cfg.withDefaults(),
		now:      time.Now,
	}
}

// LoginInput is the credential payload of one login attempt.
type LoginInput struct {
	Login      string
	Password   string
	RememberMe bool
	Meta       RequestMeta
}

// LoginResult bundles the issued credentials of a successful login.
type LoginResult struct {
	User         *User
	AccessToken  string
	RefreshToken string
	Session      *Session
}

// Login verifies credentials behind the account guard. Lockout is
// checked before the password so a locked account never spends hash
// work and never resets its window; failed verification increments
// the attempt counter atomically and arms the lock at the threshold.
func (s *Service) Login(ctx context.Context, in LoginInput) (*LoginResult, error) {
	login := NormalizeLogin(in.Login)
	user, err := s.users.GetByLogin(ctx, login)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			s.record(audit.Entry{
				Action: audit.ActionLoginFailed, ResourceType: "user", ResourceID: login,
				IP: in.Meta.IP, UserAgent: in.Meta.UserAgent,
				Details: map[string]any{"reason": "unknown account"},
			})
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("lookup account: %w", err)
	}
	if !user.IsActive {
		s.recordUser(user.ID, audit.ActionInactiveAccount, in.Meta, nil)
		return nil, ErrAccountDeactivated
	}
	now := s.now()
	if user.Locked(now) {
		s.recordUser(user.ID, audit.ActionLoginLocked, in.Meta, map[string]any{
			"locked_until": user.LockedUntil.Format(time.RFC3339),
		})
		return nil, &LockedError{Until: *user.LockedUntil}
	}
	if !s.hasher.Verify(in.Password, user.PasswordHash) {
		attempts, lockedUntil, ferr := s.users.RecordLoginFailure(ctx, user.ID, s.cfg.MaxLoginAttempts, now.Add(s.cfg.LockWindow))
		if ferr != nil {
			s.logger.Error("record login failure", slog.Int64("user_id", user.ID), slog.Any("error", ferr))
		}
		details := map[string]any{"attempts": attempts}
		if lockedUntil != nil && lockedUntil.After(now) {
			details["locked_until"] = lockedUntil.Format(time.RFC3339)
			s.recordUser(user.ID, audit.ActionLoginLocked, in.Meta, details)
		} else {
			s.recordUser(user.ID, audit.ActionLoginFailed, in.Meta, details)
		}
		return nil, ErrInvalidCredentials
	}
	if err := s.users.RecordLoginSuccess(ctx, user.ID, now); err != nil {
		return nil, fmt.Errorf("record login success: %w", err)
	}
	user.LoginAttempts = 0
	user.LockedUntil = nil
	user.LastLoginAt = &now

	access, err := s.tokens.IssueAccess(user.ID, user.Email)
	if err != nil {
		return nil, err
	}
	refresh, err := s.tokens.IssueRefresh(user.ID)
	if err != nil {
		return nil, err
	}
	ttl := s.cfg.SessionTTL
	if in.RememberMe {
		ttl = s.cfg.RememberTTL
	}
	sess, err := s.sessions.Create(ctx, user.ID, ttl, in.Meta.IP, in.Meta.UserAgent)
	if err != nil {
		return nil, err
	}
	s.recordUser(user.ID, audit.ActionLoginSuccess, in.Meta, map[string]any{"session_id": sess.ID})
	return &LoginResult{User: user, AccessToken: access, RefreshToken: refresh, Session: sess}, nil
}

// RegisterInput is the payload of a registration request.
type RegisterInput struct {
	Username  string
	Email     string
	Password  string
	FirstName string
	LastName  string
	Meta      RequestMeta
}

// Register creates an account and sends the verification mail. The
// boolean reports whether that mail was handed off successfully.
func (s *Service) Register(ctx context.Context, in RegisterInput) (*User, bool, error) {
	hash, err := s.hasher.Hash(in.Password)
	if err != nil {
		return nil, false, err
	}
	user := &User{
		Username:     NormalizeLogin(in.Username),
		Email:        NormalizeLogin(in.Email),
		PasswordHash: hash,
		FirstName:    in.FirstName,
		LastName:     in.LastName,
		Role:         RoleUser,
		IsActive:     true,
	}
	if err := s.users.Create(ctx, user); err != nil {
		return nil, false, err
	}
	s.recordUser(user.ID, audit.ActionRegister, in.Meta, map[string]any{"email": user.Email})

	emailSent := false
	if s.mailer != nil {
		token, err := s.tokens.IssueVerification(user.ID, user.Email)
		if err == nil {
			err = s.mailer.SendVerificationEmail(ctx, user.Email, token)
		}
		if err != nil {
			s.logger.Warn("send verification mail", slog.Int64("user_id", user.ID), slog.Any("error", err))
		} else {
			emailSent = true
		}
	}
	return user, emailSent, nil
}

// Refresh exchanges a valid refresh token for a new access token.
// Verification is idempotent, so concurrent refreshes with the same
// token all succeed.
func (s *Service) Refresh(ctx context.Context, refreshToken string, meta RequestMeta) (string, *User, error) {
	identity, ok := s.tokens.Verify(refreshToken, KindRefresh)
	if !ok {
		return "", nil, ErrInvalidToken
	}
	user, err := s.users.GetByID(ctx, identity.UserID)
	if err != nil {
		return "", nil, err
	}
	if !user.IsActive {
		s.recordUser(user.ID, audit.ActionInactiveAccount, meta, nil)
		return "", nil, ErrAccountDeactivated
	}
	access, err := s.tokens.IssueAccess(user.ID, user.Email)
	if err != nil {
		return "", nil, err
	}
	s.recordUser(user.ID, audit.ActionTokenRefresh, meta, nil)
	return access, user, nil
}

// Logout revokes the session backing the identity. For bearer-token
// identities the optional session token names the session to drop;
// it is honored only when owned by the same user.
func (s *Service) Logout(ctx context.Context, userID int64, sessionID, sessionToken string, meta RequestMeta) error {
	if sessionID == "" && sessionToken != "" {
		if sess, err := s.sessions.Resolve(ctx, sessionToken); err == nil && sess.UserID == userID {
			sessionID = sess.ID
		}
	}
	if sessionID != "" {
		if err := s.sessions.Revoke(ctx, sessionID); err != nil {
			return err
		}
	}
	s.recordUser(userID, audit.ActionLogout, meta, map[string]any{"session_id": sessionID})
	return nil
}

// LogoutAll revokes every session of the user.
func (s *Service) LogoutAll(ctx context.Context, userID int64, meta RequestMeta) (int, error) {
	revoked, err := s.sessions.RevokeAll(ctx, userID)
	if err != nil {
		return 0, err
	}
	s.recordUser(userID, audit.ActionLogoutAll, meta, map[string]any{"revoked": revoked})
	return revoked, nil
}

// Sessions lists the user's live sessions.
func (s *Service) Sessions(ctx context.Context, userID int64) ([]Session, error) {
	return s.sessions.List(ctx, userID)
}

// RevokeSession removes one session after an ownership check.
func (s *Service) RevokeSession(ctx context.Context, userID int64, sessionID string, meta RequestMeta) error {
	sessions, err := s.sessions.List(ctx, userID)
	if err != nil {
		return err
	}
	for _, sess := range sessions {
		if sess.ID == sessionID {
			if err := s.sessions.Revoke(ctx, sessionID); err != nil {
				return err
			}
			s.recordUser(userID, audit.ActionSessionRevoked, meta, map[string]any{"session_id": sessionID})
			return nil
		}
	}
	return ErrSessionNotFound
}

// UpdateProfile changes the user's profile fields.
func (s *Service) UpdateProfile(ctx context.Context, userID int64, firstName, lastName string) (*User, error) {
	return s.users.UpdateProfile(ctx, userID, firstName, lastName)
}

// ChangePassword verifies the current password before storing a new
// hash.
func (s *Service) ChangePassword(ctx context.Context, userID int64, current, next string, meta RequestMeta) error {
	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return err
	}
	if !s.hasher.Verify(current, user.PasswordHash) {
		return ErrInvalidCredentials
	}
	hash, err := s.hasher.Hash(next)
	if err != nil {
		return err
	}
	if err := s.users.UpdatePasswordHash(ctx, userID, hash); err != nil {
		return err
	}
	s.recordUser(userID, audit.ActionPasswordChanged, meta, nil)
	return nil
}

// VerifyEmail redeems a verification token.
func (s *Service) VerifyEmail(ctx context.Context, token string, meta RequestMeta) error {
	identity, ok := s.tokens.Verify(token, KindVerify)
	if !ok {
		return ErrInvalidVerification
	}
	if err := s.users.SetEmailVerified(ctx, identity.UserID); err != nil {
		return err
	}
	s.recordUser(identity.UserID, audit.ActionEmailVerified, meta, nil)
	return nil
}

// ForgotPassword hands a reset token to the mailer. The outcome is
// identical whether or not the address exists, so responses never
// reveal account presence.
func (s *Service) ForgotPassword(ctx context.Context, email string, meta RequestMeta) {
	user, err := s.users.GetByLogin(ctx, NormalizeLogin(email))
	if err != nil {
		return
	}
	if s.mailer == nil {
		return
	}
	token, err := s.tokens.IssueReset(user.ID, user.Email)
	if err == nil {
		err = s.mailer.SendPasswordResetEmail(ctx, user.Email, token)
	}
	if err != nil {
		s.logger.Warn("send reset mail", slog.Int64("user_id", user.ID), slog.Any("error", err))
	}
}

// ResetPassword redeems a reset token and replaces the password. All
// sessions for the account are revoked so a stolen session does not
// survive the reset.
func (s *Service) ResetPassword(ctx context.Context, token, newPassword string, meta RequestMeta) error {
	identity, ok := s.tokens.Verify(token, KindReset)
	if !ok {
		return ErrInvalidReset
	}
	hash, err := s.hasher.Hash(newPassword)
	if err != nil {
		return err
	}
	if err := s.users.UpdatePasswordHash(ctx, identity.UserID, hash); err != nil {
		return err
	}
	if _, err := s.sessions.RevokeAll(ctx, identity.UserID); err != nil {
		s.logger.Warn("revoke sessions after reset", slog.Int64("user_id", identity.UserID), slog.Any("error", err))
	}
	s.recordUser(identity.UserID, audit.ActionPasswordReset, meta, nil)
	return nil
}

func (s *Service) record(entry audit.Entry) {
	if s.recorder != nil {
		s.recorder.Record(context.Background(), entry)
	}
}

func (s *Service) recordUser(userID int64, action string, meta RequestMeta, details map[string]any) {
	id := userID
	s.record(audit.Entry{
		UserID:       &id,
		Action:       action,
		ResourceType: "user",
		ResourceID:   fmt.Sprintf("%d", userID),
		IP:           meta.IP,
		UserAgent:    meta.UserAgent,
		Details:      details,
	})
}
