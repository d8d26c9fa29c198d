package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"unicode"
)

const minSecretLength = 32

// weakPasswords is the denylist checked against bootstrap input and,
// by re-hash comparison, against existing administrator accounts.
var weakPasswords = []string{
	"password", "password1", "password123", "passw0rd",
	"admin", "admin123", "administrator", "root",
	"123456", "12345678", "123456789", "1234567890",
	"qwerty", "qwerty123", "letmein", "welcome", "welcome1",
	"changeme", "change_me", "default", "secret", "test1234",
}

// BootstrapConfig carries the startup parameters the validator
// checks before the server accepts traffic.
type BootstrapConfig struct {
	Production     bool
	AccessSecret   string
	RefreshSecret  string
	AdminBootstrap bool
	AdminEmail     string
	AdminPassword  string
}

// BootstrapValidator refuses to boot a production process with weak
// signing secrets or a guessable administrator password. Outside
// production the same findings are logged as warnings.
type BootstrapValidator struct {
	users  UserRepository
	hasher *PasswordHasher
	logger *slog.Logger
}

// NewBootstrapValidator constructs the startup validator.
func NewBootstrapValidator(users UserRepository, hasher *PasswordHasher, logger *slog.Logger) *BootstrapValidator {
	return &BootstrapValidator{users: users, hasher: hasher, logger: logger}
}

// Validate runs once at process start.
func (v *BootstrapValidator) Validate(ctx context.Context, cfg BootstrapConfig) error {
	var violations []string
	if len(cfg.AccessSecret) < minSecretLength {
		violations = append(violations, fmt.Sprintf("access token secret missing or shorter than %d bytes", minSecretLength))
	}
	if len(cfg.RefreshSecret) < minSecretLength {
		violations = append(violations, fmt.Sprintf("refresh token secret missing or shorter than %d bytes", minSecretLength))
	}
	if cfg.AccessSecret != "" && cfg.AccessSecret == cfg.RefreshSecret {
		violations = append(violations, "access and refresh token secrets must differ")
	}
	if cfg.AdminBootstrap {
		if msg := CheckPasswordStrength(cfg.AdminPassword); msg != "" {
			violations = append(violations, "admin bootstrap password: "+msg)
		}
	}
	violations = append(violations, v.scanAdmins(ctx)...)

	if len(violations) == 0 {
		return nil
	}
	if cfg.Production {
		return fmt.Errorf("startup validation failed: %s", strings.Join(violations, "; "))
	}
	for _, violation := range violations {
		v.logger.Warn("startup validation", slog.String("violation", violation))
	}
	return nil
}

// scanAdmins compares administrator password hashes against the
// denylist. Plaintext is never stored; each candidate is re-hashed
// through Verify.
func (v *BootstrapValidator) scanAdmins(ctx context.Context) []string {
	admins, err := v.users.ListByRole(ctx, RoleAdmin)
	if err != nil {
		v.logger.Warn("scan administrator accounts", slog.Any("error", err))
		return nil
	}
	var violations []string
	for _, admin := range admins {
		for _, weak := range weakPasswords {
			if v.hasher.Verify(weak, admin.PasswordHash) {
				violations = append(violations,
					fmt.Sprintf("administrator %s uses a known-weak password", admin.Username))
				break
			}
		}
	}
	return violations
}

// EnsureAdmin creates the bootstrap administrator when missing. The
// password has already passed Validate by the time this runs.
func (v *BootstrapValidator) EnsureAdmin(ctx context.Context, email, password string) (*User, error) {
	email = NormalizeLogin(email)
	if existing, err := v.users.GetByLogin(ctx, email); err == nil {
		return existing, nil
	} else if !errors.Is(err, ErrUserNotFound) {
		return nil, err
	}
	hash, err := v.hasher.Hash(password)
	if err != nil {
		return nil, err
	}
	admin := &User{
		Username:      "admin",
		Email:         email,
		PasswordHash:  hash,
		Role:          RoleAdmin,
		IsActive:      true,
		EmailVerified: true,
	}
	if err := v.users.Create(ctx, admin); err != nil {
		return nil, err
	}
	v.logger.Info("bootstrap administrator created", slog.String("email", email))
	return admin, nil
}

// CheckPasswordStrength reports why a password fails the policy, or
// an empty string when it passes.
func CheckPasswordStrength(password string) string {
	if len(password) < 12 {
		return "must be at least 12 characters"
	}
	lowered := strings.ToLower(password)
	for _, weak := range weakPasswords {
		if lowered == weak {
			return "is a known-weak password"
		}
	}
	var hasUpper, hasLower, hasDigit bool
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			hasUpper = true
		case unicode.IsLower(r):
			hasLower = true
		case unicode.IsDigit(r):
			hasDigit = true
		}
	}
	if !hasUpper || !hasLower || !hasDigit {
		return "must mix upper case, lower case and digits"
	}
	return ""
}
