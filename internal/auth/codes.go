package auth

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Code is a machine-readable authentication error code.
type Code string

const (
	CodeMissingToken            Code = "MISSING_TOKEN"
	CodeInvalidToken            Code = "INVALID_TOKEN"
	CodeUserNotFound            Code = "USER_NOT_FOUND"
	CodeMissingSession          Code = "MISSING_SESSION"
	CodeInvalidSession          Code = "INVALID_SESSION"
	CodeSessionExpired          Code = "SESSION_EXPIRED"
	CodeAccountLocked           Code = "ACCOUNT_LOCKED"
	CodeAccountDeactivated      Code = "ACCOUNT_DEACTIVATED"
	CodeEmailNotVerified        Code = "EMAIL_NOT_VERIFIED"
	CodeInsufficientPermissions Code = "INSUFFICIENT_PERMISSIONS"
	CodeAuthenticationRequired  Code = "AUTHENTICATION_REQUIRED"
	CodeInvalidCredentials      Code = "INVALID_CREDENTIALS"
	CodeRateLimited             Code = "RATE_LIMITED"
	CodeValidationFailed        Code = "VALIDATION_FAILED"
	CodeEmailTaken              Code = "EMAIL_TAKEN"
	CodeUsernameTaken           Code = "USERNAME_TAKEN"
	CodeAuthServiceError        Code = "AUTH_SERVICE_ERROR"
)

// HTTPStatus maps a code onto its canonical HTTP status.
func (c Code) HTTPStatus() int {
	switch c {
	case CodeMissingToken, CodeInvalidToken, CodeUserNotFound,
		CodeMissingSession, CodeInvalidSession, CodeSessionExpired,
		CodeAuthenticationRequired, CodeInvalidCredentials:
		return http.StatusUnauthorized
	case CodeAccountLocked:
		return http.StatusLocked
	case CodeAccountDeactivated, CodeEmailNotVerified, CodeInsufficientPermissions:
		return http.StatusForbidden
	case CodeRateLimited:
		return http.StatusTooManyRequests
	case CodeValidationFailed, CodeEmailTaken, CodeUsernameTaken:
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

var (
	// ErrInvalidCredentials covers both unknown accounts and wrong
	// passwords so responses never reveal which one failed.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrUserNotFound indicates a token identity with no backing account.
	ErrUserNotFound = errors.New("user not found")
	// ErrAccountDeactivated indicates an account with is_active false.
	ErrAccountDeactivated = errors.New("account deactivated")
	// ErrEmailNotVerified indicates a verified-email requirement failed.
	ErrEmailNotVerified = errors.New("email not verified")
	// ErrSessionNotFound indicates the session token resolved to nothing.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionExpired indicates the session outlived its expiry.
	ErrSessionExpired = errors.New("session expired")
	// ErrEmailTaken indicates a registration conflict on email.
	ErrEmailTaken = errors.New("email already registered")
	// ErrUsernameTaken indicates a registration conflict on username.
	ErrUsernameTaken = errors.New("username already registered")
	// ErrInvalidVerification indicates a bad email-verification token.
	ErrInvalidVerification = errors.New("invalid verification token")
	// ErrInvalidReset indicates a bad password-reset token.
	ErrInvalidReset = errors.New("invalid reset token")
	// ErrInvalidToken indicates a refresh or access token that failed
	// verification.
	ErrInvalidToken = errors.New("invalid token")
)

// LockedError rejects a request against a locked account and carries
// the unlock time for the client.
type LockedError struct {
	Until time.Time
}

func (e *LockedError) Error() string {
	return fmt.Sprintf("account locked until %s", e.Until.Format(time.RFC3339))
}

// RateLimitError rejects a request that exceeded a limiter window.
type RateLimitError struct {
	Class      LimitClass
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s, retry after %s", e.Class, e.RetryAfter)
}
