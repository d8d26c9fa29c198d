package auth

import (
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/gridline-pm/gridline/internal/platform/httpx"
)

// Handler wires the HTTP endpoints for authentication flows.
type Handler struct {
	logger        *slog.Logger
	service       *Service
	limiter       *RateLimiter
	mw            *Middleware
	validator     *validator.Validate
	secureCookies bool
}

// NewHandler constructs a Handler instance.
func NewHandler(logger *slog.Logger, service *Service, limiter *RateLimiter, mw *Middleware, secureCookies bool) *Handler {
	return &Handler{
		logger:        logger,
		service:       service,
		limiter:       limiter,
		mw:            mw,
		validator:     validator.New(),
		secureCookies: secureCookies,
	}
}

// Guards exposes the middleware set for mounting business routes.
func (h *Handler) Guards() *Middleware { return h.mw }

// MountRoutes registers auth routes on the provided router.
func (h *Handler) MountRoutes(r chi.Router) {
	r.With(h.limit(LimitLogin)).Post("/login", h.login)
	r.With(h.limit(LimitRegister)).Post("/register", h.register)
	r.Post("/refresh", h.refresh)
	r.With(h.limit(LimitPasswordRst)).Post("/forgot-password", h.forgotPassword)
	r.With(h.limit(LimitPasswordRst)).Post("/reset-password", h.resetPassword)
	r.With(h.limit(LimitEmailVerify)).Post("/verify-email", h.verifyEmail)
	r.With(h.mw.OptionalAuth).Get("/me", h.me)

	r.Group(func(r chi.Router) {
		r.Use(h.mw.RequireAuth)
		r.Post("/logout", h.logout)
		r.Post("/logout-all", h.logoutAll)
		r.Get("/sessions", h.listSessions)
		r.Delete("/sessions/{id}", h.revokeSession)

		r.Group(func(r chi.Router) {
			r.Use(h.mw.RequireActiveAccount)
			r.Put("/profile", h.updateProfile)
			r.Post("/change-password", h.changePassword)
		})
	})
}

type loginRequest struct {
	EmailOrUsername string `json:"emailOrUsername" validate:"required"`
	Password        string `json:"password" validate:"required"`
	RememberMe      bool   `json:"rememberMe"`
}

type registerRequest struct {
	Username  string `json:"username" validate:"required,min=3,max=50"`
	Email     string `json:"email" validate:"required,email"`
	Password  string `json:"password" validate:"required,min=8,max=128"`
	FirstName string `json:"firstName" validate:"max=100"`
	LastName  string `json:"lastName" validate:"max=100"`
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken" validate:"required"`
}

type forgotPasswordRequest struct {
	Email string `json:"email" validate:"required,email"`
}

type resetPasswordRequest struct {
	Token       string `json:"token" validate:"required"`
	NewPassword string `json:"newPassword" validate:"required,min=8,max=128"`
}

type verifyEmailRequest struct {
	Token string `json:"token" validate:"required"`
}

type updateProfileRequest struct {
	FirstName string `json:"firstName" validate:"max=100"`
	LastName  string `json:"lastName" validate:"max=100"`
}

type changePasswordRequest struct {
	CurrentPassword string `json:"currentPassword" validate:"required"`
	NewPassword     string `json:"newPassword" validate:"required,min=8,max=128"`
}

type userView struct {
	ID            int64      `json:"id"`
	Username      string     `json:"username"`
	Email         string     `json:"email"`
	FirstName     string     `json:"firstName,omitempty"`
	LastName      string     `json:"lastName,omitempty"`
	Role          string     `json:"role"`
	IsActive      bool       `json:"isActive"`
	EmailVerified bool       `json:"emailVerified"`
	LastLoginAt   *time.Time `json:"lastLoginAt,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
}

func viewOf(user *User) userView {
	return userView{
		ID:            user.ID,
		Username:      user.Username,
		Email:         user.Email,
		FirstName:     user.FirstName,
		LastName:      user.LastName,
		Role:          string(user.Role),
		IsActive:      user.IsActive,
		EmailVerified: user.EmailVerified,
		LastLoginAt:   user.LastLoginAt,
		CreatedAt:     user.CreatedAt,
	}
}

type sessionView struct {
	ID             string    `json:"id"`
	IP             string    `json:"ip,omitempty"`
	UserAgent      string    `json:"userAgent,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
	LastAccessedAt time.Time `json:"lastAccessedAt"`
	ExpiresAt      time.Time `json:"expiresAt"`
	Current        bool      `json:"current"`
}

func (h *Handler) login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !h.decode(w, r, &req) {
		return
	}
	result, err := h.service.Login(r.Context(), LoginInput{
		Login:      req.EmailOrUsername,
		Password:   req.Password,
		RememberMe: req.RememberMe,
		Meta:       metaOf(r),
	})
	if err != nil {
		h.serviceError(w, err)
		return
	}
	h.setSessionCookie(w, result.Session)
	w.Header().Set(SessionTokenHeader, result.Session.Token)
	httpx.JSON(w, http.StatusOK, map[string]any{
		"accessToken":  result.AccessToken,
		"refreshToken": result.RefreshToken,
		"user":         viewOf(result.User),
	})
}

func (h *Handler) register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !h.decode(w, r, &req) {
		return
	}
	user, emailSent, err := h.service.Register(r.Context(), RegisterInput{
		Username:  req.Username,
		Email:     req.Email,
		Password:  req.Password,
		FirstName: req.FirstName,
		LastName:  req.LastName,
		Meta:      metaOf(r),
	})
	if err != nil {
		h.serviceError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, map[string]any{
		"user":      viewOf(user),
		"emailSent": emailSent,
	})
}

func (h *Handler) refresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if !h.decode(w, r, &req) {
		return
	}
	access, user, err := h.service.Refresh(r.Context(), req.RefreshToken, metaOf(r))
	if err != nil {
		h.serviceError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"accessToken": access,
		"user":        viewOf(user),
	})
}

func (h *Handler) forgotPassword(w http.ResponseWriter, r *http.Request) {
	var req forgotPasswordRequest
	if !h.decode(w, r, &req) {
		return
	}
	h.service.ForgotPassword(r.Context(), req.Email, metaOf(r))
	httpx.JSON(w, http.StatusOK, map[string]any{"sent": true})
}

func (h *Handler) resetPassword(w http.ResponseWriter, r *http.Request) {
	var req resetPasswordRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.service.ResetPassword(r.Context(), req.Token, req.NewPassword, metaOf(r)); err != nil {
		h.serviceError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"reset": true})
}

func (h *Handler) verifyEmail(w http.ResponseWriter, r *http.Request) {
	var req verifyEmailRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.service.VerifyEmail(r.Context(), req.Token, metaOf(r)); err != nil {
		h.serviceError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"verified": true})
}

func (h *Handler) me(w http.ResponseWriter, r *http.Request) {
	identity := IdentityFromContext(r.Context())
	if identity == nil || identity.User == nil {
		httpx.JSON(w, http.StatusOK, map[string]any{"user": nil})
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"user": viewOf(identity.User)})
}

func (h *Handler) logout(w http.ResponseWriter, r *http.Request) {
	identity := IdentityFromContext(r.Context())
	sessionTok, _ := sessionToken(r)
	if err := h.service.Logout(r.Context(), identity.User.ID, identity.SessionID, sessionTok, metaOf(r)); err != nil {
		h.serviceError(w, err)
		return
	}
	h.clearSessionCookie(w)
	httpx.JSON(w, http.StatusOK, map[string]any{"loggedOut": true})
}

func (h *Handler) logoutAll(w http.ResponseWriter, r *http.Request) {
	identity := IdentityFromContext(r.Context())
	revoked, err := h.service.LogoutAll(r.Context(), identity.User.ID, metaOf(r))
	if err != nil {
		h.serviceError(w, err)
		return
	}
	h.clearSessionCookie(w)
	httpx.JSON(w, http.StatusOK, map[string]any{"revokedSessions": revoked})
}

func (h *Handler) listSessions(w http.ResponseWriter, r *http.Request) {
	identity := IdentityFromContext(r.Context())
	sessions, err := h.service.Sessions(r.Context(), identity.User.ID)
	if err != nil {
		h.serviceError(w, err)
		return
	}
	views := make([]sessionView, 0, len(sessions))
	for _, sess := range sessions {
		views = append(views, sessionView{
			ID:             sess.ID,
			IP:             sess.IP,
			UserAgent:      sess.UserAgent,
			CreatedAt:      sess.CreatedAt,
			LastAccessedAt: sess.LastAccessedAt,
			ExpiresAt:      sess.ExpiresAt,
			Current:        sess.ID == identity.SessionID,
		})
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"sessions": views})
}

func (h *Handler) revokeSession(w http.ResponseWriter, r *http.Request) {
	identity := IdentityFromContext(r.Context())
	sessionID := chi.URLParam(r, "id")
	if err := h.service.RevokeSession(r.Context(), identity.User.ID, sessionID, metaOf(r)); err != nil {
		h.serviceError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"revoked": true})
}

func (h *Handler) updateProfile(w http.ResponseWriter, r *http.Request) {
	identity := IdentityFromContext(r.Context())
	var req updateProfileRequest
	if !h.decode(w, r, &req) {
		return
	}
	user, err := h.service.UpdateProfile(r.Context(), identity.User.ID, req.FirstName, req.LastName)
	if err != nil {
		h.serviceError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"user": viewOf(user)})
}

func (h *Handler) changePassword(w http.ResponseWriter, r *http.Request) {
	identity := IdentityFromContext(r.Context())
	var req changePasswordRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.service.ChangePassword(r.Context(), identity.User.ID, req.CurrentPassword, req.NewPassword, metaOf(r)); err != nil {
		h.serviceError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"changed": true})
}

// limit applies the endpoint-class rate limiter. Limiter backend
// outages fail open with a logged warning rather than blocking login.
func (h *Handler) limit(class LimitClass) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if h.limiter == nil {
				next.ServeHTTP(w, r)
				return
			}
			err := h.limiter.Allow(r.Context(), class, clientAddr(r))
			var limited *RateLimitError
			if errors.As(err, &limited) {
				retry := int(limited.RetryAfter.Seconds())
				if retry < 1 {
					retry = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(retry))
				httpx.ErrorDetails(w, CodeRateLimited.HTTPStatus(), string(CodeRateLimited),
					"too many requests", map[string]any{"retryAfterSeconds": retry})
				return
			}
			if err != nil {
				h.logger.Warn("rate limiter unavailable", slog.String("class", string(class)), slog.Any("error", err))
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, target any) bool {
	if err := httpx.DecodeJSON(r, target); err != nil {
		httpx.Error(w, http.StatusBadRequest, string(CodeValidationFailed), "invalid request body")
		return false
	}
	if err := h.validator.Struct(target); err != nil {
		details := map[string]any{}
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) {
			for _, fe := range fieldErrs {
				details[fe.Field()] = fe.Tag()
			}
		}
		httpx.ErrorDetails(w, http.StatusBadRequest, string(CodeValidationFailed), "validation failed", details)
		return false
	}
	return true
}

func (h *Handler) serviceError(w http.ResponseWriter, err error) {
	var locked *LockedError
	switch {
	case errors.As(err, &locked):
		httpx.ErrorDetails(w, CodeAccountLocked.HTTPStatus(), string(CodeAccountLocked), "account locked",
			map[string]any{"lockedUntil": locked.Until.Format(time.RFC3339)})
	case errors.Is(err, ErrInvalidCredentials):
		httpx.Error(w, CodeInvalidCredentials.HTTPStatus(), string(CodeInvalidCredentials), "invalid credentials")
	case errors.Is(err, ErrAccountDeactivated):
		httpx.Error(w, CodeAccountDeactivated.HTTPStatus(), string(CodeAccountDeactivated), "account deactivated")
	case errors.Is(err, ErrEmailTaken):
		httpx.Error(w, CodeEmailTaken.HTTPStatus(), string(CodeEmailTaken), "email already registered")
	case errors.Is(err, ErrUsernameTaken):
		httpx.Error(w, CodeUsernameTaken.HTTPStatus(), string(CodeUsernameTaken), "username already registered")
	case errors.Is(err, ErrInvalidToken), errors.Is(err, ErrInvalidVerification), errors.Is(err, ErrInvalidReset):
		httpx.Error(w, CodeInvalidToken.HTTPStatus(), string(CodeInvalidToken), "token rejected")
	case errors.Is(err, ErrUserNotFound):
		httpx.Error(w, CodeUserNotFound.HTTPStatus(), string(CodeUserNotFound), "user not found")
	case errors.Is(err, ErrSessionNotFound), errors.Is(err, ErrSessionExpired):
		httpx.Error(w, CodeInvalidSession.HTTPStatus(), string(CodeInvalidSession), "session not found")
	default:
		h.logger.Error("auth service failure", slog.Any("error", err))
		httpx.Error(w, CodeAuthServiceError.HTTPStatus(), string(CodeAuthServiceError), "internal error")
	}
}

func (h *Handler) setSessionCookie(w http.ResponseWriter, sess *Session) {
	if sess == nil {
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    sess.Token,
		Path:     "/",
		Expires:  sess.ExpiresAt,
		HttpOnly: true,
		Secure:   h.secureCookies,
		SameSite: http.SameSiteStrictMode,
	})
}

func (h *Handler) clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.secureCookies,
		SameSite: http.SameSiteStrictMode,
	})
}

func metaOf(r *http.Request) RequestMeta {
	return RequestMeta{IP: clientAddr(r), UserAgent: r.UserAgent()}
}

func clientAddr(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
