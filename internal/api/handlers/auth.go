package handlers

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"routeready/internal/auth"
	"routeready/internal/core"
	"routeready/internal/types"
)

// AuthService is the account management contract the auth handler depends on.
// Satisfied by auth.Service in production.
type AuthService interface {
	Signup(ctx context.Context, email, password, name, ip, userAgent string) (*auth.LoginResult, error)
	Login(ctx context.Context, email, password, ip, userAgent string) (*auth.LoginResult, error)
	Logout(ctx context.Context, token string) error
	GetUser(ctx context.Context, userID string) (*types.User, error)
}

// SignupRequest is the request body for POST /v1/auth/signup. Password policy
// is enforced by the service, not the validator, so the error message stays
// consistent across entry points.
type SignupRequest struct {
	Email    string `json:"email" validate:"required,email,max=254"`
	Password string `json:"password" validate:"required,max=128"`
	Name     string `json:"name,omitempty" validate:"omitempty,max=100"`
}

// LoginRequest is the request body for POST /v1/auth/login.
type LoginRequest struct {
	Email    string `json:"email" validate:"required,email,max=254"`
	Password string `json:"password" validate:"required,max=128"`
}

// UserResponse is the safe representation of an account. It never includes
// the password hash.
type UserResponse struct {
	ID          string         `json:"id"`
	Email       string         `json:"email"`
	Name        string         `json:"name,omitempty"`
	Role        types.UserRole `json:"role"`
	CreatedAt   time.Time      `json:"created_at"`
	LastLoginAt *time.Time     `json:"last_login_at,omitempty"`
}

// SessionResponse is returned by signup and login. The token is shown exactly
// once; only its hash is stored server-side.
type SessionResponse struct {
	User      UserResponse `json:"user"`
	Token     string       `json:"token"`
	ExpiresAt time.Time    `json:"expires_at"`
}

// AuthHandler implements signup, login, logout, and the current-user lookup.
type AuthHandler struct {
	svc       AuthService
	validator *core.Validator
	logger    *slog.Logger
}

// NewAuthHandler creates an AuthHandler with the provided dependencies.
func NewAuthHandler(svc AuthService, v *core.Validator, l *slog.Logger) *AuthHandler {
	if l == nil {
		l = slog.Default()
	}
	return &AuthHandler{svc: svc, validator: v, logger: l}
}

// RegisterRoutes mounts the auth endpoints. Only /auth/me requires an
// authenticated account; logout of an unknown token is a harmless no-op.
func (h *AuthHandler) RegisterRoutes(r chi.Router, requireAccount func(http.Handler) http.Handler) {
	r.Post("/auth/signup", h.Signup)
	r.Post("/auth/login", h.Login)
	r.Post("/auth/logout", h.Logout)
	r.With(requireAccount).Get("/auth/me", h.Me)
}

// Signup registers a new account and signs it in.
func (h *AuthHandler) Signup(w http.ResponseWriter, r *http.Request) {
	var req SignupRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	result, err := h.svc.Signup(r.Context(), req.Email, req.Password, req.Name, clientIP(r), r.UserAgent())
	if err != nil {
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusCreated, core.APIResponse{Data: sessionResponse(result)})
}

// Login authenticates an email/password pair and issues a session.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	result, err := h.svc.Login(r.Context(), req.Email, req.Password, clientIP(r), r.UserAgent())
	if err != nil {
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: sessionResponse(result)})
}

// Logout revokes the session presented in the Authorization header.
// Idempotent: revoking an absent or unknown token still returns 204.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token != "" {
		if err := h.svc.Logout(r.Context(), token); err != nil {
			core.Error(w, r, err)
			return
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

// Me returns the account behind the current session.
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	identity, ok := types.GetIdentity(r.Context())
	if !ok || identity.IsAnonymous() {
		core.Error(w, r, types.NewAppError(
			types.ErrCodeAuthRequired, "authentication required", nil))
		return
	}

	user, err := h.svc.GetUser(r.Context(), identity.ID)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: userResponse(user)})
}

func sessionResponse(result *auth.LoginResult) SessionResponse {
	return SessionResponse{
		User:      userResponse(result.User),
		Token:     result.Token,
		ExpiresAt: result.ExpiresAt,
	}
}

func userResponse(u *types.User) UserResponse {
	return UserResponse{
		ID:          u.ID,
		Email:       u.Email,
		Name:        u.Name,
		Role:        u.Role,
		CreatedAt:   u.CreatedAt,
		LastLoginAt: u.LastLoginAt,
	}
}

// bearerToken extracts the token from an "Authorization: Bearer x" header.
// Returns "" when the header is absent or not a bearer scheme.
func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}

// clientIP returns the request's remote IP without the port. Deployments
// behind a proxy terminate that concern at the edge; the service records
// whatever peer address it sees.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
