package core

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"routeready/internal/types"
)

// anonCookieName is the cookie carrying the anonymous identity for usage
// metering. Its value is opaque; the server only uses it as a metering key.
const anonCookieName = "rr_anon"

// anonCookieMaxAge keeps the anonymous identity stable across visits. The
// usage counter behind it expires on its own schedule in the store.
const anonCookieMaxAge = 365 * 24 * 60 * 60

// anonIDPrefix namespaces anonymous identity values so they can never collide
// with user IDs in logs or store keys.
const anonIDPrefix = "anon_"

// IdentityMiddleware resolves an Identity for every request and injects it
// into the context via types.WithIdentity.
//
//  1. If an Authorization Bearer token is present, it is resolved through the
//     Authenticator. A valid token yields an account identity; an invalid or
//     expired one is a 401 (a stale token must not silently demote the caller
//     to a fresh anonymous identity with a fresh free quota).
//  2. Otherwise the request is anonymous: the identity is read from the
//     anonymous cookie, which is minted on first contact.
//
// If the Authenticator field is nil (e.g., tests that don't inject one),
// Bearer tokens are rejected but anonymous resolution still works.
func (s *Server) IdentityMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader != "" {
			token := extractBearerToken(authHeader)
			if token == "" {
				s.writeAuthError(w, r, types.ErrCodeAuthTokenMissing, "Bearer token is required")
				return
			}
			if s.Authenticator == nil {
				s.writeAuthError(w, r, types.ErrCodeAuthTokenInvalid, "Invalid authentication token")
				return
			}

			identity, err := s.Authenticator.ResolveSession(r.Context(), token)
			if err != nil {
				s.handleAuthError(w, r, err)
				return
			}
			if identity == nil || identity.Kind != types.IdentityAccount {
				s.writeAuthError(w, r, types.ErrCodeAuthTokenInvalid, "Invalid authentication token")
				return
			}

			ctx := types.WithIdentity(r.Context(), *identity)
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}

		identity := s.resolveAnonymous(w, r)
		ctx := types.WithIdentity(r.Context(), identity)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// resolveAnonymous reads the anonymous identity cookie, minting and setting
// a new one when absent or malformed.
func (s *Server) resolveAnonymous(w http.ResponseWriter, r *http.Request) types.Identity {
	if c, err := r.Cookie(anonCookieName); err == nil && validAnonID(c.Value) {
		return types.Identity{Kind: types.IdentityAnonymous, ID: c.Value}
	}

	id := generateAnonID()
	http.SetCookie(w, &http.Cookie{
		Name:     anonCookieName,
		Value:    id,
		Path:     "/",
		MaxAge:   anonCookieMaxAge,
		HttpOnly: true,
		Secure:   s.Config != nil && s.Config.Environment != "local",
		SameSite: http.SameSiteLaxMode,
	})
	return types.Identity{Kind: types.IdentityAnonymous, ID: id}
}

// generateAnonID produces an opaque anonymous identity value:
// "anon_" followed by 32 hex characters.
func generateAnonID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return anonIDPrefix + "fallback-" + hex.EncodeToString([]byte(generateRequestID()))
	}
	return anonIDPrefix + hex.EncodeToString(b)
}

// validAnonID checks the shape of a cookie value before trusting it as a
// metering key. Anything unexpected is replaced with a fresh identity.
func validAnonID(v string) bool {
	if !strings.HasPrefix(v, anonIDPrefix) {
		return false
	}
	rest := strings.TrimPrefix(v, anonIDPrefix)
	if len(rest) < 16 || len(rest) > 64 {
		return false
	}
	for _, c := range rest {
		switch {
		case c >= '0' && c <= '9':
		case c >= 'a' && c <= 'f':
		default:
			return false
		}
	}
	return true
}

// extractBearerToken parses the Authorization header value and returns the
// token string. It expects "Bearer <token>" (case-insensitive scheme per
// RFC 7235). Returns empty string if the format is invalid.
func extractBearerToken(authHeader string) string {
	const prefix = "Bearer "
	if len(authHeader) < len(prefix) {
		return ""
	}
	if !strings.EqualFold(authHeader[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(authHeader[len(prefix):])
}

// handleAuthError inspects the error from Authenticator.ResolveSession and
// writes the appropriate 401 response with the correct error code.
func (s *Server) handleAuthError(w http.ResponseWriter, r *http.Request, err error) {
	var appErr *types.AppError
	if errors.As(err, &appErr) {
		switch appErr.Code {
		case types.ErrCodeAuthTokenExpired, types.ErrCodeAuthSessionExpired:
			s.Logger.Warn("authentication failed: session expired",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
			)
			s.writeAuthError(w, r, appErr.Code, "Session has expired")
			return
		case types.ErrCodeAuthTokenInvalid:
			s.Logger.Warn("authentication failed: token invalid",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
			)
			s.writeAuthError(w, r, types.ErrCodeAuthTokenInvalid, "Invalid authentication token")
			return
		}
	}

	// Generic error: log it but don't leak internal details.
	s.Logger.Error("authentication failed: unexpected error",
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.String("error", err.Error()),
	)
	s.writeAuthError(w, r, types.ErrCodeAuthTokenInvalid, "Authentication failed")
}

// writeAuthError writes a 401 Unauthorized JSON response with the given code.
func (s *Server) writeAuthError(w http.ResponseWriter, r *http.Request, code types.ErrorCode, message string) {
	JSON(w, r, http.StatusUnauthorized, APIErrorResponse{
		Error: ErrorDetail{
			Code:      string(code),
			Message:   message,
			RequestID: types.GetRequestID(r.Context()),
		},
	})
}

// RequireAccount returns middleware that rejects anonymous requests with 401.
// Used on routes that only make sense for signed-in users (billing, logout).
func (s *Server) RequireAccount(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, ok := types.GetIdentity(r.Context())
		if !ok || identity.Kind != types.IdentityAccount {
			s.writeAuthError(w, r, types.ErrCodeAuthRequired, "Authentication required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequireRole returns middleware that checks the account's role. Anonymous
// requests get 401; accounts with an insufficient role get 403.
func (s *Server) RequireRole(role types.UserRole) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity, ok := types.GetIdentity(r.Context())
			if !ok || identity.Kind != types.IdentityAccount {
				s.writeAuthError(w, r, types.ErrCodeAuthRequired, "Authentication required")
				return
			}

			if identity.Role != role {
				JSON(w, r, http.StatusForbidden, APIErrorResponse{
					Error: ErrorDetail{
						Code:      string(types.ErrCodePermissionRole),
						Message:   "Insufficient role for this operation",
						RequestID: types.GetRequestID(r.Context()),
					},
				})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
