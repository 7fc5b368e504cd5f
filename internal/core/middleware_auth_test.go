package core

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"routeready/internal/config"
	"routeready/internal/types"
)

// mockAuthenticator implements Authenticator with an injectable function.
type mockAuthenticator struct {
	resolveFn func(ctx context.Context, token string) (*types.Identity, error)
}

func (m *mockAuthenticator) ResolveSession(ctx context.Context, token string) (*types.Identity, error) {
	return m.resolveFn(ctx, token)
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	cfg := &config.Config{Environment: "local"}
	srv, err := NewServer(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	return srv
}

// identityEcho captures the identity the middleware injected.
func identityEcho(captured *types.Identity) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, _ := types.GetIdentity(r.Context())
		*captured = id
		w.WriteHeader(http.StatusOK)
	})
}

func TestIdentityMiddlewareMintsAnonymousCookie(t *testing.T) {
	srv := newTestServer(t)

	var captured types.Identity
	handler := srv.IdentityMiddleware(identityEcho(&captured))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/travel/entitlement", nil))

	assert.Equal(t, types.IdentityAnonymous, captured.Kind)
	assert.True(t, validAnonID(captured.ID))

	cookies := w.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, anonCookieName, cookies[0].Name)
	assert.Equal(t, captured.ID, cookies[0].Value)
	assert.True(t, cookies[0].HttpOnly)
}

func TestIdentityMiddlewareReusesAnonymousCookie(t *testing.T) {
	srv := newTestServer(t)

	var captured types.Identity
	handler := srv.IdentityMiddleware(identityEcho(&captured))

	existing := generateAnonID()
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.AddCookie(&http.Cookie{Name: anonCookieName, Value: existing})

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, r)

	assert.Equal(t, existing, captured.ID)
	assert.Empty(t, w.Result().Cookies(), "a valid cookie must not be rotated")
}

func TestIdentityMiddlewareRejectsMalformedCookie(t *testing.T) {
	srv := newTestServer(t)

	var captured types.Identity
	handler := srv.IdentityMiddleware(identityEcho(&captured))

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.AddCookie(&http.Cookie{Name: anonCookieName, Value: "not-a-valid-id"})

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, r)

	assert.NotEqual(t, "not-a-valid-id", captured.ID)
	assert.True(t, validAnonID(captured.ID))
	require.Len(t, w.Result().Cookies(), 1, "malformed cookie must be replaced")
}

func TestIdentityMiddlewareResolvesAccount(t *testing.T) {
	srv := newTestServer(t)
	srv.Authenticator = &mockAuthenticator{
		resolveFn: func(ctx context.Context, token string) (*types.Identity, error) {
			assert.Equal(t, "sess_abc123", token)
			return &types.Identity{
				Kind:  types.IdentityAccount,
				ID:    "user-1",
				Email: "rider@example.com",
				Role:  types.RoleMember,
			}, nil
		},
	}

	var captured types.Identity
	handler := srv.IdentityMiddleware(identityEcho(&captured))

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Authorization", "Bearer sess_abc123")

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, r)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, types.IdentityAccount, captured.Kind)
	assert.Equal(t, "user-1", captured.ID)
}

func TestIdentityMiddlewareInvalidTokenIs401NotAnonymous(t *testing.T) {
	srv := newTestServer(t)
	srv.Authenticator = &mockAuthenticator{
		resolveFn: func(ctx context.Context, token string) (*types.Identity, error) {
			return nil, types.NewAppError(types.ErrCodeAuthTokenInvalid, "unknown token", nil)
		},
	}

	handler := srv.IdentityMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not run for an invalid token")
	}))

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Authorization", "Bearer sess_stale")

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, r)

	assert.Equal(t, http.StatusUnauthorized, w.Code)

	var resp APIErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "auth_token_invalid", resp.Error.Code)
}

func TestIdentityMiddlewareExpiredSession(t *testing.T) {
	srv := newTestServer(t)
	srv.Authenticator = &mockAuthenticator{
		resolveFn: func(ctx context.Context, token string) (*types.Identity, error) {
			return nil, types.NewAppError(types.ErrCodeAuthSessionExpired, "expired", nil)
		},
	}

	handler := srv.IdentityMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Authorization", "Bearer sess_old")

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, r)

	assert.Equal(t, http.StatusUnauthorized, w.Code)

	var resp APIErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "auth_session_expired", resp.Error.Code)
}

func TestRequireAccountBlocksAnonymous(t *testing.T) {
	srv := newTestServer(t)

	handler := srv.RequireAccount(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	r := httptest.NewRequest(http.MethodPost, "/", nil)
	r = r.WithContext(types.WithIdentity(r.Context(), types.Identity{
		Kind: types.IdentityAnonymous,
		ID:   "anon_deadbeefdeadbeef",
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, r)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRequireRole(t *testing.T) {
	srv := newTestServer(t)

	handler := srv.RequireRole(types.RoleAdmin)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	t.Run("admin passes", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r = r.WithContext(types.WithIdentity(r.Context(), types.Identity{
			Kind: types.IdentityAccount, ID: "u1", Role: types.RoleAdmin,
		}))
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, r)
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("member forbidden", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r = r.WithContext(types.WithIdentity(r.Context(), types.Identity{
			Kind: types.IdentityAccount, ID: "u2", Role: types.RoleMember,
		}))
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, r)
		assert.Equal(t, http.StatusForbidden, w.Code)
	})

	t.Run("anonymous unauthorized", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, r)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})
}

func TestExtractBearerToken(t *testing.T) {
	assert.Equal(t, "sess_x", extractBearerToken("Bearer sess_x"))
	assert.Equal(t, "sess_x", extractBearerToken("bearer sess_x"))
	assert.Equal(t, "", extractBearerToken("Basic dXNlcjpwYXNz"))
	assert.Equal(t, "", extractBearerToken(""))
}
