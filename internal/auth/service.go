// Package auth implements account management for Route Ready: signup, login,
// logout, and session resolution. Sessions are DB-backed opaque tokens so
// revocation is immediate; passwords are bcrypt-hashed; failed logins feed a
// per-identifier lockout window.
package auth

import (
	"context"
	"log/slog"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"routeready/internal/config"
	"routeready/internal/types"
)

// UserRepo is the subset of the user repository the service depends on.
type UserRepo interface {
	Create(ctx context.Context, user *types.User) error
	GetByEmail(ctx context.Context, email string) (*types.User, error)
	GetByID(ctx context.Context, id string) (*types.User, error)
	UpdateLastLogin(ctx context.Context, userID string) error
}

// ProfileRepo creates the entitlement profile row for new accounts.
type ProfileRepo interface {
	CreateForUser(ctx context.Context, userID string) error
}

// SessionRepo is the subset of the session repository the service depends on.
type SessionRepo interface {
	Create(ctx context.Context, tokenHash string, session *types.Session) error
	GetByTokenHash(ctx context.Context, tokenHash string) (*types.Session, *types.User, error)
	TouchActivity(ctx context.Context, tokenHash string) error
	Delete(ctx context.Context, tokenHash string) error
}

// SecurityRepo records login attempts and reports recent failures for the
// brute-force lockout.
type SecurityRepo interface {
	LogAttempt(ctx context.Context, event *types.SecurityEvent) error
	CountRecentFailures(ctx context.Context, identifier string, since time.Time) (int, error)
}

// dummyHash is compared against when the account does not exist, so that the
// login path takes the same time for unknown and known emails.
var dummyHash = []byte("$2a$12$R9h/cIPz0gi.URNNX3kh2OPST9/PgBkqquzi.Ss7KIUgO2t0jWMUW")

// minPasswordLength is the minimum accepted password length.
const minPasswordLength = 8

// Service implements signup, login, logout, and session resolution.
type Service struct {
	users    UserRepo
	profiles ProfileRepo
	sessions SessionRepo
	security SecurityRepo

	authCfg config.AuthConfig
	secCfg  config.SecurityConfig
	logger  *slog.Logger
	clock   types.Clock
}

// NewService creates an auth Service.
func NewService(
	users UserRepo,
	profiles ProfileRepo,
	sessions SessionRepo,
	security SecurityRepo,
	authCfg config.AuthConfig,
	secCfg config.SecurityConfig,
	logger *slog.Logger,
) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		users:    users,
		profiles: profiles,
		sessions: sessions,
		security: security,
		authCfg:  authCfg,
		secCfg:   secCfg,
		logger:   logger,
		clock:    types.RealClock{},
	}
}

// WithClock replaces the service clock. Test hook.
func (s *Service) WithClock(c types.Clock) *Service {
	s.clock = c
	return s
}

// LoginResult bundles the account and the raw session token issued for it.
type LoginResult struct {
	User      *types.User
	Token     string
	ExpiresAt time.Time
}

// Signup registers a new account, creates its zero-usage entitlement
// profile, and issues a session so the user is signed in immediately.
func (s *Service) Signup(ctx context.Context, email, password, name, ip, userAgent string) (*LoginResult, error) {
	email = normalizeEmail(email)
	if _, err := mail.ParseAddress(email); err != nil {
		return nil, types.NewAppError(types.ErrCodeValidationInvalidEmail, "email address is invalid", nil)
	}
	if len(password) < minPasswordLength {
		return nil, types.NewAppError(
			types.ErrCodeValidationWeakPassword,
			"password must be at least 8 characters",
			nil,
		)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.authCfg.BcryptCost)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to hash password", err)
	}

	user := &types.User{
		ID:           uuid.NewString(),
		Email:        email,
		Name:         strings.TrimSpace(name),
		PasswordHash: string(hash),
		Role:         types.RoleMember,
		CreatedAt:    s.clock.Now(),
	}
	if err := s.users.Create(ctx, user); err != nil {
		return nil, err
	}
	if err := s.profiles.CreateForUser(ctx, user.ID); err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "account created", "user_id", user.ID)

	return s.issueSession(ctx, user, ip, userAgent)
}

// Login authenticates an email/password pair and issues a session.
// Failures are recorded; once the identifier accumulates too many recent
// failures the account locks for the configured window.
func (s *Service) Login(ctx context.Context, email, password, ip, userAgent string) (*LoginResult, error) {
	email = normalizeEmail(email)

	locked, err := s.isLockedOut(ctx, email)
	if err != nil {
		return nil, err
	}
	if locked {
		return nil, types.NewAppError(
			types.ErrCodeAuthLocked,
			"too many failed attempts; try again later",
			nil,
		)
	}

	user, err := s.users.GetByEmail(ctx, email)
	if err != nil {
		// Equalize timing between unknown-email and wrong-password paths.
		_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(password))
		s.recordAttempt(ctx, email, ip, false, "unknown_email")
		return nil, invalidCredentials()
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		s.recordAttempt(ctx, email, ip, false, "wrong_password")
		return nil, invalidCredentials()
	}

	s.recordAttempt(ctx, email, ip, true, "")

	if err := s.users.UpdateLastLogin(ctx, user.ID); err != nil {
		// Non-fatal: the login itself succeeded.
		s.logger.WarnContext(ctx, "failed to update last login", "user_id", user.ID, "error", err)
	}

	return s.issueSession(ctx, user, ip, userAgent)
}

// Logout revokes the session for the given raw token. Idempotent.
func (s *Service) Logout(ctx context.Context, token string) error {
	if !wellFormedToken(token) {
		return nil
	}
	return s.sessions.Delete(ctx, hashToken(token))
}

// ResolveSession implements core.Authenticator: it resolves a raw session
// token to the account identity it belongs to, with a live role check, and
// slides the session's activity window.
func (s *Service) ResolveSession(ctx context.Context, token string) (*types.Identity, error) {
	if !wellFormedToken(token) {
		return nil, types.NewAppError(types.ErrCodeAuthTokenInvalid, "malformed session token", nil)
	}

	tokenHash := hashToken(token)
	sess, user, err := s.sessions.GetByTokenHash(ctx, tokenHash)
	if err != nil {
		return nil, err
	}

	if s.authCfg.SessionIdleTimeout > 0 &&
		s.clock.Now().Sub(sess.LastActivityAt) > s.authCfg.SessionIdleTimeout {
		_ = s.sessions.Delete(ctx, tokenHash)
		return nil, types.NewAppError(types.ErrCodeAuthSessionExpired, "session idle timeout exceeded", nil)
	}

	// Best-effort sliding window; a failed touch must not fail the request.
	if err := s.sessions.TouchActivity(ctx, tokenHash); err != nil {
		s.logger.WarnContext(ctx, "failed to touch session activity", "error", err)
	}

	return &types.Identity{
		Kind:  types.IdentityAccount,
		ID:    user.ID,
		Email: user.Email,
		Role:  user.Role,
	}, nil
}

// GetUser loads the account behind an identity. Used by GET /v1/auth/me.
func (s *Service) GetUser(ctx context.Context, userID string) (*types.User, error) {
	return s.users.GetByID(ctx, userID)
}

func (s *Service) issueSession(ctx context.Context, user *types.User, ip, userAgent string) (*LoginResult, error) {
	token, err := generateSessionToken()
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to generate session token", err)
	}

	expiresAt := s.clock.Now().Add(s.authCfg.SessionTTL)
	session := &types.Session{
		UserID:    user.ID,
		IPAddress: ip,
		UserAgent: userAgent,
		ExpiresAt: expiresAt,
	}
	if err := s.sessions.Create(ctx, hashToken(token), session); err != nil {
		return nil, err
	}

	return &LoginResult{User: user, Token: token, ExpiresAt: expiresAt}, nil
}

func (s *Service) isLockedOut(ctx context.Context, email string) (bool, error) {
	max := s.secCfg.MaxFailedLogins
	if max <= 0 {
		return false, nil
	}
	since := s.clock.Now().Add(-s.secCfg.LockoutWindow)
	failures, err := s.security.CountRecentFailures(ctx, email, since)
	if err != nil {
		return false, err
	}
	return failures >= max, nil
}

func (s *Service) recordAttempt(ctx context.Context, email, ip string, success bool, reason string) {
	event := &types.SecurityEvent{
		EventType:     "login",
		Identifier:    email,
		IPAddress:     ip,
		AttemptedAt:   s.clock.Now(),
		Success:       success,
		FailureReason: reason,
	}
	if err := s.security.LogAttempt(ctx, event); err != nil {
		s.logger.ErrorContext(ctx, "failed to record login attempt", "error", err)
	}
}

func invalidCredentials() *types.AppError {
	return types.NewAppError(types.ErrCodeAuthInvalidCreds, "email or password is incorrect", nil)
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
