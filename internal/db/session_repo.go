package db

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"routeready/internal/types"
)

// SessionRepository provides data access for the sessions table. Sessions
// are stored by SHA-256 token hash; the raw "sess_" token only ever exists
// in the client's hands.
type SessionRepository struct {
	db    DBTX
	clock types.Clock
}

// NewSessionRepository creates a new SessionRepository backed by the given
// database connection (pool or transaction).
func NewSessionRepository(db DBTX) *SessionRepository {
	return &SessionRepository{db: db, clock: types.RealClock{}}
}

// WithClock replaces the repository clock. Test hook.
func (r *SessionRepository) WithClock(c types.Clock) *SessionRepository {
	r.clock = c
	return r
}

// Create inserts a new session row keyed by the token hash.
func (r *SessionRepository) Create(ctx context.Context, tokenHash string, session *types.Session) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO sessions (token_hash, user_id, ip_address, user_agent, expires_at, last_activity_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, NOW(), NOW())`,
		tokenHash,
		session.UserID,
		nilIfEmpty(session.IPAddress),
		nilIfEmpty(session.UserAgent),
		session.ExpiresAt,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to create session", err)
	}
	return nil
}

// GetByTokenHash resolves a token hash to its session and the owning user in
// a single round trip. The JOIN performs a live role check so role changes
// and account deletion take effect on the next request.
//
// Returns ErrCodeAuthTokenInvalid when no session matches and
// ErrCodeAuthSessionExpired when the session exists but has expired.
func (r *SessionRepository) GetByTokenHash(ctx context.Context, tokenHash string) (*types.Session, *types.User, error) {
	row := r.db.QueryRow(ctx,
		`SELECT s.token_hash, s.user_id, s.expires_at, s.last_activity_at, s.created_at,
		        `+userColumns+`
		 FROM sessions s
		 JOIN users u ON u.id = s.user_id AND u.deleted_at IS NULL
		 WHERE s.token_hash = $1`,
		tokenHash,
	)

	var sess types.Session
	var u types.User
	var name *string
	err := row.Scan(
		&sess.ID,
		&sess.UserID,
		&sess.ExpiresAt,
		&sess.LastActivityAt,
		&sess.CreatedAt,
		&u.ID,
		&u.Email,
		&name,
		&u.PasswordHash,
		&u.Role,
		&u.CreatedAt,
		&u.LastLoginAt,
		&u.DeletedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil, types.NewAppError(types.ErrCodeAuthTokenInvalid, "session not found", nil)
		}
		return nil, nil, types.NewAppError(types.ErrCodeInternalDB, "failed to resolve session", err)
	}
	if name != nil {
		u.Name = *name
	}

	if r.clock.Now().After(sess.ExpiresAt) {
		return nil, nil, types.NewAppError(types.ErrCodeAuthSessionExpired, "session has expired", nil)
	}

	return &sess, &u, nil
}

// TouchActivity updates the session's last_activity_at timestamp for the
// sliding idle-timeout window. Best-effort: callers may ignore the error.
func (r *SessionRepository) TouchActivity(ctx context.Context, tokenHash string) error {
	_, err := r.db.Exec(ctx,
		`UPDATE sessions SET last_activity_at = NOW() WHERE token_hash = $1`,
		tokenHash,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to update session activity", err)
	}
	return nil
}

// Delete removes a session by token hash. Used by logout. Deleting a
// nonexistent session is not an error; logout is idempotent.
func (r *SessionRepository) Delete(ctx context.Context, tokenHash string) error {
	_, err := r.db.Exec(ctx,
		`DELETE FROM sessions WHERE token_hash = $1`,
		tokenHash,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to delete session", err)
	}
	return nil
}

// DeleteExpired removes sessions past their expiry or idle deadline.
// Intended to be run periodically; returns the number of rows removed.
func (r *SessionRepository) DeleteExpired(ctx context.Context, idleTimeout time.Duration) (int64, error) {
	tag, err := r.db.Exec(ctx,
		`DELETE FROM sessions
		 WHERE expires_at < NOW() OR last_activity_at < NOW() - make_interval(secs => $1)`,
		idleTimeout.Seconds(),
	)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to delete expired sessions", err)
	}
	return tag.RowsAffected(), nil
}
