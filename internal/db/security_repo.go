package db

import (
	"context"
	"time"

	"routeready/internal/types"
)

// SecurityRepository provides data access for the security_events table,
// the write path for login attempt tracking and brute-force lockouts.
type SecurityRepository struct {
	db DBTX
}

// NewSecurityRepository creates a new SecurityRepository backed by the given
// database connection (pool or transaction).
func NewSecurityRepository(db DBTX) *SecurityRepository {
	return &SecurityRepository{db: db}
}

// LogAttempt records a security event (login attempt, signup attempt) into
// the security_events table.
func (r *SecurityRepository) LogAttempt(ctx context.Context, event *types.SecurityEvent) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO security_events (event_type, identifier, ip_address, attempted_at, success, failure_reason)
		 VALUES ($1, $2, $3, COALESCE($4, NOW()), $5, $6)`,
		event.EventType,
		nilIfEmpty(event.Identifier),
		event.IPAddress,
		nilIfZeroTime(event.AttemptedAt),
		event.Success,
		nilIfEmpty(event.FailureReason),
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to log security event", err)
	}
	return nil
}

// CountRecentFailures returns the count of failed login attempts for an
// identifier (email) within the specified time window. Used for account
// lockouts.
func (r *SecurityRepository) CountRecentFailures(ctx context.Context, identifier string, since time.Time) (int, error) {
	var count int
	err := r.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM security_events
		 WHERE identifier = $1 AND event_type = 'login' AND success = false AND attempted_at > $2`,
		identifier,
		since,
	).Scan(&count)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to count identifier failures", err)
	}
	return count, nil
}
