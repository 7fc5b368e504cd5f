package db

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"

	"routeready/internal/types"
)

// AuditRepository provides data access for the audit_events table, the
// append-only record of business events (payments, paid-flag flips,
// account creation) surfaced on the admin audit endpoint.
type AuditRepository struct {
	db DBTX
}

// NewAuditRepository creates a new AuditRepository backed by the given
// database connection (pool or transaction).
func NewAuditRepository(db DBTX) *AuditRepository {
	return &AuditRepository{db: db}
}

// Record appends an audit event. The details map is stored as JSONB.
func (r *AuditRepository) Record(ctx context.Context, event *types.AuditEvent) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}

	var details []byte
	if event.Details != nil {
		var err error
		details, err = json.Marshal(event.Details)
		if err != nil {
			return types.NewAppError(types.ErrCodeInternalUnexpected, "failed to encode audit details", err)
		}
	}

	_, err := r.db.Exec(ctx,
		`INSERT INTO audit_events (id, action, actor_id, target_id, details, occurred_at)
		 VALUES ($1, $2, $3, $4, $5, COALESCE($6, NOW()))`,
		event.ID,
		event.Action,
		nilIfEmpty(event.ActorID),
		nilIfEmpty(event.TargetID),
		details,
		nilIfZeroTime(event.OccurredAt),
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to record audit event", err)
	}
	return nil
}

// List returns the most recent audit events, newest first. The limit is
// clamped to [1, 200].
func (r *AuditRepository) List(ctx context.Context, limit int) ([]types.AuditEvent, error) {
	if limit < 1 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}

	rows, err := r.db.Query(ctx,
		`SELECT id, action, actor_id, target_id, details, occurred_at
		 FROM audit_events
		 ORDER BY occurred_at DESC
		 LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list audit events", err)
	}
	defer rows.Close()

	events := make([]types.AuditEvent, 0, limit)
	for rows.Next() {
		var e types.AuditEvent
		var actorID, targetID *string
		var details []byte
		if err := rows.Scan(&e.ID, &e.Action, &actorID, &targetID, &details, &e.OccurredAt); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan audit event", err)
		}
		if actorID != nil {
			e.ActorID = *actorID
		}
		if targetID != nil {
			e.TargetID = *targetID
		}
		if len(details) > 0 {
			if err := json.Unmarshal(details, &e.Details); err != nil {
				return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to decode audit details", err)
			}
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to iterate audit events", err)
	}
	return events, nil
}
