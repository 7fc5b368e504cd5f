package db

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"routeready/internal/types"
)

// ProfileRepository provides data access for the profiles table, the
// persisted entitlement record for accounts (usage_count, has_paid). It
// implements the account-side store consumed by the entitlement gate.
type ProfileRepository struct {
	db DBTX
}

// NewProfileRepository creates a new ProfileRepository backed by the given
// database connection (pool or transaction).
func NewProfileRepository(db DBTX) *ProfileRepository {
	return &ProfileRepository{db: db}
}

// CreateForUser inserts the zero-usage profile row for a new account.
// Called inside the signup transaction so every account has a profile.
// Idempotent: an existing row is left untouched.
func (r *ProfileRepository) CreateForUser(ctx context.Context, userID string) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO profiles (user_id, usage_count, has_paid, created_at)
		 VALUES ($1, 0, FALSE, NOW())
		 ON CONFLICT (user_id) DO NOTHING`,
		userID,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to create profile", err)
	}
	return nil
}

// Get returns the entitlement state for an account. Accounts without a
// profile row (should not happen after signup, but the gate must not fail
// open or closed on it) get a zero-usage state.
func (r *ProfileRepository) Get(ctx context.Context, id types.Identity) (types.EntitlementState, error) {
	state := types.EntitlementState{Kind: types.IdentityAccount}

	err := r.db.QueryRow(ctx,
		`SELECT usage_count, has_paid FROM profiles WHERE user_id = $1`,
		id.ID,
	).Scan(&state.UsageCount, &state.HasPaid)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return state, nil
		}
		return state, types.NewAppError(types.ErrCodeInternalDB, "failed to load profile", err)
	}
	return state, nil
}

// ConsumeUse atomically increments the account's usage count and returns the
// resulting state. The upsert makes the increment safe for accounts whose
// profile row is missing, and the single-statement UPDATE is atomic under
// concurrent callers.
func (r *ProfileRepository) ConsumeUse(ctx context.Context, id types.Identity) (types.EntitlementState, error) {
	state := types.EntitlementState{Kind: types.IdentityAccount}

	err := r.db.QueryRow(ctx,
		`INSERT INTO profiles (user_id, usage_count, has_paid, created_at)
		 VALUES ($1, 1, FALSE, NOW())
		 ON CONFLICT (user_id)
		 DO UPDATE SET usage_count = profiles.usage_count + 1, updated_at = NOW()
		 RETURNING usage_count, has_paid`,
		id.ID,
	).Scan(&state.UsageCount, &state.HasPaid)
	if err != nil {
		return state, types.NewAppError(types.ErrCodeInternalDB, "failed to record usage", err)
	}
	return state, nil
}

// SetPaid marks the account as paid. The transition is one-way: there is no
// corresponding clear operation anywhere in the service.
func (r *ProfileRepository) SetPaid(ctx context.Context, userID string) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO profiles (user_id, usage_count, has_paid, created_at)
		 VALUES ($1, 0, TRUE, NOW())
		 ON CONFLICT (user_id)
		 DO UPDATE SET has_paid = TRUE, updated_at = NOW()`,
		userID,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to mark profile paid", err)
	}
	return nil
}
