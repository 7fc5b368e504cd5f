package db

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"routeready/internal/types"
)

// UserRepository provides data access for the users table.
type UserRepository struct {
	db DBTX
}

// NewUserRepository creates a new UserRepository backed by the given
// database connection (pool or transaction).
func NewUserRepository(db DBTX) *UserRepository {
	return &UserRepository{db: db}
}

// userColumns defines the standard set of columns selected for user queries.
// Used consistently across all query methods to avoid column drift.
const userColumns = `u.id, u.email, u.name, u.password_hash, u.role,
	u.created_at, u.last_login_at, u.deleted_at`

// scanUser scans a single user row into a types.User struct. The columns
// must match the order defined in userColumns. Name is nullable.
func scanUser(row pgx.Row) (*types.User, error) {
	var u types.User
	var name *string
	err := row.Scan(
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
		return nil, err
	}
	if name != nil {
		u.Name = *name
	}
	return &u, nil
}

// Create inserts a new user row. Returns ErrCodeConflictEmail (409) if a
// user with the same email already exists.
func (r *UserRepository) Create(ctx context.Context, user *types.User) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO users (id, email, name, password_hash, role, created_at)
		 VALUES ($1, $2, $3, $4, $5, COALESCE($6, NOW()))`,
		user.ID,
		user.Email,
		nilIfEmpty(user.Name),
		user.PasswordHash,
		user.Role,
		nilIfZeroTime(user.CreatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return types.NewAppError(types.ErrCodeConflictEmail, "an account with this email already exists", err)
		}
		return types.NewAppError(types.ErrCodeInternalDB, "failed to create user", err)
	}
	return nil
}

// GetByID retrieves an active user by ID. Returns ErrCodeNotFoundUser if no
// active user is found.
func (r *UserRepository) GetByID(ctx context.Context, id string) (*types.User, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+userColumns+`
		 FROM users u
		 WHERE u.id = $1 AND u.deleted_at IS NULL`,
		id,
	)

	u, err := scanUser(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundUser, "user not found", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to retrieve user", err)
	}
	return u, nil
}

// GetByEmail retrieves an active user by email address. Returns
// ErrCodeNotFoundUser if no user exists; the login flow maps this to
// invalid-credentials so the response does not reveal account existence.
func (r *UserRepository) GetByEmail(ctx context.Context, email string) (*types.User, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+userColumns+`
		 FROM users u
		 WHERE u.email = $1 AND u.deleted_at IS NULL`,
		email,
	)

	u, err := scanUser(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundUser, "user not found", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to retrieve user by email", err)
	}
	return u, nil
}

// UpdateLastLogin updates the last_login_at timestamp for a user.
func (r *UserRepository) UpdateLastLogin(ctx context.Context, userID string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE users SET last_login_at = NOW() WHERE id = $1 AND deleted_at IS NULL`,
		userID,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to update last login", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundUser, "user not found", nil)
	}
	return nil
}
