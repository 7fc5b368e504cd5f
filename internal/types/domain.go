// Package types defines the shared domain model for the Route Ready service:
// travel calculations, identities, entitlements, users, sessions, and the
// application error taxonomy. It has no dependencies on other internal
// packages so that every layer can import it freely.
package types

import "time"

// Recommendation is the verdict of the feasibility calculator.
type Recommendation string

const (
	RecommendMotorcoach Recommendation = "motorcoach"
	RecommendFlight     Recommendation = "flight"
)

// TravelCalculation is the immutable result of one feasibility calculation.
// All time values are in hours, distances in statute miles.
type TravelCalculation struct {
	TotalDistance     float64        `json:"total_distance"`
	RoundTripDistance float64        `json:"round_trip_distance"`
	DrivingTime       float64        `json:"driving_time"`
	RestStops         int            `json:"rest_stops"`
	TotalTravelTime   float64        `json:"total_travel_time"`
	Recommendation    Recommendation `json:"recommendation"`
}

// RouteDistance is the one-way road distance and duration returned by the
// distance oracle. It is never persisted; its lifetime is a single request.
type RouteDistance struct {
	DistanceMiles float64 `json:"distance_miles"`
	DurationHours float64 `json:"duration_hours"`
}

// IdentityKind distinguishes anonymous browser sessions from accounts.
type IdentityKind string

const (
	IdentityAnonymous IdentityKind = "anonymous"
	IdentityAccount   IdentityKind = "account"
)

// Identity is the unit against which usage is metered: either an anonymous
// session (ID is the opaque anonymous session cookie value) or an
// authenticated account (ID is the user ID).
type Identity struct {
	Kind  IdentityKind
	ID    string
	Email string
	Role  UserRole
}

// IsAnonymous reports whether the identity is an unauthenticated session.
func (i Identity) IsAnonymous() bool {
	return i.Kind == IdentityAnonymous
}

// FreeCalculationLimit is the number of calculations an identity may perform
// before the gate escalates to sign-up (anonymous) or payment (account).
const FreeCalculationLimit = 5

// EntitlementState is the persisted usage record for one identity.
// Anonymous identities can never have HasPaid set.
type EntitlementState struct {
	Kind       IdentityKind `json:"identity_kind"`
	UsageCount int          `json:"usage_count"`
	HasPaid    bool         `json:"has_paid"`
}

// RemainingFree returns the number of free calculations left, never negative.
func (e EntitlementState) RemainingFree() int {
	if e.HasPaid {
		return 0
	}
	if e.UsageCount >= FreeCalculationLimit {
		return 0
	}
	return FreeCalculationLimit - e.UsageCount
}

// AtLimit reports whether the identity has exhausted its free calculations.
// Paid accounts are never at the limit.
func (e EntitlementState) AtLimit() bool {
	return !e.HasPaid && e.UsageCount >= FreeCalculationLimit
}

// GateDecision is the outcome of an entitlement check for one calculation
// request. It is a normal decision value, not an error.
type GateDecision string

const (
	DecisionAllowed                GateDecision = "allowed"
	DecisionRequiresAuthentication GateDecision = "requires_authentication"
	DecisionRequiresPayment        GateDecision = "requires_payment"
)

// UserRole controls access to the admin surface.
type UserRole string

const (
	RoleMember UserRole = "member"
	RoleAdmin  UserRole = "admin"
)

// User is a registered account.
type User struct {
	ID           string     `json:"id" db:"id"`
	Email        string     `json:"email" db:"email"`
	Name         string     `json:"name,omitempty" db:"name"`
	PasswordHash string     `json:"-" db:"password_hash"`
	Role         UserRole   `json:"role" db:"role"`
	CreatedAt    time.Time  `json:"created_at" db:"created_at"`
	LastLoginAt  *time.Time `json:"last_login_at,omitempty" db:"last_login_at"`
	DeletedAt    *time.Time `json:"-" db:"deleted_at"`
}

// Session is a DB-backed opaque login session.
type Session struct {
	ID             string    `json:"-" db:"id"`
	UserID         string    `json:"user_id" db:"user_id"`
	IPAddress      string    `json:"-" db:"ip_address"`
	UserAgent      string    `json:"-" db:"user_agent"`
	ExpiresAt      time.Time `json:"expires_at" db:"expires_at"`
	LastActivityAt time.Time `json:"-" db:"last_activity_at"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
}

// SecurityEvent records an authentication attempt for brute-force tracking.
type SecurityEvent struct {
	EventType     string    `db:"event_type"`
	Identifier    string    `db:"identifier"`
	IPAddress     string    `db:"ip_address"`
	AttemptedAt   time.Time `db:"attempted_at"`
	Success       bool      `db:"success"`
	FailureReason string    `db:"failure_reason"`
}

// AuditEvent records a business event for the admin audit trail.
type AuditEvent struct {
	ID         string         `json:"id" db:"id"`
	Action     string         `json:"action" db:"action"`
	ActorID    string         `json:"actor_id" db:"actor_id"`
	TargetID   string         `json:"target_id,omitempty" db:"target_id"`
	Details    map[string]any `json:"details,omitempty" db:"details"`
	OccurredAt time.Time      `json:"occurred_at" db:"occurred_at"`
}

// ResponseMeta carries non-blocking warnings alongside successful responses.
// Used when a calculation succeeded but usage accounting failed: the result
// is still returned, with a warning the client should surface.
type ResponseMeta struct {
	Warnings []string `json:"warnings,omitempty"`
}
