// Package entitlement implements the usage gate: the state machine that
// decides whether a calculation request proceeds, requires sign-up, or
// requires payment, and that accounts for consumed free uses.
//
// The gate checks entitlement BEFORE the distance oracle is invoked (so a
// refused request never wastes an oracle call) and records consumption only
// AFTER a successful oracle + calculator round trip (so failed lookups are
// never charged). Between those two points the request holds a Grant, an
// in-process reservation that prevents two concurrent requests from both
// consuming the last free use.
package entitlement

import (
	"context"
	"log/slog"
	"sync"

	"routeready/internal/types"
)

// Store is the persisted usage record for one class of identity. The
// account implementation is backed by Postgres, the anonymous one by Valkey
// (or process memory in tests and single-node deployments).
type Store interface {
	// Get returns the current entitlement state for the identity.
	// Implementations return a zero-usage state for identities they have
	// never seen.
	Get(ctx context.Context, id types.Identity) (types.EntitlementState, error)

	// ConsumeUse atomically increments the identity's usage count and
	// returns the resulting state. The increment must be atomic at the
	// store so that accounting survives concurrent callers and crashes.
	ConsumeUse(ctx context.Context, id types.Identity) (types.EntitlementState, error)
}

// PaidStore extends Store with the one-way paid flag transition. Only the
// account store implements it; anonymous identities can never be paid.
type PaidStore interface {
	Store

	// SetPaid marks the account as paid. The transition is one-way and is
	// invoked only by the verified payment flow, never by the gate.
	SetPaid(ctx context.Context, userID string) error
}

// Gate serializes entitlement checks per identity and enforces the free-use
// limit across anonymous sessions and accounts.
type Gate struct {
	anonymous Store
	accounts  PaidStore
	logger    *slog.Logger

	// inflight tracks reservations held by requests that have passed the
	// gate but not yet committed or released. Guarded by mu. Entries are
	// removed when their count drops to zero so the map does not grow with
	// identity cardinality.
	mu       sync.Mutex
	inflight map[string]int
}

// NewGate creates a Gate over the given stores.
func NewGate(anonymous Store, accounts PaidStore, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{
		anonymous: anonymous,
		accounts:  accounts,
		logger:    logger,
		inflight:  make(map[string]int),
	}
}

// Grant is the outcome of one entitlement check. When Decision is
// DecisionAllowed the Grant holds a reservation that the caller must resolve
// by exactly one of Commit (oracle succeeded, charge the use) or Release
// (oracle failed or the request was cancelled, charge nothing).
type Grant struct {
	Decision types.GateDecision
	State    types.EntitlementState

	gate     *Gate
	identity types.Identity
	counted  bool // false for paid accounts: unlimited use, never incremented
	resolved bool
}

// RequestCalculation decides whether a calculation for the identity may
// proceed. The decision table:
//
//	anonymous, under limit  -> Allowed (reserve one use)
//	anonymous, at limit     -> RequiresAuthentication
//	account, under limit    -> Allowed (reserve one use)
//	account, at limit       -> RequiresPayment
//	account, paid           -> Allowed (no reservation, never counted)
//
// Reservations held by concurrent in-flight requests count against the
// limit, so two simultaneous requests at usage 4/5 cannot both be Allowed.
func (g *Gate) RequestCalculation(ctx context.Context, id types.Identity) (*Grant, error) {
	state, err := g.store(id).Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if state.HasPaid {
		return &Grant{
			Decision: types.DecisionAllowed,
			State:    state,
			gate:     g,
			identity: id,
			counted:  false,
		}, nil
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	key := reservationKey(id)
	effective := state.UsageCount + g.inflight[key]
	if effective >= types.FreeCalculationLimit {
		return &Grant{Decision: refusalFor(id), State: state, resolved: true}, nil
	}

	g.inflight[key]++
	return &Grant{
		Decision: types.DecisionAllowed,
		State:    state,
		gate:     g,
		identity: id,
		counted:  true,
	}, nil
}

// Snapshot returns the current entitlement state for the identity without
// taking a reservation. Used by the entitlement status endpoint.
func (g *Gate) Snapshot(ctx context.Context, id types.Identity) (types.EntitlementState, error) {
	return g.store(id).Get(ctx, id)
}

// SetPaid flips the paid flag for an account. Invoked only by the verified
// payment flow. Anonymous identities are rejected.
func (g *Gate) SetPaid(ctx context.Context, userID string) error {
	return g.accounts.SetPaid(ctx, userID)
}

// Commit records the successful use and releases the reservation. It returns
// the updated entitlement state. A store failure here is returned to the
// caller but the reservation is still released: the calculation result has
// already been produced and must be shown to the user regardless (best-effort
// accounting), with the failure surfaced as a warning.
func (gr *Grant) Commit(ctx context.Context) (types.EntitlementState, error) {
	if gr.resolved || gr.Decision != types.DecisionAllowed {
		return gr.State, nil
	}
	gr.resolved = true

	if !gr.counted {
		// Paid accounts: unlimited use, no accounting.
		return gr.State, nil
	}

	defer gr.gate.releaseReservation(gr.identity)

	state, err := gr.gate.store(gr.identity).ConsumeUse(ctx, gr.identity)
	if err != nil {
		gr.gate.logger.ErrorContext(ctx, "usage accounting failed after successful calculation",
			"identity_kind", gr.identity.Kind,
			"identity_id", gr.identity.ID,
			"error", err,
		)
		return gr.State, err
	}
	return state, nil
}

// Release frees the reservation without consuming a use. Safe to call more
// than once and safe on refused or committed grants. Callers should defer it
// so a failed or cancelled oracle call never charges usage.
func (gr *Grant) Release() {
	if gr.resolved || gr.Decision != types.DecisionAllowed {
		return
	}
	gr.resolved = true
	if gr.counted {
		gr.gate.releaseReservation(gr.identity)
	}
}

func (g *Gate) releaseReservation(id types.Identity) {
	g.mu.Lock()
	defer g.mu.Unlock()
	key := reservationKey(id)
	if n := g.inflight[key]; n > 1 {
		g.inflight[key] = n - 1
	} else {
		delete(g.inflight, key)
	}
}

func (g *Gate) store(id types.Identity) Store {
	if id.IsAnonymous() {
		return g.anonymous
	}
	return g.accounts
}

func reservationKey(id types.Identity) string {
	return string(id.Kind) + ":" + id.ID
}

// refusalFor maps an at-limit identity to the escalation the caller should
// surface: anonymous users are asked to sign up, accounts to pay.
func refusalFor(id types.Identity) types.GateDecision {
	if id.IsAnonymous() {
		return types.DecisionRequiresAuthentication
	}
	return types.DecisionRequiresPayment
}

// RefusalError converts a refusing decision into the AppError surfaced over
// HTTP. The error codes map to 401 (sign in) and 402 (pay); clients render
// them as a call-to-action, not an error banner.
func RefusalError(decision types.GateDecision) *types.AppError {
	switch decision {
	case types.DecisionRequiresAuthentication:
		return types.NewAppError(
			types.ErrCodeLimitRequiresAuthentication,
			"free calculation limit reached; sign in or create an account to continue",
			nil,
		)
	case types.DecisionRequiresPayment:
		return types.NewAppError(
			types.ErrCodeLimitRequiresPayment,
			"free calculation limit reached; purchase premium access to continue",
			nil,
		)
	default:
		return types.NewAppError(types.ErrCodeInternalUnexpected, "unexpected gate decision", nil)
	}
}
