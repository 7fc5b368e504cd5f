// Package handlers contains the HTTP handler implementations for the
// Route Ready API. Each handler declares the narrow interfaces it depends on
// and receives concrete implementations from the application entry point.
package handlers

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"routeready/internal/core"
	"routeready/internal/entitlement"
	"routeready/internal/feasibility"
	"routeready/internal/routing"
	"routeready/internal/types"
)

// CalculationRequest is the request body for POST /v1/travel/calculations.
// Both endpoints must be US ZIP codes or Canadian postal codes; the format
// check runs before the entitlement gate so malformed input never consumes
// a reservation.
type CalculationRequest struct {
	Departure   string `json:"departure" validate:"required,max=16"`
	Destination string `json:"destination" validate:"required,max=16"`
}

// EntitlementResponse reports the caller's usage standing. Returned both by
// the entitlement endpoint and alongside every calculation so clients can
// render the remaining-use counter without a second round trip.
type EntitlementResponse struct {
	IdentityKind  types.IdentityKind `json:"identity_kind"`
	UsageCount    int                `json:"usage_count"`
	RemainingFree int                `json:"remaining_free"`
	FreeLimit     int                `json:"free_limit"`
	HasPaid       bool               `json:"has_paid"`
}

// CalculationResponse is the response body for a successful calculation.
type CalculationResponse struct {
	Calculation      types.TravelCalculation `json:"calculation"`
	DrivingTimeLabel string                  `json:"driving_time_label"`
	TotalTimeLabel   string                  `json:"total_time_label"`
	Entitlement      EntitlementResponse     `json:"entitlement"`
}

// TravelHandler implements the calculation and entitlement endpoints. It
// depends on the gate directly rather than through an interface: the gate's
// reservation protocol (request, then exactly one of commit or release) is
// the contract under test, so tests exercise the real gate over in-memory
// stores and mock only the distance oracle.
type TravelHandler struct {
	gate      *entitlement.Gate
	oracle    routing.DistanceOracle
	validator *core.Validator
	logger    *slog.Logger
}

// NewTravelHandler creates a TravelHandler with the provided dependencies.
func NewTravelHandler(
	gate *entitlement.Gate,
	oracle routing.DistanceOracle,
	v *core.Validator,
	l *slog.Logger,
) *TravelHandler {
	if l == nil {
		l = slog.Default()
	}
	return &TravelHandler{
		gate:      gate,
		oracle:    oracle,
		validator: v,
		logger:    l,
	}
}

// RegisterRoutes mounts the travel endpoints. Both are available to anonymous
// identities; the gate, not the router, decides when to escalate.
func (h *TravelHandler) RegisterRoutes(r chi.Router) {
	r.Post("/travel/calculations", h.Calculate)
	r.Get("/travel/entitlement", h.GetEntitlement)
}

// Calculate runs one feasibility calculation:
//
//  1. Validate the request shape and location formats.
//  2. Ask the gate for a grant; a refusal is surfaced as a 401/402
//     call-to-action without touching the distance oracle.
//  3. Query the oracle for the one-way road distance.
//  4. Run the feasibility arithmetic.
//  5. Commit the grant. An accounting failure does not discard the result;
//     it is returned with a warning in the response meta.
//
// The grant's release is deferred so an oracle failure, a calculator error,
// or a mid-flight cancellation never charges a free use.
func (h *TravelHandler) Calculate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	identity, ok := types.GetIdentity(ctx)
	if !ok {
		core.Error(w, r, types.NewAppError(
			types.ErrCodeInternalUnexpected, "request identity missing", nil))
		return
	}

	var req CalculationRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := feasibility.ValidateRoute(req.Departure, req.Destination); err != nil {
		core.Error(w, r, err)
		return
	}

	grant, err := h.gate.RequestCalculation(ctx, identity)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	if grant.Decision != types.DecisionAllowed {
		h.logger.InfoContext(ctx, "calculation refused",
			"identity_kind", identity.Kind,
			"decision", grant.Decision,
			"usage_count", grant.State.UsageCount,
		)
		core.Error(w, r, entitlement.RefusalError(grant.Decision))
		return
	}
	defer grant.Release()

	distance, err := h.oracle.Route(ctx, req.Departure, req.Destination)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	calc, err := feasibility.Calculate(distance.DistanceMiles)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	state, commitErr := grant.Commit(ctx)
	var meta *types.ResponseMeta
	if commitErr != nil {
		// The result has been produced; surface the degraded accounting
		// instead of failing the request.
		meta = &types.ResponseMeta{
			Warnings: []string{"usage accounting is temporarily degraded; this calculation may not be counted"},
		}
	}

	h.logger.InfoContext(ctx, "calculation completed",
		"identity_kind", identity.Kind,
		"distance_miles", calc.TotalDistance,
		"recommendation", calc.Recommendation,
	)

	core.JSON(w, r, http.StatusOK, core.APIResponse{
		Data: CalculationResponse{
			Calculation:      calc,
			DrivingTimeLabel: feasibility.FormatHours(calc.DrivingTime),
			TotalTimeLabel:   feasibility.FormatHours(calc.TotalTravelTime),
			Entitlement:      entitlementResponse(identity, state),
		},
		Meta: meta,
	})
}

// GetEntitlement returns the caller's usage standing without consuming
// anything. Clients poll it to decide whether to show the paywall up front.
func (h *TravelHandler) GetEntitlement(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	identity, ok := types.GetIdentity(ctx)
	if !ok {
		core.Error(w, r, types.NewAppError(
			types.ErrCodeInternalUnexpected, "request identity missing", nil))
		return
	}

	state, err := h.gate.Snapshot(ctx, identity)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{
		Data: entitlementResponse(identity, state),
	})
}

func entitlementResponse(identity types.Identity, state types.EntitlementState) EntitlementResponse {
	return EntitlementResponse{
		IdentityKind:  identity.Kind,
		UsageCount:    state.UsageCount,
		RemainingFree: state.RemainingFree(),
		FreeLimit:     types.FreeCalculationLimit,
		HasPaid:       state.HasPaid,
	}
}
