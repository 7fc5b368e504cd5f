package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"routeready/internal/billing"
	"routeready/internal/core"
	"routeready/internal/types"
)

// PaidMarker flips the one-way paid flag for an account. Satisfied by
// entitlement.Gate.
type PaidMarker interface {
	SetPaid(ctx context.Context, userID string) error
}

// AuditRecorder appends business events to the admin audit trail.
// Satisfied by db.AuditRepository.
type AuditRecorder interface {
	Record(ctx context.Context, event *types.AuditEvent) error
}

// VerifyPaymentRequest is the request body for POST /v1/billing/verify.
type VerifyPaymentRequest struct {
	SessionID string `json:"session_id" validate:"required,max=255"`
}

// VerifyPaymentResponse reports the outcome of a successful verification.
type VerifyPaymentResponse struct {
	Paid    bool `json:"paid"`
	HasPaid bool `json:"has_paid"`
}

// Audit actions recorded by the payment flow.
const (
	auditActionPaymentVerified  = "payment.verified"
	auditActionPaymentCompleted = "payment.webhook_completed"
)

// BillingHandler implements the premium unlock flow: creating checkout
// sessions and verifying completed payments. The paid flag is only ever set
// after server-side verification against Stripe; a client claiming to have
// paid proves nothing.
type BillingHandler struct {
	checkout  billing.CheckoutService
	paid      PaidMarker
	audit     AuditRecorder
	validator *core.Validator
	logger    *slog.Logger
}

// NewBillingHandler creates a BillingHandler with the provided dependencies.
func NewBillingHandler(
	checkout billing.CheckoutService,
	paid PaidMarker,
	audit AuditRecorder,
	v *core.Validator,
	l *slog.Logger,
) *BillingHandler {
	if l == nil {
		l = slog.Default()
	}
	return &BillingHandler{
		checkout:  checkout,
		paid:      paid,
		audit:     audit,
		validator: v,
		logger:    l,
	}
}

// RegisterRoutes mounts the billing endpoints. Both require an account:
// anonymous identities are asked to sign up first, so there is never a
// payment without a user ID to attribute it to.
func (h *BillingHandler) RegisterRoutes(r chi.Router, requireAccount func(http.Handler) http.Handler) {
	r.Group(func(r chi.Router) {
		r.Use(requireAccount)
		r.Post("/billing/checkout-session", h.CreateCheckoutSession)
		r.Post("/billing/verify", h.VerifyPayment)
	})
}

// CreateCheckoutSession creates a hosted Stripe Checkout session for the
// one-time premium unlock and returns its redirect URL.
func (h *BillingHandler) CreateCheckoutSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	identity, ok := types.GetIdentity(ctx)
	if !ok || identity.IsAnonymous() {
		core.Error(w, r, types.NewAppError(
			types.ErrCodeAuthRequired, "authentication required", nil))
		return
	}

	session, err := h.checkout.CreateCheckoutSession(ctx, identity.ID, identity.Email)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusCreated, core.APIResponse{Data: session})
}

// VerifyPayment confirms a checkout session with Stripe and, if it has been
// paid, flips the paid flag for the account the session was created for. The
// account comes from the session's own metadata, never from the caller, so a
// user cannot redeem someone else's session for themselves.
func (h *BillingHandler) VerifyPayment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	identity, ok := types.GetIdentity(ctx)
	if !ok || identity.IsAnonymous() {
		core.Error(w, r, types.NewAppError(
			types.ErrCodeAuthRequired, "authentication required", nil))
		return
	}

	var req VerifyPaymentRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	verification, err := h.checkout.VerifyPayment(ctx, req.SessionID)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	if !verification.Paid {
		core.Error(w, r, types.NewAppError(
			types.ErrCodePaymentNotCompleted,
			"checkout session has not been paid",
			nil,
		))
		return
	}

	if err := h.paid.SetPaid(ctx, verification.UserID); err != nil {
		core.Error(w, r, err)
		return
	}

	h.recordAudit(ctx, &types.AuditEvent{
		Action:   auditActionPaymentVerified,
		ActorID:  identity.ID,
		TargetID: verification.UserID,
		Details: map[string]any{
			"session_id": req.SessionID,
		},
	})

	h.logger.InfoContext(ctx, "payment verified",
		"user_id", verification.UserID,
		"session_id", req.SessionID,
	)

	core.JSON(w, r, http.StatusOK, core.APIResponse{
		Data: VerifyPaymentResponse{Paid: true, HasPaid: true},
	})
}

// recordAudit appends an audit event. Audit failures are logged, not
// surfaced: the payment state change has already happened.
func (h *BillingHandler) recordAudit(ctx context.Context, event *types.AuditEvent) {
	if err := h.audit.Record(ctx, event); err != nil {
		h.logger.ErrorContext(ctx, "failed to record audit event",
			"action", event.Action,
			"error", err,
		)
	}
}
