// Stripe calls this handler directly, so it is mounted outside the identity
// middleware. Security comes from verifying the Stripe-Signature header
// against the webhook signing secret.
package handlers

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"routeready/internal/core"
	"routeready/internal/external"
	"routeready/internal/types"
)

// maxWebhookBodySize caps Stripe webhook payloads at 64 KB. Checkout session
// events are a few KB; the cap protects against abuse.
const maxWebhookBodySize = 64 * 1024

// stripeEvent mirrors the subset of Stripe's event envelope the webhook
// consumes.
type stripeEvent struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

// checkoutCompletedObject is the checkout session payload inside a
// checkout.session.completed event.
type checkoutCompletedObject struct {
	ID            string `json:"id"`
	PaymentStatus string `json:"payment_status"`
	Metadata      struct {
		UserID string `json:"user_id"`
	} `json:"metadata"`
}

// StripeWebhookHandler processes asynchronous Stripe events. It is the
// second, independent path that can flip an account's paid flag: even if the
// user closes the browser before the success redirect, the webhook completes
// the unlock.
type StripeWebhookHandler struct {
	verifier external.WebhookVerifier
	paid     PaidMarker
	audit    AuditRecorder
	secret   types.SecretString
	logger   *slog.Logger
}

// NewStripeWebhookHandler creates a StripeWebhookHandler with the provided
// dependencies.
func NewStripeWebhookHandler(
	verifier external.WebhookVerifier,
	paid PaidMarker,
	audit AuditRecorder,
	secret types.SecretString,
	l *slog.Logger,
) *StripeWebhookHandler {
	if l == nil {
		l = slog.Default()
	}
	return &StripeWebhookHandler{
		verifier: verifier,
		paid:     paid,
		audit:    audit,
		secret:   secret,
		logger:   l,
	}
}

// RegisterRoutes mounts the webhook endpoint. Mounted under /webhooks by the
// server, outside the identity middleware.
func (h *StripeWebhookHandler) RegisterRoutes(r chi.Router) {
	r.Post("/stripe", h.Handle)
}

// Handle verifies and processes one Stripe event:
//
//  1. Read the raw body (the signature covers the exact bytes).
//  2. Verify the Stripe-Signature header; a bad signature is a 400.
//  3. On checkout.session.completed with payment_status "paid", flip the
//     paid flag for the user in the session metadata.
//  4. Return 200 so Stripe stops retrying; unrecognized event types are
//     acknowledged without action.
//
// A failure to persist the paid flag returns 500, which makes Stripe retry
// the delivery. SetPaid is idempotent, so retries are safe.
func (h *StripeWebhookHandler) Handle(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBodySize)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		h.logger.WarnContext(ctx, "failed to read webhook body", "error", err)
		core.Error(w, r, types.NewAppError(
			types.ErrCodeValidationInvalidJSON, "failed to read webhook payload", err))
		return
	}

	signature := r.Header.Get("Stripe-Signature")
	if err := h.verifier.Verify(payload, signature, h.secret.Unmask()); err != nil {
		h.logger.WarnContext(ctx, "webhook signature verification failed", "error", err)
		core.Error(w, r, types.NewAppError(
			types.ErrCodeValidationInvalidJSON, "webhook signature verification failed", nil))
		return
	}

	var event stripeEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		core.Error(w, r, types.NewAppError(
			types.ErrCodeValidationInvalidJSON, "malformed webhook payload", err))
		return
	}

	switch event.Type {
	case external.EventStripeCheckoutCompleted:
		if err := h.handleCheckoutCompleted(ctx, event); err != nil {
			core.Error(w, r, err)
			return
		}
	default:
		h.logger.DebugContext(ctx, "ignoring webhook event", "event_type", event.Type)
	}

	core.JSON(w, r, http.StatusOK, map[string]bool{"received": true})
}

func (h *StripeWebhookHandler) handleCheckoutCompleted(ctx context.Context, event stripeEvent) error {
	var session checkoutCompletedObject
	if err := json.Unmarshal(event.Data.Object, &session); err != nil {
		return types.NewAppError(
			types.ErrCodeValidationInvalidJSON, "malformed checkout session object", err)
	}

	if session.PaymentStatus != "paid" {
		// Completed-but-unpaid sessions (async payment methods) are settled
		// later by a separate event; nothing to do yet.
		h.logger.InfoContext(ctx, "checkout completed without payment",
			"session_id", session.ID,
			"payment_status", session.PaymentStatus,
		)
		return nil
	}
	if session.Metadata.UserID == "" {
		// Acknowledge rather than retry: the metadata will not appear on a
		// redelivery of the same event.
		h.logger.ErrorContext(ctx, "paid checkout session missing user metadata",
			"session_id", session.ID,
		)
		return nil
	}

	if err := h.paid.SetPaid(ctx, session.Metadata.UserID); err != nil {
		return err
	}

	if err := h.audit.Record(ctx, &types.AuditEvent{
		Action:   auditActionPaymentCompleted,
		ActorID:  "stripe",
		TargetID: session.Metadata.UserID,
		Details: map[string]any{
			"session_id": session.ID,
			"event_id":   event.ID,
		},
	}); err != nil {
		h.logger.ErrorContext(ctx, "failed to record audit event",
			"action", auditActionPaymentCompleted,
			"error", err,
		)
	}

	h.logger.InfoContext(ctx, "premium unlocked via webhook",
		"user_id", session.Metadata.UserID,
		"session_id", session.ID,
	)
	return nil
}
