package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"routeready/internal/external"
	"routeready/internal/types"
)

// stubVerifier implements external.WebhookVerifier with a fixed outcome.
type stubVerifier struct {
	err error
}

func (v *stubVerifier) Verify(payload []byte, header string, secret string) error {
	return v.err
}

var _ external.WebhookVerifier = (*stubVerifier)(nil)

func newWebhookHandler(verifier external.WebhookVerifier, paid *mockPaidMarker, audit *mockAuditRecorder) *StripeWebhookHandler {
	return NewStripeWebhookHandler(verifier, paid, audit, types.SecretString("whsec_test"), testLogger())
}

func webhookRequest(t *testing.T, eventType string, object map[string]any) *http.Request {
	t.Helper()

	payload, err := json.Marshal(map[string]any{
		"id":   "evt_test_123",
		"type": eventType,
		"data": map[string]any{"object": object},
	})
	require.NoError(t, err)

	req := httptest.NewRequest("POST", "/webhooks/stripe", bytes.NewReader(payload))
	req.Header.Set("Stripe-Signature", "t=123,v1=abc")
	return req.WithContext(types.WithRequestID(req.Context(), "req_test_123"))
}

func paidCheckoutObject(userID string) map[string]any {
	return map[string]any{
		"id":             "cs_test_abc123def456",
		"payment_status": "paid",
		"metadata":       map[string]any{"user_id": userID},
	}
}

func TestWebhook_CheckoutCompletedUnlocksPremium(t *testing.T) {
	paid := &mockPaidMarker{}
	audit := &mockAuditRecorder{}
	h := newWebhookHandler(&stubVerifier{}, paid, audit)

	rec := httptest.NewRecorder()
	h.Handle(rec, webhookRequest(t, external.EventStripeCheckoutCompleted, paidCheckoutObject("user-1")))

	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, paid.calls, 1)
	assert.Equal(t, "user-1", paid.calls[0])

	require.Len(t, audit.events, 1)
	assert.Equal(t, auditActionPaymentCompleted, audit.events[0].Action)
	assert.Equal(t, "stripe", audit.events[0].ActorID)
	assert.Equal(t, "user-1", audit.events[0].TargetID)
}

func TestWebhook_BadSignatureRejected(t *testing.T) {
	paid := &mockPaidMarker{}
	h := newWebhookHandler(&stubVerifier{err: errors.New("no valid signature")}, paid, &mockAuditRecorder{})

	rec := httptest.NewRecorder()
	h.Handle(rec, webhookRequest(t, external.EventStripeCheckoutCompleted, paidCheckoutObject("user-1")))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, paid.calls)
}

func TestWebhook_UnpaidCompletionAcknowledgedWithoutUnlock(t *testing.T) {
	paid := &mockPaidMarker{}
	h := newWebhookHandler(&stubVerifier{}, paid, &mockAuditRecorder{})

	object := paidCheckoutObject("user-1")
	object["payment_status"] = "unpaid"

	rec := httptest.NewRecorder()
	h.Handle(rec, webhookRequest(t, external.EventStripeCheckoutCompleted, object))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, paid.calls)
}

func TestWebhook_MissingUserMetadataAcknowledged(t *testing.T) {
	paid := &mockPaidMarker{}
	h := newWebhookHandler(&stubVerifier{}, paid, &mockAuditRecorder{})

	object := paidCheckoutObject("")
	rec := httptest.NewRecorder()
	h.Handle(rec, webhookRequest(t, external.EventStripeCheckoutCompleted, object))

	// Redelivery would not fix missing metadata, so the event is acknowledged.
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, paid.calls)
}

func TestWebhook_UnrecognizedEventTypeIgnored(t *testing.T) {
	paid := &mockPaidMarker{}
	h := newWebhookHandler(&stubVerifier{}, paid, &mockAuditRecorder{})

	rec := httptest.NewRecorder()
	h.Handle(rec, webhookRequest(t, "invoice.created", map[string]any{"id": "in_test_123"}))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, paid.calls)
}

func TestWebhook_PersistenceFailureTriggersRetry(t *testing.T) {
	paid := &mockPaidMarker{
		setPaidFn: func(ctx context.Context, userID string) error {
			return types.NewAppError(types.ErrCodeInternalDB, "failed to update profile", nil)
		},
	}
	h := newWebhookHandler(&stubVerifier{}, paid, &mockAuditRecorder{})

	rec := httptest.NewRecorder()
	h.Handle(rec, webhookRequest(t, external.EventStripeCheckoutCompleted, paidCheckoutObject("user-1")))

	// A 5xx makes Stripe redeliver; SetPaid is idempotent so that is safe.
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestWebhook_MalformedPayloadRejected(t *testing.T) {
	h := newWebhookHandler(&stubVerifier{}, &mockPaidMarker{}, &mockAuditRecorder{})

	req := httptest.NewRequest("POST", "/webhooks/stripe", bytes.NewBufferString("{not json"))
	req.Header.Set("Stripe-Signature", "t=123,v1=abc")
	req = req.WithContext(types.WithRequestID(req.Context(), "req_test_123"))

	rec := httptest.NewRecorder()
	h.Handle(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
