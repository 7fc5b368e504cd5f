package external

import (
	"github.com/stripe/stripe-go/v82/webhook"
)

// WebhookVerifier abstracts Stripe webhook signature checking so handlers can
// be tested without computing real signatures.
type WebhookVerifier interface {
	// Verify validates a webhook payload against the provided signature
	// header and signing secret. Returns nil on success.
	Verify(payload []byte, header string, secret string) error
}

// Stripe event type constants prevent magic strings in webhook handlers.
const (
	EventStripeCheckoutCompleted = "checkout.session.completed"
)

// StripeVerifier implements WebhookVerifier using stripe-go's webhook
// signature verification: HMAC-SHA256 over "t.payload" with the default
// 5-minute timestamp tolerance and constant-time comparison.
type StripeVerifier struct{}

// Verify validates a Stripe webhook payload against the Stripe-Signature
// header and the signing secret.
func (v *StripeVerifier) Verify(payload []byte, header string, secret string) error {
	return webhook.ValidatePayload(payload, header, secret)
}
