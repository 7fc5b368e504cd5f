// Package billing implements the payment flow for the one-time Route Ready
// premium unlock: creating Stripe Checkout sessions and verifying completed
// payments server-side. Verification is the only path that flips an
// account's paid flag; the client is never trusted to report payment state.
package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"routeready/internal/external"
	"routeready/internal/types"
)

// stripeAPIBase is the default Stripe API base URL.
// Overridable in tests via StripeConfig.BaseURL.
const stripeAPIBase = "https://api.stripe.com"

// Premium unlock product constants. One-time payment, USD.
const (
	premiumProductName        = "Route Ready Premium Access"
	premiumProductDescription = "Unlock full access to Route Ready travel planning features"
	premiumAmountCents        = 4999
	premiumCurrency           = "usd"

	// checkoutExpiry bounds how long an abandoned checkout session stays
	// redeemable.
	checkoutExpiry = 30 * time.Minute
)

// checkoutSessionIDPattern validates Stripe checkout session IDs before any
// API call is made with them. IDs start with "cs_" followed by an opaque
// suffix.
var checkoutSessionIDPattern = regexp.MustCompile(`^cs_[A-Za-z0-9_]{10,}$`)

// CheckoutSession is the result of creating a Stripe Checkout session.
type CheckoutSession struct {
	ID          string    `json:"session_id"`
	CheckoutURL string    `json:"checkout_url"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// PaymentVerification is the result of verifying a checkout session.
type PaymentVerification struct {
	Paid   bool   `json:"paid"`
	UserID string `json:"-"`
	Email  string `json:"customer_email,omitempty"`
}

// CheckoutService is the interface the billing handler depends on.
type CheckoutService interface {
	// CreateCheckoutSession creates a hosted checkout for the premium
	// unlock, tagged with the user's ID for later verification.
	CreateCheckoutSession(ctx context.Context, userID, email string) (*CheckoutSession, error)

	// VerifyPayment retrieves the checkout session and reports whether it
	// has been paid, along with the user it was created for.
	VerifyPayment(ctx context.Context, sessionID string) (*PaymentVerification, error)
}

// StripeConfig holds the configuration for creating a StripeClient.
type StripeConfig struct {
	SecretKey    types.SecretString
	BaseURL      string // Override for testing; defaults to stripeAPIBase
	DashboardURL string // Public app URL for success/cancel redirects
	Logger       *slog.Logger
}

// StripeClient implements CheckoutService by calling the Stripe REST API
// through the shared resilience Client. Routing all requests through the
// platform's circuit breaker and retry layer also makes testing with
// httptest straightforward.
type StripeClient struct {
	client       *external.Client
	secretKey    types.SecretString
	baseURL      string
	dashboardURL string
	logger       *slog.Logger
	clock        types.Clock
}

// NewStripeClient creates a StripeClient. The httpClient timeout should be
// around 20 seconds; Stripe calls are user-facing.
func NewStripeClient(httpClient *http.Client, cfg StripeConfig) *StripeClient {
	client := external.NewClient(
		httpClient,
		"stripe",
		external.RetryPolicy{
			MaxRetries: 2,
			MinWait:    500 * time.Millisecond,
			MaxWait:    5 * time.Second,
		},
		"RouteReady/1.0",
	)
	return newStripeClient(client, cfg)
}

// NewStripeClientWithBase creates a StripeClient with a caller-built
// external.Client. Used by tests to control retry and breaker behavior.
func NewStripeClientWithBase(client *external.Client, cfg StripeConfig) *StripeClient {
	return newStripeClient(client, cfg)
}

func newStripeClient(client *external.Client, cfg StripeConfig) *StripeClient {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = stripeAPIBase
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &StripeClient{
		client:       client,
		secretKey:    cfg.SecretKey,
		baseURL:      strings.TrimSuffix(baseURL, "/"),
		dashboardURL: strings.TrimSuffix(cfg.DashboardURL, "/"),
		logger:       logger,
		clock:        types.RealClock{},
	}
}

// stripeCheckoutSession mirrors the subset of Stripe's checkout session
// object this service consumes.
type stripeCheckoutSession struct {
	ID            string `json:"id"`
	URL           string `json:"url"`
	PaymentStatus string `json:"payment_status"`
	CustomerEmail string `json:"customer_email"`
	ExpiresAt     int64  `json:"expires_at"`
	Metadata      struct {
		UserID    string `json:"user_id"`
		UserEmail string `json:"user_email"`
	} `json:"metadata"`
}

// stripeErrorResponse mirrors Stripe's error envelope.
type stripeErrorResponse struct {
	Error struct {
		Type    string `json:"type"`
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// CreateCheckoutSession creates a one-time-payment checkout session for the
// premium unlock. The user ID and email are attached as metadata so that
// verification (and the webhook) can attribute the payment without trusting
// client input.
func (s *StripeClient) CreateCheckoutSession(ctx context.Context, userID, email string) (*CheckoutSession, error) {
	expiresAt := s.clock.Now().Add(checkoutExpiry)

	params := url.Values{}
	params.Set("mode", "payment")
	params.Set("customer_email", email)
	params.Set("client_reference_id", userID)
	params.Set("success_url", s.dashboardURL+"/payment-success?session_id={CHECKOUT_SESSION_ID}")
	params.Set("cancel_url", s.dashboardURL+"/planner")
	params.Set("expires_at", strconv.FormatInt(expiresAt.Unix(), 10))
	params.Set("metadata[user_id]", userID)
	params.Set("metadata[user_email]", email)
	params.Set("line_items[0][quantity]", "1")
	params.Set("line_items[0][price_data][currency]", premiumCurrency)
	params.Set("line_items[0][price_data][unit_amount]", strconv.Itoa(premiumAmountCents))
	params.Set("line_items[0][price_data][product_data][name]", premiumProductName)
	params.Set("line_items[0][price_data][product_data][description]", premiumProductDescription)

	resp, err := s.doPost(ctx, "/v1/checkout/sessions", params)
	if err != nil {
		return nil, s.wrapStripeError("CreateCheckoutSession", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, s.handleErrorResponse(resp, "CreateCheckoutSession")
	}

	var session stripeCheckoutSession
	if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
		return nil, types.NewAppError(
			types.ErrCodeInternalUnexpected,
			"failed to decode Stripe checkout session response",
			err,
		)
	}

	s.logger.InfoContext(ctx, "checkout session created",
		"user_id", userID,
		"session_id", session.ID,
	)

	return &CheckoutSession{
		ID:          session.ID,
		CheckoutURL: session.URL,
		ExpiresAt:   expiresAt,
	}, nil
}

// VerifyPayment retrieves the checkout session from Stripe and reports its
// payment state. The session ID format is validated before any API call;
// the session must carry user metadata so the paid flag can be attributed.
func (s *StripeClient) VerifyPayment(ctx context.Context, sessionID string) (*PaymentVerification, error) {
	if !checkoutSessionIDPattern.MatchString(sessionID) {
		return nil, types.NewAppError(
			types.ErrCodeValidationInvalidSession,
			"checkout session ID format is invalid",
			nil,
		)
	}

	resp, err := s.doGet(ctx, "/v1/checkout/sessions/"+url.PathEscape(sessionID))
	if err != nil {
		return nil, s.wrapStripeError("VerifyPayment", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, types.NewAppError(
			types.ErrCodePaymentVerificationFailed,
			"checkout session not found",
			nil,
		)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, s.handleErrorResponse(resp, "VerifyPayment")
	}

	var session stripeCheckoutSession
	if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
		return nil, types.NewAppError(
			types.ErrCodeInternalUnexpected,
			"failed to decode Stripe checkout session response",
			err,
		)
	}

	if session.Metadata.UserID == "" {
		return nil, types.NewAppError(
			types.ErrCodePaymentVerificationFailed,
			"checkout session is missing user metadata",
			nil,
		)
	}

	return &PaymentVerification{
		Paid:   session.PaymentStatus == "paid",
		UserID: session.Metadata.UserID,
		Email:  session.CustomerEmail,
	}, nil
}

func (s *StripeClient) doGet(ctx context.Context, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+s.secretKey.Unmask())
	return s.client.Do(req)
}

func (s *StripeClient) doPost(ctx context.Context, path string, params url.Values) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+path, strings.NewReader(params.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+s.secretKey.Unmask())
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return s.client.Do(req)
}

// wrapStripeError re-tags transport failures as a Stripe outage while
// preserving the underlying chain.
func (s *StripeClient) wrapStripeError(op string, err error) error {
	return types.NewAppError(
		types.ErrCodeUpstreamStripe,
		fmt.Sprintf("%s: Stripe unavailable", op),
		err,
	)
}

// handleErrorResponse decodes a non-200 Stripe response into an AppError.
// Stripe error messages are logged but not leaked to clients verbatim.
func (s *StripeClient) handleErrorResponse(resp *http.Response, op string) error {
	var stripeErr stripeErrorResponse
	_ = json.NewDecoder(resp.Body).Decode(&stripeErr)

	s.logger.Warn("stripe API error",
		"op", op,
		"status", resp.StatusCode,
		"stripe_type", stripeErr.Error.Type,
		"stripe_code", stripeErr.Error.Code,
	)

	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		return types.NewAppErrorWithDetails(
			types.ErrCodePaymentVerificationFailed,
			"payment provider rejected the request",
			nil,
			map[string]any{"stripe_code": stripeErr.Error.Code},
		)
	}
	return types.NewAppError(
		types.ErrCodeUpstreamStripe,
		fmt.Sprintf("%s: Stripe returned %d", op, resp.StatusCode),
		nil,
	)
}
