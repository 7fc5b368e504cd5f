package types

import (
	"fmt"
	"net/http"
	"strings"
)

// ErrorCode is a typed string for categorizing application errors.
type ErrorCode string

// Complete error code constants.
// All handlers MUST use these constants instead of hardcoded strings.
const (
	// Validation (400)
	ErrCodeValidationInvalidLocation ErrorCode = "validation_invalid_location"
	ErrCodeValidationInvalidDistance ErrorCode = "validation_invalid_distance"
	ErrCodeValidationMissingField    ErrorCode = "validation_missing_required_field"
	ErrCodeValidationInvalidEmail    ErrorCode = "validation_invalid_email"
	ErrCodeValidationWeakPassword    ErrorCode = "validation_password_too_weak"
	ErrCodeValidationInvalidJSON     ErrorCode = "validation_invalid_json"
	ErrCodeValidationInvalidSession  ErrorCode = "validation_invalid_checkout_session"

	// Auth (401)
	ErrCodeAuthTokenMissing   ErrorCode = "auth_token_missing"
	ErrCodeAuthTokenInvalid   ErrorCode = "auth_token_invalid"
	ErrCodeAuthTokenExpired   ErrorCode = "auth_token_expired"
	ErrCodeAuthSessionExpired ErrorCode = "auth_session_expired"
	ErrCodeAuthInvalidCreds   ErrorCode = "auth_invalid_credentials"
	ErrCodeAuthLocked         ErrorCode = "auth_account_locked"
	ErrCodeAuthRequired       ErrorCode = "auth_required"

	// Permission (403)
	ErrCodePermissionRole ErrorCode = "permission_role_insufficient"

	// Entitlement decisions surfaced over HTTP. These are normal gate
	// outcomes, not faults: clients render them as a sign-up or payment
	// call-to-action rather than an error banner.
	ErrCodeLimitRequiresAuthentication ErrorCode = "limit_requires_authentication"
	ErrCodeLimitRequiresPayment        ErrorCode = "limit_requires_payment"
	ErrCodeRateLimit                   ErrorCode = "rate_limit_exceeded"

	// Not Found (404)
	ErrCodeNotFoundUser    ErrorCode = "not_found_user"
	ErrCodeNotFoundProfile ErrorCode = "not_found_profile"

	// Conflict (409)
	ErrCodeConflictEmail ErrorCode = "conflict_email_exists"

	// Route lookup outcomes (422). The distance oracle answered but could
	// not produce a drivable route for the given inputs.
	ErrCodeRouteNotFound    ErrorCode = "route_not_found"
	ErrCodeRouteBadLocation ErrorCode = "route_location_not_found"

	// Internal/Upstream (500/502)
	ErrCodeInternalDB          ErrorCode = "internal_database_error"
	ErrCodeInternalUnexpected  ErrorCode = "internal_unexpected_error"
	ErrCodeUpstreamMaps        ErrorCode = "upstream_maps_unavailable"
	ErrCodeUpstreamMapsDenied  ErrorCode = "upstream_maps_request_denied"
	ErrCodeUpstreamMapsQuota   ErrorCode = "upstream_maps_quota_exceeded"
	ErrCodeUpstreamStripe      ErrorCode = "upstream_stripe_unavailable"
	ErrCodeUpstreamRateLimit   ErrorCode = "upstream_rate_limited"
	ErrCodeUpstreamUnavailable ErrorCode = "upstream_unavailable"

	// Payment-specific
	ErrCodePaymentNotCompleted       ErrorCode = "payment_not_completed"
	ErrCodePaymentVerificationFailed ErrorCode = "payment_verification_failed"
)

// HTTPStatus maps an ErrorCode to its corresponding HTTP status code.
// Used by the API layer to translate AppErrors into HTTP responses.
// Returns 500 for unrecognized error codes as a safe default.
func (c ErrorCode) HTTPStatus() int {
	s := string(c)
	switch {
	case strings.HasPrefix(s, "validation_"):
		return http.StatusBadRequest // 400
	case s == string(ErrCodeAuthLocked):
		return http.StatusTooManyRequests // 429
	case strings.HasPrefix(s, "auth_"):
		return http.StatusUnauthorized // 401
	case strings.HasPrefix(s, "permission_"):
		return http.StatusForbidden // 403
	case s == string(ErrCodeLimitRequiresAuthentication):
		return http.StatusUnauthorized // 401: sign in to continue
	case s == string(ErrCodeLimitRequiresPayment):
		return http.StatusPaymentRequired // 402: upgrade to continue
	case s == string(ErrCodeRateLimit):
		return http.StatusTooManyRequests // 429
	case strings.HasPrefix(s, "not_found_"):
		return http.StatusNotFound // 404
	case strings.HasPrefix(s, "conflict_"):
		return http.StatusConflict // 409
	case strings.HasPrefix(s, "route_"):
		return http.StatusUnprocessableEntity // 422
	case strings.HasPrefix(s, "payment_"):
		return http.StatusPaymentRequired // 402
	case strings.HasPrefix(s, "upstream_"):
		return http.StatusBadGateway // 502
	case strings.HasPrefix(s, "internal_"):
		return http.StatusInternalServerError // 500
	default:
		return http.StatusInternalServerError // 500
	}
}

// AppError is the standard application error type used throughout the service.
// All domain and handler errors should be expressed as AppError to enable
// consistent error formatting, HTTP status mapping, and error chain support.
type AppError struct {
	Code    ErrorCode      `json:"code"`
	Message string         `json:"message"`
	Err     error          `json:"-"`
	Details map[string]any `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for errors.Is/errors.As support.
func (e *AppError) Unwrap() error {
	return e.Err
}

// HTTPStatus returns the HTTP status code corresponding to this error's code.
func (e *AppError) HTTPStatus() int {
	return e.Code.HTTPStatus()
}

// WithDetails returns a copy of the error with the provided details merged in.
func (e *AppError) WithDetails(details map[string]any) *AppError {
	merged := make(map[string]any, len(e.Details)+len(details))
	for k, v := range e.Details {
		merged[k] = v
	}
	for k, v := range details {
		merged[k] = v
	}
	return &AppError{
		Code:    e.Code,
		Message: e.Message,
		Err:     e.Err,
		Details: merged,
	}
}

// NewAppError creates a new AppError with the given code, message, and optional
// underlying error. This is the standard constructor for domain errors.
func NewAppError(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// NewAppErrorWithDetails creates a new AppError with the given code, message,
// underlying error, and structured details.
func NewAppErrorWithDetails(code ErrorCode, message string, err error, details map[string]any) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
		Details: details,
	}
}
