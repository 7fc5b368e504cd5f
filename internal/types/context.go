package types

import "context"

// Context Keys
type contextKey string

const (
	identityKey  contextKey = "identity"
	requestIDKey contextKey = "request_id"
)

// WithIdentity stores the resolved Identity in the context.
// AuthMiddleware sets this for every request: an account identity when a
// valid session token is presented, otherwise an anonymous identity keyed
// by the anonymous session cookie.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// GetIdentity retrieves the Identity from the context.
func GetIdentity(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey).(Identity)
	return id, ok
}

// WithRequestID stores the request ID in the context.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// GetRequestID retrieves the request ID from the context.
func GetRequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}
