// Package cache provides the Valkey-backed usage store for anonymous
// identities. Anonymous usage is deliberately kept out of Postgres: the keys
// are high-churn, self-expiring, and worthless after their TTL, which is
// exactly the shape Valkey handles well.
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/valkey-io/valkey-go"

	"routeready/internal/types"
)

// anonKeyPrefix namespaces anonymous usage counters in the keyspace.
const anonKeyPrefix = "anon:usage:"

// AnonStore implements the anonymous side of the entitlement store on
// Valkey. Counters live under anon:usage:<identity> and expire after the
// configured TTL, so abandoned anonymous sessions clean themselves up.
type AnonStore struct {
	client valkey.Client
	ttl    time.Duration
}

// NewAnonStore connects to Valkey and returns the anonymous usage store.
func NewAnonStore(addr string, password types.SecretString, ttl time.Duration) (*AnonStore, error) {
	client, err := valkey.NewClient(valkey.ClientOption{
		InitAddress: []string{addr},
		Password:    password.Unmask(),
	})
	if err != nil {
		return nil, fmt.Errorf("valkey connect: %w", err)
	}
	return &AnonStore{client: client, ttl: ttl}, nil
}

// Get returns the entitlement state for an anonymous identity. A missing
// key is a zero-usage state. Anonymous identities can never be paid.
func (s *AnonStore) Get(ctx context.Context, id types.Identity) (types.EntitlementState, error) {
	state := types.EntitlementState{Kind: types.IdentityAnonymous}

	cmd := s.client.Do(ctx, s.client.B().Get().Key(anonKeyPrefix+id.ID).Build())
	if err := cmd.Error(); err != nil {
		if valkey.IsValkeyNil(err) {
			return state, nil
		}
		return state, types.NewAppError(types.ErrCodeInternalDB, "failed to load anonymous usage", err)
	}

	count, err := cmd.AsInt64()
	if err != nil {
		return state, types.NewAppError(types.ErrCodeInternalDB, "failed to decode anonymous usage", err)
	}
	state.UsageCount = int(count)
	return state, nil
}

// ConsumeUse atomically increments the anonymous usage counter and returns
// the resulting state. The counter expires a fixed interval after first use:
// EXPIRE NX is pipelined with the INCR, so the TTL is set exactly once and a
// counter that somehow lost its TTL picks one up on the next increment.
func (s *AnonStore) ConsumeUse(ctx context.Context, id types.Identity) (types.EntitlementState, error) {
	state := types.EntitlementState{Kind: types.IdentityAnonymous}
	key := anonKeyPrefix + id.ID

	resps := s.client.DoMulti(ctx,
		s.client.B().Incr().Key(key).Build(),
		s.client.B().Expire().Key(key).Seconds(int64(s.ttl.Seconds())).Nx().Build(),
	)
	if err := resps[0].Error(); err != nil {
		return state, types.NewAppError(types.ErrCodeInternalDB, "failed to record anonymous usage", err)
	}
	count, err := resps[0].AsInt64()
	if err != nil {
		return state, types.NewAppError(types.ErrCodeInternalDB, "failed to decode anonymous usage", err)
	}

	// A failed TTL set only delays expiry; the increment already happened,
	// so the state must be reported either way.
	state.UsageCount = int(count)
	return state, nil
}

// Close releases the client.
func (s *AnonStore) Close() {
	s.client.Close()
}

// Probe adapts the store into a health probe for the /health endpoint.
type Probe struct {
	Store *AnonStore
}

// Name identifies the probe in health check responses.
func (p Probe) Name() string { return "cache" }

// Check pings Valkey, respecting the context deadline.
func (p Probe) Check(ctx context.Context) error {
	return p.Store.client.Do(ctx, p.Store.client.B().Ping().Build()).Error()
}
