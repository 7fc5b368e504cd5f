package entitlement

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"routeready/internal/types"
)

func newTestGate() (*Gate, *MemoryStore, *MemoryStore) {
	anon := NewMemoryStore()
	accounts := NewMemoryStore()
	return NewGate(anon, accounts, nil), anon, accounts
}

func anonIdentity(id string) types.Identity {
	return types.Identity{Kind: types.IdentityAnonymous, ID: id}
}

func accountIdentity(id string) types.Identity {
	return types.Identity{Kind: types.IdentityAccount, ID: id}
}

// consume runs one full allowed request cycle: check, then commit.
func consume(t *testing.T, g *Gate, id types.Identity) types.EntitlementState {
	t.Helper()
	grant, err := g.RequestCalculation(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, types.DecisionAllowed, grant.Decision)
	state, err := grant.Commit(context.Background())
	require.NoError(t, err)
	return state
}

func TestAnonymousSequencingToLimit(t *testing.T) {
	g, _, _ := newTestGate()
	id := anonIdentity("anon-1")

	for i := 1; i <= types.FreeCalculationLimit; i++ {
		state := consume(t, g, id)
		assert.Equal(t, i, state.UsageCount)
	}

	// Sixth request is refused with a sign-up escalation; no use consumed.
	grant, err := g.RequestCalculation(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, types.DecisionRequiresAuthentication, grant.Decision)

	state, err := g.Snapshot(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, types.FreeCalculationLimit, state.UsageCount)
}

func TestAccountAtLimitRequiresPayment(t *testing.T) {
	g, _, _ := newTestGate()
	id := accountIdentity("user-1")

	for i := 0; i < types.FreeCalculationLimit; i++ {
		consume(t, g, id)
	}

	grant, err := g.RequestCalculation(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, types.DecisionRequiresPayment, grant.Decision)
}

func TestReleaseDoesNotCharge(t *testing.T) {
	g, _, _ := newTestGate()
	id := anonIdentity("anon-release")

	before, err := g.Snapshot(context.Background(), id)
	require.NoError(t, err)

	// Simulate a failed oracle call: the grant is released, not committed.
	grant, err := g.RequestCalculation(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, types.DecisionAllowed, grant.Decision)
	grant.Release()

	after, err := g.Snapshot(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, before.UsageCount, after.UsageCount)

	// Double release is harmless.
	grant.Release()

	// The reservation is freed: a new request is allowed again.
	next, err := g.RequestCalculation(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, types.DecisionAllowed, next.Decision)
	next.Release()
}

func TestPaidBypass(t *testing.T) {
	g, _, accounts := newTestGate()
	id := accountIdentity("user-paid")

	require.NoError(t, accounts.SetPaid(context.Background(), id.ID))

	for i := 0; i < 50; i++ {
		grant, err := g.RequestCalculation(context.Background(), id)
		require.NoError(t, err)
		require.Equal(t, types.DecisionAllowed, grant.Decision)
		state, err := grant.Commit(context.Background())
		require.NoError(t, err)
		assert.True(t, state.HasPaid)
		assert.Equal(t, 0, state.UsageCount, "paid accounts are never incremented")
	}
}

func TestConcurrentDoubleSubmitLastFreeUse(t *testing.T) {
	g, _, _ := newTestGate()
	id := anonIdentity("anon-race")

	// Burn down to one remaining free use.
	for i := 0; i < types.FreeCalculationLimit-1; i++ {
		consume(t, g, id)
	}

	const submitters = 8
	var wg sync.WaitGroup
	allowed := make(chan *Grant, submitters)

	for i := 0; i < submitters; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			grant, err := g.RequestCalculation(context.Background(), id)
			if err == nil && grant.Decision == types.DecisionAllowed {
				allowed <- grant
			}
		}()
	}
	wg.Wait()
	close(allowed)

	var grants []*Grant
	for grant := range allowed {
		grants = append(grants, grant)
	}
	require.Len(t, grants, 1, "only one concurrent request may take the last free use")

	_, err := grants[0].Commit(context.Background())
	require.NoError(t, err)

	state, err := g.Snapshot(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, types.FreeCalculationLimit, state.UsageCount)
}

// failingStore fails ConsumeUse to exercise best-effort accounting.
type failingStore struct {
	*MemoryStore
}

func (f *failingStore) ConsumeUse(ctx context.Context, id types.Identity) (types.EntitlementState, error) {
	return types.EntitlementState{}, errors.New("store unavailable")
}

func TestCommitStoreFailureReleasesReservation(t *testing.T) {
	anon := &failingStore{NewMemoryStore()}
	g := NewGate(anon, NewMemoryStore(), nil)
	id := anonIdentity("anon-flaky")

	grant, err := g.RequestCalculation(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, types.DecisionAllowed, grant.Decision)

	_, err = grant.Commit(context.Background())
	require.Error(t, err, "accounting failure must be surfaced")

	// The reservation must not leak: the identity can still request.
	next, err := g.RequestCalculation(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, types.DecisionAllowed, next.Decision)
	next.Release()
}

func TestRefusalError(t *testing.T) {
	authErr := RefusalError(types.DecisionRequiresAuthentication)
	assert.Equal(t, types.ErrCodeLimitRequiresAuthentication, authErr.Code)
	assert.Equal(t, 401, authErr.HTTPStatus())

	payErr := RefusalError(types.DecisionRequiresPayment)
	assert.Equal(t, types.ErrCodeLimitRequiresPayment, payErr.Code)
	assert.Equal(t, 402, payErr.HTTPStatus())
}

func TestIdentitiesAreIndependent(t *testing.T) {
	g, _, _ := newTestGate()

	a := anonIdentity("anon-a")
	b := anonIdentity("anon-b")

	for i := 0; i < types.FreeCalculationLimit; i++ {
		consume(t, g, a)
	}

	grant, err := g.RequestCalculation(context.Background(), b)
	require.NoError(t, err)
	assert.Equal(t, types.DecisionAllowed, grant.Decision, "limits are per identity")
	grant.Release()
}
