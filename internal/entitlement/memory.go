package entitlement

import (
	"context"
	"sync"

	"routeready/internal/types"
)

// MemoryStore is an in-process Store used for anonymous identities in
// single-node deployments and for tests. State is lost on restart, which
// matches the anonymous entitlement lifecycle (in-memory only, reset on
// session loss).
type MemoryStore struct {
	mu     sync.Mutex
	counts map[string]int
	paid   map[string]bool
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		counts: make(map[string]int),
		paid:   make(map[string]bool),
	}
}

// Get returns the identity's state, zero-valued for unseen identities.
func (s *MemoryStore) Get(_ context.Context, id types.Identity) (types.EntitlementState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return types.EntitlementState{
		Kind:       id.Kind,
		UsageCount: s.counts[id.ID],
		HasPaid:    s.paid[id.ID],
	}, nil
}

// ConsumeUse increments the identity's usage count atomically.
func (s *MemoryStore) ConsumeUse(_ context.Context, id types.Identity) (types.EntitlementState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counts[id.ID]++
	return types.EntitlementState{
		Kind:       id.Kind,
		UsageCount: s.counts[id.ID],
		HasPaid:    s.paid[id.ID],
	}, nil
}

// SetPaid marks the identity as paid. Present so MemoryStore can stand in
// for the account store in tests; anonymous deployments never call it.
func (s *MemoryStore) SetPaid(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paid[userID] = true
	return nil
}
