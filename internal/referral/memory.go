package referral

import (
	"context"
	"sync"

	"github.com/bkc-labs/reward-engine/internal/model"
)

// MemoryStore is an in-process EdgeStore for tests and local runs.
type MemoryStore struct {
	mu         sync.Mutex
	edges      map[int64][]model.ReferralEdge // keyed by ReferredID
	byReferrer map[int64][]model.ReferralEdge // keyed by ReferrerID
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		edges:      make(map[int64][]model.ReferralEdge),
		byReferrer: make(map[int64][]model.ReferralEdge),
	}
}

func (m *MemoryStore) HasReferrer(ctx context.Context, referredID int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.edges[referredID] {
		if e.Depth == 1 {
			return true, nil
		}
	}
	return false, nil
}

func (m *MemoryStore) CreateEdge(ctx context.Context, edge model.ReferralEdge) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.edges[edge.ReferredID] = append(m.edges[edge.ReferredID], edge)
	m.byReferrer[edge.ReferrerID] = append(m.byReferrer[edge.ReferrerID], edge)
	return nil
}

// Ancestors returns the edges recorded for userID as a referred party (i.e.
// userID's own referral chain), capped at maxDepth.
func (m *MemoryStore) Ancestors(ctx context.Context, userID int64, maxDepth int) ([]model.ReferralEdge, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.ReferralEdge
	for _, e := range m.edges[userID] {
		if e.Depth <= maxDepth {
			out = append(out, e)
		}
	}
	return out, nil
}

// Descendants returns the edges recorded for referrerID as the referring
// party, capped at maxDepth.
func (m *MemoryStore) Descendants(ctx context.Context, referrerID int64, maxDepth int) ([]model.ReferralEdge, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.ReferralEdge
	for _, e := range m.byReferrer[referrerID] {
		if e.Depth <= maxDepth {
			out = append(out, e)
		}
	}
	return out, nil
}
