package refunds

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory refund action store for demo/development mode.
type MemoryStore struct {
	byRef map[string]*Action
	mu    sync.RWMutex
}

// NewMemoryStore creates a new in-memory refund store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byRef: make(map[string]*Action),
	}
}

func (m *MemoryStore) Create(ctx context.Context, a *Action) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.byRef[a.ExternalRefundRef]; ok {
		return ErrDuplicateRefund
	}
	cp := *a
	m.byRef[a.ExternalRefundRef] = &cp
	return nil
}

func (m *MemoryStore) FindByExternalRef(ctx context.Context, ref string) (*Action, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.byRef[ref]
	if !ok {
		return nil, ErrRefundNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *MemoryStore) UpdateStatus(ctx context.Context, ref string, status ActionStatus, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.byRef[ref]
	if !ok {
		return ErrRefundNotFound
	}
	a.Status = status
	a.UpdatedAt = at
	return nil
}

func (m *MemoryStore) ListByPurchase(ctx context.Context, purchaseID string) ([]*Action, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Action
	for _, a := range m.byRef {
		if a.PurchaseID == purchaseID {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
