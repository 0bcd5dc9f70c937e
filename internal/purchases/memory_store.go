package purchases

import (
	"context"
	"sort"
	"sync"

	"github.com/mbd888/promptsettle/internal/pagination"
)

// MemoryStore is an in-memory purchase store for demo/development mode.
// It enforces the same uniqueness rules as the database schema.
type MemoryStore struct {
	purchases map[string]*Purchase
	mu        sync.RWMutex
}

// NewMemoryStore creates a new in-memory purchase store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		purchases: make(map[string]*Purchase),
	}
}

func (m *MemoryStore) Create(ctx context.Context, p *Purchase) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.purchases[p.ID]; ok {
		return ErrDuplicatePurchase
	}
	if m.collidesLocked(p) {
		return ErrDuplicatePurchase
	}
	cp := *p
	m.purchases[p.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Purchase, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.purchases[id]
	if !ok {
		return nil, ErrPurchaseNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryStore) FindByPaymentRef(ctx context.Context, ref string) (*Purchase, error) {
	return m.find(func(p *Purchase) bool { return p.ExternalPaymentRef == ref })
}

func (m *MemoryStore) FindBySessionRef(ctx context.Context, ref string) (*Purchase, error) {
	return m.find(func(p *Purchase) bool { return p.ExternalSessionRef == ref })
}

func (m *MemoryStore) FindByBuyerItem(ctx context.Context, buyerID, itemID string) (*Purchase, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var newestFailed *Purchase
	for _, p := range m.purchases {
		if p.BuyerID != buyerID || p.ItemID != itemID {
			continue
		}
		if p.Status != StatusFailed {
			cp := *p
			return &cp, nil
		}
		if newestFailed == nil || p.CreatedAt.After(newestFailed.CreatedAt) {
			newestFailed = p
		}
	}
	if newestFailed == nil {
		return nil, ErrPurchaseNotFound
	}
	cp := *newestFailed
	return &cp, nil
}

func (m *MemoryStore) UpdateIfVersion(ctx context.Context, p *Purchase, expected int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.purchases[p.ID]
	if !ok {
		return ErrPurchaseNotFound
	}
	if cur.Version != expected {
		return ErrConcurrentModification
	}
	if m.collidesLocked(p) {
		return ErrDuplicatePurchase
	}
	p.Version = expected + 1
	cp := *p
	m.purchases[p.ID] = &cp
	return nil
}

func (m *MemoryStore) ListByBuyer(ctx context.Context, buyerID string, after *pagination.Cursor, limit int) ([]*Purchase, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Purchase
	for _, p := range m.purchases {
		if p.BuyerID == buyerID && after.After(p.CreatedAt, p.ID) {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) find(match func(*Purchase) bool) (*Purchase, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, p := range m.purchases {
		if match(p) {
			cp := *p
			return &cp, nil
		}
	}
	return nil, ErrPurchaseNotFound
}

// collidesLocked mirrors the unique indexes: payment ref, session ref, and
// one non-failed purchase per (buyer, item).
func (m *MemoryStore) collidesLocked(p *Purchase) bool {
	for id, other := range m.purchases {
		if id == p.ID {
			continue
		}
		if p.ExternalPaymentRef != "" && other.ExternalPaymentRef == p.ExternalPaymentRef {
			return true
		}
		if p.ExternalSessionRef != "" && other.ExternalSessionRef == p.ExternalSessionRef {
			return true
		}
		if p.Status != StatusFailed && other.Status != StatusFailed &&
			other.BuyerID == p.BuyerID && other.ItemID == p.ItemID {
			return true
		}
	}
	return false
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
