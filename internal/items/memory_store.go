package items

import (
	"context"
	"sync"
	"time"

	"github.com/mbd888/promptsettle/internal/idgen"
)

// MemoryStore is an in-memory catalog for demo/development mode.
type MemoryStore struct {
	items map[string]*Item
	order []string
	mu    sync.RWMutex
}

// NewMemoryStore creates a new in-memory item store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		items: make(map[string]*Item),
	}
}

func (m *MemoryStore) Create(ctx context.Context, item *Item) error {
	if err := item.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *item
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	if _, ok := m.items[cp.ID]; !ok {
		m.order = append(m.order, cp.ID)
	}
	m.items[cp.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Item, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	it, ok := m.items[id]
	if !ok {
		return nil, ErrItemNotFound
	}
	cp := *it
	return &cp, nil
}

func (m *MemoryStore) OwnedBy(ctx context.Context, ownerID, itemID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if it, ok := m.items[itemID]; ok && it.OwnerID == ownerID {
		return true, nil
	}
	for _, it := range m.items {
		if it.OwnerID == ownerID && it.SourceItemID == itemID {
			return true, nil
		}
	}
	return false, nil
}

func (m *MemoryStore) Grant(ctx context.Context, ownerID, itemID, purchaseID string) (*Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, it := range m.items {
		if purchaseID != "" && it.SourcePurchaseID == purchaseID {
			cp := *it
			return &cp, nil
		}
	}
	src, ok := m.items[itemID]
	if !ok {
		return nil, ErrItemNotFound
	}
	c := privateCopy(src, idgen.WithPrefix(idgen.ItemPrefix), ownerID, time.Now().UTC())
	c.SourcePurchaseID = purchaseID
	m.putLocked(c)
	cp := *c
	return &cp, nil
}

// CopyPair validates every source before writing anything, all under one
// lock.
func (m *MemoryStore) CopyPair(ctx context.Context, swapID string, reqs []CopyRequest) ([]*Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if prior := m.bySwapLocked(swapID); len(prior) > 0 {
		return prior, nil
	}

	sources := make([]*Item, len(reqs))
	for i, r := range reqs {
		src, ok := m.items[r.ItemID]
		if !ok {
			return nil, ErrItemNotFound
		}
		if r.NewOwnerID == "" {
			return nil, ErrInvalidItem
		}
		sources[i] = src
	}

	now := time.Now().UTC()
	out := make([]*Item, 0, len(reqs))
	for i, r := range reqs {
		c := privateCopy(sources[i], idgen.WithPrefix(idgen.ItemPrefix), r.NewOwnerID, now)
		c.SourceSwapID = swapID
		m.putLocked(c)
		cp := *c
		out = append(out, &cp)
	}
	return out, nil
}

// CopiesForSwap returns the copies produced by swapID.
func (m *MemoryStore) CopiesForSwap(swapID string) []*Item {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.bySwapLocked(swapID)
}

func (m *MemoryStore) bySwapLocked(swapID string) []*Item {
	if swapID == "" {
		return nil
	}
	var out []*Item
	for _, id := range m.order {
		if it := m.items[id]; it.SourceSwapID == swapID {
			cp := *it
			out = append(out, &cp)
		}
	}
	return out
}

func (m *MemoryStore) putLocked(it *Item) {
	m.items[it.ID] = it
	m.order = append(m.order, it.ID)
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
