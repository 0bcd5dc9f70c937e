package swaps

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/promptsettle/internal/items"
	"github.com/mbd888/promptsettle/internal/pagination"
)

// MemoryStore is an in-memory swap store for demo/development mode.
// Fulfill runs the item copy while holding the swap lock, so the status
// change and the copies land together.
type MemoryStore struct {
	swaps  map[string]*Swap
	copier items.Store
	mu     sync.RWMutex
}

// NewMemoryStore creates a new in-memory swap store that copies through
// copier on fulfillment.
func NewMemoryStore(copier items.Store) *MemoryStore {
	return &MemoryStore{
		swaps:  make(map[string]*Swap),
		copier: copier,
	}
}

func (m *MemoryStore) Create(ctx context.Context, s *Swap) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, other := range m.swaps {
		if !other.Status.Terminal() &&
			other.RequestedItemID == s.RequestedItemID && other.OfferedItemID == s.OfferedItemID {
			return ErrDuplicateSwap
		}
	}
	cp := *s
	m.swaps[s.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Swap, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.swaps[id]
	if !ok {
		return nil, ErrSwapNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *MemoryStore) TransitionIfStatus(ctx context.Context, id string, from, to Status, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.swaps[id]
	if !ok {
		return false, ErrSwapNotFound
	}
	if s.Status != from {
		return false, nil
	}
	s.Status = to
	s.UpdatedAt = at
	return true, nil
}

func (m *MemoryStore) Fulfill(ctx context.Context, id string, at time.Time, reqs []items.CopyRequest) ([]*items.Item, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.swaps[id]
	if !ok {
		return nil, false, ErrSwapNotFound
	}
	if s.Status != StatusAccepted {
		return nil, false, nil
	}
	copies, err := m.copier.CopyPair(ctx, id, reqs)
	if err != nil {
		return nil, false, err
	}
	s.Status = StatusFulfilled
	s.UpdatedAt = at
	return copies, true, nil
}

func (m *MemoryStore) FindActive(ctx context.Context, requestedItemID, offeredItemID string) (*Swap, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, s := range m.swaps {
		if !s.Status.Terminal() && s.RequestedItemID == requestedItemID && s.OfferedItemID == offeredItemID {
			cp := *s
			return &cp, nil
		}
	}
	return nil, ErrSwapNotFound
}

func (m *MemoryStore) ListByUser(ctx context.Context, userID string, after *pagination.Cursor, limit int) ([]*Swap, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Swap
	for _, s := range m.swaps {
		if s.Participant(userID) && after.After(s.CreatedAt, s.ID) {
			cp := *s
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

func (m *MemoryStore) ListStale(ctx context.Context, status Status, before time.Time, after *pagination.Cursor, limit int) ([]*Swap, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Swap
	for _, s := range m.swaps {
		if s.Status == status && s.CreatedAt.Before(before) && after.Newer(s.CreatedAt, s.ID) {
			cp := *s
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
