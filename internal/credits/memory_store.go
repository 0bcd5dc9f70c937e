package credits

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// MemoryStore is an in-memory credit store for demo/development mode.
type MemoryStore struct {
	balances map[string]int64
	entries  []*Entry
	mu       sync.RWMutex
}

// NewMemoryStore creates a new in-memory credit store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		balances: make(map[string]int64),
	}
}

func (m *MemoryStore) Get(ctx context.Context, ownerID string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.balances[ownerID], nil
}

func (m *MemoryStore) CompareAndSwap(ctx context.Context, ownerID string, previous, next int64, entry *Entry) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.balances[ownerID] != previous {
		return false, nil
	}
	if entry != nil && entry.Kind.Unique() && entry.Reference != "" {
		for _, e := range m.entries {
			if e.OwnerID == entry.OwnerID && e.Kind == entry.Kind && e.Reference == entry.Reference {
				return false, ErrDuplicateEntry
			}
		}
	}
	m.balances[ownerID] = next
	if entry != nil {
		cp := *entry
		m.entries = append(m.entries, &cp)
	}
	return true, nil
}

func (m *MemoryStore) Entries(ctx context.Context, ownerID string, limit int) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Entry
	for _, e := range m.entries {
		if e.OwnerID == ownerID {
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) HasEntry(ctx context.Context, ownerID string, kind EntryKind, reference string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, e := range m.entries {
		if e.OwnerID == ownerID && e.Kind == kind && e.Reference == reference {
			return true, nil
		}
	}
	return false, nil
}

func (m *MemoryStore) SumDeltas(ctx context.Context, ownerID string, kind EntryKind, prefix string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var sum int64
	for _, e := range m.entries {
		if e.OwnerID == ownerID && e.Kind == kind && strings.HasPrefix(e.Reference, prefix) {
			sum += e.Delta
		}
	}
	return sum, nil
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
