package events

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory event store for demo/development mode.
type MemoryStore struct {
	events map[string]*ProcessedEvent
	mu     sync.RWMutex
}

// NewMemoryStore creates a new in-memory event store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		events: make(map[string]*ProcessedEvent),
	}
}

func (m *MemoryStore) Insert(ctx context.Context, ev *ProcessedEvent) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.events[ev.EventID]; ok {
		return false, nil
	}
	cp := *ev
	m.events[ev.EventID] = &cp
	return true, nil
}

func (m *MemoryStore) Get(ctx context.Context, eventID string) (*ProcessedEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ev, ok := m.events[eventID]
	if !ok {
		return nil, ErrEventNotFound
	}
	cp := *ev
	if ev.ProcessedAt != nil {
		at := *ev.ProcessedAt
		cp.ProcessedAt = &at
	}
	return &cp, nil
}

func (m *MemoryStore) MarkProcessed(ctx context.Context, eventID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ev, ok := m.events[eventID]
	if !ok {
		return ErrEventNotFound
	}
	if ev.ProcessedAt == nil {
		ev.ProcessedAt = &at
	}
	return nil
}
