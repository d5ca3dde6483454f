package eventstore

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-process journal with the same versioning rules as
// EventStore.
type MemoryStore struct {
	mu     sync.RWMutex
	nextID int64
	events map[uuid.UUID][]Event
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{events: make(map[uuid.UUID][]Event)}
}

func (m *MemoryStore) AppendEvents(_ context.Context, aggregateID uuid.UUID, aggregateType string, expectedVersion int, events []Event) error {
	if expectedVersion < 0 {
		return ErrInvalidVersion
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	stream := m.events[aggregateID]
	if len(stream) != expectedVersion {
		return ErrConcurrencyConflict
	}

	now := time.Now().UTC()
	for i, event := range events {
		m.nextID++
		event.ID = m.nextID
		event.AggregateID = aggregateID
		event.AggregateType = aggregateType
		event.Version = expectedVersion + i + 1
		event.CreatedAt = now
		stream = append(stream, event)
	}
	m.events[aggregateID] = stream
	return nil
}

func (m *MemoryStore) LoadEvents(_ context.Context, aggregateID uuid.UUID, fromVersion, toVersion int) ([]Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Event
	for _, event := range m.events[aggregateID] {
		if event.Version < fromVersion {
			continue
		}
		if toVersion > 0 && event.Version > toVersion {
			break
		}
		out = append(out, event)
	}
	return out, nil
}

func (m *MemoryStore) GetCurrentVersion(_ context.Context, aggregateID uuid.UUID) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.events[aggregateID]), nil
}
