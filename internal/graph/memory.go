package graph

import (
	"context"
	"fmt"
	"sync"
)

// MemoryStore is an in-process Checkpointer.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]Checkpoint
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Checkpoint)}
}

func (m *MemoryStore) Get(_ context.Context, key string) (Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp, ok := m.records[key]
	if !ok {
		return Checkpoint{}, ErrNotFound
	}
	return cloneCheckpoint(cp), nil
}

func (m *MemoryStore) Put(_ context.Context, cp Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.records[cp.Key]
	switch {
	case !ok && cp.Version != 1:
		return fmt.Errorf("%w: %s has no record, got version %d", ErrConflict, cp.Key, cp.Version)
	case ok && current.Version != cp.Version-1:
		return fmt.Errorf("%w: %s stored version %d, got %d", ErrConflict, cp.Key, current.Version, cp.Version)
	}
	m.records[cp.Key] = cloneCheckpoint(cp)
	return nil
}

func cloneCheckpoint(cp Checkpoint) Checkpoint {
	out := cp
	if cp.State != nil {
		out.State = append([]byte(nil), cp.State...)
	}
	return out
}
