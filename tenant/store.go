package tenant

import (
	"context"
	"sync"
)

// Store persists the single binding row of the agent.
type Store interface {
	// LoadBinding returns the stored binding or ErrNotBound.
	LoadBinding(ctx context.Context) (Binding, error)
	// SaveBinding replaces the stored binding.
	SaveBinding(ctx context.Context, binding Binding) error
}

// MemoryStore keeps the binding in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	binding *Binding
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns an unbound MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// LoadBinding implements Store.
func (s *MemoryStore) LoadBinding(ctx context.Context) (Binding, error) {
	if err := ctx.Err(); err != nil {
		return Binding{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.binding == nil {
		return Binding{}, ErrNotBound
	}

	return *s.binding, nil
}

// SaveBinding implements Store.
func (s *MemoryStore) SaveBinding(ctx context.Context, binding Binding) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.binding = &binding

	return nil
}
