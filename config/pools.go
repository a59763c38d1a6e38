package config

import (
	"context"
	"sync"

	"github.com/envpool/broker/types"
)

// PoolStore is a hydrating types.PoolDefinitionStore. Retrieve blocks until
// definitions have been set or the caller's warmup window expires; the queue
// provider treats an expired wait as fatal.
type PoolStore struct {
	mu       sync.RWMutex
	pools    []types.ResourcePool
	hydrated chan struct{}
	once     sync.Once
}

// NewPoolStore creates an empty, unhydrated store.
func NewPoolStore() *PoolStore {
	return &PoolStore{hydrated: make(chan struct{})}
}

// NewHydratedPoolStore creates a store pre-filled from config.
func NewHydratedPoolStore(pools []types.ResourcePool) *PoolStore {
	s := NewPoolStore()
	s.Set(pools)
	return s
}

// Set replaces the definitions and marks the store hydrated.
func (s *PoolStore) Set(pools []types.ResourcePool) {
	s.mu.Lock()
	s.pools = make([]types.ResourcePool, len(pools))
	copy(s.pools, pools)
	s.mu.Unlock()
	s.once.Do(func() { close(s.hydrated) })
}

// Retrieve implements types.PoolDefinitionStore.
func (s *PoolStore) Retrieve(ctx context.Context) ([]types.ResourcePool, error) {
	select {
	case <-s.hydrated:
	case <-ctx.Done():
		return nil, types.ErrPoolDefinitionsNotHydrated
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	pools := make([]types.ResourcePool, len(s.pools))
	copy(pools, s.pools)
	return pools, nil
}
