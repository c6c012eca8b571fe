// Package memory provides an in-memory snapshot store.
package memory

import (
	"context"
	"fmt"
	"sync"

	"gridharvest/internal/store"
)

// Store keeps the last saved snapshot in memory, encoded, so callers never
// share state with it. Nothing survives a restart.
type Store struct {
	mu   sync.RWMutex
	data []byte
}

var _ store.Store = (*Store)(nil)

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{}
}

// Save implements store.Store.
func (s *Store) Save(ctx context.Context, snap *store.Snapshot) error {
	data, err := store.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	s.mu.Lock()
	s.data = data
	s.mu.Unlock()
	return nil
}

// Load implements store.Store.
func (s *Store) Load(ctx context.Context) (*store.Snapshot, error) {
	s.mu.RLock()
	data := s.data
	s.mu.RUnlock()
	if data == nil {
		return nil, nil
	}
	var snap store.Snapshot
	if err := store.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return &snap, nil
}

// Close implements store.Store.
func (s *Store) Close() error { return nil }
