// Package memory provides an in-memory config.Store implementation.
package memory

import (
	"context"
	"sync"

	"gridharvest/internal/config"
)

// Store is an in-memory config.Store.
// Intended for testing and demo runs. Configuration is not persisted across restarts.
type Store struct {
	mu  sync.RWMutex
	cfg *config.Config
}

var _ config.Store = (*Store)(nil)

// NewStore creates a new in-memory Store.
func NewStore() *Store {
	return &Store{}
}

// Load returns the stored configuration.
// Returns nil if no configuration has been saved.
func (s *Store) Load(ctx context.Context) (*config.Config, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.Clone(), nil
}

// Save stores a copy of the configuration.
func (s *Store) Save(ctx context.Context, cfg *config.Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg.Clone()
	return nil
}
