package config

import (
	"context"
	"fmt"
)

// LoadOrBootstrap loads the configuration from store, writing Defaults
// first if nothing is stored yet. The returned config is validated.
func LoadOrBootstrap(ctx context.Context, store Store) (*Config, error) {
	cfg, err := store.Load(ctx)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = Defaults()
		if err := store.Save(ctx, cfg); err != nil {
			return nil, fmt.Errorf("bootstrap config: %w", err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}
