// Package storetest provides a shared conformance test suite for
// config.Store implementations.
package storetest

import (
	"context"
	"slices"
	"testing"

	"gridharvest/internal/config"
)

// TestStore runs the conformance suite against a config.Store.
// newStore must return a fresh, empty store for each sub-test.
func TestStore(t *testing.T, newStore func(t *testing.T) config.Store) {
	t.Run("LoadEmpty", func(t *testing.T) {
		s := newStore(t)
		cfg, err := s.Load(context.Background())
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if cfg != nil {
			t.Fatalf("expected nil config from empty store, got %+v", cfg)
		}
	})

	t.Run("SaveLoad", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		want := config.Defaults()
		want.IndexNode = "idx1.example.org"
		want.RetryCron = "0 * * * *"
		want.Download.Include = []string{"tas_*.nc"}
		if err := s.Save(ctx, want); err != nil {
			t.Fatalf("Save: %v", err)
		}

		got, err := s.Load(ctx)
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if got == nil {
			t.Fatal("expected config, got nil")
		}
		if got.IndexNode != want.IndexNode || got.RetryCron != want.RetryCron || got.PoolSize != want.PoolSize {
			t.Errorf("got %+v, want %+v", got, want)
		}
		if !slices.Equal(got.Download.Include, want.Download.Include) {
			t.Errorf("Download.Include: got %v, want %v", got.Download.Include, want.Download.Include)
		}
		if !slices.Equal(got.Facets, want.Facets) {
			t.Errorf("Facets: got %v, want %v", got.Facets, want.Facets)
		}
	})

	t.Run("SaveDoesNotAlias", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		cfg := config.Defaults()
		if err := s.Save(ctx, cfg); err != nil {
			t.Fatalf("Save: %v", err)
		}
		cfg.Facets[0] = "mutated"
		cfg.PoolSize = 99

		got, err := s.Load(ctx)
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if got.Facets[0] == "mutated" || got.PoolSize == 99 {
			t.Errorf("stored config aliases caller's value: %+v", got)
		}
	})

	t.Run("Bootstrap", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		cfg, err := config.LoadOrBootstrap(ctx, s)
		if err != nil {
			t.Fatalf("LoadOrBootstrap: %v", err)
		}
		if cfg.PoolSize != 7 {
			t.Errorf("PoolSize: expected 7, got %d", cfg.PoolSize)
		}
		stored, err := s.Load(ctx)
		if err != nil || stored == nil {
			t.Fatalf("bootstrap did not persist: %v %v", stored, err)
		}
	})
}
