package sqlite

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"gridharvest/internal/logging"
	"gridharvest/internal/record"
	"gridharvest/internal/store"
	"gridharvest/internal/store/storetest"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "state.db"), logging.Discard())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestConformance(t *testing.T) {
	storetest.TestStore(t, func(t *testing.T) store.Store {
		return newTestStore(t)
	})
}

func TestReopenKeepsSnapshot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	ctx := context.Background()

	s, err := NewStore(path, logging.Discard())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	if err := s.Save(ctx, storetest.Sample()); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s, err = NewStore(path, logging.Discard())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()
	got, err := s.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	storetest.AssertEqual(t, got, storetest.Sample())
}

func TestDatasetStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.Save(ctx, storetest.Sample()); err != nil {
		t.Fatalf("Save: %v", err)
	}

	st, err := s.DatasetStatus(ctx, "cmip5.ds1.v1")
	if err != nil {
		t.Fatalf("DatasetStatus: %v", err)
	}
	if st != record.StatusPartialHarvested {
		t.Errorf("expected PARTIAL_HARVESTED, got %v", st)
	}
	if st, err := s.DatasetStatus(ctx, "missing"); err != nil || st != record.StatusEmpty {
		t.Errorf("missing dataset: got %v, %v", st, err)
	}
}

func TestLoadMigrations(t *testing.T) {
	migrations, err := loadMigrations()
	if err != nil {
		t.Fatalf("loadMigrations: %v", err)
	}
	if len(migrations) == 0 {
		t.Fatal("expected at least one migration")
	}
	if migrations[0].Version != 1 {
		t.Errorf("expected first migration version 1, got %d", migrations[0].Version)
	}
}

func TestRunMigrationsIdempotent(t *testing.T) {
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(1)

	if err := runMigrations(db); err != nil {
		t.Fatalf("first run: %v", err)
	}
	if err := runMigrations(db); err != nil {
		t.Fatalf("second run: %v", err)
	}

	var count int
	if err := db.QueryRow("SELECT count(*) FROM schema_migrations").Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Errorf("expected 1 migration record, got %d", count)
	}
}
