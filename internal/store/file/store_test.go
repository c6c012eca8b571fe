package file

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"gridharvest/internal/logging"
	"gridharvest/internal/store"
	"gridharvest/internal/store/storetest"
)

func TestConformance(t *testing.T) {
	storetest.TestStore(t, func(t *testing.T) store.Store {
		return NewStore(filepath.Join(t.TempDir(), "state.msgpack.zst"), logging.Discard())
	})
}

func TestSaveCreatesDirectoryAndRemovesTemp(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "state.msgpack.zst")
	s := NewStore(path, logging.Discard())

	if err := s.Save(context.Background(), storetest.Sample()); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("snapshot file missing: %v", err)
	}
	if _, err := os.Stat(path + ".tmp"); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("temp file left behind: %v", err)
	}
}

func TestLoadRejectsNewerVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.msgpack.zst")
	data, err := encode(envelope{Version: store.Version + 1, Snapshot: storetest.Sample()})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	_, err = NewStore(path, logging.Discard()).Load(context.Background())
	if !errors.Is(err, store.ErrUnsupportedVersion) {
		t.Fatalf("expected ErrUnsupportedVersion, got %v", err)
	}
}

func TestLoadRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.msgpack.zst")
	if err := os.WriteFile(path, []byte("not a snapshot"), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := NewStore(path, logging.Discard()).Load(context.Background())
	if err == nil || !strings.Contains(err.Error(), "parse snapshot file") {
		t.Fatalf("expected parse error, got %v", err)
	}
}

func TestLoadWithoutMigrationPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.msgpack.zst")
	data, err := encode(envelope{Version: -1, Snapshot: storetest.Sample()})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	_, err = NewStore(path, logging.Discard()).Load(context.Background())
	if err == nil || !strings.Contains(err.Error(), "no migration path") {
		t.Fatalf("expected migration error, got %v", err)
	}
}
