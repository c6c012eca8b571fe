// Package file provides a file-based snapshot store.
//
// The snapshot is persisted as a versioned msgpack envelope compressed with
// zstd:
//
//	zstd(msgpack({"version": 1, "snapshot": { ... }}))
//
// Every Save rewrites the whole file atomically via temp file + rename, after
// checking that the temp file decodes.
package file

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zstd"

	"gridharvest/internal/logging"
	"gridharvest/internal/store"
)

// envelope is the versioned on-disk format.
type envelope struct {
	Version  int             `msgpack:"version"`
	Snapshot *store.Snapshot `msgpack:"snapshot"`
}

// Store is a file-based snapshot store.
type Store struct {
	path   string
	logger *slog.Logger
}

var _ store.Store = (*Store)(nil)

// NewStore creates a store persisting to path. The file is created on the
// first Save.
func NewStore(path string, logger *slog.Logger) *Store {
	return &Store{
		path:   path,
		logger: logging.Default(logger).With("component", "store", "backend", "file"),
	}
}

// Path returns the snapshot file path.
func (s *Store) Path() string { return s.path }

// Load implements store.Store. It returns nil if the file does not exist.
func (s *Store) Load(ctx context.Context) (*store.Snapshot, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read snapshot file: %w", err)
	}

	env, err := decode(data)
	if err != nil {
		return nil, fmt.Errorf("parse snapshot file: %w", err)
	}
	if err := store.CheckVersion(env.Version); err != nil {
		return nil, err
	}
	if env.Version < store.Version {
		if err := migrateFile(s.path, data, env.Version); err != nil {
			return nil, fmt.Errorf("migrate snapshot: %w", err)
		}
		return s.Load(ctx)
	}
	if env.Snapshot == nil {
		return nil, nil
	}
	s.logger.Info("snapshot loaded", "path", s.path,
		"sessions", len(env.Snapshot.Sessions), "datasets", len(env.Snapshot.Datasets))
	return env.Snapshot, nil
}

// Save implements store.Store.
func (s *Store) Save(ctx context.Context, snap *store.Snapshot) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create snapshot directory: %w", err)
	}

	cp := *snap
	cp.Version = store.Version
	if cp.Saved.IsZero() {
		cp.Saved = time.Now()
	}
	data, err := encode(envelope{Version: store.Version, Snapshot: &cp})
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}

	tmpPath := s.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}

	// Round-trip validation: re-read and verify it decodes.
	check, err := os.ReadFile(tmpPath)
	if err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("read-back temp file: %w", err)
	}
	if _, err := decode(check); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("round-trip validation failed: %w", err)
	}

	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename snapshot file: %w", err)
	}
	s.logger.Info("snapshot saved", "path", s.path, "bytes", len(data),
		"sessions", len(cp.Sessions), "datasets", len(cp.Datasets))
	return nil
}

// Close implements store.Store.
func (s *Store) Close() error { return nil }

func encode(env envelope) ([]byte, error) {
	raw, err := store.Marshal(env)
	if err != nil {
		return nil, err
	}
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, err
	}
	defer enc.Close()
	return enc.EncodeAll(raw, nil), nil
}

func decode(data []byte) (envelope, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return envelope{}, err
	}
	defer dec.Close()
	raw, err := dec.DecodeAll(data, nil)
	if err != nil {
		return envelope{}, fmt.Errorf("decompress: %w", err)
	}
	var env envelope
	if err := store.Unmarshal(raw, &env); err != nil {
		return envelope{}, err
	}
	if env.Version == 0 {
		return envelope{}, errors.New("unversioned snapshot file")
	}
	return env, nil
}
