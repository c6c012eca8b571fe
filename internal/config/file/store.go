// Package file provides a file-based config.Store implementation.
//
// The configuration is a versioned JSON document:
//
//	{"version": 2, "config": { ... }}
//
// Older versions are migrated in place on Load; the pre-migration file is
// kept next to it as <path>.v<N>.bak.
package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"gridharvest/internal/config"
)

// currentVersion is the document version written by Save.
const currentVersion = 2

type document struct {
	Version int            `json:"version"`
	Config  *config.Config `json:"config"`
}

// Store is a config.Store backed by one JSON file.
type Store struct {
	mu   sync.Mutex
	path string
}

var _ config.Store = (*Store)(nil)

// NewStore returns a Store for the file at path. Nothing is read until Load.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Path returns the config file path.
func (s *Store) Path() string { return s.path }

// Load reads the configuration, migrating older documents first.
// Returns nil when the file does not exist.
func (s *Store) Load(ctx context.Context) (*config.Config, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var head struct {
		Version int `json:"version"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	switch {
	case head.Version == 0:
		return nil, fmt.Errorf("unversioned config file %s: delete it to bootstrap a fresh config", s.path)
	case head.Version > currentVersion:
		return nil, fmt.Errorf("config file version %d is newer than supported version %d", head.Version, currentVersion)
	case head.Version < currentVersion:
		migrated, err := upgrade(data, head.Version)
		if err != nil {
			return nil, fmt.Errorf("migrate config: %w", err)
		}
		backup := fmt.Sprintf("%s.v%d.bak", s.path, head.Version)
		if err := os.WriteFile(backup, data, 0o644); err != nil {
			return nil, fmt.Errorf("back up config before migration: %w", err)
		}
		if err := writeAtomic(s.path, migrated); err != nil {
			return nil, err
		}
		data = migrated
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	return doc.Config, nil
}

// Save writes cfg as the current document version.
func (s *Store) Save(ctx context.Context, cfg *config.Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(document{Version: currentVersion, Config: cfg}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return writeAtomic(s.path, append(data, '\n'))
}

// writeAtomic replaces path with data through a sibling temp file. The temp
// file is read back and decoded before the rename so a torn write never
// becomes the live config.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op after a successful rename

	_, werr := tmp.Write(data)
	if cerr := tmp.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		return fmt.Errorf("write temp file: %w", werr)
	}

	check, err := os.ReadFile(tmpPath)
	if err != nil {
		return fmt.Errorf("read back temp file: %w", err)
	}
	var doc document
	if err := json.Unmarshal(check, &doc); err != nil {
		return fmt.Errorf("round-trip validation failed: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename config file: %w", err)
	}
	return nil
}
