// Package home manages the gridharvest home directory layout.
//
// The home directory owns all persistent state: the config file, the saved
// search state, exported manifests and downloaded files.
//
// Layout:
//
//	<root>/
//	  config.json                      (config store)
//	  state.msgpack.zst  or  state.db  (search state, store-type dependent)
//	  instance_id                      (stamped into exported manifests)
//	  manifests/                       (exported Metalink files)
//	  downloads/
//	    <dataset-id>/                  (downloaded files)
package home

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// Dir represents a gridharvest home directory.
type Dir struct {
	root string
}

// New creates a Dir with an explicit root path.
func New(root string) Dir {
	return Dir{root: root}
}

// Default returns a Dir using the platform-appropriate default location:
//   - Linux:   ~/.config/gridharvest
//   - macOS:   ~/Library/Application Support/gridharvest
//   - Windows: %APPDATA%/gridharvest
func Default() (Dir, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return Dir{}, fmt.Errorf("determine config directory: %w", err)
	}
	return Dir{root: filepath.Join(base, "gridharvest")}, nil
}

// Root returns the home directory path.
func (d Dir) Root() string {
	return d.root
}

// ConfigPath returns the path to the config JSON file.
func (d Dir) ConfigPath() string {
	return filepath.Join(d.root, "config.json")
}

// StatePath returns the search state path for a store type ("file" or
// "sqlite"). Other types have no on-disk state and return "".
func (d Dir) StatePath(storeType string) string {
	switch storeType {
	case "file":
		return filepath.Join(d.root, "state.msgpack.zst")
	case "sqlite":
		return filepath.Join(d.root, "state.db")
	}
	return ""
}

// ManifestDir returns the directory exported manifests are written to.
func (d Dir) ManifestDir() string {
	return filepath.Join(d.root, "manifests")
}

// DownloadDir returns the default download root.
func (d Dir) DownloadDir() string {
	return filepath.Join(d.root, "downloads")
}

// EnsureExists creates the home directory (and parents) if it doesn't exist.
func (d Dir) EnsureExists() error {
	if err := os.MkdirAll(d.root, 0o750); err != nil {
		return fmt.Errorf("create home directory %s: %w", d.root, err)
	}
	return nil
}

// InstanceID reads the persistent installation identity from
// <root>/instance_id. If the file doesn't exist, a new UUIDv7 is generated
// and written.
func (d Dir) InstanceID() (string, error) {
	return d.readOrCreate("instance_id", func() string {
		return uuid.Must(uuid.NewV7()).String()
	})
}

// readOrCreate reads a single-line value from <root>/<filename>.
// If the file doesn't exist, generate() provides the default which is persisted.
func (d Dir) readOrCreate(filename string, generate func() string) (string, error) {
	p := filepath.Join(d.root, filename)
	data, err := os.ReadFile(p) //nolint:gosec // G304: path is constructed from trusted home dir + constant filename
	if err == nil {
		if v := strings.TrimSpace(string(data)); v != "" {
			return v, nil
		}
	}
	v := generate()
	if err := os.WriteFile(p, []byte(v+"\n"), 0o640); err != nil { //nolint:gosec // G306: instance id is not secret
		return "", fmt.Errorf("write %s: %w", filename, err)
	}
	return v, nil
}
