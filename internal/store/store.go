// Package store defines how the harvest state of a process is persisted.
//
// A Snapshot holds the live search descriptor, every saved session and every
// cached dataset. Backends save and load it as a unit; they make no promise
// that the cache survives, so restoring demotes COMPLETED datasets whose
// cache entry is missing (see session.Restore).
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"gridharvest/internal/descriptor"
	"gridharvest/internal/record"
	"gridharvest/internal/session"
)

// Version is the snapshot format version written by this build.
const Version = 1

// ErrUnsupportedVersion is returned when a snapshot is newer than Version.
var ErrUnsupportedVersion = errors.New("unsupported snapshot version")

// Snapshot is the persisted state of one process.
type Snapshot struct {
	Version    int                    `json:"version" msgpack:"v"`
	Saved      time.Time              `json:"saved" msgpack:"saved"`
	Descriptor *descriptor.Descriptor `json:"descriptor,omitempty" msgpack:"desc,omitempty"`
	Sessions   []session.State        `json:"sessions,omitempty" msgpack:"sessions,omitempty"`
	Datasets   []*record.Dataset      `json:"datasets,omitempty" msgpack:"datasets,omitempty"`
}

// Store persists snapshots.
type Store interface {
	// Save replaces the stored snapshot.
	Save(ctx context.Context, snap *Snapshot) error
	// Load returns the stored snapshot, or nil if none was saved.
	Load(ctx context.Context) (*Snapshot, error)
	Close() error
}

// CheckVersion rejects snapshots written by a newer build. Version 0 is
// treated as the current version.
func CheckVersion(v int) error {
	if v > Version {
		return fmt.Errorf("%w: %d is newer than %d", ErrUnsupportedVersion, v, Version)
	}
	return nil
}

// Marshal encodes v with msgpack.
func Marshal(v any) ([]byte, error) {
	return msgpack.Marshal(v)
}

// Unmarshal decodes msgpack data into v.
func Unmarshal(data []byte, v any) error {
	return msgpack.Unmarshal(data, v)
}
