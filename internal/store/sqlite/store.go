// Package sqlite provides a SQLite-based snapshot store.
//
// Sessions and datasets are stored one row each, with their state encoded as
// msgpack blobs. Save replaces every row in one transaction.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	_ "modernc.org/sqlite"

	"gridharvest/internal/descriptor"
	"gridharvest/internal/logging"
	"gridharvest/internal/record"
	"gridharvest/internal/session"
	"gridharvest/internal/store"
)

const timeFormat = time.RFC3339Nano

// Setting keys.
const (
	keyVersion    = "version"
	keySaved      = "saved"
	keyDescriptor = "descriptor"
)

// Store is a SQLite-based snapshot store.
type Store struct {
	db     *sql.DB
	path   string
	logger *slog.Logger
}

var _ store.Store = (*Store)(nil)

// NewStore opens a SQLite database at path and runs migrations.
func NewStore(path string, logger *slog.Logger) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create store directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set journal_mode: %w", err)
	}
	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &Store{
		db:     db,
		path:   path,
		logger: logging.Default(logger).With("component", "store", "backend", "sqlite"),
	}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Save implements store.Store.
func (s *Store) Save(ctx context.Context, snap *store.Snapshot) error {
	saved := snap.Saved
	if saved.IsZero() {
		saved = time.Now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save: %w", err)
	}
	defer tx.Rollback()

	for _, table := range []string{"settings", "sessions", "datasets"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("clear %s: %w", table, err)
		}
	}

	settings := map[string][]byte{
		keyVersion: []byte(strconv.Itoa(store.Version)),
		keySaved:   []byte(saved.UTC().Format(timeFormat)),
	}
	if snap.Descriptor != nil {
		b, err := store.Marshal(snap.Descriptor)
		if err != nil {
			return fmt.Errorf("encode descriptor: %w", err)
		}
		settings[keyDescriptor] = b
	}
	for k, v := range settings {
		if _, err := tx.ExecContext(ctx, "INSERT INTO settings (key, value) VALUES (?, ?)", k, v); err != nil {
			return fmt.Errorf("insert setting %s: %w", k, err)
		}
	}

	for i, st := range snap.Sessions {
		b, err := store.Marshal(st)
		if err != nil {
			return fmt.Errorf("encode session %s: %w", st.ID, err)
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO sessions (id, name, status, position, state) VALUES (?, ?, ?, ?, ?)",
			st.ID, st.Name, st.Status.String(), i, b,
		); err != nil {
			return fmt.Errorf("insert session %s: %w", st.ID, err)
		}
	}

	for _, ds := range snap.Datasets {
		b, err := store.Marshal(ds)
		if err != nil {
			return fmt.Errorf("encode dataset %s: %w", ds.InstanceID, err)
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO datasets (instance_id, status, data) VALUES (?, ?, ?)",
			ds.InstanceID, ds.Status.String(), b,
		); err != nil {
			return fmt.Errorf("insert dataset %s: %w", ds.InstanceID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit save: %w", err)
	}
	s.logger.Info("snapshot saved", "path", s.path,
		"sessions", len(snap.Sessions), "datasets", len(snap.Datasets))
	return nil
}

// Load implements store.Store. It returns nil if nothing was saved.
func (s *Store) Load(ctx context.Context) (*store.Snapshot, error) {
	settings, err := s.settings(ctx)
	if err != nil {
		return nil, err
	}
	raw, ok := settings[keyVersion]
	if !ok {
		return nil, nil
	}

	snap := &store.Snapshot{}
	if snap.Version, err = strconv.Atoi(string(raw)); err != nil {
		return nil, fmt.Errorf("parse version: %w", err)
	}
	if err := store.CheckVersion(snap.Version); err != nil {
		return nil, err
	}
	if v, ok := settings[keySaved]; ok {
		if snap.Saved, err = time.Parse(timeFormat, string(v)); err != nil {
			return nil, fmt.Errorf("parse saved time: %w", err)
		}
	}
	if v, ok := settings[keyDescriptor]; ok {
		var d descriptor.Descriptor
		if err := store.Unmarshal(v, &d); err != nil {
			return nil, fmt.Errorf("decode descriptor: %w", err)
		}
		snap.Descriptor = &d
	}

	if snap.Sessions, err = s.sessions(ctx); err != nil {
		return nil, err
	}
	if snap.Datasets, err = s.datasets(ctx); err != nil {
		return nil, err
	}
	return snap, nil
}

func (s *Store) settings(ctx context.Context) (map[string][]byte, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT key, value FROM settings")
	if err != nil {
		return nil, fmt.Errorf("query settings: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]byte)
	for rows.Next() {
		var k string
		var v []byte
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("scan setting: %w", err)
		}
		out[k] = v
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate settings: %w", err)
	}
	return out, nil
}

func (s *Store) sessions(ctx context.Context) ([]session.State, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id, state FROM sessions ORDER BY position")
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var out []session.State
	for rows.Next() {
		var id string
		var b []byte
		if err := rows.Scan(&id, &b); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		var st session.State
		if err := store.Unmarshal(b, &st); err != nil {
			return nil, fmt.Errorf("decode session %s: %w", id, err)
		}
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return out, nil
}

func (s *Store) datasets(ctx context.Context) ([]*record.Dataset, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT instance_id, data FROM datasets ORDER BY instance_id")
	if err != nil {
		return nil, fmt.Errorf("query datasets: %w", err)
	}
	defer rows.Close()

	var out []*record.Dataset
	for rows.Next() {
		var id string
		var b []byte
		if err := rows.Scan(&id, &b); err != nil {
			return nil, fmt.Errorf("scan dataset: %w", err)
		}
		ds := &record.Dataset{}
		if err := store.Unmarshal(b, ds); err != nil {
			return nil, fmt.Errorf("decode dataset %s: %w", id, err)
		}
		out = append(out, ds)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate datasets: %w", err)
	}
	return out, nil
}

// DatasetStatus returns the stored harvest status of one dataset without
// decoding it.
func (s *Store) DatasetStatus(ctx context.Context, id string) (record.HarvestStatus, error) {
	var name string
	err := s.db.QueryRowContext(ctx, "SELECT status FROM datasets WHERE instance_id = ?", id).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return record.StatusEmpty, nil
	}
	if err != nil {
		return 0, fmt.Errorf("query dataset status: %w", err)
	}
	var st record.HarvestStatus
	if err := st.UnmarshalText([]byte(name)); err != nil {
		return 0, err
	}
	return st, nil
}
