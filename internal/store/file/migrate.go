package file

import (
	"fmt"
	"os"

	"gridharvest/internal/store"
)

// migration transforms a decoded envelope from one version to the next.
type migration struct {
	from    int
	to      int
	migrate func(env envelope) (envelope, error)
}

// migrations is the ordered list of snapshot migrations. Version 1 is the
// initial format.
var migrations []migration

// migrateFile runs every migration needed to bring the file at path to the
// current version. The file is backed up before each step.
func migrateFile(path string, data []byte, fromVersion int) error {
	current := fromVersion
	env, err := decode(data)
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if m.from != current {
			continue
		}

		backupPath := fmt.Sprintf("%s.v%d.bak", path, current)
		if err := os.WriteFile(backupPath, data, 0o644); err != nil {
			return fmt.Errorf("backup before migration v%d→v%d: %w", m.from, m.to, err)
		}

		env, err = m.migrate(env)
		if err != nil {
			return fmt.Errorf("migration v%d→v%d: %w", m.from, m.to, err)
		}
		env.Version = m.to

		migrated, err := encode(env)
		if err != nil {
			return fmt.Errorf("encode migrated snapshot: %w", err)
		}
		tmpPath := path + ".tmp"
		if err := os.WriteFile(tmpPath, migrated, 0o644); err != nil {
			return fmt.Errorf("write migrated snapshot: %w", err)
		}
		if err := os.Rename(tmpPath, path); err != nil {
			os.Remove(tmpPath)
			return fmt.Errorf("rename migrated snapshot: %w", err)
		}

		data = migrated
		current = m.to
	}

	if current != store.Version {
		return fmt.Errorf("no migration path from version %d to %d", fromVersion, store.Version)
	}
	return nil
}
