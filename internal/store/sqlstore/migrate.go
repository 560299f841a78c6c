package sqlstore

import (
	"context"
	"database/sql"
	"embed"
	"io/fs"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

//go:embed migrations/postgres/*.sql migrations/sqlite/*.sql
var migrations embed.FS

type migration struct {
	Version string
	SQL     string
}

func loadMigrations(dialect Dialect) ([]migration, error) {
	dir := path.Join("migrations", string(dialect))
	entries, err := fs.ReadDir(migrations, dir)
	if err != nil {
		return nil, errors.Wrapf(err, "read migrations for %s", dialect)
	}

	var out []migration
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		data, err := migrations.ReadFile(path.Join(dir, e.Name()))
		if err != nil {
			return nil, errors.Wrapf(err, "read migration %s", e.Name())
		}
		out = append(out, migration{
			Version: strings.TrimSuffix(e.Name(), ".sql"),
			SQL:     string(data),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

// Migrate applies pending embedded migrations in version order.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TEXT NOT NULL
		)`); err != nil {
		return errors.Wrap(err, "create schema_migrations")
	}

	entries, err := loadMigrations(s.dialect)
	if err != nil {
		return err
	}

	for _, entry := range entries {
		applied, err := s.isMigrationApplied(ctx, entry.Version)
		if err != nil {
			return err
		}
		if applied {
			continue
		}
		if _, err := s.db.ExecContext(ctx, entry.SQL); err != nil {
			return errors.Wrapf(err, "apply migration %s", entry.Version)
		}
		if _, err := s.db.ExecContext(ctx, s.rebind(`INSERT INTO schema_migrations(version, applied_at) VALUES(?, ?)`),
			entry.Version, time.Now().UTC().Format(time.RFC3339Nano)); err != nil {
			return errors.Wrapf(err, "record migration %s", entry.Version)
		}
	}
	return nil
}

func (s *Store) isMigrationApplied(ctx context.Context, version string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT COUNT(1) FROM schema_migrations WHERE version = ?`), version).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrapf(err, "check migration %s", version)
	}
	return count > 0, nil
}
