package audit

import (
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/jingkaihe/capfs/internal/errx"
)

const auditModule = "audit"

type migration struct {
	version int
	name    string
	sql     string
}

var migrations = []migration{
	{
		version: 1,
		name:    "create_events",
		sql: `
CREATE TABLE IF NOT EXISTS events (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  session TEXT NOT NULL DEFAULT '',
  op TEXT NOT NULL,
  path TEXT NOT NULL,
  new_path TEXT NOT NULL DEFAULT '',
  errno INTEGER NOT NULL DEFAULT 0,
  error TEXT NOT NULL DEFAULT '',
  bytes INTEGER NOT NULL DEFAULT 0,
  created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_session ON events(session);
CREATE INDEX IF NOT EXISTS idx_events_created_at ON events(created_at);
`,
	},
	{
		version: 2,
		name:    "add_event_file_meta",
		sql: `
ALTER TABLE events ADD COLUMN size INTEGER;
ALTER TABLE events ADD COLUMN file_type TEXT NOT NULL DEFAULT '';
CREATE INDEX IF NOT EXISTS idx_events_errno ON events(errno);
`,
	},
}

func openDB(path string) (*sql.DB, error) {
	if path == "" {
		return nil, ErrDBPathRequired
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, errx.Wrap(ErrOpenDB, err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errx.Wrap(ErrOpenDB, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	err = withInitLock(path+".init.lock", func() error {
		if err := configure(db); err != nil {
			return err
		}
		return migrate(db)
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

func configure(db *sql.DB) error {
	for _, pragma := range []string{
		"PRAGMA busy_timeout = 15000",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA journal_mode = WAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			return errx.With(ErrConfigureDB, ": %s: %w", pragma, err)
		}
	}
	return nil
}

// migrate applies every migration not yet recorded for the audit module. Each
// migration commits together with its schema_migrations row.
func migrate(db *sql.DB) error {
	if _, err := db.Exec(`
CREATE TABLE IF NOT EXISTS schema_migrations (
  module TEXT NOT NULL,
  version INTEGER NOT NULL,
  name TEXT NOT NULL,
  applied_at TEXT NOT NULL,
  PRIMARY KEY (module, version)
)`); err != nil {
		return errx.Wrap(ErrCreateMigrationTbl, err)
	}

	var current int
	err := db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_migrations WHERE module = ?`, auditModule).Scan(&current)
	if err != nil {
		return errx.Wrap(ErrReadMigrations, err)
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		if err := applyMigration(db, m); err != nil {
			return errx.With(ErrApplyMigration, ": %s/%d %s: %w", auditModule, m.version, m.name, err)
		}
	}
	return nil
}

func applyMigration(db *sql.DB, m migration) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	if _, err := tx.Exec(m.sql); err != nil {
		return errors.Join(err, tx.Rollback())
	}
	if _, err := tx.Exec(
		`INSERT INTO schema_migrations(module, version, name, applied_at) VALUES (?, ?, ?, ?)`,
		auditModule,
		m.version,
		m.name,
		time.Now().UTC().Format(time.RFC3339Nano),
	); err != nil {
		return errors.Join(err, tx.Rollback())
	}
	return tx.Commit()
}
