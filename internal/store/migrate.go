// Package store provides document persistence for sync collections.
package store

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"sort"

	"github.com/caredock/caresync/internal/errors"
	"github.com/caredock/caresync/internal/logging"
)

// Migration is one versioned schema change compiled into the binary.
type Migration struct {
	Version     int
	Description string
	UpSQL       string
	DownSQL     string
}

// checksum returns the hex SHA-256 of the migration's up script. A
// changed script for an applied version fails Up.
func (m Migration) checksum() string {
	sum := sha256.Sum256([]byte(m.UpSQL))
	return hex.EncodeToString(sum[:])
}

// appliedMigration is a row of the schema_migrations ledger.
type appliedMigration struct {
	Version     int
	AppliedAt   string
	Description string
	Checksum    string
}

// Migrator applies embedded schema migrations in version order.
type Migrator struct {
	db         *sql.DB
	migrations []Migration
}

// NewMigrator creates a migrator over the given migration set.
func NewMigrator(db *sql.DB, migrations []Migration) *Migrator {
	sorted := make([]Migration, len(migrations))
	copy(sorted, migrations)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Version < sorted[j].Version })
	return &Migrator{db: db, migrations: sorted}
}

// Initialize creates the schema_migrations ledger if needed.
func (m *Migrator) Initialize() error {
	query := `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY CHECK (version > 0),
			applied_at TEXT NOT NULL,
			description TEXT NOT NULL CHECK (length(description) > 0),
			checksum TEXT NOT NULL CHECK (length(checksum) = 64)
		)
	`
	if _, err := m.db.Exec(query); err != nil {
		return errors.Wrap(errors.ErrMigration, "failed to create schema_migrations table", err)
	}
	return nil
}

// CurrentVersion returns the highest applied version, 0 when none.
func (m *Migrator) CurrentVersion() (int, error) {
	var version int
	err := m.db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&version)
	if err != nil {
		return 0, errors.Wrap(errors.ErrMigration, "failed to read current version", err)
	}
	return version, nil
}

// Applied returns the applied-migration ledger in version order.
func (m *Migrator) Applied() ([]appliedMigration, error) {
	rows, err := m.db.Query(`SELECT version, applied_at, description, checksum FROM schema_migrations ORDER BY version`)
	if err != nil {
		return nil, errors.Wrap(errors.ErrMigration, "failed to list applied migrations", err)
	}
	defer rows.Close()

	var applied []appliedMigration
	for rows.Next() {
		var a appliedMigration
		if err := rows.Scan(&a.Version, &a.AppliedAt, &a.Description, &a.Checksum); err != nil {
			return nil, errors.Wrap(errors.ErrMigration, "failed to scan migration row", err)
		}
		applied = append(applied, a)
	}
	return applied, rows.Err()
}

// Up applies all pending migrations. Already-applied versions are
// verified against their recorded checksum.
func (m *Migrator) Up() error {
	if err := m.Initialize(); err != nil {
		return err
	}

	applied, err := m.Applied()
	if err != nil {
		return err
	}
	appliedByVersion := make(map[int]appliedMigration, len(applied))
	for _, a := range applied {
		appliedByVersion[a.Version] = a
	}

	log := logging.Get()
	for _, mig := range m.migrations {
		if prev, ok := appliedByVersion[mig.Version]; ok {
			if prev.Checksum != mig.checksum() {
				return errors.Newf(errors.ErrMigration,
					"migration V%d checksum mismatch: applied %s, compiled %s",
					mig.Version, prev.Checksum, mig.checksum())
			}
			continue
		}
		if err := m.apply(mig); err != nil {
			return err
		}
		log.Info("applied migration", map[string]interface{}{
			"version":     mig.Version,
			"description": mig.Description,
		})
	}
	return nil
}

// Down rolls back the highest applied migration. Returns ErrMigration
// when nothing is applied or the migration has no down script.
func (m *Migrator) Down() error {
	current, err := m.CurrentVersion()
	if err != nil {
		return err
	}
	if current == 0 {
		return errors.New(errors.ErrMigration, "no migrations to roll back")
	}

	var target *Migration
	for i := range m.migrations {
		if m.migrations[i].Version == current {
			target = &m.migrations[i]
			break
		}
	}
	if target == nil {
		return errors.Newf(errors.ErrMigration, "applied version V%d has no compiled migration", current)
	}
	if target.DownSQL == "" {
		return errors.Newf(errors.ErrMigration, "migration V%d has no down script", current)
	}

	tx, err := m.db.Begin()
	if err != nil {
		return errors.Wrap(errors.ErrMigration, "failed to begin rollback transaction", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(target.DownSQL); err != nil {
		return errors.Wrap(errors.ErrMigration, fmt.Sprintf("rollback V%d failed", current), err)
	}
	if _, err := tx.Exec(`DELETE FROM schema_migrations WHERE version = ?`, current); err != nil {
		return errors.Wrap(errors.ErrMigration, fmt.Sprintf("failed to unrecord V%d", current), err)
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(errors.ErrMigration, "failed to commit rollback", err)
	}
	return nil
}

func (m *Migrator) apply(mig Migration) error {
	tx, err := m.db.Begin()
	if err != nil {
		return errors.Wrap(errors.ErrMigration, fmt.Sprintf("failed to begin transaction for V%d", mig.Version), err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(mig.UpSQL); err != nil {
		return errors.Wrap(errors.ErrMigration, fmt.Sprintf("migration V%d failed", mig.Version), err)
	}

	record := `INSERT INTO schema_migrations (version, applied_at, description, checksum) VALUES (?, datetime('now'), ?, ?)`
	if _, err := tx.Exec(record, mig.Version, mig.Description, mig.checksum()); err != nil {
		return errors.Wrap(errors.ErrMigration, fmt.Sprintf("failed to record V%d", mig.Version), err)
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(errors.ErrMigration, fmt.Sprintf("failed to commit V%d", mig.Version), err)
	}
	return nil
}

// sqliteMigrations is the embedded schema for the sqlite driver.
var sqliteMigrations = []Migration{
	{
		Version:     1,
		Description: "documents table",
		UpSQL: `
			CREATE TABLE IF NOT EXISTS documents (
				collection TEXT NOT NULL CHECK (length(collection) > 0),
				id TEXT NOT NULL CHECK (length(id) > 0),
				facility_id TEXT NOT NULL DEFAULT '',
				body TEXT NOT NULL,
				created_at TEXT NOT NULL,
				updated_at TEXT NOT NULL,
				revision INTEGER NOT NULL CHECK (revision > 0),
				PRIMARY KEY (collection, id)
			);
			CREATE INDEX IF NOT EXISTS idx_documents_updated
				ON documents (collection, updated_at, id);
			CREATE INDEX IF NOT EXISTS idx_documents_facility
				ON documents (collection, facility_id, updated_at);
		`,
		DownSQL: `
			DROP INDEX IF EXISTS idx_documents_facility;
			DROP INDEX IF EXISTS idx_documents_updated;
			DROP TABLE IF EXISTS documents;
		`,
	},
}
