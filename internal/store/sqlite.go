// Package store provides document persistence for sync collections.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	_ "modernc.org/sqlite" // pure-Go SQLite driver

	"github.com/caredock/caresync/internal/errors"
	"github.com/caredock/caresync/internal/logging"
	"github.com/caredock/caresync/internal/models"
	"github.com/caredock/caresync/internal/syncutil"
	"github.com/caredock/caresync/internal/uuid"
)

// SQLite stores documents in a single-file SQLite database. All
// collections share one documents table keyed by (collection, id),
// with the JSON body alongside indexed copies of the ordering and
// scoping fields.
type SQLite struct {
	db        *sql.DB
	path      string
	events    *Dispatcher
	stmtCache sync.Map // query string -> *sql.Stmt
}

var _ Store = (*SQLite)(nil)

// OpenSQLite opens (creating if needed) the database under dataDir and
// applies pending migrations. The dispatcher may be nil to disable
// change events.
func OpenSQLite(dataDir string, events *Dispatcher) (*SQLite, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, errors.Wrap(errors.ErrStore, "failed to create data directory", err)
	}

	dbPath := filepath.Join(dataDir, "caresync.db")
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, errors.Wrap(errors.ErrStore, "failed to open database", err)
	}

	// Single connection: modernc sqlite serializes writers anyway, and
	// one connection keeps transactions from deadlocking on the pool.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, errors.Wrap(errors.ErrStore, fmt.Sprintf("failed to apply %q", pragma), err)
		}
	}

	if err := NewMigrator(db, sqliteMigrations).Up(); err != nil {
		db.Close()
		return nil, err
	}

	logging.Get().Info("sqlite store opened", map[string]interface{}{
		"path": dbPath,
	})
	return &SQLite{db: db, path: dbPath, events: events}, nil
}

// DB exposes the underlying handle for migrations and tests.
func (s *SQLite) DB() *sql.DB {
	return s.db
}

// prepareStmt returns a cached prepared statement for the query.
func (s *SQLite) prepareStmt(query string) (*sql.Stmt, error) {
	if cached, ok := s.stmtCache.Load(query); ok {
		return cached.(*sql.Stmt), nil
	}

	stmt, err := s.db.Prepare(query)
	if err != nil {
		return nil, errors.Wrap(errors.ErrStore, "failed to prepare statement", err)
	}

	if actual, loaded := s.stmtCache.LoadOrStore(query, stmt); loaded {
		stmt.Close()
		return actual.(*sql.Stmt), nil
	}
	return stmt, nil
}

// Close releases cached statements and the database handle.
func (s *SQLite) Close() error {
	s.stmtCache.Range(func(key, value interface{}) bool {
		if stmt, ok := value.(*sql.Stmt); ok {
			stmt.Close()
		}
		s.stmtCache.Delete(key)
		return true
	})
	return s.db.Close()
}

// Get returns the document or ErrNotFound.
func (s *SQLite) Get(ctx context.Context, collection, id string) (models.Document, error) {
	stmt, err := s.prepareStmt(`SELECT body FROM documents WHERE collection = ? AND id = ?`)
	if err != nil {
		return nil, err
	}

	var body string
	err = stmt.QueryRowContext(ctx, collection, id).Scan(&body)
	if err == sql.ErrNoRows {
		return nil, errors.Newf(errors.ErrNotFound, "document %s/%s not found", collection, id)
	}
	if err != nil {
		return nil, errors.Wrap(errors.ErrStore, "failed to read document", err)
	}
	return decodeBody(body)
}

// Create inserts a new document, minting an id when none is given.
func (s *SQLite) Create(ctx context.Context, collection, id string, data models.Document) (models.Document, error) {
	if collection == "" {
		return nil, errors.New(errors.ErrValidation, "collection is required")
	}
	if id == "" {
		id = uuid.New()
	}

	now := syncutil.Now()
	doc := stampDocument(data, id, now, now, 1)
	body, err := encodeBody(doc)
	if err != nil {
		return nil, err
	}

	stmt, err := s.prepareStmt(`
		INSERT INTO documents (collection, id, facility_id, body, created_at, updated_at, revision)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return nil, err
	}

	_, err = stmt.ExecContext(ctx, collection, id, doc.FacilityID(), body, now, now, 1)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, errors.Newf(errors.ErrDuplicate, "document %s/%s already exists", collection, id)
		}
		return nil, errors.Wrap(errors.ErrStore, "failed to insert document", err)
	}

	s.emit(newEvent(ctx, collection, id, OpInsert, nil, doc))
	return doc, nil
}

// Update replaces the document body, bumping $updatedAt and $revision.
func (s *SQLite) Update(ctx context.Context, collection, id string, data models.Document) (models.Document, error) {
	return s.update(ctx, collection, id, data, nil)
}

// UpdateWithRevision replaces the body only when the stored revision
// still matches expected.
func (s *SQLite) UpdateWithRevision(ctx context.Context, collection, id string, data models.Document, expected int64) (models.Document, error) {
	return s.update(ctx, collection, id, data, &expected)
}

// update performs a read-modify-write inside one transaction so the
// revision check and the write cannot interleave with another writer.
func (s *SQLite) update(ctx context.Context, collection, id string, data models.Document, expected *int64) (models.Document, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(errors.ErrStore, "failed to begin transaction", err)
	}
	defer tx.Rollback()

	var body string
	var revision int64
	err = tx.QueryRowContext(ctx,
		`SELECT body, revision FROM documents WHERE collection = ? AND id = ?`,
		collection, id,
	).Scan(&body, &revision)
	if err == sql.ErrNoRows {
		return nil, errors.Newf(errors.ErrNotFound, "document %s/%s not found", collection, id)
	}
	if err != nil {
		return nil, errors.Wrap(errors.ErrStore, "failed to read document", err)
	}

	if expected != nil && revision != *expected {
		return nil, errors.Newf(errors.ErrRevisionMismatch,
			"document %s/%s is at revision %d, expected %d", collection, id, revision, *expected)
	}

	before, err := decodeBody(body)
	if err != nil {
		return nil, err
	}

	now := syncutil.Now()
	next := stampDocument(data, id, before.CreatedAt(), now, revision+1)
	nextBody, err := encodeBody(next)
	if err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE documents SET facility_id = ?, body = ?, updated_at = ?, revision = ? WHERE collection = ? AND id = ?`,
		next.FacilityID(), nextBody, now, revision+1, collection, id,
	)
	if err != nil {
		return nil, errors.Wrap(errors.ErrStore, "failed to update document", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(errors.ErrStore, "failed to commit update", err)
	}

	s.emit(newEvent(ctx, collection, id, OpUpdate, before, next))
	return next, nil
}

// Delete removes the document or returns ErrNotFound.
func (s *SQLite) Delete(ctx context.Context, collection, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(errors.ErrStore, "failed to begin transaction", err)
	}
	defer tx.Rollback()

	var body string
	err = tx.QueryRowContext(ctx,
		`SELECT body FROM documents WHERE collection = ? AND id = ?`,
		collection, id,
	).Scan(&body)
	if err == sql.ErrNoRows {
		return errors.Newf(errors.ErrNotFound, "document %s/%s not found", collection, id)
	}
	if err != nil {
		return errors.Wrap(errors.ErrStore, "failed to read document", err)
	}

	before, err := decodeBody(body)
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM documents WHERE collection = ? AND id = ?`, collection, id,
	); err != nil {
		return errors.Wrap(errors.ErrStore, "failed to delete document", err)
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(errors.ErrStore, "failed to commit delete", err)
	}

	s.emit(newEvent(ctx, collection, id, OpDelete, before, nil))
	return nil
}

// List returns a page of documents ordered by (updated_at, id).
func (s *SQLite) List(ctx context.Context, collection string, q Query) (*Page, error) {
	where, args, err := s.compileWhere(collection, q.Filters)
	if err != nil {
		return nil, err
	}

	if q.Cursor != "" {
		key, err := DecodeCursor(q.Cursor)
		if err != nil {
			return nil, err
		}
		where = append(where, `(updated_at > ? OR (updated_at = ? AND id > ?))`)
		args = append(args, key.UpdatedAt, key.UpdatedAt, key.ID)
	}

	query := `SELECT body FROM documents WHERE ` + strings.Join(where, " AND ") +
		` ORDER BY updated_at ASC, id ASC`
	if q.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(errors.ErrStore, "failed to list documents", err)
	}
	defer rows.Close()

	var docs []models.Document
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, errors.Wrap(errors.ErrStore, "failed to scan document row", err)
		}
		doc, err := decodeBody(body)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(errors.ErrStore, "failed to iterate documents", err)
	}

	return &Page{Documents: docs, NextCursor: pageCursor(docs, q.Limit)}, nil
}

// Count returns the number of documents matching the query's filters.
func (s *SQLite) Count(ctx context.Context, collection string, q Query) (int64, error) {
	where, args, err := s.compileWhere(collection, q.Filters)
	if err != nil {
		return 0, err
	}

	query := `SELECT COUNT(*) FROM documents WHERE ` + strings.Join(where, " AND ")
	var count int64
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, errors.Wrap(errors.ErrStore, "failed to count documents", err)
	}
	return count, nil
}

// compileWhere builds the WHERE clauses for a filtered listing.
func (s *SQLite) compileWhere(collection string, filters []Filter) ([]string, []interface{}, error) {
	if err := checkFilters(filters); err != nil {
		return nil, nil, err
	}

	where := []string{"collection = ?"}
	args := []interface{}{collection}
	for _, f := range filters {
		column, err := filterColumn(f.Field)
		if err != nil {
			return nil, nil, err
		}
		switch f.Op {
		case OpEq:
			where = append(where, column+" = ?")
			args = append(args, f.Value)
		case OpGt:
			where = append(where, column+" > ?")
			args = append(args, f.Value)
		case OpIn:
			placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(f.Values)), ", ")
			where = append(where, column+" IN ("+placeholders+")")
			for _, v := range f.Values {
				args = append(args, v)
			}
		}
	}
	return where, args, nil
}

// fieldNamePattern restricts filterable fields to plain identifiers,
// since JSON paths are spliced into the query text.
var fieldNamePattern = regexp.MustCompile(`^[A-Za-z0-9_.]+$`)

// filterColumn maps a document field to its SQL expression. Reserved
// ordering fields hit indexed columns; everything else goes through
// json_extract on the body.
func filterColumn(field string) (string, error) {
	switch field {
	case models.FieldID:
		return "id", nil
	case models.FieldCreatedAt:
		return "created_at", nil
	case models.FieldUpdatedAt:
		return "updated_at", nil
	case models.FieldFacility:
		return "facility_id", nil
	}
	if !fieldNamePattern.MatchString(field) {
		return "", errors.Newf(errors.ErrValidation, "unfilterable field %q", field)
	}
	return fmt.Sprintf("json_extract(body, '$.%s')", field), nil
}

// stampDocument builds the stored form of a document: client fields
// from data plus store-owned reserved fields.
func stampDocument(data models.Document, id, createdAt, updatedAt string, revision int64) models.Document {
	doc := syncutil.Sanitize(data)
	doc[models.FieldID] = id
	doc[models.FieldCreatedAt] = createdAt
	doc[models.FieldUpdatedAt] = updatedAt
	doc[models.FieldRevision] = revision
	return doc
}

func encodeBody(doc models.Document) (string, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return "", errors.Wrap(errors.ErrStore, "failed to encode document", err)
	}
	return string(raw), nil
}

func decodeBody(raw string) (models.Document, error) {
	var doc models.Document
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, errors.Wrap(errors.ErrStore, "corrupt document body", err)
	}
	return doc, nil
}

// isUniqueViolation detects primary-key collisions without binding to
// the driver's error types.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func (s *SQLite) emit(event ChangeEvent) {
	if s.events != nil {
		s.events.Emit(event)
	}
}
