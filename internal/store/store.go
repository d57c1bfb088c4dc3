// Package store provides document persistence for sync collections.
package store

import (
	"context"
	"encoding/base64"
	"strings"

	"github.com/caredock/caresync/internal/errors"
	"github.com/caredock/caresync/internal/models"
)

// Store is the document persistence interface shared by all drivers.
//
// Documents are schemaless JSON objects keyed by collection and id. The
// store owns the reserved fields: it assigns $id on create, maintains
// $createdAt and $updatedAt as UTC RFC 3339 millisecond strings, and
// increments $revision on every write. Callers must sanitize inbound
// data before writing; reserved fields in the input are ignored.
type Store interface {
	// Get returns the document or ErrNotFound.
	Get(ctx context.Context, collection, id string) (models.Document, error)

	// Create inserts a new document. An empty id means the store mints
	// one. Returns ErrDuplicate when the id already exists.
	Create(ctx context.Context, collection, id string, data models.Document) (models.Document, error)

	// Update replaces the document body, preserving $id and $createdAt
	// and bumping $updatedAt and $revision. Returns ErrNotFound when the
	// document does not exist.
	Update(ctx context.Context, collection, id string, data models.Document) (models.Document, error)

	// UpdateWithRevision replaces the document body only when the stored
	// $revision still equals expected. Returns ErrRevisionMismatch when
	// another write landed first.
	UpdateWithRevision(ctx context.Context, collection, id string, data models.Document, expected int64) (models.Document, error)

	// Delete removes the document. Returns ErrNotFound when missing.
	Delete(ctx context.Context, collection, id string) error

	// List returns a page of documents ordered by ($updatedAt, $id)
	// ascending, applying the query's filters, cursor, and limit.
	List(ctx context.Context, collection string, q Query) (*Page, error)

	// Count returns the number of documents matching the query's filters.
	Count(ctx context.Context, collection string, q Query) (int64, error)

	// Close releases driver resources.
	Close() error
}

// Query describes a filtered, paginated listing over one collection.
type Query struct {
	Filters []Filter
	Limit   int
	Cursor  string
}

// NewQuery returns an empty query for fluent construction.
func NewQuery() Query {
	return Query{}
}

// Facility restricts results to documents owned by one of the given
// facilities. An empty slice adds no restriction.
func (q Query) Facility(facilities ...string) Query {
	if len(facilities) == 0 {
		return q
	}
	q.Filters = append(q.Filters, FacilityIn(facilities))
	return q
}

// UpdatedSince restricts results to documents modified strictly after
// the given canonical timestamp.
func (q Query) UpdatedSince(ts string) Query {
	q.Filters = append(q.Filters, UpdatedAfter(ts))
	return q
}

// Where adds an equality filter on a document field.
func (q Query) Where(field string, value interface{}) Query {
	q.Filters = append(q.Filters, FieldEquals(field, value))
	return q
}

// WithLimit caps the page size.
func (q Query) WithLimit(limit int) Query {
	q.Limit = limit
	return q
}

// WithCursor resumes listing after a previously returned cursor.
func (q Query) WithCursor(cursor string) Query {
	q.Cursor = cursor
	return q
}

// Page is one window of a listing.
type Page struct {
	Documents []models.Document
	// NextCursor resumes after the last document of this page. Empty
	// when the page was not full, meaning no further results exist.
	NextCursor string
}

// cursorKey is the ordering position a cursor encodes.
type cursorKey struct {
	UpdatedAt string
	ID        string
}

// EncodeCursor packs an ordering position into an opaque token.
func EncodeCursor(updatedAt, id string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(updatedAt + "|" + id))
}

// DecodeCursor unpacks a token produced by EncodeCursor.
func DecodeCursor(cursor string) (cursorKey, error) {
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return cursorKey{}, errors.Wrap(errors.ErrValidation, "malformed cursor", err)
	}
	parts := strings.SplitN(string(raw), "|", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return cursorKey{}, errors.New(errors.ErrValidation, "malformed cursor")
	}
	return cursorKey{UpdatedAt: parts[0], ID: parts[1]}, nil
}

// pageCursor returns the next-page token for a full page, or "" when
// the page signals exhaustion.
func pageCursor(docs []models.Document, limit int) string {
	if limit <= 0 || len(docs) < limit {
		return ""
	}
	last := docs[len(docs)-1]
	return EncodeCursor(last.UpdatedAt(), last.ID())
}
