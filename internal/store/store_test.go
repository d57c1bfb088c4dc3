// Package store tests for cursors, queries, and filters.
package store

import (
	"testing"

	"github.com/caredock/caresync/internal/errors"
	"github.com/caredock/caresync/internal/models"
)

// TestCursorRoundTrip verifies cursor encoding and decoding.
func TestCursorRoundTrip(t *testing.T) {
	cursor := EncodeCursor("2025-01-15T10:30:00.000Z", "patient-001")
	key, err := DecodeCursor(cursor)
	if err != nil {
		t.Fatalf("DecodeCursor() failed: %v", err)
	}
	if key.UpdatedAt != "2025-01-15T10:30:00.000Z" {
		t.Errorf("Expected timestamp back, got %s", key.UpdatedAt)
	}
	if key.ID != "patient-001" {
		t.Errorf("Expected id back, got %s", key.ID)
	}
}

// TestDecodeCursor_malformed verifies rejection of bad tokens.
func TestDecodeCursor_malformed(t *testing.T) {
	cases := []struct {
		name   string
		cursor string
	}{
		{"not base64", "!!!not-base64!!!"},
		{"no separator", "bm9zZXBhcmF0b3I"},
		{"empty id", EncodeCursor("2025-01-15T10:30:00.000Z", "")},
		{"empty timestamp", EncodeCursor("", "patient-001")},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := DecodeCursor(tc.cursor); !errors.IsValidation(err) {
				t.Errorf("Expected VALIDATION_ERROR, got %v", err)
			}
		})
	}
}

// TestQueryBuilder verifies fluent query construction.
func TestQueryBuilder(t *testing.T) {
	q := NewQuery().
		Facility("facility-001", "facility-002").
		UpdatedSince("2025-01-15T10:30:00.000Z").
		Where("status", "active").
		WithLimit(50).
		WithCursor("abc")

	if len(q.Filters) != 3 {
		t.Fatalf("Expected 3 filters, got %d", len(q.Filters))
	}
	if q.Filters[0].Op != OpIn || q.Filters[0].Field != models.FieldFacility {
		t.Errorf("First filter should be facility IN, got %+v", q.Filters[0])
	}
	if q.Filters[1].Op != OpGt || q.Filters[1].Field != models.FieldUpdatedAt {
		t.Errorf("Second filter should be updated-at GT, got %+v", q.Filters[1])
	}
	if q.Limit != 50 || q.Cursor != "abc" {
		t.Errorf("Limit/cursor not captured: %+v", q)
	}

	// Empty facility list adds no filter
	if got := NewQuery().Facility(); len(got.Filters) != 0 {
		t.Errorf("Facility() with no values should add no filter, got %d", len(got.Filters))
	}
}

// TestFilterValid verifies filter validation rules.
func TestFilterValid(t *testing.T) {
	cases := []struct {
		name   string
		filter Filter
		want   bool
	}{
		{"eq with value", Filter{Field: "status", Op: OpEq, Value: "active"}, true},
		{"gt with value", Filter{Field: "$updatedAt", Op: OpGt, Value: "2025"}, true},
		{"in with values", Filter{Field: "facility_id", Op: OpIn, Values: []string{"f1"}}, true},
		{"empty field", Filter{Field: "", Op: OpEq, Value: "x"}, false},
		{"eq without value", Filter{Field: "status", Op: OpEq}, false},
		{"in without values", Filter{Field: "facility_id", Op: OpIn}, false},
		{"unknown op", Filter{Field: "status", Op: FilterOp("like"), Value: "x"}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.filter.Valid(); got != tc.want {
				t.Errorf("Valid() = %v, want %v", got, tc.want)
			}
		})
	}
}

// TestFilterColumn verifies field-to-column mapping for sqlite.
func TestFilterColumn(t *testing.T) {
	cases := []struct {
		field string
		want  string
	}{
		{models.FieldID, "id"},
		{models.FieldUpdatedAt, "updated_at"},
		{models.FieldCreatedAt, "created_at"},
		{models.FieldFacility, "facility_id"},
		{"status", "json_extract(body, '$.status')"},
	}
	for _, tc := range cases {
		got, err := filterColumn(tc.field)
		if err != nil {
			t.Errorf("filterColumn(%s) failed: %v", tc.field, err)
			continue
		}
		if got != tc.want {
			t.Errorf("filterColumn(%s) = %s, want %s", tc.field, got, tc.want)
		}
	}

	if _, err := filterColumn("a; DROP TABLE documents"); err == nil {
		t.Error("filterColumn() should reject unsafe field names")
	}
}

// TestPageCursor verifies the full-page heuristic.
func TestPageCursor(t *testing.T) {
	docs := []models.Document{
		{models.FieldID: "a", models.FieldUpdatedAt: "2025-01-01T00:00:00.000Z"},
		{models.FieldID: "b", models.FieldUpdatedAt: "2025-01-02T00:00:00.000Z"},
	}

	// Full page: cursor points at the last document
	cursor := pageCursor(docs, 2)
	if cursor == "" {
		t.Fatal("Full page should produce a cursor")
	}
	key, err := DecodeCursor(cursor)
	if err != nil {
		t.Fatalf("DecodeCursor() failed: %v", err)
	}
	if key.ID != "b" {
		t.Errorf("Cursor should point at last document, got %s", key.ID)
	}

	// Short page: listing is exhausted
	if got := pageCursor(docs, 5); got != "" {
		t.Errorf("Short page should produce no cursor, got %q", got)
	}
	if got := pageCursor(nil, 5); got != "" {
		t.Errorf("Empty page should produce no cursor, got %q", got)
	}
	if got := pageCursor(docs, 0); got != "" {
		t.Errorf("Unlimited listing should produce no cursor, got %q", got)
	}
}
