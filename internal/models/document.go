// Package models provides data model definitions for the CareSync core.
package models

import "time"

// Reserved document fields owned by the document store. Client payloads may
// never set these directly; the store strips and reassigns them on write.
const (
	FieldID        = "$id"
	FieldCreatedAt = "$createdAt"
	FieldUpdatedAt = "$updatedAt"
	FieldRevision  = "$revision"

	// FieldFacility scopes a document to a care facility. Unlike the
	// $-prefixed fields it is part of the client payload.
	FieldFacility = "facility_id"
)

// TimeFormat is the canonical timestamp layout: UTC RFC 3339 with fixed
// millisecond precision. The fixed width keeps lexicographic order
// chronological, which updated-since filters rely on.
const TimeFormat = "2006-01-02T15:04:05.000Z"

// Document is a schemaless record as stored in a collection. Values follow
// encoding/json conventions (string, float64, bool, nil, []any, map[string]any).
type Document map[string]any

// ID returns the document identifier, or "" when unset.
func (d Document) ID() string {
	return d.stringField(FieldID)
}

// CreatedAt returns the creation timestamp string, or "" when unset.
func (d Document) CreatedAt() string {
	return d.stringField(FieldCreatedAt)
}

// UpdatedAt returns the last-modified timestamp string, or "" when unset.
func (d Document) UpdatedAt() string {
	return d.stringField(FieldUpdatedAt)
}

// UpdatedAtTime parses UpdatedAt. Returns the zero time when unset or invalid.
func (d Document) UpdatedAtTime() time.Time {
	t, err := time.Parse(time.RFC3339, d.UpdatedAt())
	if err != nil {
		return time.Time{}
	}
	return t
}

// Revision returns the store-maintained revision counter, or 0 when unset.
// JSON round-trips turn integers into float64, so both forms are accepted.
func (d Document) Revision() int64 {
	switch v := d[FieldRevision].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	default:
		return 0
	}
}

// FacilityID returns the facility scope, or "" for unscoped documents.
func (d Document) FacilityID() string {
	return d.stringField(FieldFacility)
}

// Clone returns a shallow copy. Nested maps and slices stay shared.
func (d Document) Clone() Document {
	if d == nil {
		return nil
	}
	out := make(Document, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}

func (d Document) stringField(key string) string {
	if v, ok := d[key].(string); ok {
		return v
	}
	return ""
}
