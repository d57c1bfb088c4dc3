// Package models provides data model definitions for the CareSync core.
package models

import "time"

// DeletionLogEntry is the tombstone for a hard-deleted document. The primary
// collection keeps no trace of a deletion, so this row is what lets other
// devices learn about it during incremental sync.
type DeletionLogEntry struct {
	Collection   string   `json:"collection"`
	DocumentID   string   `json:"document_id"`
	OriginalData Document `json:"original_data,omitempty"`
	DeletedBy    string   `json:"deleted_by"`
	DeletedAt    string   `json:"deleted_at"`
}

// CollectionName returns the collection DeletionLogEntry rows are stored in.
func (DeletionLogEntry) CollectionName() string {
	return CollectionDeletionLog
}

// DeletedAtTime parses DeletedAt. Returns the zero time when invalid.
func (d *DeletionLogEntry) DeletedAtTime() time.Time {
	t, err := time.Parse(time.RFC3339, d.DeletedAt)
	if err != nil {
		return time.Time{}
	}
	return t
}
