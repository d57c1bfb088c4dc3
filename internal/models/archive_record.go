// Package models provides data model definitions for the CareSync core.
package models

import "time"

// ArchiveRecord holds metadata for one produced audit archive.
type ArchiveRecord struct {
	FilePath    string `json:"file_path"`
	Checksum    string `json:"checksum"` // SHA-256
	SizeBytes   int64  `json:"size_bytes"`
	RowCount    int    `json:"row_count"`
	Since       string `json:"since"` // lower bound of the archived window
	IsEncrypted bool   `json:"is_encrypted"`
	Destination string `json:"destination,omitempty"` // object key when uploaded
	CreatedAt   string `json:"created_at"`
}

// CollectionName returns the collection ArchiveRecord rows are stored in.
func (ArchiveRecord) CollectionName() string {
	return CollectionArchiveRecords
}

// CreatedAtTime parses CreatedAt. Returns the zero time when invalid.
func (a *ArchiveRecord) CreatedAtTime() time.Time {
	t, err := time.Parse(time.RFC3339, a.CreatedAt)
	if err != nil {
		return time.Time{}
	}
	return t
}
