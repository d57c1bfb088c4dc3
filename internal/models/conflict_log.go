// Package models provides data model definitions for the CareSync core.
package models

import "time"

// ConflictLogEntry records one conflict resolution for audit trails.
// Server, client and resolved bodies are kept in full so a resolution can be
// reconstructed after the fact.
type ConflictLogEntry struct {
	Collection   string   `json:"collection"`
	DocumentID   string   `json:"document_id"`
	ServerData   Document `json:"server_data,omitempty"`
	ClientData   Document `json:"client_data,omitempty"`
	ResolvedData Document `json:"resolved_data,omitempty"`
	Strategy     string   `json:"strategy"`
	DeviceID     string   `json:"device_id"`
	UserID       string   `json:"user_id"`
	Timestamp    string   `json:"timestamp"`
}

// CollectionName returns the collection ConflictLogEntry rows are stored in.
func (ConflictLogEntry) CollectionName() string {
	return CollectionConflictLog
}

// TimestampTime parses Timestamp. Returns the zero time when invalid.
func (c *ConflictLogEntry) TimestampTime() time.Time {
	t, err := time.Parse(time.RFC3339, c.Timestamp)
	if err != nil {
		return time.Time{}
	}
	return t
}
