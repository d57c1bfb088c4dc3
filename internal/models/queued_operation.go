// Package models provides data model definitions for the CareSync core.
package models

// Queued operation types replayed by the offline queue processor.
const (
	OpCreate = "create"
	OpUpdate = "update"
	OpDelete = "delete"
)

// QueuedOperation is one buffered client mutation submitted for replay.
// ID is assigned by the client when the operation is enqueued offline and
// doubles as the idempotency key for duplicate submissions.
type QueuedOperation struct {
	ID         string   `json:"id"`
	Type       string   `json:"type"` // create, update, delete
	Collection string   `json:"collection"`
	DocumentID string   `json:"documentId"`
	Data       Document `json:"data,omitempty"`
	Timestamp  string   `json:"timestamp"`
}

// OperationResult is the per-operation outcome inside a queue batch response.
// Exactly one of the success fields or Error is meaningful.
type OperationResult struct {
	OperationID    string   `json:"operationId"`
	Type           string   `json:"type"`
	Collection     string   `json:"collection"`
	DocumentID     string   `json:"documentId"`
	Success        bool     `json:"success"`
	Document       Document `json:"document,omitempty"`
	Deleted        bool     `json:"deleted,omitempty"`
	AlreadyDeleted bool     `json:"alreadyDeleted,omitempty"`
	Replayed       bool     `json:"replayed,omitempty"`
	Error          string   `json:"error,omitempty"`
	Retryable      bool     `json:"retryable,omitempty"`
}
