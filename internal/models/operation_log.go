// Package models provides data model definitions for the CareSync core.
package models

// Outcome states shared by the operation summary logs.
const (
	LogStatusCompleted = "completed"
	LogStatusPartial   = "partial"
	LogStatusFailed    = "failed"
)

// SyncOperationLog summarizes one incremental sync invocation.
type SyncOperationLog struct {
	DeviceID    string   `json:"device_id"`
	UserID      string   `json:"user_id"`
	Collections []string `json:"collections"`
	Status      string   `json:"status"` // completed, partial, failed
	Documents   int      `json:"documents"`
	Deletions   int      `json:"deletions"`
	Details     string   `json:"details,omitempty"`
	Timestamp   string   `json:"timestamp"`
}

// CollectionName returns the collection SyncOperationLog rows are stored in.
func (SyncOperationLog) CollectionName() string {
	return CollectionSyncOperations
}

// QueueProcessingLog summarizes one offline queue batch. Successful and
// Failed always sum to Processed.
type QueueProcessingLog struct {
	DeviceID   string `json:"device_id"`
	UserID     string `json:"user_id"`
	Processed  int    `json:"processed"`
	Successful int    `json:"successful"`
	Failed     int    `json:"failed"`
	Results    string `json:"results,omitempty"` // JSON array of per-op outcomes
	Timestamp  string `json:"timestamp"`
}

// CollectionName returns the collection QueueProcessingLog rows are stored in.
func (QueueProcessingLog) CollectionName() string {
	return CollectionQueueProcessingLog
}

// IdempotencyRecord pins the outcome of one queued operation id so a
// duplicate submission short-circuits instead of re-executing.
type IdempotencyRecord struct {
	OperationID string `json:"operation_id"`
	DeviceID    string `json:"device_id"`
	Outcome     string `json:"outcome"` // JSON OperationResult
	RecordedAt  string `json:"recorded_at"`
}

// CollectionName returns the collection IdempotencyRecord rows are stored in.
func (IdempotencyRecord) CollectionName() string {
	return CollectionQueueIdempotency
}
