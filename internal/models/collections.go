// Package models provides data model definitions for the CareSync core.
package models

// Log and bookkeeping collections written by the sync core. All are
// append-only except active_sync_sessions, which is refreshed in place.
const (
	CollectionSyncOperations        = "sync_operations"
	CollectionConflictLog           = "conflict_log"
	CollectionQueueProcessingLog    = "queue_processing_log"
	CollectionDeletionLog           = "deletion_log"
	CollectionSyncSessions          = "active_sync_sessions"
	CollectionSyncNotifications     = "sync_notifications"
	CollectionRealtimeNotifications = "realtime_notifications"
	CollectionQueueIdempotency      = "queue_idempotency"
	CollectionArchiveRecords        = "archive_records"
	CollectionArchiveCredentials    = "archive_credentials"
)

// IsLogCollection reports whether name is one of the collections the sync
// core itself writes. The change notifier never watches these.
func IsLogCollection(name string) bool {
	switch name {
	case CollectionSyncOperations, CollectionConflictLog, CollectionQueueProcessingLog,
		CollectionDeletionLog, CollectionSyncSessions, CollectionSyncNotifications,
		CollectionRealtimeNotifications, CollectionQueueIdempotency,
		CollectionArchiveRecords, CollectionArchiveCredentials:
		return true
	}
	return false
}
