// Package models provides data model definitions for the CareSync core.
package models

import "time"

// Sync session lifecycle states.
const (
	SessionActive = "active"
	SessionStale  = "stale"
)

// SyncSession tracks one device's interest in a set of collections. Created
// and refreshed by client heartbeats; a session whose heartbeat falls outside
// the configured window is excluded from realtime fan-out.
type SyncSession struct {
	DeviceID      string   `json:"device_id"`
	UserID        string   `json:"user_id"`
	Collections   []string `json:"collections"`
	Status        string   `json:"status"` // active, stale
	LastHeartbeat string   `json:"last_heartbeat"`
}

// CollectionName returns the collection SyncSession rows are stored in.
func (SyncSession) CollectionName() string {
	return CollectionSyncSessions
}

// LastHeartbeatTime parses LastHeartbeat. Returns the zero time when invalid.
func (s *SyncSession) LastHeartbeatTime() time.Time {
	t, err := time.Parse(time.RFC3339, s.LastHeartbeat)
	if err != nil {
		return time.Time{}
	}
	return t
}

// WatchesCollection reports whether the session subscribed to collection.
func (s *SyncSession) WatchesCollection(collection string) bool {
	for _, c := range s.Collections {
		if c == collection {
			return true
		}
	}
	return false
}
