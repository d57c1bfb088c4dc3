// Package models provides data model definitions for the CareSync core.
package models

// Sync notification delivery states. Only the downstream delivery mechanism
// moves a notification past pending.
const (
	NotificationPending   = "pending"
	NotificationDelivered = "delivered"
)

// SyncNotification tells one device that a document it watches changed.
// Written by the change notifier during fan-out.
type SyncNotification struct {
	DeviceID   string `json:"device_id"`
	UserID     string `json:"user_id"`
	Collection string `json:"collection"`
	DocumentID string `json:"document_id"`
	Operation  string `json:"operation"` // create, update, delete
	Timestamp  string `json:"timestamp"`
	Status     string `json:"status"` // pending, delivered
}

// CollectionName returns the collection SyncNotification rows are stored in.
func (SyncNotification) CollectionName() string {
	return CollectionSyncNotifications
}

// RealtimeNotification is the push-channel twin of SyncNotification: a
// serialized event envelope queued for live delivery to one device.
// Delivered stays false until the delivery mechanism confirms the push.
type RealtimeNotification struct {
	DeviceID  string `json:"device_id"`
	Data      string `json:"data"` // JSON event envelope
	CreatedAt string `json:"created_at"`
	Delivered bool   `json:"delivered"`
}

// CollectionName returns the collection RealtimeNotification rows are stored in.
func (RealtimeNotification) CollectionName() string {
	return CollectionRealtimeNotifications
}
