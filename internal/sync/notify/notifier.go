// Package notify fans committed document changes out to the devices
// watching the affected collections. Each qualifying device gets a
// durable notification row pair; live push over the optional delivery
// hook is an optimization on top, never the source of truth.
package notify

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/caredock/caresync/internal/errors"
	"github.com/caredock/caresync/internal/logging"
	"github.com/caredock/caresync/internal/models"
	"github.com/caredock/caresync/internal/store"
	"github.com/caredock/caresync/internal/syncutil"
	"github.com/caredock/caresync/internal/uuid"
)

// pendingListLimit bounds one poll's worth of undelivered notifications.
const pendingListLimit = 500

// purgePageLimit bounds one retention pass's page size.
const purgePageLimit = 500

// DeliveryHook attempts a live push of one envelope to a device.
// Implementations return true only when the device actually received it;
// anything less leaves the notification undelivered for the poll path.
type DeliveryHook interface {
	Deliver(deviceID string, envelope []byte) bool
}

// SessionSource yields the sessions eligible for fan-out of a change in
// one collection.
type SessionSource interface {
	ActiveForCollection(ctx context.Context, collection string) ([]models.SyncSession, error)
}

// Envelope is the wire form one device receives for one change. Document
// carries the new body on create and update so the device can apply the
// change without another round trip.
type Envelope struct {
	Collection string          `json:"collection"`
	DocumentID string          `json:"documentId"`
	Operation  string          `json:"operation"`
	Timestamp  string          `json:"timestamp"`
	Document   models.Document `json:"document,omitempty"`
}

// PendingNotification is one undelivered realtime row plus its store id,
// which the client echoes back when acknowledging.
type PendingNotification struct {
	ID string `json:"id"`
	models.RealtimeNotification
}

// Notifier turns change events into per-device notification rows. It
// subscribes to the store's change dispatcher and never watches the log
// collections, so its own writes cannot feed back into it.
type Notifier struct {
	store    store.Store
	sessions SessionSource
	watched  map[string]bool

	hookMu sync.RWMutex
	hook   DeliveryHook
}

// NewNotifier returns a notifier fanning out changes in the given
// collections. Log collections are dropped from the watch set.
func NewNotifier(st store.Store, sessions SessionSource, collections []string) *Notifier {
	watched := make(map[string]bool, len(collections))
	for _, c := range collections {
		if c == "" || models.IsLogCollection(c) {
			continue
		}
		watched[c] = true
	}
	return &Notifier{store: st, sessions: sessions, watched: watched}
}

// SetDeliveryHook wires the live push channel. A nil hook leaves every
// delivery to the poll path.
func (n *Notifier) SetDeliveryHook(hook DeliveryHook) {
	n.hookMu.Lock()
	n.hook = hook
	n.hookMu.Unlock()
}

func (n *Notifier) deliveryHook() DeliveryHook {
	n.hookMu.RLock()
	defer n.hookMu.RUnlock()
	return n.hook
}

// HandleEvents is the dispatcher subscription entry point. Events arrive
// in commit order and are fanned out one at a time.
func (n *Notifier) HandleEvents(events []store.ChangeEvent) {
	ctx := context.Background()
	for _, event := range events {
		n.fanOut(ctx, event)
	}
}

// fanOut notifies every eligible session about one change. Per-session
// failures are logged and skipped; one unreachable row never starves the
// other devices.
func (n *Notifier) fanOut(ctx context.Context, event store.ChangeEvent) {
	if !n.watched[event.Collection] || models.IsLogCollection(event.Collection) {
		return
	}

	sessions, err := n.sessions.ActiveForCollection(ctx, event.Collection)
	if err != nil {
		logging.Get().Error("loading sessions for fan-out failed", err, map[string]interface{}{
			"collection": event.Collection,
		})
		return
	}
	if len(sessions) == 0 {
		return
	}

	envelope, err := json.Marshal(buildEnvelope(event))
	if err != nil {
		logging.Get().Error("encoding change envelope failed", err, map[string]interface{}{
			"collection":  event.Collection,
			"document_id": event.DocumentID,
		})
		return
	}

	notified := 0
	for _, sess := range sessions {
		// The writer already has this change
		if event.Actor != "" && sess.DeviceID == event.Actor {
			continue
		}
		if err := n.notifyDevice(ctx, sess, event, envelope); err != nil {
			logging.Get().Warn("fan-out to device failed", map[string]interface{}{
				"device_id":  sess.DeviceID,
				"collection": event.Collection,
				"error":      err.Error(),
			})
			continue
		}
		notified++
	}

	if notified > 0 {
		logging.Get().Debug("change fanned out", map[string]interface{}{
			"collection":  event.Collection,
			"document_id": event.DocumentID,
			"operation":   operationName(event.Operation),
			"devices":     notified,
		})
	}
}

// notifyDevice writes the notification row pair for one session and
// offers the envelope to the live hook. Both rows share a minted id so an
// acknowledgement can flip them together.
func (n *Notifier) notifyDevice(ctx context.Context, sess models.SyncSession, event store.ChangeEvent, envelope []byte) error {
	id := uuid.New()

	notification := models.SyncNotification{
		DeviceID:   sess.DeviceID,
		UserID:     sess.UserID,
		Collection: event.Collection,
		DocumentID: event.DocumentID,
		Operation:  operationName(event.Operation),
		Timestamp:  event.Timestamp,
		Status:     models.NotificationPending,
	}
	doc, err := models.ToDocument(notification)
	if err != nil {
		return errors.Wrap(errors.ErrInternal, "encode notification", err)
	}
	if _, err := n.store.Create(ctx, notification.CollectionName(), id, doc); err != nil {
		return err
	}

	realtime := models.RealtimeNotification{
		DeviceID:  sess.DeviceID,
		Data:      string(envelope),
		CreatedAt: syncutil.Now(),
		Delivered: false,
	}
	rdoc, err := models.ToDocument(realtime)
	if err != nil {
		return errors.Wrap(errors.ErrInternal, "encode realtime notification", err)
	}
	if _, err := n.store.Create(ctx, realtime.CollectionName(), id, rdoc); err != nil {
		return err
	}

	if hook := n.deliveryHook(); hook != nil && hook.Deliver(sess.DeviceID, envelope) {
		n.markDelivered(ctx, sess.DeviceID, id)
	}
	return nil
}

// Pending returns the undelivered realtime notifications for a device,
// oldest first. This is the poll path for devices without a live socket.
func (n *Notifier) Pending(ctx context.Context, deviceID string) ([]PendingNotification, error) {
	if deviceID == "" {
		return nil, errors.New(errors.ErrValidation, "deviceId is required")
	}

	q := store.NewQuery().
		Where("device_id", deviceID).
		Where("delivered", false).
		WithLimit(pendingListLimit)
	page, err := n.store.List(ctx, models.CollectionRealtimeNotifications, q)
	if err != nil {
		return nil, err
	}

	out := make([]PendingNotification, 0, len(page.Documents))
	for _, doc := range page.Documents {
		var row models.RealtimeNotification
		if err := models.FromDocument(doc, &row); err != nil {
			continue
		}
		out = append(out, PendingNotification{ID: doc.ID(), RealtimeNotification: row})
	}
	return out, nil
}

// Ack marks notifications delivered on behalf of a device. Unknown ids,
// other devices' ids and already-delivered rows are skipped; the count of
// flipped rows is returned.
func (n *Notifier) Ack(ctx context.Context, deviceID string, ids []string) (int, error) {
	if deviceID == "" || len(ids) == 0 {
		return 0, errors.New(errors.ErrValidation, "deviceId and ids are required")
	}
	acked := 0
	for _, id := range ids {
		if n.markDelivered(ctx, deviceID, id) {
			acked++
		}
	}
	return acked, nil
}

// markDelivered flips one realtime row and its audit twin. Rows share an
// id minted at fan-out time, so no search is needed.
func (n *Notifier) markDelivered(ctx context.Context, deviceID, id string) bool {
	doc, err := n.store.Get(ctx, models.CollectionRealtimeNotifications, id)
	if err != nil {
		if !errors.IsNotFound(err) {
			logging.Get().Warn("reading notification for ack failed", map[string]interface{}{
				"id":    id,
				"error": err.Error(),
			})
		}
		return false
	}

	var row models.RealtimeNotification
	if err := models.FromDocument(doc, &row); err != nil {
		return false
	}
	if row.DeviceID != deviceID || row.Delivered {
		return false
	}

	doc["delivered"] = true
	if _, err := n.store.Update(ctx, models.CollectionRealtimeNotifications, id, doc); err != nil {
		logging.Get().Warn("marking notification delivered failed", map[string]interface{}{
			"id":    id,
			"error": err.Error(),
		})
		return false
	}

	if ndoc, err := n.store.Get(ctx, models.CollectionSyncNotifications, id); err == nil {
		ndoc["status"] = models.NotificationDelivered
		if _, err := n.store.Update(ctx, models.CollectionSyncNotifications, id, ndoc); err != nil {
			logging.Get().Warn("marking notification status failed", map[string]interface{}{
				"id":    id,
				"error": err.Error(),
			})
		}
	}
	return true
}

// PurgeAged deletes delivered realtime rows and delivered audit rows
// older than maxAge. Pending rows survive regardless of age so a device
// that was offline past the window still finds its backlog. Returns the
// number of rows removed across both collections.
func (n *Notifier) PurgeAged(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := syncutil.FormatTimestamp(time.Now().Add(-maxAge))

	purged, err := n.purgeCollection(ctx, models.CollectionRealtimeNotifications,
		"delivered", true, "created_at", cutoff)
	if err != nil {
		return purged, err
	}
	audit, err := n.purgeCollection(ctx, models.CollectionSyncNotifications,
		"status", models.NotificationDelivered, "timestamp", cutoff)
	return purged + audit, err
}

// purgeCollection pages through rows matching the marker field and
// deletes those whose stamp sorts before cutoff. Stamps are canonical,
// so string order is time order. Pagination is keyset-based; deleting
// behind the cursor never skips rows.
func (n *Notifier) purgeCollection(ctx context.Context, collection, markField string, markValue interface{}, stampField, cutoff string) (int, error) {
	purged := 0
	cursor := ""
	for {
		q := store.NewQuery().
			Where(markField, markValue).
			WithLimit(purgePageLimit).
			WithCursor(cursor)
		page, err := n.store.List(ctx, collection, q)
		if err != nil {
			return purged, err
		}
		for _, doc := range page.Documents {
			stamp, _ := doc[stampField].(string)
			if stamp == "" || stamp >= cutoff {
				continue
			}
			if err := n.store.Delete(ctx, collection, doc.ID()); err != nil {
				if !errors.IsNotFound(err) {
					logging.Get().Warn("purging notification failed", map[string]interface{}{
						"collection": collection,
						"id":         doc.ID(),
						"error":      err.Error(),
					})
				}
				continue
			}
			purged++
		}
		if page.NextCursor == "" {
			return purged, nil
		}
		cursor = page.NextCursor
	}
}

// buildEnvelope renders the client-facing event form. Deletes carry no
// body; the id is all a device needs to drop its copy.
func buildEnvelope(event store.ChangeEvent) Envelope {
	env := Envelope{
		Collection: event.Collection,
		DocumentID: event.DocumentID,
		Operation:  operationName(event.Operation),
		Timestamp:  event.Timestamp,
	}
	if event.Operation != store.OpDelete {
		env.Document = event.After
	}
	return env
}

// operationName maps store change ops to the client-facing names.
func operationName(op store.ChangeOp) string {
	if op == store.OpInsert {
		return "create"
	}
	return string(op)
}
