package sync

import (
	"context"
	"time"

	"github.com/caredock/caresync/internal/errors"
	"github.com/caredock/caresync/internal/logging"
	"github.com/caredock/caresync/internal/models"
	"github.com/caredock/caresync/internal/store"
	"github.com/caredock/caresync/internal/syncutil"
)

// sessionListLimit bounds how many sessions one pass loads. Sessions are
// one row per device, so a realistic deployment stays far below this.
const sessionListLimit = 1000

// Sessions tracks which devices are online and which collections they
// watch. One row per device, keyed by device id; clients keep it alive by
// heartbeating, and the change notifier reads it to decide fan-out.
type Sessions struct {
	store  store.Store
	window time.Duration
}

// NewSessions returns a session tracker. window is how long a heartbeat
// keeps a session fresh.
func NewSessions(st store.Store, window time.Duration) *Sessions {
	if window <= 0 {
		window = 5 * time.Minute
	}
	return &Sessions{store: st, window: window}
}

// Window returns the configured heartbeat freshness window.
func (s *Sessions) Window() time.Duration {
	return s.window
}

// Heartbeat creates or refreshes the device's session. A device that
// changes hands keeps one session; the latest user and collection set win.
func (s *Sessions) Heartbeat(ctx context.Context, deviceID, userID string, collections []string) (*models.SyncSession, error) {
	if deviceID == "" || userID == "" || len(collections) == 0 {
		return nil, errors.New(errors.ErrValidation, "deviceId, userId and collections are required")
	}

	session := models.SyncSession{
		DeviceID:      deviceID,
		UserID:        userID,
		Collections:   collections,
		Status:        models.SessionActive,
		LastHeartbeat: syncutil.Now(),
	}
	doc, err := models.ToDocument(session)
	if err != nil {
		return nil, errors.Wrap(errors.ErrInternal, "encode session", err)
	}

	if _, err := s.store.Create(ctx, session.CollectionName(), deviceID, doc); err != nil {
		if !errors.Is(err, errors.ErrDuplicate) {
			return nil, err
		}
		if _, err := s.store.Update(ctx, session.CollectionName(), deviceID, doc); err != nil {
			return nil, err
		}
	}

	return &session, nil
}

// ActiveForCollection returns the sessions eligible for fan-out of a
// change in collection: watching it, marked active, heartbeat inside the
// window.
func (s *Sessions) ActiveForCollection(ctx context.Context, collection string) ([]models.SyncSession, error) {
	sessions, err := s.loadActive(ctx)
	if err != nil {
		return nil, err
	}

	cutoff := time.Now().Add(-s.window)
	out := make([]models.SyncSession, 0, len(sessions))
	for _, sess := range sessions {
		if !sess.WatchesCollection(collection) {
			continue
		}
		if sess.LastHeartbeatTime().Before(cutoff) {
			continue
		}
		out = append(out, sess)
	}
	return out, nil
}

// SweepStale marks sessions whose heartbeat fell outside the window as
// stale. Stale rows are kept for observability; fan-out already ignores
// them, so the sweep is janitorial.
func (s *Sessions) SweepStale(ctx context.Context) (int, error) {
	sessions, err := s.loadActive(ctx)
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().Add(-s.window)
	swept := 0
	for _, sess := range sessions {
		if !sess.LastHeartbeatTime().Before(cutoff) {
			continue
		}
		sess.Status = models.SessionStale
		doc, err := models.ToDocument(sess)
		if err != nil {
			continue
		}
		if _, err := s.store.Update(ctx, sess.CollectionName(), sess.DeviceID, doc); err != nil {
			logging.Get().Warn("marking session stale failed", map[string]interface{}{
				"device_id": sess.DeviceID,
				"error":     err.Error(),
			})
			continue
		}
		swept++
	}

	if swept > 0 {
		logging.Get().Info("stale sync sessions swept", map[string]interface{}{
			"swept": swept,
		})
	}
	return swept, nil
}

// loadActive returns every session still marked active. An unparseable
// row is skipped rather than failing the pass.
func (s *Sessions) loadActive(ctx context.Context) ([]models.SyncSession, error) {
	q := store.NewQuery().
		Where("status", models.SessionActive).
		WithLimit(sessionListLimit)
	page, err := s.store.List(ctx, models.CollectionSyncSessions, q)
	if err != nil {
		return nil, err
	}

	out := make([]models.SyncSession, 0, len(page.Documents))
	for _, doc := range page.Documents {
		var sess models.SyncSession
		if err := models.FromDocument(doc, &sess); err != nil || sess.DeviceID == "" {
			continue
		}
		out = append(out, sess)
	}
	return out, nil
}
