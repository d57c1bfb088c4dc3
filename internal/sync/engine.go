// Package sync implements the incremental pull that keeps offline devices
// current: each device asks for everything that changed in its collections
// since its last sync point and receives changed documents, tombstoned ids
// and a cursor when more pages remain.
package sync

import (
	"context"
	"fmt"

	"github.com/caredock/caresync/internal/access"
	"github.com/caredock/caresync/internal/config"
	"github.com/caredock/caresync/internal/errors"
	"github.com/caredock/caresync/internal/logging"
	"github.com/caredock/caresync/internal/models"
	"github.com/caredock/caresync/internal/store"
	"github.com/caredock/caresync/internal/syncutil"
)

// DeltaRequest is one device's incremental sync request. An empty
// LastSyncTimestamp means initial sync: every visible document, no
// deletions.
type DeltaRequest struct {
	DeviceID          string   `json:"deviceId"`
	UserID            string   `json:"userId"`
	LastSyncTimestamp string   `json:"lastSyncTimestamp"`
	Collections       []string `json:"collections"`
	PageLimit         int      `json:"pageLimit,omitempty"`
	PageCursor        string   `json:"pageCursor,omitempty"`
	MaxPages          int      `json:"maxPages,omitempty"`
	Compress          bool     `json:"compress,omitempty"`
}

// CollectionDelta is one collection's slice of a sync response. A failed
// collection carries Error and Code instead of data; the other collections
// in the same response are unaffected.
type CollectionDelta struct {
	Documents  []models.Document `json:"documents"`
	DeletedIDs []string          `json:"deletedIds"`
	NextCursor string            `json:"nextCursor,omitempty"`
	Error      string            `json:"error,omitempty"`
	Code       string            `json:"code,omitempty"`
}

// DeltaResponse is the full sync response. CompressedResults, present when
// the request asked for it, is the Results object as JSON, gzipped and
// base64-encoded; clients may use either representation.
type DeltaResponse struct {
	Success           bool                       `json:"success"`
	Results           map[string]CollectionDelta `json:"results"`
	CompressedResults string                     `json:"compressedResults,omitempty"`
}

// Engine serves incremental sync requests. It is stateless; every request
// is answered from the store alone.
type Engine struct {
	store  store.Store
	gate   access.Gate
	scopes access.ScopeResolver
	cfg    config.SyncConfig
}

// NewEngine returns an engine bound to the given store and access control.
func NewEngine(st store.Store, gate access.Gate, scopes access.ScopeResolver, cfg config.SyncConfig) *Engine {
	return &Engine{store: st, gate: gate, scopes: scopes, cfg: cfg}
}

// Delta answers one incremental sync request. Collection failures degrade
// to per-collection error markers; the returned error is reserved for
// request-level problems such as missing fields or an unresolvable
// facility scope.
func (e *Engine) Delta(ctx context.Context, req DeltaRequest) (*DeltaResponse, error) {
	if req.DeviceID == "" || req.UserID == "" || len(req.Collections) == 0 {
		return nil, errors.New(errors.ErrValidation, "deviceId, userId and collections are required")
	}

	since := ""
	if req.LastSyncTimestamp != "" {
		normalized, err := syncutil.NormalizeTimestamp(req.LastSyncTimestamp)
		if err != nil {
			return nil, errors.Wrap(errors.ErrValidation, "invalid lastSyncTimestamp", err)
		}
		since = normalized
	}

	// Scope failure aborts the whole request: proceeding unscoped would
	// return documents the caller may not see.
	scope, err := e.scopes.FacilityScope(ctx, req.UserID)
	if err != nil {
		return nil, errors.Wrap(errors.ErrPermission, "facility scope unresolved", err)
	}

	limit := e.pageLimit(req.PageLimit)
	pages := e.pageBudget(req.MaxPages)

	resp := &DeltaResponse{
		Success: true,
		Results: make(map[string]CollectionDelta, len(req.Collections)),
	}
	documents, deletions, failed := 0, 0, 0
	for _, collection := range req.Collections {
		delta := e.collectionDelta(ctx, collection, req.UserID, since, scope, limit, pages, req.PageCursor)
		if delta.Error != "" {
			failed++
		}
		documents += len(delta.Documents)
		deletions += len(delta.DeletedIDs)
		resp.Results[collection] = delta
	}

	if req.Compress {
		encoded, err := syncutil.CompressJSON(resp.Results)
		if err != nil {
			logging.Get().Warn("compressing sync results failed", map[string]interface{}{
				"device_id": req.DeviceID,
				"error":     err.Error(),
			})
		} else {
			resp.CompressedResults = encoded
		}
	}

	e.writeOperationLog(ctx, req, documents, deletions, failed)

	logging.Get().Info("incremental sync served", map[string]interface{}{
		"device_id":   req.DeviceID,
		"user_id":     req.UserID,
		"collections": len(req.Collections),
		"documents":   documents,
		"deletions":   deletions,
		"failed":      failed,
	})

	return resp, nil
}

// collectionDelta assembles one collection's documents and deletions.
// Any failure turns into an error marker so the remaining collections in
// the same request still get served.
func (e *Engine) collectionDelta(ctx context.Context, collection, userID, since string, scope access.Scope, limit, pages int, cursor string) CollectionDelta {
	if collection == "" || models.IsLogCollection(collection) {
		return errorDelta(errors.Newf(errors.ErrValidation, "collection %q is not syncable", collection))
	}

	allowed, err := e.gate.CanAccessCollection(ctx, userID, collection, access.OpRead)
	if err != nil {
		return errorDelta(errors.Wrap(errors.ErrPermission, "permission check failed", err))
	}
	if !allowed {
		return errorDelta(errors.Newf(errors.ErrPermission, "user %s cannot read collection %s", userID, collection))
	}

	delta := CollectionDelta{Documents: []models.Document{}, DeletedIDs: []string{}}

	// A scoped user with no facilities sees nothing. That is an empty
	// result, not an error.
	if !scope.All && len(scope.Facilities) == 0 {
		return delta
	}

	next := cursor
	for page := 0; page < pages; page++ {
		q := store.NewQuery().WithLimit(limit).WithCursor(next)
		if !scope.All {
			q = q.Facility(scope.Facilities...)
		}
		if since != "" {
			q = q.UpdatedSince(since)
		}
		pg, err := e.store.List(ctx, collection, q)
		if err != nil {
			return errorDelta(err)
		}
		delta.Documents = append(delta.Documents, pg.Documents...)
		next = pg.NextCursor
		if next == "" {
			break
		}
	}
	// Non-empty after the page budget is spent: the client resumes here.
	delta.NextCursor = next

	deleted, err := e.deletedSince(ctx, collection, since, scope)
	if err != nil {
		return errorDelta(err)
	}
	delta.DeletedIDs = deleted

	return delta
}

// deletedSince reports ids tombstoned in collection after the sync point.
// Initial syncs skip the lookup: a device with no local data has nothing
// to delete.
func (e *Engine) deletedSince(ctx context.Context, collection, since string, scope access.Scope) ([]string, error) {
	if since == "" {
		return []string{}, nil
	}

	q := store.NewQuery().
		Where("collection", collection).
		WithLimit(e.cfg.DeletionListLimit)
	q.Filters = append(q.Filters, store.FieldAfter("deleted_at", since))

	page, err := e.store.List(ctx, models.CollectionDeletionLog, q)
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(page.Documents))
	for _, doc := range page.Documents {
		var entry models.DeletionLogEntry
		if err := models.FromDocument(doc, &entry); err != nil || entry.DocumentID == "" {
			logging.Get().Warn("skipping unreadable deletion log row", map[string]interface{}{
				"collection": collection,
				"row_id":     doc.ID(),
			})
			continue
		}
		// The tombstone inherits the document's facility. Scoped users
		// only learn about deletions they could have seen.
		if !scope.All && !scopeContains(scope.Facilities, entry.OriginalData.FacilityID()) {
			continue
		}
		ids = append(ids, entry.DocumentID)
	}
	return ids, nil
}

// writeOperationLog records one summary row per sync invocation. Failure
// is logged and swallowed; an audit miss never fails the sync itself.
func (e *Engine) writeOperationLog(ctx context.Context, req DeltaRequest, documents, deletions, failed int) {
	status := models.LogStatusCompleted
	details := ""
	switch {
	case failed == len(req.Collections):
		status = models.LogStatusFailed
	case failed > 0:
		status = models.LogStatusPartial
	}
	if failed > 0 {
		details = fmt.Sprintf("%d of %d collections failed", failed, len(req.Collections))
	}

	entry := models.SyncOperationLog{
		DeviceID:    req.DeviceID,
		UserID:      req.UserID,
		Collections: req.Collections,
		Status:      status,
		Documents:   documents,
		Deletions:   deletions,
		Details:     details,
		Timestamp:   syncutil.Now(),
	}
	doc, err := models.ToDocument(entry)
	if err == nil {
		_, err = e.store.Create(ctx, entry.CollectionName(), "", doc)
	}
	if err != nil {
		logging.Get().Warn("sync operation log write failed", map[string]interface{}{
			"device_id": req.DeviceID,
			"error":     err.Error(),
		})
	}
}

// pageLimit applies the default and cap to a requested page size.
func (e *Engine) pageLimit(requested int) int {
	limit := requested
	if limit <= 0 {
		limit = e.cfg.DefaultPageLimit
	}
	if e.cfg.MaxPageLimit > 0 && limit > e.cfg.MaxPageLimit {
		limit = e.cfg.MaxPageLimit
	}
	if limit <= 0 {
		limit = 100
	}
	return limit
}

// pageBudget bounds how many pages one call may consume per collection.
func (e *Engine) pageBudget(requested int) int {
	pages := requested
	if pages <= 0 || (e.cfg.MaxPages > 0 && pages > e.cfg.MaxPages) {
		pages = e.cfg.MaxPages
	}
	if pages <= 0 {
		pages = 1
	}
	return pages
}

func errorDelta(err error) CollectionDelta {
	return CollectionDelta{
		Documents:  []models.Document{},
		DeletedIDs: []string{},
		Error:      err.Error(),
		Code:       string(errors.CodeOf(err)),
	}
}

func scopeContains(facilities []string, facility string) bool {
	for _, f := range facilities {
		if f == facility {
			return true
		}
	}
	return false
}
