// Package conflict resolves concurrent edits between offline devices
// and the server copy of a document.
package conflict

import (
	"context"

	"github.com/caredock/caresync/internal/config"
	"github.com/caredock/caresync/internal/errors"
	"github.com/caredock/caresync/internal/logging"
	"github.com/caredock/caresync/internal/models"
	"github.com/caredock/caresync/internal/store"
	"github.com/caredock/caresync/internal/syncutil"
)

// Winner side of a resolution.
const (
	WinnerServer = "server"
	WinnerClient = "client"
	WinnerMerged = "merged"
)

// maxAttempts bounds the read-resolve-swap loop when concurrent
// writers keep moving the document revision.
const maxAttempts = 3

// Resolution is the outcome of one conflict resolution.
type Resolution struct {
	Collection string          `json:"collection"`
	DocumentID string          `json:"documentId"`
	Strategy   string          `json:"strategy"`
	Winner     string          `json:"winner"`
	Created    bool            `json:"created,omitempty"`
	Attempts   int             `json:"attempts"`
	Document   models.Document `json:"document"`
}

// Resolver applies per-collection conflict strategies. Collections
// without a configured strategy fail closed: the caller must surface
// the conflict instead of guessing.
type Resolver struct {
	store store.Store
	rules map[string]config.CollectionConfig
}

// NewResolver creates a resolver over the configured collections.
func NewResolver(st store.Store, rules map[string]config.CollectionConfig) *Resolver {
	return &Resolver{
		store: st,
		rules: rules,
	}
}

// StrategyFor returns the conflict configuration for a collection.
// Unconfigured collections and unknown strategy names both fail with
// STRATEGY_NOT_CONFIGURED.
func (r *Resolver) StrategyFor(collection string) (config.CollectionConfig, error) {
	cfg, ok := r.rules[collection]
	if !ok {
		return config.CollectionConfig{}, errors.Newf(errors.ErrStrategyNotConfigured,
			"no conflict strategy configured for collection %q", collection)
	}
	switch cfg.Strategy {
	case config.StrategyServerWins, config.StrategyClientWins,
		config.StrategyMergeServerPriority, config.StrategyMergeClientPriority,
		config.StrategyFieldLevelMerge:
		return cfg, nil
	default:
		return config.CollectionConfig{}, errors.Newf(errors.ErrStrategyNotConfigured,
			"unknown conflict strategy %q for collection %q", cfg.Strategy, collection)
	}
}

// Resolve applies the collection's strategy to client data against the
// current server document and persists the outcome.
//
// The write is revision-guarded: the server document is read, the
// resolution computed against it, and the result swapped in only if
// the revision is unchanged. A lost swap re-reads and re-resolves,
// bounded at maxAttempts.
func (r *Resolver) Resolve(ctx context.Context, collection, documentID string, clientData models.Document, deviceID, userID string) (*Resolution, error) {
	if collection == "" || documentID == "" {
		return nil, errors.New(errors.ErrValidation, "collection and documentId are required")
	}
	cfg, err := r.StrategyFor(collection)
	if err != nil {
		return nil, err
	}

	client := syncutil.Sanitize(clientData)
	log := logging.Get()

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		server, err := r.store.Get(ctx, collection, documentID)
		if errors.IsNotFound(err) {
			// No server copy: nothing to conflict with, the client
			// data is created as-is.
			created, cErr := r.store.Create(ctx, collection, documentID, client)
			if cErr != nil {
				if errors.Is(cErr, errors.ErrDuplicate) {
					continue // another writer created it first
				}
				return nil, cErr
			}
			res := &Resolution{
				Collection: collection,
				DocumentID: documentID,
				Strategy:   cfg.Strategy,
				Winner:     WinnerClient,
				Created:    true,
				Attempts:   attempt,
				Document:   created,
			}
			r.writeConflictLog(ctx, cfg.Strategy, collection, documentID, nil, client, client, deviceID, userID)
			return res, nil
		}
		if err != nil {
			return nil, err
		}

		resolved, winner := resolveData(cfg, server, client)

		if cfg.Strategy == config.StrategyServerWins {
			// The server copy stands unchanged. No write, so no
			// phantom revision bump fanning out to other devices.
			res := &Resolution{
				Collection: collection,
				DocumentID: documentID,
				Strategy:   cfg.Strategy,
				Winner:     winner,
				Attempts:   attempt,
				Document:   server,
			}
			r.writeConflictLog(ctx, cfg.Strategy, collection, documentID, server, client, resolved, deviceID, userID)
			return res, nil
		}

		updated, uErr := r.store.UpdateWithRevision(ctx, collection, documentID, resolved, server.Revision())
		if uErr != nil {
			if errors.Is(uErr, errors.ErrRevisionMismatch) || errors.IsNotFound(uErr) {
				log.Debug("resolution lost revision race, retrying", map[string]interface{}{
					"collection":  collection,
					"document_id": documentID,
					"attempt":     attempt,
				})
				continue
			}
			return nil, uErr
		}

		res := &Resolution{
			Collection: collection,
			DocumentID: documentID,
			Strategy:   cfg.Strategy,
			Winner:     winner,
			Attempts:   attempt,
			Document:   updated,
		}
		r.writeConflictLog(ctx, cfg.Strategy, collection, documentID, server, client, resolved, deviceID, userID)
		return res, nil
	}

	return nil, errors.Newf(errors.ErrConflict,
		"document %s/%s kept changing during resolution", collection, documentID)
}

// resolveData computes the resolved body for a configured strategy.
// The strategy is assumed validated by StrategyFor.
func resolveData(cfg config.CollectionConfig, server, client models.Document) (models.Document, string) {
	serverBody := syncutil.Sanitize(server)

	switch cfg.Strategy {
	case config.StrategyServerWins:
		return serverBody, WinnerServer
	case config.StrategyClientWins:
		return client.Clone(), WinnerClient
	case config.StrategyMergeServerPriority:
		return overlay(client, serverBody), WinnerMerged
	case config.StrategyMergeClientPriority:
		return overlay(serverBody, client), WinnerMerged
	default: // field_level_merge
		return fieldMerge(cfg, serverBody, client), WinnerMerged
	}
}

// overlay merges two bodies, with over's value winning for every field
// both sides carry.
func overlay(base, over models.Document) models.Document {
	merged := base.Clone()
	for k, v := range over {
		merged[k] = v
	}
	return merged
}

// fieldMerge awards each field to the side its rule names, with
// unlisted fields going to the collection's default side. A field the
// winning side does not carry falls back to the other side, so data is
// never dropped by a rule.
func fieldMerge(cfg config.CollectionConfig, server, client models.Document) models.Document {
	merged := models.Document{}
	for field := range server {
		merged[field] = pickSide(cfg, field, server, client)
	}
	for field := range client {
		if _, done := merged[field]; !done {
			merged[field] = pickSide(cfg, field, server, client)
		}
	}
	return merged
}

func pickSide(cfg config.CollectionConfig, field string, server, client models.Document) interface{} {
	side, ok := cfg.FieldRules[field]
	if !ok {
		side = cfg.DefaultSide
	}

	winner, loser := server, client
	if side == config.SideClient {
		winner, loser = client, server
	}
	if v, ok := winner[field]; ok {
		return v
	}
	return loser[field]
}

// writeConflictLog records the resolution for audit. Failures are
// logged and swallowed: audit trails must not fail resolutions.
func (r *Resolver) writeConflictLog(ctx context.Context, strategy, collection, documentID string, server, client, resolved models.Document, deviceID, userID string) {
	entry := models.ConflictLogEntry{
		Collection:   collection,
		DocumentID:   documentID,
		ServerData:   server,
		ClientData:   client,
		ResolvedData: resolved,
		Strategy:     strategy,
		DeviceID:     deviceID,
		UserID:       userID,
		Timestamp:    syncutil.Now(),
	}
	doc, err := models.ToDocument(entry)
	if err == nil {
		_, err = r.store.Create(ctx, entry.CollectionName(), "", doc)
	}
	if err != nil {
		logging.Get().Warn("failed to write conflict log entry", map[string]interface{}{
			"collection":  collection,
			"document_id": documentID,
			"error":       err.Error(),
		})
	}
}
