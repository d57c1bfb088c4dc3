// Package queue replays batches of operations buffered by offline
// devices against the document store.
package queue

import (
	"context"
	"encoding/json"

	"github.com/caredock/caresync/internal/access"
	"github.com/caredock/caresync/internal/errors"
	"github.com/caredock/caresync/internal/logging"
	"github.com/caredock/caresync/internal/models"
	"github.com/caredock/caresync/internal/store"
	"github.com/caredock/caresync/internal/sync/conflict"
	"github.com/caredock/caresync/internal/syncutil"
)

// BatchResult is the outcome of one replayed batch. Successful and
// Failed always sum to Processed, which always equals the number of
// submitted operations.
type BatchResult struct {
	Processed  int                      `json:"processed"`
	Successful int                      `json:"successful"`
	Failed     int                      `json:"failed"`
	Results    []models.OperationResult `json:"results"`
}

// Processor replays queued operations in client order. Each operation
// is isolated: a failure produces a failed result, never an aborted
// batch.
type Processor struct {
	store    store.Store
	resolver *conflict.Resolver
	gate     access.Gate
}

// NewProcessor creates a processor. The gate may be nil to skip
// permission checks.
func NewProcessor(st store.Store, resolver *conflict.Resolver, gate access.Gate) *Processor {
	return &Processor{
		store:    st,
		resolver: resolver,
		gate:     gate,
	}
}

// Process replays the batch in order and returns per-operation
// results. The batch itself only errors on invalid arguments; all
// execution failures are reported inside the results.
func (p *Processor) Process(ctx context.Context, deviceID, userID string, operations []models.QueuedOperation) (*BatchResult, error) {
	if deviceID == "" {
		return nil, errors.New(errors.ErrValidation, "deviceId is required")
	}
	ctx = store.WithActor(ctx, deviceID)

	batch := &BatchResult{Results: make([]models.OperationResult, 0, len(operations))}
	for _, op := range operations {
		result := p.processOne(ctx, deviceID, userID, op)
		batch.Results = append(batch.Results, result)
		if result.Success {
			batch.Successful++
		} else {
			batch.Failed++
		}
	}
	batch.Processed = len(batch.Results)

	p.writeBatchLog(ctx, deviceID, userID, batch)
	logging.Get().Info("queue batch processed", map[string]interface{}{
		"device_id":  deviceID,
		"processed":  batch.Processed,
		"successful": batch.Successful,
		"failed":     batch.Failed,
	})
	return batch, nil
}

// processOne executes a single queued operation.
func (p *Processor) processOne(ctx context.Context, deviceID, userID string, op models.QueuedOperation) models.OperationResult {
	result := models.OperationResult{
		OperationID: op.ID,
		Type:        op.Type,
		Collection:  op.Collection,
		DocumentID:  op.DocumentID,
	}

	// A replayed operation id short-circuits to its recorded outcome.
	if prior, ok := p.replayedOutcome(ctx, op.ID); ok {
		return prior
	}

	if err := validateOperation(op); err != nil {
		return p.finish(ctx, deviceID, failResult(result, err))
	}
	if err := p.checkAccess(ctx, userID, op); err != nil {
		return p.finish(ctx, deviceID, failResult(result, err))
	}

	switch op.Type {
	case models.OpCreate:
		result = p.executeCreate(ctx, deviceID, userID, op, result)
	case models.OpUpdate:
		result = p.executeUpdate(ctx, deviceID, userID, op, result)
	default:
		result = p.executeDelete(ctx, deviceID, op, result)
	}
	return p.finish(ctx, deviceID, result)
}

// executeCreate inserts the document. A duplicate id means the
// document reached the server by another path while the client was
// offline, so the create degrades to a conflict-resolved update.
func (p *Processor) executeCreate(ctx context.Context, deviceID, userID string, op models.QueuedOperation, result models.OperationResult) models.OperationResult {
	created, err := p.store.Create(ctx, op.Collection, op.DocumentID, op.Data)
	if err == nil {
		result.Success = true
		result.Document = created
		return result
	}
	if !errors.Is(err, errors.ErrDuplicate) {
		return failResult(result, err)
	}

	res, err := p.resolver.Resolve(ctx, op.Collection, op.DocumentID, op.Data, deviceID, userID)
	if err != nil {
		return failResult(result, err)
	}
	result.Success = true
	result.Document = res.Document
	return result
}

// executeUpdate resolves the client data against the server copy. A
// missing server copy is handled by the resolver's create path.
func (p *Processor) executeUpdate(ctx context.Context, deviceID, userID string, op models.QueuedOperation, result models.OperationResult) models.OperationResult {
	res, err := p.resolver.Resolve(ctx, op.Collection, op.DocumentID, op.Data, deviceID, userID)
	if err != nil {
		return failResult(result, err)
	}
	result.Success = true
	result.Document = res.Document
	return result
}

// executeDelete removes the document behind a tombstone. Deleting a
// document that is already gone succeeds: the client's intent holds.
func (p *Processor) executeDelete(ctx context.Context, deviceID string, op models.QueuedOperation, result models.OperationResult) models.OperationResult {
	existing, err := p.store.Get(ctx, op.Collection, op.DocumentID)
	if errors.IsNotFound(err) {
		result.Success = true
		result.Deleted = true
		result.AlreadyDeleted = true
		return result
	}
	if err != nil {
		return failResult(result, err)
	}

	// The tombstone precedes the hard delete: a crash between the two
	// leaves a surplus tombstone, never an unannounced deletion.
	if err := p.writeTombstone(ctx, op.Collection, op.DocumentID, existing, deviceID); err != nil {
		return failResult(result, err)
	}

	if err := p.store.Delete(ctx, op.Collection, op.DocumentID); err != nil {
		if errors.IsNotFound(err) {
			result.Success = true
			result.Deleted = true
			result.AlreadyDeleted = true
			return result
		}
		return failResult(result, err)
	}

	result.Success = true
	result.Deleted = true
	return result
}

// writeTombstone records the full prior body in the deletion log.
func (p *Processor) writeTombstone(ctx context.Context, collection, documentID string, body models.Document, deviceID string) error {
	entry := models.DeletionLogEntry{
		Collection:   collection,
		DocumentID:   documentID,
		OriginalData: body.Clone(),
		DeletedBy:    deviceID,
		DeletedAt:    syncutil.Now(),
	}
	doc, err := models.ToDocument(entry)
	if err != nil {
		return err
	}
	_, err = p.store.Create(ctx, entry.CollectionName(), "", doc)
	return err
}

// replayedOutcome consults the idempotency ledger. Any ledger problem
// degrades to re-execution, which the operations themselves tolerate.
func (p *Processor) replayedOutcome(ctx context.Context, operationID string) (models.OperationResult, bool) {
	if operationID == "" {
		return models.OperationResult{}, false
	}

	doc, err := p.store.Get(ctx, models.CollectionQueueIdempotency, operationID)
	if err != nil {
		if !errors.IsNotFound(err) {
			logging.Get().Warn("idempotency ledger unreadable, re-executing", map[string]interface{}{
				"operation_id": operationID,
				"error":        err.Error(),
			})
		}
		return models.OperationResult{}, false
	}

	var record models.IdempotencyRecord
	if err := models.FromDocument(doc, &record); err != nil {
		return models.OperationResult{}, false
	}
	var prior models.OperationResult
	if err := json.Unmarshal([]byte(record.Outcome), &prior); err != nil {
		return models.OperationResult{}, false
	}

	prior.Replayed = true
	return prior, true
}

// finish records the outcome in the idempotency ledger and returns it.
// Retryable failures are not recorded so a retried batch re-executes
// them; ledger write failures are swallowed for the same reason.
func (p *Processor) finish(ctx context.Context, deviceID string, result models.OperationResult) models.OperationResult {
	if result.OperationID == "" {
		return result
	}
	if !result.Success && result.Retryable {
		return result
	}

	raw, err := json.Marshal(result)
	if err != nil {
		return result
	}
	record := models.IdempotencyRecord{
		OperationID: result.OperationID,
		DeviceID:    deviceID,
		Outcome:     string(raw),
		RecordedAt:  syncutil.Now(),
	}
	doc, err := models.ToDocument(record)
	if err == nil {
		_, err = p.store.Create(ctx, record.CollectionName(), record.OperationID, doc)
	}
	if err != nil && !errors.Is(err, errors.ErrDuplicate) {
		logging.Get().Warn("failed to record idempotency outcome", map[string]interface{}{
			"operation_id": result.OperationID,
			"error":        err.Error(),
		})
	}
	return result
}

// checkAccess enforces the permission gate for one operation.
func (p *Processor) checkAccess(ctx context.Context, userID string, op models.QueuedOperation) error {
	if p.gate == nil {
		return nil
	}

	gateOp := access.OpCreate
	switch op.Type {
	case models.OpUpdate:
		gateOp = access.OpUpdate
	case models.OpDelete:
		gateOp = access.OpDelete
	}

	allowed, err := p.gate.CanAccessCollection(ctx, userID, op.Collection, gateOp)
	if err != nil {
		return errors.Wrap(errors.ErrPermission, "permission check failed", err)
	}
	if !allowed {
		return errors.Newf(errors.ErrPermission, "user %s may not %s in %s", userID, op.Type, op.Collection)
	}
	return nil
}

// validateOperation rejects operations the processor cannot execute.
func validateOperation(op models.QueuedOperation) error {
	switch op.Type {
	case models.OpCreate, models.OpUpdate, models.OpDelete:
	default:
		return errors.Newf(errors.ErrValidation, "unknown operation type %q", op.Type)
	}
	if op.Collection == "" {
		return errors.New(errors.ErrValidation, "collection is required")
	}
	if models.IsLogCollection(op.Collection) {
		return errors.Newf(errors.ErrValidation, "collection %q is reserved", op.Collection)
	}
	if op.DocumentID == "" && op.Type != models.OpCreate {
		return errors.Newf(errors.ErrValidation, "documentId is required for %s", op.Type)
	}
	return nil
}

// failResult classifies and attaches an execution error.
func failResult(result models.OperationResult, err error) models.OperationResult {
	result.Success = false
	result.Error = err.Error()
	result.Retryable = syncutil.IsRetryable(err)
	return result
}

// writeBatchLog records the batch summary. Failures are logged and
// swallowed.
func (p *Processor) writeBatchLog(ctx context.Context, deviceID, userID string, batch *BatchResult) {
	raw, err := json.Marshal(batch.Results)
	if err != nil {
		raw = []byte("[]")
	}
	entry := models.QueueProcessingLog{
		DeviceID:   deviceID,
		UserID:     userID,
		Processed:  batch.Processed,
		Successful: batch.Successful,
		Failed:     batch.Failed,
		Results:    string(raw),
		Timestamp:  syncutil.Now(),
	}
	doc, err := models.ToDocument(entry)
	if err == nil {
		_, err = p.store.Create(ctx, entry.CollectionName(), "", doc)
	}
	if err != nil {
		logging.Get().Warn("failed to write queue processing log", map[string]interface{}{
			"device_id": deviceID,
			"error":     err.Error(),
		})
	}
}
