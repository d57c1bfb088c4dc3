// Package status aggregates the append-only sync logs into one health
// report. Read-only; nothing here writes to the store.
package status

import (
	"context"
	"time"

	"github.com/caredock/caresync/internal/models"
	"github.com/caredock/caresync/internal/store"
	"github.com/caredock/caresync/internal/syncutil"
)

// Health classifications, worst to best: a single unhealthy component
// makes the whole report unhealthy.
const (
	HealthHealthy   = "healthy"
	HealthDegraded  = "degraded"
	HealthUnhealthy = "unhealthy"
)

// Failure-rate thresholds for classification.
const (
	degradedFailureRate  = 0.05
	unhealthyFailureRate = 0.25
)

// Paging bounds for the queue log scan. An overful window is summarized
// from its oldest pages rather than read in full.
const (
	queuePageLimit = 500
	queueMaxPages  = 4
)

// Aggregator computes sync health over a bounded trailing window.
type Aggregator struct {
	store  store.Store
	window time.Duration
}

// NewAggregator returns an aggregator reading logs no older than window.
// A non-positive window defaults to 24h.
func NewAggregator(st store.Store, window time.Duration) *Aggregator {
	if window <= 0 {
		window = 24 * time.Hour
	}
	return &Aggregator{store: st, window: window}
}

// Report is one aggregation pass over the log collections.
type Report struct {
	Health      string           `json:"health"`
	GeneratedAt string           `json:"generatedAt"`
	WindowStart string           `json:"windowStart"`
	Sync        OperationSummary `json:"sync"`
	Queue       QueueSummary     `json:"queue"`
	Conflicts   int64            `json:"conflicts"`
	Deletions   int64            `json:"deletions"`
	Sessions    SessionSummary   `json:"sessions"`
}

// OperationSummary counts incremental sync invocations inside the window.
type OperationSummary struct {
	Total       int64   `json:"total"`
	Completed   int64   `json:"completed"`
	Partial     int64   `json:"partial"`
	Failed      int64   `json:"failed"`
	FailureRate float64 `json:"failureRate"`
}

// QueueSummary counts queued operations processed inside the window.
// Failure rate is per operation, not per batch.
type QueueSummary struct {
	Batches     int64   `json:"batches"`
	Processed   int64   `json:"processed"`
	Successful  int64   `json:"successful"`
	Failed      int64   `json:"failed"`
	FailureRate float64 `json:"failureRate"`
}

// SessionSummary counts the current device sessions by state.
type SessionSummary struct {
	Active int64 `json:"active"`
	Stale  int64 `json:"stale"`
}

// Report aggregates the window ending now. Any store read failure fails
// the report; a health endpoint that guesses is worse than one that
// errors.
func (a *Aggregator) Report(ctx context.Context) (*Report, error) {
	now := time.Now()
	since := syncutil.FormatTimestamp(now.Add(-a.window))

	syncSummary, err := a.syncSummary(ctx, since)
	if err != nil {
		return nil, err
	}
	queueSummary, err := a.queueSummary(ctx, since)
	if err != nil {
		return nil, err
	}
	conflicts, err := a.store.Count(ctx, models.CollectionConflictLog,
		store.NewQuery().UpdatedSince(since))
	if err != nil {
		return nil, err
	}
	deletions, err := a.store.Count(ctx, models.CollectionDeletionLog,
		store.NewQuery().UpdatedSince(since))
	if err != nil {
		return nil, err
	}
	sessions, err := a.sessionSummary(ctx)
	if err != nil {
		return nil, err
	}

	report := &Report{
		GeneratedAt: syncutil.FormatTimestamp(now),
		WindowStart: since,
		Sync:        syncSummary,
		Queue:       queueSummary,
		Conflicts:   conflicts,
		Deletions:   deletions,
		Sessions:    sessions,
	}
	report.Health = classify(
		[]float64{syncSummary.FailureRate, queueSummary.FailureRate},
		sessions.Stale > sessions.Active,
	)
	return report, nil
}

// syncSummary counts sync_operations rows by outcome.
func (a *Aggregator) syncSummary(ctx context.Context, since string) (OperationSummary, error) {
	var s OperationSummary
	var err error

	s.Total, err = a.store.Count(ctx, models.CollectionSyncOperations,
		store.NewQuery().UpdatedSince(since))
	if err != nil {
		return s, err
	}
	s.Completed, err = a.store.Count(ctx, models.CollectionSyncOperations,
		store.NewQuery().UpdatedSince(since).Where("status", models.LogStatusCompleted))
	if err != nil {
		return s, err
	}
	s.Partial, err = a.store.Count(ctx, models.CollectionSyncOperations,
		store.NewQuery().UpdatedSince(since).Where("status", models.LogStatusPartial))
	if err != nil {
		return s, err
	}
	s.Failed, err = a.store.Count(ctx, models.CollectionSyncOperations,
		store.NewQuery().UpdatedSince(since).Where("status", models.LogStatusFailed))
	if err != nil {
		return s, err
	}
	if s.Total > 0 {
		s.FailureRate = float64(s.Failed) / float64(s.Total)
	}
	return s, nil
}

// queueSummary sums the per-batch counters from queue_processing_log.
func (a *Aggregator) queueSummary(ctx context.Context, since string) (QueueSummary, error) {
	var s QueueSummary
	cursor := ""
	for page := 0; page < queueMaxPages; page++ {
		q := store.NewQuery().
			UpdatedSince(since).
			WithLimit(queuePageLimit).
			WithCursor(cursor)
		result, err := a.store.List(ctx, models.CollectionQueueProcessingLog, q)
		if err != nil {
			return s, err
		}
		for _, doc := range result.Documents {
			var row models.QueueProcessingLog
			if err := models.FromDocument(doc, &row); err != nil {
				continue
			}
			s.Batches++
			s.Processed += int64(row.Processed)
			s.Successful += int64(row.Successful)
			s.Failed += int64(row.Failed)
		}
		if result.NextCursor == "" {
			break
		}
		cursor = result.NextCursor
	}
	if s.Processed > 0 {
		s.FailureRate = float64(s.Failed) / float64(s.Processed)
	}
	return s, nil
}

// sessionSummary counts the session population by state. No window: the
// sweep keeps the status field current.
func (a *Aggregator) sessionSummary(ctx context.Context) (SessionSummary, error) {
	var s SessionSummary
	var err error

	s.Active, err = a.store.Count(ctx, models.CollectionSyncSessions,
		store.NewQuery().Where("status", models.SessionActive))
	if err != nil {
		return s, err
	}
	s.Stale, err = a.store.Count(ctx, models.CollectionSyncSessions,
		store.NewQuery().Where("status", models.SessionStale))
	return s, err
}

// classify maps component failure rates and session balance to a health
// state. A mostly-stale device population signals delivery trouble even
// when the request paths look clean.
func classify(rates []float64, staleHeavy bool) string {
	health := HealthHealthy
	for _, rate := range rates {
		if rate >= unhealthyFailureRate {
			return HealthUnhealthy
		}
		if rate >= degradedFailureRate {
			health = HealthDegraded
		}
	}
	if staleHeavy {
		health = HealthDegraded
	}
	return health
}
