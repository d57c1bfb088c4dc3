package sync

import "context"

// DeltaSyncer is the engine surface the HTTP layer consumes. The interface
// exists so handler tests can substitute a stub for the real engine.
type DeltaSyncer interface {
	// Delta answers one incremental sync request.
	Delta(ctx context.Context, req DeltaRequest) (*DeltaResponse, error)
}

var _ DeltaSyncer = (*Engine)(nil)
