// Package store provides document persistence for sync collections.
package store

import (
	"context"

	"github.com/caredock/caresync/internal/config"
	"github.com/caredock/caresync/internal/errors"
)

// Open creates the store selected by the configuration. The config is
// assumed validated, but an unknown driver still fails rather than
// defaulting.
func Open(ctx context.Context, cfg config.StoreConfig, events *Dispatcher) (Store, error) {
	switch cfg.Driver {
	case "sqlite":
		return OpenSQLite(cfg.Path, events)
	case "mongo":
		return OpenMongo(ctx, cfg.URI, cfg.Database, events)
	default:
		return nil, errors.Newf(errors.ErrConfig, "unknown store driver %q", cfg.Driver)
	}
}
