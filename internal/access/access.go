// Package access defines the authorization boundary the sync core consumes.
// Real deployments plug in the platform's permission service; the static
// implementation here serves wiring and tests.
package access

import "context"

// Operation is the access class being checked.
type Operation string

const (
	OpRead   Operation = "read"
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// Gate answers yes/no collection access questions. Role and permission
// evaluation happens behind this boundary.
type Gate interface {
	// CanAccessCollection reports whether user may perform op on collection.
	CanAccessCollection(ctx context.Context, userID, collection string, op Operation) (bool, error)
}

// Scope restricts queries to the facilities a user belongs to. All true
// means unrestricted.
type Scope struct {
	All        bool
	Facilities []string
}

// ScopeResolver produces the facility scope applied to every sync query.
type ScopeResolver interface {
	// FacilityScope returns the facilities user may see.
	FacilityScope(ctx context.Context, userID string) (Scope, error)
}
