// Package export provides the archive runner contract.
package export

import "context"

// ServiceInterface is the archive runner contract. The scheduler and the
// manual trigger endpoint depend on it so tests can substitute a mock.
type ServiceInterface interface {
	// Run performs one archive pass.
	Run(ctx context.Context) (*Result, error)
}

// Ensure *Service implements the interface at compile time.
var _ ServiceInterface = (*Service)(nil)
