// Package store provides document persistence for sync collections.
package store

import (
	"github.com/caredock/caresync/internal/errors"
	"github.com/caredock/caresync/internal/models"
)

// FilterOp is a comparison operator supported by all drivers.
type FilterOp string

const (
	// OpEq matches documents whose field equals the value.
	OpEq FilterOp = "eq"
	// OpGt matches documents whose field is strictly greater than the
	// value. Timestamp fields compare lexicographically, which matches
	// chronological order for canonical timestamps.
	OpGt FilterOp = "gt"
	// OpIn matches documents whose field equals any of the values.
	OpIn FilterOp = "in"
)

// Filter is a single predicate over a document field. Each driver
// compiles it to its native query form.
type Filter struct {
	Field  string
	Op     FilterOp
	Value  interface{}
	Values []string
}

// Valid reports whether the filter can be compiled.
func (f Filter) Valid() bool {
	if f.Field == "" {
		return false
	}
	switch f.Op {
	case OpEq, OpGt:
		return f.Value != nil
	case OpIn:
		return len(f.Values) > 0
	default:
		return false
	}
}

// FacilityIn filters to documents owned by any of the given facilities.
func FacilityIn(facilities []string) Filter {
	return Filter{Field: models.FieldFacility, Op: OpIn, Values: facilities}
}

// UpdatedAfter filters to documents modified strictly after ts.
func UpdatedAfter(ts string) Filter {
	return Filter{Field: models.FieldUpdatedAt, Op: OpGt, Value: ts}
}

// FieldEquals filters on field equality.
func FieldEquals(field string, value interface{}) Filter {
	return Filter{Field: field, Op: OpEq, Value: value}
}

// FieldAfter filters on a string field strictly greater than value.
// Canonical timestamps compare correctly because their lexicographic
// order is chronological.
func FieldAfter(field, value string) Filter {
	return Filter{Field: field, Op: OpGt, Value: value}
}

// checkFilters rejects queries containing an invalid filter. A dropped
// predicate would widen the result set, so drivers refuse instead.
func checkFilters(filters []Filter) error {
	for _, f := range filters {
		if !f.Valid() {
			return errors.Newf(errors.ErrValidation, "invalid filter on field %q", f.Field)
		}
	}
	return nil
}
