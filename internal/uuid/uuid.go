// Package uuid mints the UUID v4 identifiers used for documents,
// notification rows and queued operations.
package uuid

import "github.com/google/uuid"

// New returns a fresh UUID v4 string.
func New() string {
	return uuid.New().String()
}

// IsValid reports whether s is a canonical UUID v4: 36 characters,
// dashes in place, version 4 and RFC 4122 variant bits.
func IsValid(s string) bool {
	if len(s) != 36 || s[8] != '-' || s[13] != '-' || s[18] != '-' || s[23] != '-' {
		return false
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return false
	}
	return id.Version() == 4 && id.Variant() == uuid.RFC4122
}
