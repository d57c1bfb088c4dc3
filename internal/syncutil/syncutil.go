// Package syncutil provides the leaf helpers shared by the sync components:
// timestamp handling, payload sanitization, safe JSON parsing, retryable
// error classification, chunking and payload compression. Nothing here
// touches the store or holds state.
package syncutil

import (
	"encoding/json"
	"time"

	"github.com/caredock/caresync/internal/errors"
	"github.com/caredock/caresync/internal/models"
)

// Now returns the current time in the canonical timestamp format.
func Now() string {
	return FormatTimestamp(time.Now())
}

// FormatTimestamp renders t in the canonical format: UTC RFC 3339 with
// millisecond precision.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(models.TimeFormat)
}

// ParseTimestamp parses any RFC 3339 timestamp, canonical or not. Client
// devices send varying precision and offsets.
func ParseTimestamp(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, errors.Wrap(errors.ErrValidation, "invalid timestamp", err)
	}
	return t, nil
}

// NormalizeTimestamp re-renders a client timestamp in the canonical format
// so stored values stay lexicographically comparable.
func NormalizeTimestamp(s string) (string, error) {
	t, err := ParseTimestamp(s)
	if err != nil {
		return "", err
	}
	return FormatTimestamp(t), nil
}

// SafeParseJSON decodes a JSON object, returning an empty document instead
// of failing on malformed input. Log readers use it so one corrupt row never
// aborts an aggregation pass.
func SafeParseJSON(raw string) models.Document {
	if raw == "" {
		return models.Document{}
	}
	var doc models.Document
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return models.Document{}
	}
	return doc
}

// Sanitize strips store-owned fields from a client payload so a write can
// never forge identity, timestamps or revisions. The facility scope field is
// client data and passes through.
func Sanitize(data models.Document) models.Document {
	if data == nil {
		return models.Document{}
	}
	out := make(models.Document, len(data))
	for k, v := range data {
		if len(k) > 0 && k[0] == '$' {
			continue
		}
		out[k] = v
	}
	return out
}

// Chunk splits items into consecutive slices of at most size elements. The
// final chunk may be shorter. A non-positive size yields a single chunk.
func Chunk[T any](items []T, size int) [][]T {
	if len(items) == 0 {
		return nil
	}
	if size <= 0 {
		return [][]T{items}
	}
	chunks := make([][]T, 0, (len(items)+size-1)/size)
	for start := 0; start < len(items); start += size {
		end := start + size
		if end > len(items) {
			end = len(items)
		}
		chunks = append(chunks, items[start:end])
	}
	return chunks
}
